package worker

import (
	"fmt"
	"time"

	"github.com/lalithlochan/medremind/internal/config"
)

// RecurrencePeriod is the distance between two occurrences of a reminder.
const RecurrencePeriod = config.RecurrencePeriod

// NextOccurrence returns the occurrence after t. It is strictly later than t
// and neither skips nor repeats a day.
func NextOccurrence(t time.Time) time.Time {
	return t.Add(RecurrencePeriod)
}

// NextOccurrenceAfter returns the first occurrence in t's series that is
// strictly after now. Used to roll stale reminders forward.
func NextOccurrenceAfter(t, now time.Time) time.Time {
	next := NextOccurrence(t)
	if next.After(now) {
		return next
	}
	periods := now.Sub(t)/RecurrencePeriod + 1
	return t.Add(periods * RecurrencePeriod)
}

// FirstOccurrence returns the next instant at the wall-clock time hhmm in
// loc that is strictly after now. Accepts "15:04" and "15:04:05".
func FirstOccurrence(now time.Time, hhmm string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}

	var clock time.Time
	var err error
	for _, layout := range []string{"15:04", "15:04:05"} {
		if clock, err = time.Parse(layout, hhmm); err == nil {
			break
		}
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time of day %q", hhmm)
	}

	local := now.In(loc)
	first := time.Date(local.Year(), local.Month(), local.Day(),
		clock.Hour(), clock.Minute(), clock.Second(), 0, loc)
	if !first.After(now) {
		first = first.AddDate(0, 0, 1)
	}
	return first, nil
}
