package worker

import (
	"fmt"
	"html"
	"strings"

	"github.com/lalithlochan/medremind/internal/db"
)

const (
	fallbackName   = "there"
	fallbackDosage = "dose"
)

// BuildMessage renders the reminder template for one channel and address.
// Only email carries a subject and an HTML part.
func BuildMessage(dr *db.DueReminder, channel, to string) *Message {
	name := fallbackName
	if dr.Profile != nil && strings.TrimSpace(dr.Profile.FullName) != "" {
		name = strings.TrimSpace(dr.Profile.FullName)
	}

	dosage := dr.Dosage
	if dosage == "" {
		dosage = dr.MedicationDosage
	}
	if dosage == "" {
		dosage = fallbackDosage
	}

	body := fmt.Sprintf("Hi %s, it's time to take your %s of %s.", name, dosage, dr.MedicationName)

	msg := &Message{
		ReminderID: dr.ID,
		UserID:     dr.UserID,
		Channel:    channel,
		To:         to,
		Body:       body,
	}
	if channel == db.ChannelEmail {
		msg.Subject = fmt.Sprintf("Time for your %s medication", dr.MedicationName)
		msg.HTML = "<p>" + html.EscapeString(body) + "</p>"
	}
	return msg
}
