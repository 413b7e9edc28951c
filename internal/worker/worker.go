package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/medremind/internal/config"
	"github.com/lalithlochan/medremind/internal/db"
	"github.com/lalithlochan/medremind/internal/metrics"
	"github.com/lalithlochan/medremind/internal/redis"
)

var (
	// ErrCycleInProgress is returned when another cycle holds the in-process
	// guard or the distributed lock.
	ErrCycleInProgress = errors.New("due-check cycle already in progress")

	// ErrNoAddress means the recipient has no address for the target channel.
	ErrNoAddress = errors.New("no address for channel")
)

// Repository is the storage the cycle reads due reminders from and writes
// transitions to. Transitions are conditional on the reminder's version and
// return db.ErrReminderConflict when a concurrent edit won.
type Repository interface {
	DueReminders(ctx context.Context, from, to time.Time, limit int) ([]*db.DueReminder, error)
	StaleReminders(ctx context.Context, cutoff time.Time, limit int) ([]*db.Reminder, error)
	AdvanceReminder(ctx context.Context, id uuid.UUID, version int, next time.Time) error
	MarkReminderSent(ctx context.Context, id uuid.UUID, version int) error
	DeactivateReminder(ctx context.Context, id uuid.UUID, version int) error
	UserEmail(ctx context.Context, userID uuid.UUID) (string, error)
	RecordDeliveryAttempt(ctx context.Context, attempt *db.DeliveryAttempt) error
}

// Ledger remembers delivered occurrences across runs and replicas.
type Ledger interface {
	Check(ctx context.Context, reminderID string, occurrence time.Time) (*redis.DeliveryRecord, error)
	CheckOrReserve(ctx context.Context, reminderID string, occurrence time.Time) (*redis.DeliveryRecord, error)
	MarkDelivered(ctx context.Context, reminderID string, occurrence time.Time, rec *redis.DeliveryRecord) error
	Release(ctx context.Context, reminderID string, occurrence time.Time) error
}

// CycleLock serializes cycles across replicas.
type CycleLock interface {
	TryAcquire(ctx context.Context) (string, bool, error)
	Release(ctx context.Context, token string) error
}

// EventPublisher forwards delivery attempts to downstream consumers.
type EventPublisher interface {
	PublishDeliveryAttempt(ctx context.Context, attempt *db.DeliveryAttempt) error
}

// Clock supplies the cycle's notion of now. Tests inject a fixed clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config tunes a due-check cycle. Zero values take the defaults applied
// in New.
type Config struct {
	Lookahead        time.Duration
	MaxLateness      time.Duration
	BatchSize        int
	SendTimeout      time.Duration
	RecurrencePolicy string
	ChannelMode      string
	Channels         []string // targets in "all" mode, in dispatch order
}

// CycleResult summarizes one due-check cycle.
type CycleResult struct {
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration_ns"`
	Due         int           `json:"due"`
	Delivered   int           `json:"delivered"`
	Failed      int           `json:"failed"`
	Skipped     int           `json:"skipped"`
	Rescheduled int           `json:"rescheduled"`
	MarkedSent  int           `json:"marked_sent"`
	RolledOver  int           `json:"rolled_over"`
	Conflicts   int           `json:"conflicts"`
	LedgerHits  int           `json:"ledger_hits"`
}

// Worker runs due-check cycles: select due reminders, deliver them and
// move each one to its next occurrence. At most one cycle runs at a time
// per process, and per deployment when a CycleLock is configured.
type Worker struct {
	repo      Repository
	sender    Sender
	config    Config
	logger    *zap.Logger
	ledger    Ledger
	lock      CycleLock
	publisher EventPublisher
	clock     Clock

	running atomic.Bool
}

// Option configures optional collaborators of a Worker.
type Option func(*Worker)

// WithLedger enables per-occurrence delivery dedup.

func WithLedger(l Ledger) Option { return func(w *Worker) { w.ledger = l } }

// WithLock serializes cycles across replicas.
func WithLock(l CycleLock) Option { return func(w *Worker) { w.lock = l } }

// WithPublisher forwards every recorded delivery attempt.
func WithPublisher(p EventPublisher) Option { return func(w *Worker) { w.publisher = p } }

// WithClock replaces the system clock.
func WithClock(c Clock) Option { return func(w *Worker) { w.clock = c } }

// New creates a Worker. Unset Config fields get defaults: one minute of
// lookahead, batches of 200, a 15s send timeout, daily recurrence and
// declared-channel mode. MaxLateness is clamped so the due window stays
// inside config.MaxDueWindow.
func New(repo Repository, sender Sender, cfg Config, logger *zap.Logger, opts ...Option) *Worker {
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	// A longer window would pick a just-advanced reminder up again on the
	// next tick.
	if limit := config.MaxDueWindow - cfg.Lookahead; cfg.MaxLateness > limit {
		logger.Warn("max lateness too long for daily recurrence, clamping",
			zap.Duration("configured", cfg.MaxLateness),
			zap.Duration("clamped", max(limit, 0)),
		)
		cfg.MaxLateness = max(limit, 0)
	}
	if cfg.RecurrencePolicy == "" {
		cfg.RecurrencePolicy = config.RecurrenceDaily
	}
	if cfg.ChannelMode == "" {
		cfg.ChannelMode = config.ChannelModeDeclared
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = []string{db.ChannelEmail, db.ChannelWhatsApp}
	}

	w := &Worker{
		repo:   repo,
		sender: sender,
		config: cfg,
		logger: logger,
		clock:  systemClock{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RunCycle executes one due-check cycle: roll stale reminders forward, then
// dispatch every due reminder and transition the ones that were delivered.
// A failing due query aborts the run before anything is dispatched.
func (w *Worker) RunCycle(ctx context.Context) (*CycleResult, error) {
	if !w.running.CompareAndSwap(false, true) {
		return nil, ErrCycleInProgress
	}
	defer w.running.Store(false)

	if w.lock != nil {
		token, ok, err := w.lock.TryAcquire(ctx)
		if err != nil {
			metrics.RecordCycle("lock_failed", 0)
			return nil, fmt.Errorf("acquire cycle lock: %w", err)
		}
		if !ok {
			return nil, ErrCycleInProgress
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := w.lock.Release(releaseCtx, token); err != nil {
				w.logger.Warn("failed to release cycle lock", zap.Error(err))
			}
		}()
	}

	now := w.clock.Now()
	res := &CycleResult{StartedAt: now}
	defer func() {
		res.Duration = time.Since(now)
	}()

	w.rollOver(ctx, now, res)

	from := now.Add(-w.config.MaxLateness)
	to := now.Add(w.config.Lookahead)

	due, err := w.repo.DueReminders(ctx, from, to, w.config.BatchSize)
	if err != nil {
		w.logger.Error("failed to query due reminders", zap.Error(err))
		metrics.RecordCycle("query_failed", time.Since(now))
		return res, fmt.Errorf("query due reminders: %w", err)
	}

	res.Due = len(due)
	metrics.SetRemindersDue(len(due))

	for _, dr := range due {
		if err := ctx.Err(); err != nil {
			w.logger.Warn("cycle interrupted",
				zap.Error(err),
				zap.Int("remaining", len(due)-res.Delivered-res.Failed-res.Skipped-res.LedgerHits),
			)
			metrics.RecordCycle("interrupted", time.Since(now))
			return res, err
		}
		w.processReminder(ctx, now, dr, res)
	}

	if res.Due > 0 || res.RolledOver > 0 {
		w.logger.Info("due-check cycle complete",
			zap.Int("due", res.Due),
			zap.Int("delivered", res.Delivered),
			zap.Int("failed", res.Failed),
			zap.Int("skipped", res.Skipped),
			zap.Int("rolled_over", res.RolledOver),
			zap.Int("conflicts", res.Conflicts),
		)
	}
	metrics.RecordCycle("ok", time.Since(now))

	return res, nil
}

func (w *Worker) processReminder(ctx context.Context, now time.Time, dr *db.DueReminder, res *CycleResult) {
	logger := w.logger.With(
		zap.String("reminder_id", dr.ID.String()),
		zap.String("user_id", dr.UserID.String()),
		zap.Time("reminder_time", dr.ReminderTime),
	)

	messages, err := w.prepareMessages(ctx, dr)
	if err != nil {
		logger.Warn("skipping reminder: contact lookup failed", zap.Error(err))
		res.Skipped++
		return
	}

	reminderKey := dr.ID.String()
	reserved := false
	if w.ledger != nil {
		rec, err := w.ledger.CheckOrReserve(ctx, reminderKey, dr.ReminderTime)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			logger.Info("skipping reminder: occurrence is being dispatched elsewhere")
			res.Skipped++
			return
		case err != nil:
			// Dispatch without the ledger rather than drop the reminder.
			logger.Warn("delivery ledger unavailable", zap.Error(err))
		case rec != nil:
			logger.Info("occurrence already delivered, repeating transition")
			metrics.RecordLedgerHit()
			res.LedgerHits++
			w.transition(ctx, &dr.Reminder, res)
			return
		default:
			reserved = true
		}
	}

	delivered := &redis.DeliveryRecord{}
	for _, msg := range messages {
		receipt, err := w.dispatch(ctx, now, dr, msg)
		if err != nil {
			logger.Error("failed to send reminder",
				zap.String("channel", msg.Channel),
				zap.Error(err),
			)
			continue
		}
		delivered.Channels = append(delivered.Channels, msg.Channel)
		if receipt != nil && receipt.ProviderMessageID != "" {
			delivered.ProviderMessageIDs = append(delivered.ProviderMessageIDs, receipt.ProviderMessageID)
		}
	}

	if len(delivered.Channels) == 0 {
		res.Failed++
		if reserved {
			if err := w.ledger.Release(ctx, reminderKey, dr.ReminderTime); err != nil {
				logger.Warn("failed to release occurrence", zap.Error(err))
			}
		}
		return
	}

	res.Delivered++
	if reserved {
		delivered.DeliveredAt = w.clock.Now().Unix()
		if err := w.ledger.MarkDelivered(ctx, reminderKey, dr.ReminderTime, delivered); err != nil {
			logger.Error("failed to mark occurrence delivered", zap.Error(err))
		}
	}

	w.transition(ctx, &dr.Reminder, res)
}

// prepareMessages resolves contact details and renders one message per
// target channel. In declared mode a missing address is an error; in all
// mode channels without an address are dropped.
func (w *Worker) prepareMessages(ctx context.Context, dr *db.DueReminder) ([]*Message, error) {
	if dr.Profile == nil {
		return nil, fmt.Errorf("profile %s: %w", dr.UserID, db.ErrNotFound)
	}

	email, err := w.repo.UserEmail(ctx, dr.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolve email: %w", err)
	}

	address := func(channel string) string {
		if channel == db.ChannelEmail {
			return email
		}
		return dr.Profile.PhoneNumber
	}

	if w.config.ChannelMode != config.ChannelModeAll {
		to := address(dr.Type)
		if to == "" {
			return nil, fmt.Errorf("%s: %w", dr.Type, ErrNoAddress)
		}
		return []*Message{BuildMessage(dr, dr.Type, to)}, nil
	}

	var messages []*Message
	for _, channel := range w.config.Channels {
		if !w.sender.SupportsChannel(channel) {
			continue
		}
		if to := address(channel); to != "" {
			messages = append(messages, BuildMessage(dr, channel, to))
		}
	}
	if len(messages) == 0 {
		return nil, ErrNoAddress
	}
	return messages, nil
}

func (w *Worker) dispatch(ctx context.Context, now time.Time, dr *db.DueReminder, msg *Message) (*Receipt, error) {
	sendCtx, cancel := context.WithTimeout(ctx, w.config.SendTimeout)
	defer cancel()

	receipt, err := w.sender.Send(sendCtx, msg)

	attempt := &db.DeliveryAttempt{
		ID:           uuid.New(),
		ReminderID:   dr.ID,
		UserID:       dr.UserID,
		Channel:      msg.Channel,
		ScheduledFor: dr.ReminderTime,
		Outcome:      db.OutcomeSent,
		AttemptedAt:  w.clock.Now(),
	}
	if err != nil {
		errMsg := err.Error()
		attempt.Outcome = db.OutcomeFailed
		attempt.ErrorMessage = &errMsg
	} else if receipt != nil && receipt.ProviderMessageID != "" {
		id := receipt.ProviderMessageID
		attempt.ProviderMessageID = &id
	}

	metrics.RecordDispatch(msg.Channel, attempt.Outcome)
	if err == nil {
		metrics.RecordDispatchLateness(msg.Channel, now.Sub(dr.ReminderTime))
	}
	w.recordAttempt(ctx, attempt)

	return receipt, err
}

func (w *Worker) recordAttempt(ctx context.Context, attempt *db.DeliveryAttempt) {
	if err := w.repo.RecordDeliveryAttempt(ctx, attempt); err != nil {
		w.logger.Warn("failed to record delivery attempt",
			zap.String("reminder_id", attempt.ReminderID.String()),
			zap.Error(err),
		)
	}
	if w.publisher != nil {
		if err := w.publisher.PublishDeliveryAttempt(ctx, attempt); err != nil {
			w.logger.Warn("failed to publish delivery attempt",
				zap.String("reminder_id", attempt.ReminderID.String()),
				zap.Error(err),
			)
		}
	}
}

// transition applies the recurrence policy to a delivered reminder.
func (w *Worker) transition(ctx context.Context, rem *db.Reminder, res *CycleResult) {
	var (
		err  error
		kind string
	)
	if w.config.RecurrencePolicy == config.RecurrenceOnce {
		kind = "sent"
		err = w.repo.MarkReminderSent(ctx, rem.ID, rem.Version)
	} else {
		kind = "rescheduled"
		err = w.repo.AdvanceReminder(ctx, rem.ID, rem.Version, NextOccurrence(rem.ReminderTime))
	}

	switch {
	case errors.Is(err, db.ErrReminderConflict):
		w.logger.Warn("reminder changed during cycle, transition dropped",
			zap.String("reminder_id", rem.ID.String()),
		)
		metrics.RecordTransition("conflict")
		res.Conflicts++
	case err != nil:
		w.logger.Error("failed to transition reminder",
			zap.String("reminder_id", rem.ID.String()),
			zap.String("kind", kind),
			zap.Error(err),
		)
	default:
		metrics.RecordTransition(kind)
		if kind == "sent" {
			res.MarkedSent++
		} else {
			res.Rescheduled++
		}
	}
}

// rollOver moves reminders that fell out of the lateness window forward
// without sending them. A failed stale query only skips the rollover.
func (w *Worker) rollOver(ctx context.Context, now time.Time, res *CycleResult) {
	cutoff := now.Add(-w.config.MaxLateness)

	stale, err := w.repo.StaleReminders(ctx, cutoff, w.config.BatchSize)
	if err != nil {
		w.logger.Error("failed to query stale reminders", zap.Error(err))
		return
	}

	for _, rem := range stale {
		missed := true
		if w.ledger != nil {
			if rec, err := w.ledger.Check(ctx, rem.ID.String(), rem.ReminderTime); err == nil && rec != nil {
				missed = false
			}
		}

		var kind string
		if w.config.RecurrencePolicy == config.RecurrenceOnce {
			kind = "deactivated"
			if !missed {
				kind = "sent"
				err = w.repo.MarkReminderSent(ctx, rem.ID, rem.Version)
			} else {
				err = w.repo.DeactivateReminder(ctx, rem.ID, rem.Version)
			}
		} else {
			kind = "rolled_over"
			err = w.repo.AdvanceReminder(ctx, rem.ID, rem.Version, NextOccurrenceAfter(rem.ReminderTime, now))
		}

		if errors.Is(err, db.ErrReminderConflict) {
			metrics.RecordTransition("conflict")
			res.Conflicts++
			continue
		}
		if err != nil {
			w.logger.Error("failed to roll over stale reminder",
				zap.String("reminder_id", rem.ID.String()),
				zap.Error(err),
			)
			continue
		}

		metrics.RecordTransition(kind)
		res.RolledOver++

		if missed {
			w.logger.Warn("reminder missed its lateness window",
				zap.String("reminder_id", rem.ID.String()),
				zap.Time("reminder_time", rem.ReminderTime),
			)
			w.recordAttempt(ctx, &db.DeliveryAttempt{
				ID:           uuid.New(),
				ReminderID:   rem.ID,
				UserID:       rem.UserID,
				Channel:      rem.Type,
				ScheduledFor: rem.ReminderTime,
				Outcome:      db.OutcomeMissed,
				AttemptedAt:  now,
			})
		}
	}
}
