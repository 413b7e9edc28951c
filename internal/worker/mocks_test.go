package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/medremind/internal/db"
	"github.com/lalithlochan/medremind/internal/redis"
)

var ErrDatabaseError = errors.New("database error")

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

// MockRepository is an in-memory reminders store with conditional updates.
type MockRepository struct {
	mu sync.Mutex

	reminders   map[uuid.UUID]*db.Reminder
	medications map[uuid.UUID]*db.Medication
	profiles    map[uuid.UUID]*db.Profile
	emails      map[uuid.UUID]string
	attempts    []*db.DeliveryAttempt

	dueErr   error
	emailErr error

	// beforeUpdate runs before every conditional update, e.g. to simulate
	// a user edit racing the cycle.
	beforeUpdate func(id uuid.UUID)
}

func NewMockRepository() *MockRepository {
	return &MockRepository{
		reminders:   make(map[uuid.UUID]*db.Reminder),
		medications: make(map[uuid.UUID]*db.Medication),
		profiles:    make(map[uuid.UUID]*db.Profile),
		emails:      make(map[uuid.UUID]string),
	}
}

// addReminder stores a reminder owned by a user with a profile and email.
func (m *MockRepository) addReminder(at time.Time, channel, medName, dosage, fullName, phone, email string) *db.Reminder {
	user := uuid.New()
	med := &db.Medication{ID: uuid.New(), UserID: user, Name: medName, Dosage: dosage}
	rem := &db.Reminder{
		ID:           uuid.New(),
		UserID:       user,
		MedicationID: med.ID,
		ReminderTime: at,
		Type:         channel,
		Status:       db.StatusActive,
		Dosage:       dosage,
		Version:      1,
	}
	m.medications[med.ID] = med
	m.reminders[rem.ID] = rem
	m.profiles[user] = &db.Profile{ID: user, FullName: fullName, PhoneNumber: phone}
	if email != "" {
		m.emails[user] = email
	}
	snapshot := *rem
	return &snapshot
}

func (m *MockRepository) get(id uuid.UUID) db.Reminder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.reminders[id]
}

func (m *MockRepository) attemptsFor(id uuid.UUID) []*db.DeliveryAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.DeliveryAttempt
	for _, a := range m.attempts {
		if a.ReminderID == id {
			out = append(out, a)
		}
	}
	return out
}

func (m *MockRepository) DueReminders(ctx context.Context, from, to time.Time, limit int) ([]*db.DueReminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dueErr != nil {
		return nil, m.dueErr
	}

	var due []*db.DueReminder
	for _, r := range m.reminders {
		if r.Status != db.StatusActive || r.ReminderTime.Before(from) || !r.ReminderTime.Before(to) {
			continue
		}
		med := m.medications[r.MedicationID]
		dr := &db.DueReminder{Reminder: *r, MedicationName: med.Name, MedicationDosage: med.Dosage}
		if p, ok := m.profiles[r.UserID]; ok {
			cp := *p
			dr.Profile = &cp
		}
		due = append(due, dr)
		if len(due) == limit {
			break
		}
	}
	return due, nil
}

func (m *MockRepository) StaleReminders(ctx context.Context, cutoff time.Time, limit int) ([]*db.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []*db.Reminder
	for _, r := range m.reminders {
		if r.Status == db.StatusActive && r.ReminderTime.Before(cutoff) {
			cp := *r
			stale = append(stale, &cp)
		}
	}
	return stale, nil
}

func (m *MockRepository) update(id uuid.UUID, version int, apply func(r *db.Reminder)) error {
	if m.beforeUpdate != nil {
		m.beforeUpdate(id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reminders[id]
	if !ok || r.Version != version || r.Status != db.StatusActive {
		return fmt.Errorf("update %s: %w", id, db.ErrReminderConflict)
	}
	apply(r)
	r.Version++
	return nil
}

func (m *MockRepository) AdvanceReminder(ctx context.Context, id uuid.UUID, version int, next time.Time) error {
	return m.update(id, version, func(r *db.Reminder) { r.ReminderTime = next })
}

func (m *MockRepository) MarkReminderSent(ctx context.Context, id uuid.UUID, version int) error {
	return m.update(id, version, func(r *db.Reminder) { r.Status = db.StatusSent })
}

func (m *MockRepository) DeactivateReminder(ctx context.Context, id uuid.UUID, version int) error {
	return m.update(id, version, func(r *db.Reminder) { r.Status = db.StatusInactive })
}

func (m *MockRepository) UserEmail(ctx context.Context, userID uuid.UUID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.emailErr != nil {
		return "", m.emailErr
	}
	return m.emails[userID], nil
}

func (m *MockRepository) RecordDeliveryAttempt(ctx context.Context, attempt *db.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, attempt)
	return nil
}

// MockSender records messages and fails channels listed in failChannels.
type MockSender struct {
	mu           sync.Mutex
	channels     []string
	sent         []*Message
	failChannels map[string]error

	// block, when set, is closed by the test to let Send return.
	entered chan struct{}
	block   chan struct{}
}

func NewMockSender(channels ...string) *MockSender {
	if len(channels) == 0 {
		channels = []string{db.ChannelEmail, db.ChannelWhatsApp, db.ChannelSMS}
	}
	return &MockSender{channels: channels, failChannels: map[string]error{}}
}

func (s *MockSender) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	if s.block != nil {
		s.entered <- struct{}{}
		<-s.block
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failChannels[msg.Channel]; err != nil {
		return nil, err
	}
	s.sent = append(s.sent, msg)
	return &Receipt{ProviderMessageID: fmt.Sprintf("%s-%d", msg.Channel, len(s.sent))}, nil
}

func (s *MockSender) SupportsChannel(channel string) bool {
	for _, ch := range s.channels {
		if ch == channel {
			return true
		}
	}
	return false
}

func (s *MockSender) messages() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Message(nil), s.sent...)
}

type ledgerKey struct {
	id string
	at int64
}

// MockLedger is an in-memory delivery ledger.
type MockLedger struct {
	reserved  map[ledgerKey]bool
	delivered map[ledgerKey]*redis.DeliveryRecord
	released  int
}

func NewMockLedger() *MockLedger {
	return &MockLedger{
		reserved:  map[ledgerKey]bool{},
		delivered: map[ledgerKey]*redis.DeliveryRecord{},
	}
}

func (l *MockLedger) Check(ctx context.Context, id string, at time.Time) (*redis.DeliveryRecord, error) {
	k := ledgerKey{id, at.Unix()}
	if rec, ok := l.delivered[k]; ok {
		return rec, nil
	}
	if l.reserved[k] {
		return nil, redis.ErrDuplicateRequest
	}
	return nil, nil
}

func (l *MockLedger) CheckOrReserve(ctx context.Context, id string, at time.Time) (*redis.DeliveryRecord, error) {
	rec, err := l.Check(ctx, id, at)
	if err != nil || rec != nil {
		return rec, err
	}
	l.reserved[ledgerKey{id, at.Unix()}] = true
	return nil, nil
}

func (l *MockLedger) MarkDelivered(ctx context.Context, id string, at time.Time, rec *redis.DeliveryRecord) error {
	k := ledgerKey{id, at.Unix()}
	delete(l.reserved, k)
	l.delivered[k] = rec
	return nil
}

func (l *MockLedger) Release(ctx context.Context, id string, at time.Time) error {
	delete(l.reserved, ledgerKey{id, at.Unix()})
	l.released++
	return nil
}

type mockLock struct {
	held     bool
	released bool
}

func (l *mockLock) TryAcquire(ctx context.Context) (string, bool, error) {
	if l.held {
		return "", false, nil
	}
	l.held = true
	return "token", true, nil
}

func (l *mockLock) Release(ctx context.Context, token string) error {
	l.held = false
	l.released = true
	return nil
}

type mockPublisher struct {
	published []*db.DeliveryAttempt
}

func (p *mockPublisher) PublishDeliveryAttempt(ctx context.Context, attempt *db.DeliveryAttempt) error {
	p.published = append(p.published, attempt)
	return nil
}
