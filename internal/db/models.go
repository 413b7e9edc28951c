package db

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors returned by the repository.
var (
	ErrNotFound = errors.New("record not found")

	// ErrReminderConflict is returned when a conditional reminder update
	// matched no row: the reminder was edited, deleted or transitioned by
	// another writer after it was read.
	ErrReminderConflict = errors.New("reminder changed concurrently")
)

// Reminder status constants
const (
	StatusActive   = "active"
	StatusSent     = "sent"
	StatusInactive = "inactive"
)

// Channel constants
const (
	ChannelEmail    = "email"
	ChannelWhatsApp = "whatsapp"
	ChannelSMS      = "sms"
)

// Delivery outcome constants
const (
	OutcomeSent   = "sent"
	OutcomeFailed = "failed"
	OutcomeMissed = "missed"
)

// Adherence status constants
const (
	AdherenceTaken   = "taken"
	AdherenceMissed  = "missed"
	AdherenceSkipped = "skipped"
)

// ValidChannel reports whether channel is a known delivery channel.
func ValidChannel(channel string) bool {
	return channel == ChannelEmail || channel == ChannelWhatsApp || channel == ChannelSMS
}

// Medication is a drug a user takes on a schedule.
type Medication struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"user_id"`
	Name       string     `json:"name"`
	Dosage     string     `json:"dosage"`
	Frequency  string     `json:"frequency"`
	Times      []string   `json:"time"` // HH:MM, local to the user
	RefillDate *time.Time `json:"refill_date,omitempty"`
	Notes      string     `json:"notes,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Reminder is a single scheduled notification for one medication dose.
// ReminderTime is the only trigger condition.
type Reminder struct {
	ID           uuid.UUID `json:"id"`
	UserID       uuid.UUID `json:"user_id"`
	MedicationID uuid.UUID `json:"medication_id"`
	ReminderTime time.Time `json:"reminder_time"`
	Type         string    `json:"type"`
	Status       string    `json:"status"`
	Dosage       string    `json:"dosage"`
	Frequency    string    `json:"frequency"`
	Version      int       `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Profile holds the user-editable part of an identity. Email lives in the
// identity store, not here.
type Profile struct {
	ID          uuid.UUID `json:"id"`
	FullName    string    `json:"full_name"`
	PhoneNumber string    `json:"phone_number"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
}

// DueReminder is a reminder joined with the medication and profile data the
// dispatcher needs. Profile is nil when the owner has no profile row.
type DueReminder struct {
	Reminder
	MedicationName   string
	MedicationDosage string
	Profile          *Profile
}

// DeliveryAttempt records the outcome of one sender invocation (or a
// missed occurrence) for one reminder.
type DeliveryAttempt struct {
	ID                uuid.UUID `json:"id"`
	ReminderID        uuid.UUID `json:"reminder_id"`
	UserID            uuid.UUID `json:"user_id"`
	Channel           string    `json:"channel"`
	ScheduledFor      time.Time `json:"scheduled_for"`
	Outcome           string    `json:"outcome"`
	ErrorMessage      *string   `json:"error_message,omitempty"`
	ProviderMessageID *string   `json:"provider_message_id,omitempty"`
	AttemptedAt       time.Time `json:"attempted_at"`
}

// AdherenceLog records whether a dose was taken.
type AdherenceLog struct {
	ID           uuid.UUID  `json:"id"`
	UserID       uuid.UUID  `json:"user_id"`
	MedicationID uuid.UUID  `json:"medication_id"`
	ReminderID   *uuid.UUID `json:"reminder_id,omitempty"`
	Status       string     `json:"status"`
	TakenAt      time.Time  `json:"taken_at"`
	Notes        string     `json:"notes,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}
