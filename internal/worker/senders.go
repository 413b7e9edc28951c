package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/medremind/internal/db"
)

var (
	// ErrInvalidMessage means a message was refused before any provider
	// call, e.g. a missing recipient or body.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrRecipientRejected means the provider answered and refused this
	// recipient (malformed or unreachable number, opted out). It says
	// nothing about the provider's health.
	ErrRecipientRejected = errors.New("recipient rejected by provider")
)

// Sender is the unified interface for all notification channels.
// Implementations: Email (SES), WhatsApp (Twilio), SMS (SNS).
// A sender makes one provider call and never retries.
type Sender interface {
	Send(ctx context.Context, msg *Message) (*Receipt, error)
	SupportsChannel(channel string) bool
}

// Message is a rendered reminder addressed to one channel.
type Message struct {
	ReminderID uuid.UUID
	UserID     uuid.UUID
	Channel    string
	To         string // email address or E.164 phone number
	Subject    string // email only
	Body       string
	HTML       string // email only
}

// Receipt is the provider's acknowledgement of an accepted message.
type Receipt struct {
	ProviderMessageID string
}

// MultiSender routes messages to the appropriate channel sender
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router that uses multiple underlying senders
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Send routes the message to the first sender supporting its channel
func (m *MultiSender) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	for _, sender := range m.senders {
		if sender.SupportsChannel(msg.Channel) {
			m.logger.Debug("routing message to sender",
				zap.String("channel", msg.Channel),
				zap.String("reminder_id", msg.ReminderID.String()),
			)
			return sender.Send(ctx, msg)
		}
	}

	return nil, fmt.Errorf("no sender found for channel: %s", msg.Channel)
}

// SupportsChannel checks if any underlying sender supports the channel
func (m *MultiSender) SupportsChannel(channel string) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogSender logs messages instead of delivering them (dry runs, development)
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender returns a sender that accepts every channel and only logs.
func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send logs msg and returns a synthetic "log-" message id.
func (s *LogSender) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	id := "log-" + uuid.NewString()
	s.logger.Info("logging reminder (dry run)",
		zap.String("reminder_id", msg.ReminderID.String()),
		zap.String("channel", msg.Channel),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.Body),
		zap.String("message_id", id),
	)
	return &Receipt{ProviderMessageID: id}, nil
}

// SupportsChannel accepts every known channel.
func (s *LogSender) SupportsChannel(channel string) bool {
	return db.ValidChannel(channel)
}
