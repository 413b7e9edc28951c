package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/medremind/internal/worker"
)

// ProtectedSender puts a CircuitBreaker in front of a worker.Sender. While
// the breaker is open, Send fails fast with ErrCircuitOpen and the reminder
// stays due for the next cycle.
type ProtectedSender struct {
	sender  worker.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedSender(sender worker.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send delivers msg unless the provider's breaker is open. Only provider
// failures count against the breaker: a cancelled cycle or a message the
// sender refused locally releases the slot, and a provider refusing one
// recipient counts as a healthy answer.
func (p *ProtectedSender) Send(ctx context.Context, msg *worker.Message) (*worker.Receipt, error) {
	provider := p.breaker.Name()

	if !p.breaker.Allow() {
		p.logger.Warn("provider breaker open, skipping send",
			zap.String("provider", provider),
			zap.String("reminder_id", msg.ReminderID.String()),
			zap.String("channel", msg.Channel),
			zap.Stringer("state", p.breaker.State()),
		)
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, provider)
	}

	receipt, err := p.sender.Send(ctx, msg)
	switch {
	case err == nil, errors.Is(err, worker.ErrRecipientRejected):
		p.breaker.RecordSuccess()
	case errors.Is(err, context.Canceled), errors.Is(err, worker.ErrInvalidMessage):
		p.breaker.Abandon()
	default:
		p.breaker.RecordFailure()
		p.logger.Debug("provider send failed",
			zap.String("provider", provider),
			zap.String("reminder_id", msg.ReminderID.String()),
			zap.Error(err),
		)
	}
	return receipt, err
}

func (p *ProtectedSender) SupportsChannel(channel string) bool {
	return p.sender.SupportsChannel(channel)
}
