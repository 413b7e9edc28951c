package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ThrottledSender paces calls to a provider with a token bucket. It waits
// for a token instead of rejecting, bounded by the caller's context.
type ThrottledSender struct {
	sender  Sender
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewThrottledSender allows ratePerSec sustained calls with bursts of burst.
func NewThrottledSender(sender Sender, ratePerSec float64, burst int, logger *zap.Logger) *ThrottledSender {
	return &ThrottledSender{
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
		logger:  logger,
	}
}

func (t *ThrottledSender) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		t.logger.Warn("provider throttle wait aborted",
			zap.String("channel", msg.Channel),
			zap.String("reminder_id", msg.ReminderID.String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("throttle wait: %w", err)
	}
	return t.sender.Send(ctx, msg)
}

func (t *ThrottledSender) SupportsChannel(channel string) bool {
	return t.sender.SupportsChannel(channel)
}
