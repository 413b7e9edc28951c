package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig bounds API requests per caller.
type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

// RateLimitResult is the outcome of one Allow call.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimiter is a sliding-window limiter over one sorted set per caller.
// Members are request ids scored by arrival time in nanoseconds.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
	now    func() time.Time
}

func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

// Limit returns the configured requests per window.
func (r *RateLimiter) Limit() int {
	return r.config.Limit
}

// Allow counts one request for key ("user:<id>") and reports whether it
// fits in the current window. Rejected requests are not recorded.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	now := r.now()
	setKey := "ratelimit:api:" + key
	cutoff := strconv.FormatInt(now.Add(-r.config.Window).UnixNano(), 10)

	var count *redis.IntCmd
	if _, err := r.client.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, setKey, "-inf", cutoff)
		count = p.ZCard(ctx, setKey)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("rate limit window %s: %w", key, err)
	}

	used := int(count.Val())
	result := &RateLimitResult{
		Remaining: max(0, r.config.Limit-used-1),
		ResetAt:   now.Add(r.config.Window),
	}

	if used >= r.config.Limit {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("used", used),
			zap.Int("limit", r.config.Limit),
		)
		result.Remaining = 0
		return result, nil
	}

	if _, err := r.client.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, setKey, redis.Z{Score: float64(now.UnixNano()), Member: uuid.NewString()})
		p.Expire(ctx, setKey, r.config.Window+time.Second)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("rate limit record %s: %w", key, err)
	}

	result.Allowed = true
	return result, nil
}
