package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Lock is a single-owner lease shared by every dispatcher replica.
type Lock struct {
	client *Client
	logger *zap.Logger
	key    string
	ttl    time.Duration
}

// NewLock creates a lock stored under "lock:{name}". ttl must exceed the
// longest expected hold; an owner that dies frees the lock after ttl.
func NewLock(client *Client, logger *zap.Logger, name string, ttl time.Duration) *Lock {
	return &Lock{
		client: client,
		logger: logger,
		key:    "lock:" + name,
		ttl:    ttl,
	}
}

// TryAcquire takes the lock without waiting. On success it returns the
// owner token that Release needs.
func (l *Lock) TryAcquire(ctx context.Context) (string, bool, error) {
	token := uuid.NewString()

	ok, err := l.client.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		l.logger.Debug("lock held elsewhere", zap.String("key", l.key))
		return "", false, nil
	}

	return token, true, nil
}

// Release frees the lock if token still owns it.
func (l *Lock) Release(ctx context.Context, token string) error {
	if err := releaseScript.Run(ctx, l.client.rdb, []string{l.key}, token).Err(); err != nil {
		return fmt.Errorf("redis release failed: %w", err)
	}
	return nil
}
