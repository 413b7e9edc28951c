package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DeliveredTTL is how long a delivered occurrence is remembered. It has
	// to outlive the lateness window plus one recurrence period.
	DeliveredTTL = 48 * time.Hour

	// reserveTTL bounds a reservation left behind by a crashed dispatcher.
	reserveTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest indicates the occurrence is reserved by a dispatch
// that has not finished yet.
var ErrDuplicateRequest = errors.New("duplicate request: occurrence is being dispatched")

// releaseScript deletes a key only while it still holds the expected value.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// DeliveryRecord is what the ledger remembers about a delivered occurrence.
type DeliveryRecord struct {
	Channels           []string `json:"channels"`
	ProviderMessageIDs []string `json:"provider_message_ids,omitempty"`
	DeliveredAt        int64    `json:"delivered_at"`
}

// Ledger records which reminder occurrences were already delivered, so a
// reminder whose state write failed is never messaged twice for the same
// scheduled instant.
type Ledger struct {
	client *Client
	logger *zap.Logger
}

// NewLedger creates a new delivery ledger.
func NewLedger(client *Client, logger *zap.Logger) *Ledger {
	return &Ledger{
		client: client,
		logger: logger,
	}
}

func (l *Ledger) buildKey(reminderID string, occurrence time.Time) string {
	return fmt.Sprintf("occurrence:%s:%d", reminderID, occurrence.Unix())
}

// Check retrieves the delivery record for an occurrence.
// Returns (nil, nil) if unknown, (record, nil) if delivered,
// or ErrDuplicateRequest if a dispatch currently holds it.
func (l *Ledger) Check(ctx context.Context, reminderID string, occurrence time.Time) (*DeliveryRecord, error) {
	val, err := l.client.rdb.Get(ctx, l.buildKey(reminderID, occurrence)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var rec DeliveryRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		l.logger.Error("failed to unmarshal delivery record", zap.Error(err))
		return nil, fmt.Errorf("invalid delivery record: %w", err)
	}

	l.logger.Debug("ledger hit",
		zap.String("reminder_id", reminderID),
		zap.Time("occurrence", occurrence),
	)

	return &rec, nil
}

// CheckOrReserve returns the delivery record if the occurrence was already
// delivered, reserves it and returns nil otherwise, or returns
// ErrDuplicateRequest when another dispatch holds the reservation.
func (l *Ledger) CheckOrReserve(ctx context.Context, reminderID string, occurrence time.Time) (*DeliveryRecord, error) {
	reserved, err := l.client.rdb.SetNX(ctx, l.buildKey(reminderID, occurrence), processingMarker, reserveTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if reserved {
		return nil, nil
	}

	rec, err := l.Check(ctx, reminderID, occurrence)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		// Expired between SETNX and GET; the next run will reserve it.
		return nil, ErrDuplicateRequest
	}
	return rec, nil
}

// MarkDelivered replaces the reservation with the delivery record.
func (l *Ledger) MarkDelivered(ctx context.Context, reminderID string, occurrence time.Time, rec *DeliveryRecord) error {
	if rec.DeliveredAt == 0 {
		rec.DeliveredAt = time.Now().Unix()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery record: %w", err)
	}

	if err := l.client.rdb.Set(ctx, l.buildKey(reminderID, occurrence), data, DeliveredTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// Release drops a reservation after a failed dispatch. A delivered record is
// left in place.
func (l *Ledger) Release(ctx context.Context, reminderID string, occurrence time.Time) error {
	key := l.buildKey(reminderID, occurrence)
	if err := releaseScript.Run(ctx, l.client.rdb, []string{key}, processingMarker).Err(); err != nil {
		return fmt.Errorf("redis release failed: %w", err)
	}
	return nil
}
