package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RecordDeliveryAttempt appends an attempt to the delivery audit trail.
func (r *Repository) RecordDeliveryAttempt(ctx context.Context, attempt *DeliveryAttempt) error {
	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}

	query := `
		INSERT INTO delivery_attempts (
			id, reminder_id, user_id, channel, scheduled_for,
			outcome, error_message, provider_message_id, attempted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		attempt.ID,
		attempt.ReminderID,
		attempt.UserID,
		attempt.Channel,
		attempt.ScheduledFor,
		attempt.Outcome,
		attempt.ErrorMessage,
		attempt.ProviderMessageID,
		attempt.AttemptedAt,
	)
	if err != nil {
		r.logger.Error("failed to record delivery attempt",
			zap.Error(err),
			zap.String("reminder_id", attempt.ReminderID.String()),
			zap.String("outcome", attempt.Outcome),
		)
		return fmt.Errorf("insert delivery attempt: %w", err)
	}

	return nil
}

// ListDeliveryAttempts returns the audit trail of a reminder, newest first.
func (r *Repository) ListDeliveryAttempts(ctx context.Context, reminderID, userID uuid.UUID, limit, offset int) ([]*DeliveryAttempt, error) {
	query := `
		SELECT
			id, reminder_id, user_id, channel, scheduled_for,
			outcome, error_message, provider_message_id, attempted_at
		FROM delivery_attempts
		WHERE reminder_id = $1 AND user_id = $2
		ORDER BY attempted_at DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := r.db.Pool().Query(ctx, query, reminderID, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query delivery attempts: %w", err)
	}
	defer rows.Close()

	attempts := []*DeliveryAttempt{}
	for rows.Next() {
		var a DeliveryAttempt
		err := rows.Scan(
			&a.ID,
			&a.ReminderID,
			&a.UserID,
			&a.Channel,
			&a.ScheduledFor,
			&a.Outcome,
			&a.ErrorMessage,
			&a.ProviderMessageID,
			&a.AttemptedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan delivery attempt: %w", err)
		}
		attempts = append(attempts, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return attempts, nil
}
