package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateAdherence logs a dose outcome.
func (r *Repository) CreateAdherence(ctx context.Context, entry *AdherenceLog) error {
	query := `
		INSERT INTO adherence (
			id, user_id, medication_id, reminder_id, status, taken_at, notes
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		entry.ID,
		entry.UserID,
		entry.MedicationID,
		entry.ReminderID,
		entry.Status,
		entry.TakenAt,
		entry.Notes,
	).Scan(&entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert adherence: %w", err)
	}

	return nil
}

// ListAdherence returns a user's adherence entries with from <= taken_at < to.
func (r *Repository) ListAdherence(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]*AdherenceLog, error) {
	query := `
		SELECT id, user_id, medication_id, reminder_id, status, taken_at,
			COALESCE(notes, ''), created_at
		FROM adherence
		WHERE user_id = $1 AND taken_at >= $2 AND taken_at < $3
		ORDER BY taken_at DESC
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query adherence: %w", err)
	}
	defer rows.Close()

	entries := []*AdherenceLog{}
	for rows.Next() {
		var e AdherenceLog
		err := rows.Scan(
			&e.ID,
			&e.UserID,
			&e.MedicationID,
			&e.ReminderID,
			&e.Status,
			&e.TakenAt,
			&e.Notes,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan adherence: %w", err)
		}
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return entries, nil
}
