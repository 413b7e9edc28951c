package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository handles database operations for reminders and the records
// around them (medications, profiles, delivery attempts, adherence).
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

const reminderColumns = `
	r.id, r.user_id, r.medication_id, r.reminder_time, r.type, r.status,
	COALESCE(r.dosage, ''), COALESCE(r.frequency, ''), r.version,
	r.created_at, r.updated_at`

func scanReminder(row rowScanner, extra ...any) (*Reminder, error) {
	var rem Reminder
	dest := []any{
		&rem.ID,
		&rem.UserID,
		&rem.MedicationID,
		&rem.ReminderTime,
		&rem.Type,
		&rem.Status,
		&rem.Dosage,
		&rem.Frequency,
		&rem.Version,
		&rem.CreatedAt,
		&rem.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return &rem, nil
}

// DueReminders returns active reminders with from <= reminder_time < to,
// oldest first, joined with their medication and owner profile.
func (r *Repository) DueReminders(ctx context.Context, from, to time.Time, limit int) ([]*DueReminder, error) {
	query := `
		SELECT ` + reminderColumns + `,
			m.name, COALESCE(m.dosage, ''),
			p.id, COALESCE(p.full_name, ''), COALESCE(p.phone_number, '')
		FROM reminders r
		JOIN medications m ON m.id = r.medication_id
		LEFT JOIN profiles p ON p.id = r.user_id
		WHERE r.status = 'active'
			AND r.reminder_time >= $1
			AND r.reminder_time < $2
		ORDER BY r.reminder_time ASC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("query due reminders: %w", err)
	}
	defer rows.Close()

	var due []*DueReminder
	for rows.Next() {
		var (
			medName, medDosage string
			profileID          *uuid.UUID
			fullName, phone    string
		)
		rem, err := scanReminder(rows, &medName, &medDosage, &profileID, &fullName, &phone)
		if err != nil {
			return nil, fmt.Errorf("scan due reminder: %w", err)
		}

		dr := &DueReminder{
			Reminder:         *rem,
			MedicationName:   medName,
			MedicationDosage: medDosage,
		}
		if profileID != nil {
			dr.Profile = &Profile{ID: *profileID, FullName: fullName, PhoneNumber: phone}
		}
		due = append(due, dr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due reminders: %w", err)
	}

	return due, nil
}

// StaleReminders returns active reminders scheduled before cutoff.
func (r *Repository) StaleReminders(ctx context.Context, cutoff time.Time, limit int) ([]*Reminder, error) {
	query := `
		SELECT ` + reminderColumns + `
		FROM reminders r
		WHERE r.status = 'active' AND r.reminder_time < $1
		ORDER BY r.reminder_time ASC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale reminders: %w", err)
	}
	defer rows.Close()

	var reminders []*Reminder
	for rows.Next() {
		rem, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale reminder: %w", err)
		}
		reminders = append(reminders, rem)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale reminders: %w", err)
	}

	return reminders, nil
}

// AdvanceReminder moves an active reminder to its next occurrence. The
// update only applies if the row still has the version the caller read.
func (r *Repository) AdvanceReminder(ctx context.Context, id uuid.UUID, version int, next time.Time) error {
	query := `
		UPDATE reminders
		SET reminder_time = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND version = $3 AND status = 'active'
	`
	return r.conditionalUpdate(ctx, "advance reminder", id, query, next, id, version)
}

// MarkReminderSent moves an active reminder to the terminal sent status.
func (r *Repository) MarkReminderSent(ctx context.Context, id uuid.UUID, version int) error {
	return r.setReminderStatus(ctx, id, version, StatusSent)
}

// DeactivateReminder moves an active reminder to inactive.
func (r *Repository) DeactivateReminder(ctx context.Context, id uuid.UUID, version int) error {
	return r.setReminderStatus(ctx, id, version, StatusInactive)
}

func (r *Repository) setReminderStatus(ctx context.Context, id uuid.UUID, version int, status string) error {
	query := `
		UPDATE reminders
		SET status = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND version = $3 AND status = 'active'
	`
	return r.conditionalUpdate(ctx, "set reminder status", id, query, status, id, version)
}

func (r *Repository) conditionalUpdate(ctx context.Context, op string, id uuid.UUID, query string, args ...any) error {
	result, err := r.db.Pool().Exec(ctx, query, args...)
	if err != nil {
		r.logger.Error("failed to update reminder",
			zap.Error(err),
			zap.String("op", op),
			zap.String("reminder_id", id.String()),
		)
		return fmt.Errorf("%s: %w", op, err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", op, id, ErrReminderConflict)
	}

	return nil
}

// ListRemindersByUser returns every reminder owned by userID.
func (r *Repository) ListRemindersByUser(ctx context.Context, userID uuid.UUID) ([]*Reminder, error) {
	query := `
		SELECT ` + reminderColumns + `
		FROM reminders r
		WHERE r.user_id = $1
		ORDER BY r.reminder_time ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query reminders: %w", err)
	}
	defer rows.Close()

	reminders := []*Reminder{}
	for rows.Next() {
		rem, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		reminders = append(reminders, rem)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return reminders, nil
}

// GetReminder retrieves a reminder owned by userID.
func (r *Repository) GetReminder(ctx context.Context, id, userID uuid.UUID) (*Reminder, error) {
	query := `
		SELECT ` + reminderColumns + `
		FROM reminders r
		WHERE r.id = $1 AND r.user_id = $2
	`

	rem, err := scanReminder(r.db.Pool().QueryRow(ctx, query, id, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reminder %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query reminder: %w", err)
	}

	return rem, nil
}

// CreateReminders inserts reminders in one transaction.
func (r *Repository) CreateReminders(ctx context.Context, reminders []*Reminder) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO reminders (
			id, user_id, medication_id, reminder_time, type,
			status, dosage, frequency
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING version, created_at, updated_at
	`

	for _, rem := range reminders {
		err := tx.QueryRow(ctx, query,
			rem.ID,
			rem.UserID,
			rem.MedicationID,
			rem.ReminderTime,
			rem.Type,
			rem.Status,
			rem.Dosage,
			rem.Frequency,
		).Scan(&rem.Version, &rem.CreatedAt, &rem.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert reminder: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("reminders created", zap.Int("count", len(reminders)))
	return nil
}

// DeleteReminder removes a reminder owned by userID.
func (r *Repository) DeleteReminder(ctx context.Context, id, userID uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM reminders WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete reminder: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("reminder %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetMedication retrieves a medication owned by userID.
func (r *Repository) GetMedication(ctx context.Context, id, userID uuid.UUID) (*Medication, error) {
	query := `
		SELECT id, user_id, name, COALESCE(dosage, ''), COALESCE(frequency, ''),
			COALESCE(times, '{}'), refill_date, COALESCE(notes, ''), created_at
		FROM medications
		WHERE id = $1 AND user_id = $2
	`

	var med Medication
	err := r.db.Pool().QueryRow(ctx, query, id, userID).Scan(
		&med.ID,
		&med.UserID,
		&med.Name,
		&med.Dosage,
		&med.Frequency,
		&med.Times,
		&med.RefillDate,
		&med.Notes,
		&med.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("medication %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query medication: %w", err)
	}

	return &med, nil
}

// UserEmail resolves the email address of an identity from the hosted auth
// schema. Profiles do not carry email.
func (r *Repository) UserEmail(ctx context.Context, userID uuid.UUID) (string, error) {
	var email *string
	err := r.db.Pool().QueryRow(ctx, `SELECT email FROM auth.users WHERE id = $1`, userID).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("identity %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("query identity email: %w", err)
	}
	if email == nil {
		return "", nil
	}
	return *email, nil
}
