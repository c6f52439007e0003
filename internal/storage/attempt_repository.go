package storage

import (
	"context"
	"fmt"

	"github.com/family-event-planner/backend/internal/storage/models"
)

// AttemptRepository provides append-only access to registration attempts.
type AttemptRepository struct {
	BaseRepository
}

// NewAttemptRepository creates a new attempt repository.
func NewAttemptRepository(db *DB) *AttemptRepository {
	return &AttemptRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// Append records a registration attempt.
func (r *AttemptRepository) Append(ctx context.Context, a *models.RegistrationAttempt) error {
	if a.ID == "" {
		a.ID = GenerateID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = r.Now()
	}

	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO registration_attempts (
			id, event_id, adapter_id, attempt_number, outcome, detail, evidence_ref, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID, a.EventID, a.AdapterID, a.AttemptNumber, a.Outcome, a.Detail, a.EvidenceRef, a.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting registration attempt: %w", err)
	}

	return nil
}

// ListByEvent retrieves all attempts for an event in attempt order.
func (r *AttemptRepository) ListByEvent(ctx context.Context, eventID string) ([]models.RegistrationAttempt, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT id, event_id, adapter_id, attempt_number, outcome, detail, evidence_ref, created_at
		FROM registration_attempts
		WHERE event_id = ?
		ORDER BY attempt_number ASC
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("querying attempts: %w", err)
	}
	defer rows.Close()

	var attempts []models.RegistrationAttempt
	for rows.Next() {
		var a models.RegistrationAttempt
		if err := rows.Scan(
			&a.ID, &a.EventID, &a.AdapterID, &a.AttemptNumber, &a.Outcome,
			&a.Detail, &a.EvidenceRef, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning attempt: %w", err)
		}
		attempts = append(attempts, a)
	}

	return attempts, rows.Err()
}

// HasPaymentBlock reports whether any attempt for the event tripped the payment guard.
func (r *AttemptRepository) HasPaymentBlock(ctx context.Context, eventID string) (bool, error) {
	var n int
	err := r.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM registration_attempts WHERE event_id = ? AND outcome = ?
	`, eventID, models.OutcomePaymentBlocked).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking payment block: %w", err)
	}
	return n > 0, nil
}
