package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/family-event-planner/backend/internal/storage/models"
)

var (
	// ErrUnresolvedExists is returned when an event already has an unresolved approval.
	ErrUnresolvedExists = errors.New("event already has an unresolved approval")

	// ErrDuplicateKey is returned when a correlation key is already taken.
	ErrDuplicateKey = errors.New("correlation key already in use")
)

// ApprovalRepository provides data access for pending approvals.
type ApprovalRepository struct {
	BaseRepository
}

// NewApprovalRepository creates a new approval repository.
func NewApprovalRepository(db *DB) *ApprovalRepository {
	return &ApprovalRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

const approvalColumns = `
	id, event_id, channel, destination, message_id, correlation_key, created_at,
	expires_at, resolved, resolution, resolved_at, reprompts`

// Create inserts a new unresolved approval. The partial unique index on
// event_id enforces at most one unresolved approval per event.
func (r *ApprovalRepository) Create(ctx context.Context, a *models.PendingApproval) error {
	if a.ID == "" {
		a.ID = GenerateID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = r.Now()
	}
	a.Resolved = false

	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO pending_approvals (
			id, event_id, channel, destination, message_id, correlation_key,
			created_at, expires_at, resolved, reprompts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0)
	`,
		a.ID, a.EventID, a.Channel, a.Destination, a.MessageID, a.CorrelationKey,
		a.CreatedAt.UTC(), a.ExpiresAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			if strings.Contains(err.Error(), "correlation_key") {
				return ErrDuplicateKey
			}
			return ErrUnresolvedExists
		}
		return fmt.Errorf("inserting approval: %w", err)
	}

	return nil
}

// SetMessageID records the transport message id once the proposal was sent.
func (r *ApprovalRepository) SetMessageID(ctx context.Context, id, messageID string) error {
	_, err := r.DB().ExecContext(ctx, `
		UPDATE pending_approvals SET message_id = ? WHERE id = ?
	`, messageID, id)
	if err != nil {
		return fmt.Errorf("updating message id: %w", err)
	}
	return nil
}

// GetByID retrieves an approval by ID.
func (r *ApprovalRepository) GetByID(ctx context.Context, id string) (*models.PendingApproval, error) {
	return r.getOne(ctx, `WHERE id = ?`, id)
}

// GetByCorrelationKey retrieves an approval by the key embedded in outgoing messages.
func (r *ApprovalRepository) GetByCorrelationKey(ctx context.Context, key string) (*models.PendingApproval, error) {
	return r.getOne(ctx, `WHERE correlation_key = ?`, strings.ToUpper(key))
}

// GetByMessageID retrieves the approval whose proposal had the given transport id.
func (r *ApprovalRepository) GetByMessageID(ctx context.Context, messageID string) (*models.PendingApproval, error) {
	if messageID == "" {
		return nil, ErrNotFound
	}
	return r.getOne(ctx, `WHERE message_id = ? ORDER BY created_at DESC LIMIT 1`, messageID)
}

// GetUnresolvedForEvent retrieves the event's current unresolved approval.
func (r *ApprovalRepository) GetUnresolvedForEvent(ctx context.Context, eventID string) (*models.PendingApproval, error) {
	return r.getOne(ctx, `WHERE event_id = ? AND resolved = 0`, eventID)
}

// LatestForDestination retrieves the most recent approval sent to a destination,
// resolved or not.
func (r *ApprovalRepository) LatestForDestination(ctx context.Context, destination string) (*models.PendingApproval, error) {
	return r.getOne(ctx, `WHERE destination = ? ORDER BY created_at DESC LIMIT 1`, destination)
}

// ListUnresolvedForDestination retrieves unresolved approvals sent to a destination.
func (r *ApprovalRepository) ListUnresolvedForDestination(ctx context.Context, destination string) ([]models.PendingApproval, error) {
	return r.list(ctx, `WHERE destination = ? AND resolved = 0 ORDER BY created_at DESC`, destination)
}

// ListExpired retrieves unresolved approvals whose expiry is at or before now.
func (r *ApprovalRepository) ListExpired(ctx context.Context, now time.Time) ([]models.PendingApproval, error) {
	return r.list(ctx, `WHERE resolved = 0 AND expires_at <= ? ORDER BY expires_at ASC`, now.UTC())
}

// ListByEvent retrieves every approval for an event, newest first.
func (r *ApprovalRepository) ListByEvent(ctx context.Context, eventID string) ([]models.PendingApproval, error) {
	return r.list(ctx, `WHERE event_id = ? ORDER BY created_at DESC`, eventID)
}

// CountUnresolved returns the number of approvals awaiting a reply.
func (r *ApprovalRepository) CountUnresolved(ctx context.Context) (int, error) {
	var n int
	if err := r.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_approvals WHERE resolved = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting approvals: %w", err)
	}
	return n, nil
}

// Resolve marks an approval resolved using compare-and-swap on the resolved
// flag. Returns false without error if another writer resolved it first.
func (r *ApprovalRepository) Resolve(ctx context.Context, id, resolution string, at time.Time) (bool, error) {
	result, err := r.DB().ExecContext(ctx, `
		UPDATE pending_approvals SET resolved = 1, resolution = ?, resolved_at = ?
		WHERE id = ? AND resolved = 0
	`, resolution, at.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("resolving approval: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	return rowsAffected == 1, nil
}

// IncrementReprompts bumps the re-prompt counter and returns the new value.
func (r *ApprovalRepository) IncrementReprompts(ctx context.Context, id string) (int, error) {
	var n int
	err := r.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE pending_approvals SET reprompts = reprompts + 1 WHERE id = ?`, id); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT reprompts FROM pending_approvals WHERE id = ?`, id).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("incrementing reprompts: %w", err)
	}
	return n, nil
}

func (r *ApprovalRepository) getOne(ctx context.Context, where string, args ...any) (*models.PendingApproval, error) {
	a, err := scanApproval(r.DB().QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM pending_approvals `+where, args...))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("querying approval: %w", err)
	}
	return a, nil
}

func (r *ApprovalRepository) list(ctx context.Context, where string, args ...any) ([]models.PendingApproval, error) {
	rows, err := r.DB().QueryContext(ctx, `SELECT `+approvalColumns+` FROM pending_approvals `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("querying approvals: %w", err)
	}
	defer rows.Close()

	var approvals []models.PendingApproval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning approval: %w", err)
		}
		approvals = append(approvals, *a)
	}

	return approvals, rows.Err()
}

func scanApproval(row rowScanner) (*models.PendingApproval, error) {
	var a models.PendingApproval
	err := row.Scan(
		&a.ID, &a.EventID, &a.Channel, &a.Destination, &a.MessageID, &a.CorrelationKey,
		&a.CreatedAt, &a.ExpiresAt, &a.Resolved, &a.Resolution, &a.ResolvedAt, &a.Reprompts,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
