package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/family-event-planner/backend/internal/storage/models"
)

// ErrStatusChanged is returned when a compare-and-swap on event status loses
// to a concurrent writer.
var ErrStatusChanged = errors.New("event status changed concurrently")

// EventRepository provides data access for events and their status history.
type EventRepository struct {
	BaseRepository
}

// NewEventRepository creates a new event repository.
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

const eventColumns = `
	id, source, source_id, title, description, start_at, end_at, location, cost,
	age_min, age_max, registration_url, status, conflict_verdict, registration_result,
	created_at, updated_at`

// Upsert records a discovered event, deduplicating by (source, source_id).
// New events start as discovered. Existing events upstream of a proposal have
// their attributes refreshed; events further along are returned unchanged.
func (r *EventRepository) Upsert(ctx context.Context, d models.DiscoveredEvent) (*models.Event, bool, error) {
	var event *models.Event
	created := false

	err := r.Transaction(ctx, func(tx *sql.Tx) error {
		existing, err := scanEvent(tx.QueryRowContext(ctx,
			`SELECT `+eventColumns+` FROM events WHERE source = ? AND source_id = ?`,
			d.Source, d.SourceID))
		if err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("querying event by source: %w", err)
		}

		now := r.Now()

		if existing == nil {
			event = &models.Event{
				ID:        GenerateID(),
				Source:    d.Source,
				SourceID:  d.SourceID,
				Status:    models.StatusDiscovered,
				CreatedAt: now,
				UpdatedAt: now,
			}
			applyDiscovered(event, d)

			_, err := tx.ExecContext(ctx, `
				INSERT INTO events (
					id, source, source_id, title, description, start_at, end_at, location, cost,
					age_min, age_max, registration_url, status, created_at, updated_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`,
				event.ID, event.Source, event.SourceID, event.Title, event.Description,
				event.Start.UTC(), utcPtr(event.End), event.Location, event.Cost,
				event.AgeMin, event.AgeMax, event.RegistrationURL, event.Status,
				event.CreatedAt, event.UpdatedAt,
			)
			if err != nil {
				return fmt.Errorf("inserting event: %w", err)
			}

			created = true
			return appendHistory(ctx, tx, event.ID, "", models.StatusDiscovered, "discovered from "+d.Source, now)
		}

		event = existing
		if !event.IsRedrivable() {
			return nil
		}

		applyDiscovered(event, d)
		event.UpdatedAt = now
		_, err = tx.ExecContext(ctx, `
			UPDATE events SET
				title = ?, description = ?, start_at = ?, end_at = ?, location = ?, cost = ?,
				age_min = ?, age_max = ?, registration_url = ?, updated_at = ?
			WHERE id = ?
		`,
			event.Title, event.Description, event.Start.UTC(), utcPtr(event.End), event.Location,
			event.Cost, event.AgeMin, event.AgeMax, event.RegistrationURL, event.UpdatedAt, event.ID,
		)
		if err != nil {
			return fmt.Errorf("refreshing event: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return event, created, nil
}

func applyDiscovered(e *models.Event, d models.DiscoveredEvent) {
	e.Title = d.Title
	e.Description = d.Description
	e.Start = d.Start.UTC()
	e.End = utcPtr(d.End)
	e.Location = d.Location
	e.Cost = d.Cost
	e.AgeMin = d.AgeMin
	e.AgeMax = d.AgeMax
	e.RegistrationURL = d.RegistrationURL
}

// GetByID retrieves an event by its ID. Returns ErrNotFound if absent.
func (r *EventRepository) GetByID(ctx context.Context, id string) (*models.Event, error) {
	event, err := scanEvent(r.DB().QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("querying event: %w", err)
	}
	return event, nil
}

// GetBySource retrieves an event by its discovery identity.
func (r *EventRepository) GetBySource(ctx context.Context, source, sourceID string) (*models.Event, error) {
	event, err := scanEvent(r.DB().QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE source = ? AND source_id = ?`, source, sourceID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("querying event by source: %w", err)
	}
	return event, nil
}

// List retrieves events ordered by start time, optionally filtered by status.
func (r *EventRepository) List(ctx context.Context, status string) ([]models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY start_at ASC`

	rows, err := r.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, *event)
	}

	return events, rows.Err()
}

// CountByStatus returns the number of events per status.
func (r *EventRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB().QueryContext(ctx, `SELECT status, COUNT(*) FROM events GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// Transition describes a single status change and any attributes written with it.
type Transition struct {
	EventID string
	From    string
	To      string
	Reason  string

	Verdict *models.ConflictVerdict
	Result  *models.RegistrationResult
}

// ApplyTransition performs a compare-and-swap on the event status and appends
// the history entry in the same transaction. Returns ErrStatusChanged if the
// stored status is no longer t.From.
func (r *EventRepository) ApplyTransition(ctx context.Context, t Transition) error {
	verdictJSON, err := marshalNullable(t.Verdict)
	if err != nil {
		return fmt.Errorf("encoding verdict: %w", err)
	}
	resultJSON, err := marshalNullable(t.Result)
	if err != nil {
		return fmt.Errorf("encoding registration result: %w", err)
	}

	return r.Transaction(ctx, func(tx *sql.Tx) error {
		now := r.Now()
		result, err := tx.ExecContext(ctx, `
			UPDATE events SET
				status = ?,
				conflict_verdict = COALESCE(?, conflict_verdict),
				registration_result = COALESCE(?, registration_result),
				updated_at = ?
			WHERE id = ? AND status = ?
		`, t.To, verdictJSON, resultJSON, now, t.EventID, t.From)
		if err != nil {
			return fmt.Errorf("updating event status: %w", err)
		}

		rowsAffected, _ := result.RowsAffected()
		if rowsAffected == 0 {
			return ErrStatusChanged
		}

		return appendHistory(ctx, tx, t.EventID, t.From, t.To, t.Reason, now)
	})
}

// SaveVerdict stores the most recent conflict verdict without changing status.
func (r *EventRepository) SaveVerdict(ctx context.Context, eventID string, verdict *models.ConflictVerdict) error {
	verdictJSON, err := marshalNullable(verdict)
	if err != nil {
		return fmt.Errorf("encoding verdict: %w", err)
	}

	_, err = r.DB().ExecContext(ctx, `
		UPDATE events SET conflict_verdict = ?, updated_at = ? WHERE id = ?
	`, verdictJSON, r.Now(), eventID)
	if err != nil {
		return fmt.Errorf("saving verdict: %w", err)
	}
	return nil
}

// History returns the status history of an event, oldest first.
func (r *EventRepository) History(ctx context.Context, eventID string) ([]models.StatusChange, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT id, event_id, from_status, to_status, reason, created_at
		FROM event_status_history
		WHERE event_id = ?
		ORDER BY id ASC
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var history []models.StatusChange
	for rows.Next() {
		var c models.StatusChange
		if err := rows.Scan(&c.ID, &c.EventID, &c.FromStatus, &c.ToStatus, &c.Reason, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning history: %w", err)
		}
		history = append(history, c)
	}

	return history, rows.Err()
}

func appendHistory(ctx context.Context, q Queryable, eventID, from, to, reason string, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO event_status_history (event_id, from_status, to_status, reason, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, eventID, from, to, reason, at)
	if err != nil {
		return fmt.Errorf("appending status history: %w", err)
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*models.Event, error) {
	var e models.Event
	var verdictJSON, resultJSON *string

	err := row.Scan(
		&e.ID, &e.Source, &e.SourceID, &e.Title, &e.Description, &e.Start, &e.End,
		&e.Location, &e.Cost, &e.AgeMin, &e.AgeMax, &e.RegistrationURL, &e.Status,
		&verdictJSON, &resultJSON, &e.CreatedAt, &e.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if e.ConflictVerdict, err = unmarshalNullable[models.ConflictVerdict](verdictJSON); err != nil {
		return nil, fmt.Errorf("decoding verdict: %w", err)
	}
	if e.RegistrationResult, err = unmarshalNullable[models.RegistrationResult](resultJSON); err != nil {
		return nil, fmt.Errorf("decoding registration result: %w", err)
	}

	return &e, nil
}
