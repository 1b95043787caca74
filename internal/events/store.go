package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cswenor/conductor/internal/common/ids"
	"github.com/cswenor/conductor/internal/db"
)

// ErrNotFound is returned when an event does not exist.
var ErrNotFound = errors.New("event not found")

// Store persists events.
type Store struct {
	db *sqlx.DB
}

// NewStore creates an event store.
func NewStore(conn *sqlx.DB) *Store {
	return &Store{db: conn}
}

// CreateEvent appends an event, assigning the run's next sequence inside
// the same transaction as the insert so sequences are gap-free. A
// duplicate idempotency key returns the existing row without inserting.
func (s *Store) CreateEvent(ctx context.Context, p CreateParams) (*Event, error) {
	if existing, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	payload := "{}"
	if p.Payload != nil {
		b, err := json.Marshal(p.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		payload = string(b)
	}

	ev := &Event{
		ID:             ids.New(ids.PrefixEvent),
		ProjectID:      p.ProjectID,
		Type:           p.Type,
		Class:          p.Class,
		Payload:        payload,
		IdempotencyKey: p.IdempotencyKey,
		Source:         p.Source,
		CreatedAt:      time.Now().UTC(),
	}
	if p.RunID != "" {
		ev.RunID = &p.RunID
	}

	err := db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		return insertEventTx(ctx, tx, ev)
	})
	if err != nil {
		// Concurrent writers can race past the pre-check; the unique
		// constraint on idempotency_key is authoritative.
		if existing, ferr := s.FindByIdempotencyKey(ctx, p.IdempotencyKey); ferr == nil && existing != nil {
			return existing, nil
		}
		return nil, err
	}
	return ev, nil
}

// CreateEventTx appends an event within an existing transaction. The
// caller owns idempotency-key pre-checks when it matters.
func (s *Store) CreateEventTx(ctx context.Context, tx *sqlx.Tx, p CreateParams) (*Event, error) {
	payload := "{}"
	if p.Payload != nil {
		b, err := json.Marshal(p.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		payload = string(b)
	}
	ev := &Event{
		ID:             ids.New(ids.PrefixEvent),
		ProjectID:      p.ProjectID,
		Type:           p.Type,
		Class:          p.Class,
		Payload:        payload,
		IdempotencyKey: p.IdempotencyKey,
		Source:         p.Source,
		CreatedAt:      time.Now().UTC(),
	}
	if p.RunID != "" {
		ev.RunID = &p.RunID
	}
	if err := insertEventTx(ctx, tx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func insertEventTx(ctx context.Context, tx *sqlx.Tx, ev *Event) error {
	if ev.RunID != nil {
		seq, err := db.NextRunSequence(ctx, tx, *ev.RunID)
		if err != nil {
			return err
		}
		ev.Sequence = &seq
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE runs SET last_event_sequence = ? WHERE id = ?`), seq, *ev.RunID); err != nil {
			return err
		}
	}
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO events (
			id, project_id, run_id, type, class, payload,
			sequence, idempotency_key, source, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		ev.ID, ev.ProjectID, ev.RunID, ev.Type, ev.Class, ev.Payload,
		ev.Sequence, ev.IdempotencyKey, ev.Source, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// FindByIdempotencyKey retrieves an event by idempotency key, or nil.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (*Event, error) {
	var ev Event
	err := s.db.GetContext(ctx, &ev, s.db.Rebind(
		`SELECT * FROM events WHERE idempotency_key = ?`), key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// GetEvent retrieves an event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (*Event, error) {
	var ev Event
	err := s.db.GetContext(ctx, &ev, s.db.Rebind(`SELECT * FROM events WHERE id = ?`), id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// GetBySequence retrieves the event at a given per-run sequence.
func (s *Store) GetBySequence(ctx context.Context, runID string, sequence int64) (*Event, error) {
	var ev Event
	err := s.db.GetContext(ctx, &ev, s.db.Rebind(
		`SELECT * FROM events WHERE run_id = ? AND sequence = ?`), runID, sequence)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// ListRunEvents returns all events for a run ordered by sequence.
func (s *Store) ListRunEvents(ctx context.Context, runID string) ([]*Event, error) {
	var evs []*Event
	err := s.db.SelectContext(ctx, &evs, s.db.Rebind(
		`SELECT * FROM events WHERE run_id = ? ORDER BY sequence ASC`), runID)
	return evs, err
}
