// Package outbox implements the durable write path to the upstream
// platform: every external mutation becomes a github_writes row, claimed
// and executed by a writer worker, with idempotent enqueue and a
// stalled-row recovery sweep.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cswenor/conductor/internal/common/ids"
	"github.com/cswenor/conductor/internal/github"
	"github.com/cswenor/conductor/internal/redact"
)

// Outbox row statuses.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// ErrNotFound is returned when a write row does not exist.
var ErrNotFound = errors.New("github write not found")

// ErrInvalidKind is returned for unrecognized write kinds.
var ErrInvalidKind = errors.New("invalid github write kind")

// GithubWrite is one durable intent to write upstream.
type GithubWrite struct {
	ID             string     `db:"id"`
	RunID          string     `db:"run_id"`
	Kind           string     `db:"kind"`
	TargetNodeID   string     `db:"target_node_id"`
	TargetType     string     `db:"target_type"`
	Payload        string     `db:"payload"`
	PayloadHash    string     `db:"payload_hash"`
	IdempotencyKey string     `db:"idempotency_key"`
	Status         string     `db:"status"`
	RetryCount     int        `db:"retry_count"`
	SentAt         *time.Time `db:"sent_at"`
	ExternalID     string     `db:"external_id"`
	ExternalURL    string     `db:"external_url"`
	LastError      *string    `db:"last_error"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// EnqueueParams are the inputs to Store.EnqueueWrite.
type EnqueueParams struct {
	RunID        string
	Kind         string
	TargetNodeID string
	TargetType   string
	Payload      map[string]any
	// IdempotencyKey defaults to runId:kind:targetNodeId:payloadHash.
	// Callers needing per-kind write ordering must include a sequence here.
	IdempotencyKey string
}

// EnqueueResult reports the outcome of an enqueue.
type EnqueueResult struct {
	GithubWriteID string
	IsNew         bool
	Status        string
}

// Store persists outbox rows.
type Store struct {
	db *sqlx.DB
}

// NewStore creates an outbox store.
func NewStore(conn *sqlx.DB) *Store {
	return &Store{db: conn}
}

// EnqueueWrite inserts a queued write. The payload hash is computed over
// the canonical JSON form; a duplicate idempotency key returns the
// existing row with IsNew=false.
func (s *Store) EnqueueWrite(ctx context.Context, p EnqueueParams) (*EnqueueResult, error) {
	if !github.ValidKind(p.Kind) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKind, p.Kind)
	}

	hash, err := redact.HashValue(p.Payload)
	if err != nil {
		return nil, fmt.Errorf("hash payload: %w", err)
	}
	key := p.IdempotencyKey
	if key == "" {
		key = fmt.Sprintf("%s:%s:%s:%s", p.RunID, p.Kind, p.TargetNodeID, hash)
	}

	if existing, err := s.FindByIdempotencyKey(ctx, key); err != nil {
		return nil, err
	} else if existing != nil {
		return &EnqueueResult{GithubWriteID: existing.ID, IsNew: false, Status: existing.Status}, nil
	}

	payload := "{}"
	if p.Payload != nil {
		b, err := json.Marshal(p.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		payload = string(b)
	}

	now := time.Now().UTC()
	id := ids.New(ids.PrefixWrite)
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO github_writes (
			id, run_id, kind, target_node_id, target_type, payload,
			payload_hash, idempotency_key, status, retry_count,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`),
		id, p.RunID, p.Kind, p.TargetNodeID, p.TargetType, payload,
		hash, key, StatusQueued, now, now)
	if err != nil {
		if existing, ferr := s.FindByIdempotencyKey(ctx, key); ferr == nil && existing != nil {
			return &EnqueueResult{GithubWriteID: existing.ID, IsNew: false, Status: existing.Status}, nil
		}
		return nil, fmt.Errorf("insert github write: %w", err)
	}
	return &EnqueueResult{GithubWriteID: id, IsNew: true, Status: StatusQueued}, nil
}

// ClaimNext atomically claims the oldest queued write, marking it
// processing and stamping sent_at. Returns nil when none are queued.
func (s *Store) ClaimNext(ctx context.Context) (*GithubWrite, error) {
	now := time.Now().UTC()
	var w GithubWrite
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(`
		UPDATE github_writes SET status = ?, sent_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM github_writes WHERE status = ?
			ORDER BY created_at ASC LIMIT 1
		)
		RETURNING *`),
		StatusProcessing, now, now, StatusQueued).StructScan(&w)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim github write: %w", err)
	}
	return &w, nil
}

// Complete marks a processing write completed, recording the upstream
// object's id and url.
func (s *Store) Complete(ctx context.Context, writeID string, result *github.WriteResult) error {
	externalID, externalURL := "", ""
	if result != nil {
		externalID = result.NodeID
		externalURL = result.URL
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE github_writes SET status = ?, external_id = ?, external_url = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		StatusCompleted, externalID, externalURL, time.Now().UTC(), writeID, StatusProcessing)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Fail marks a processing write failed and increments its retry count.
func (s *Store) Fail(ctx context.Context, writeID string, writeErr error) error {
	errText := ""
	if writeErr != nil {
		errText = writeErr.Error()
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE github_writes SET status = ?, last_error = ?, retry_count = retry_count + 1, updated_at = ?
		WHERE id = ? AND status = ?`),
		StatusFailed, errText, time.Now().UTC(), writeID, StatusProcessing)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Requeue moves a failed write back to queued for another attempt.
func (s *Store) Requeue(ctx context.Context, writeID string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE github_writes SET status = ?, sent_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?`),
		StatusQueued, time.Now().UTC(), writeID, StatusFailed)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Cancel marks a queued write cancelled.
func (s *Store) Cancel(ctx context.Context, writeID string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE github_writes SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		StatusCancelled, time.Now().UTC(), writeID, StatusQueued)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetStalled returns processing rows whose sent_at is older than the
// threshold back to queued. Returns the number reset.
func (s *Store) ResetStalled(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE github_writes SET status = ?, sent_at = NULL, updated_at = ?
		WHERE status = ? AND sent_at < ?`),
		StatusQueued, time.Now().UTC(), StatusProcessing, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Get retrieves a write row by id.
func (s *Store) Get(ctx context.Context, writeID string) (*GithubWrite, error) {
	var w GithubWrite
	err := s.db.GetContext(ctx, &w, s.db.Rebind(`SELECT * FROM github_writes WHERE id = ?`), writeID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// FindByIdempotencyKey retrieves a write by key, or nil.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (*GithubWrite, error) {
	var w GithubWrite
	err := s.db.GetContext(ctx, &w, s.db.Rebind(
		`SELECT * FROM github_writes WHERE idempotency_key = ?`), key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// ListRunWrites returns all writes for a run ordered by creation.
func (s *Store) ListRunWrites(ctx context.Context, runID string) ([]*GithubWrite, error) {
	var out []*GithubWrite
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
		SELECT * FROM github_writes WHERE run_id = ? ORDER BY created_at ASC`), runID)
	return out, err
}

// LastCompletedCommentAt returns when the most recent non-cancelled
// comment for a run was created, or nil when there is none.
func (s *Store) LastCompletedCommentAt(ctx context.Context, runID string) (*time.Time, error) {
	var ts time.Time
	err := s.db.GetContext(ctx, &ts, s.db.Rebind(`
		SELECT created_at FROM github_writes
		WHERE run_id = ? AND kind = ? AND status != ?
		ORDER BY created_at DESC LIMIT 1`),
		runID, github.KindComment, StatusCancelled)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ts, nil
}
