package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cswenor/conductor/internal/common/ids"
)

var (
	// ErrNotFound is returned when a job does not exist.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidState is returned when a transition is attempted from the
	// wrong status.
	ErrInvalidState = errors.New("job is not in a valid state for this operation")
	// ErrNotLeaseOwner is returned when a non-owner tries to renew a lease.
	ErrNotLeaseOwner = errors.New("lease is not held by this worker")
)

// Store persists jobs.
type Store struct {
	db    *sqlx.DB
	lease time.Duration
}

// NewStore creates a job store with the default lease duration.
func NewStore(conn *sqlx.DB) *Store {
	return &Store{db: conn, lease: DefaultLease}
}

// NewStoreWithLease creates a job store with a custom lease duration.
func NewStoreWithLease(conn *sqlx.DB, lease time.Duration) *Store {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Store{db: conn, lease: lease}
}

// CreateJob inserts a job. A duplicate idempotency key returns the
// existing row without inserting.
func (s *Store) CreateJob(ctx context.Context, p CreateParams) (*Job, error) {
	if existing, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	payload := "{}"
	if p.Payload != nil {
		b, err := json.Marshal(p.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal job payload: %w", err)
		}
		payload = string(b)
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	now := time.Now().UTC()
	j := &Job{
		ID:             ids.New(ids.PrefixJob),
		Queue:          p.Queue,
		JobType:        p.JobType,
		Payload:        payload,
		IdempotencyKey: p.IdempotencyKey,
		Status:         StatusQueued,
		Priority:       p.Priority,
		MaxAttempts:    maxAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if p.RunID != "" {
		j.RunID = &p.RunID
	}
	if p.ProjectID != "" {
		j.ProjectID = &p.ProjectID
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO jobs (
			id, queue, job_type, payload, idempotency_key, status, priority,
			attempts, max_attempts, run_id, project_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`),
		j.ID, j.Queue, j.JobType, j.Payload, j.IdempotencyKey, j.Status, j.Priority,
		j.MaxAttempts, j.RunID, j.ProjectID, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		// Races on the unique idempotency key resolve to the first row.
		if existing, ferr := s.FindByIdempotencyKey(ctx, p.IdempotencyKey); ferr == nil && existing != nil {
			return existing, nil
		}
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return j, nil
}

// ClaimJob atomically claims the top-priority queued job (or one whose
// lease has expired) in a named queue. Returns nil when the queue is
// empty. No busy-wait: callers poll.
//
// The claimable predicate is repeated on the outer UPDATE. Under READ
// COMMITTED two claimers can resolve the subquery to the same id; the
// loser re-evaluates the outer WHERE against the winner's committed row
// and updates nothing instead of stealing the fresh lease.
func (s *Store) ClaimJob(ctx context.Context, queue, workerID string) (*Job, error) {
	now := time.Now().UTC()
	leaseExpiry := now.Add(s.lease)

	var j Job
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(`
		UPDATE jobs SET
			status = ?, claimed_by = ?, claimed_at = ?,
			lease_expires_at = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE queue = ? AND (
				status = ?
				OR (status = ? AND lease_expires_at < ?)
			)
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
		) AND (
			status = ?
			OR (status = ? AND lease_expires_at < ?)
		)
		RETURNING *`),
		StatusProcessing, workerID, now, leaseExpiry, now,
		queue, StatusQueued, StatusProcessing, now,
		StatusQueued, StatusProcessing, now).StructScan(&j)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &j, nil
}

// CompleteJob moves a job from processing to completed. Any other source
// status is rejected.
func (s *Store) CompleteJob(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE jobs SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		StatusCompleted, time.Now().UTC(), jobID, StatusProcessing)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := s.GetJob(ctx, jobID); err != nil {
			return err
		}
		return ErrInvalidState
	}
	return nil
}

// FailJob records a failure. When attempts have reached max_attempts the
// job is dead-lettered; otherwise it is scheduled for retry after
// retryDelay and its lease fields are cleared.
func (s *Store) FailJob(ctx context.Context, jobID string, jobErr error, retryDelay time.Duration) error {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	errText := ""
	if jobErr != nil {
		errText = jobErr.Error()
	}
	now := time.Now().UTC()

	if j.Attempts >= j.MaxAttempts {
		_, err := s.db.ExecContext(ctx, s.db.Rebind(`
			UPDATE jobs SET status = ?, last_error = ?,
				claimed_by = NULL, claimed_at = NULL, lease_expires_at = NULL,
				updated_at = ?
			WHERE id = ?`),
			StatusDead, errText, now, jobID)
		return err
	}

	nextRetry := now.Add(retryDelay)
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE jobs SET status = ?, last_error = ?, next_retry_at = ?,
			claimed_by = NULL, claimed_at = NULL, lease_expires_at = NULL,
			updated_at = ?
		WHERE id = ?`),
		StatusFailed, errText, nextRetry, now, jobID)
	return err
}

// RenewLease extends the lease on a processing job. Only the claiming
// worker's renewal succeeds.
func (s *Store) RenewLease(ctx context.Context, jobID, workerID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE jobs SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND claimed_by = ?`),
		now.Add(s.lease), now, jobID, StatusProcessing, workerID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotLeaseOwner
	}
	return nil
}

// FindRetryableJobs returns failed jobs whose retry time has arrived.
func (s *Store) FindRetryableJobs(ctx context.Context, queue string) ([]*Job, error) {
	var out []*Job
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
		SELECT * FROM jobs
		WHERE queue = ? AND status = ? AND next_retry_at <= ?
		ORDER BY priority DESC, created_at ASC`),
		queue, StatusFailed, time.Now().UTC())
	return out, err
}

// RequeueJob promotes a failed job back to queued.
func (s *Store) RequeueJob(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE jobs SET status = ?, next_retry_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?`),
		StatusQueued, time.Now().UTC(), jobID, StatusFailed)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrInvalidState
	}
	return nil
}

// FindExpiredLeases returns processing jobs whose lease has lapsed. The
// claim statement also recovers these implicitly.
func (s *Store) FindExpiredLeases(ctx context.Context) ([]*Job, error) {
	var out []*Job
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
		SELECT * FROM jobs WHERE status = ? AND lease_expires_at < ?`),
		StatusProcessing, time.Now().UTC())
	return out, err
}

// DeleteOldCompletedJobs removes completed jobs older than the cutoff.
func (s *Store) DeleteOldCompletedJobs(ctx context.Context, olderThanDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM jobs WHERE status = ? AND updated_at < ?`),
		StatusCompleted, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var j Job
	err := s.db.GetContext(ctx, &j, s.db.Rebind(`SELECT * FROM jobs WHERE id = ?`), jobID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// FindByIdempotencyKey retrieves a job by idempotency key, or nil.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (*Job, error) {
	var j Job
	err := s.db.GetContext(ctx, &j, s.db.Rebind(
		`SELECT * FROM jobs WHERE idempotency_key = ?`), key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}
