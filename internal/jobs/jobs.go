// Package jobs implements the leased, durable job queue atop the
// relational store: idempotent creation, atomic claims with lease
// recovery, retries with per-queue backoff, and dead-lettering.
package jobs

import (
	"time"
)

// Named queues.
const (
	QueueWebhooks     = "webhooks"
	QueueRuns         = "runs"
	QueueAgents       = "agents"
	QueueCleanup      = "cleanup"
	QueueGithubWrites = "github_writes"
)

// Job statuses.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusDead       = "dead"
)

// DefaultLease is the lease granted on claim when the queue policy does
// not override it.
const DefaultLease = 5 * time.Minute

// DefaultMaxAttempts bounds retries before dead-lettering.
const DefaultMaxAttempts = 3

// Job is one durable unit of work.
type Job struct {
	ID             string     `db:"id"`
	Queue          string     `db:"queue"`
	JobType        string     `db:"job_type"`
	Payload        string     `db:"payload"`
	IdempotencyKey string     `db:"idempotency_key"`
	Status         string     `db:"status"`
	Priority       int        `db:"priority"`
	ClaimedBy      *string    `db:"claimed_by"`
	ClaimedAt      *time.Time `db:"claimed_at"`
	LeaseExpiresAt *time.Time `db:"lease_expires_at"`
	Attempts       int        `db:"attempts"`
	MaxAttempts    int        `db:"max_attempts"`
	LastError      *string    `db:"last_error"`
	NextRetryAt    *time.Time `db:"next_retry_at"`
	RunID          *string    `db:"run_id"`
	ProjectID      *string    `db:"project_id"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// CreateParams are the inputs to Store.CreateJob.
type CreateParams struct {
	Queue          string
	JobType        string
	Payload        map[string]any
	IdempotencyKey string
	Priority       int
	MaxAttempts    int // zero means DefaultMaxAttempts
	RunID          string
	ProjectID      string
}
