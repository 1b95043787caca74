package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cswenor/conductor/internal/db"
)

func setupTestDB(t *testing.T) *sqlx.DB {
	conn, err := db.OpenSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, db.Migrate(context.Background(), conn, nil))
	return conn
}

func TestCreateJob_IdempotentKey(t *testing.T) {
	conn := setupTestDB(t)
	store := NewStore(conn)
	ctx := context.Background()

	first, err := store.CreateJob(ctx, CreateParams{
		Queue:          QueueRuns,
		JobType:        "run.advance",
		IdempotencyKey: "run_abc:advance:1",
		Payload:        map[string]any{"runId": "run_abc"},
	})
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := store.CreateJob(ctx, CreateParams{
		Queue:          QueueRuns,
		JobType:        "run.advance",
		IdempotencyKey: "run_abc:advance:1",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	var count int
	require.NoError(t, conn.Get(&count, `SELECT COUNT(*) FROM jobs`))
	assert.Equal(t, 1, count)
}

func TestClaimJob_EmptyQueue(t *testing.T) {
	conn := setupTestDB(t)
	store := NewStore(conn)

	job, err := store.ClaimJob(context.Background(), QueueRuns, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClaimJob_PriorityThenFIFO(t *testing.T) {
	conn := setupTestDB(t)
	store := NewStore(conn)
	ctx := context.Background()

	low, err := store.CreateJob(ctx, CreateParams{
		Queue: QueueRuns, JobType: "run.advance", IdempotencyKey: "low", Priority: 0,
	})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	lowLater, err := store.CreateJob(ctx, CreateParams{
		Queue: QueueRuns, JobType: "run.advance", IdempotencyKey: "low-later", Priority: 0,
	})
	require.NoError(t, err)
	high, err := store.CreateJob(ctx, CreateParams{
		Queue: QueueRuns, JobType: "run.advance", IdempotencyKey: "high", Priority: 10,
	})
	require.NoError(t, err)

	got1, err := store.ClaimJob(ctx, QueueRuns, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, high.ID, got1.ID)
	assert.Equal(t, StatusProcessing, got1.Status)
	assert.Equal(t, 1, got1.Attempts)

	got2, err := store.ClaimJob(ctx, QueueRuns, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, low.ID, got2.ID)

	got3, err := store.ClaimJob(ctx, QueueRuns, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, lowLater.ID, got3.ID)
}

func TestClaimJob_ScopedToQueue(t *testing.T) {
	conn := setupTestDB(t)
	store := NewStore(conn)
	ctx := context.Background()

	_, err := store.CreateJob(ctx, CreateParams{
		Queue: QueueWebhooks, JobType: "webhook.process", IdempotencyKey: "wh-1",
	})
	require.NoError(t, err)

	job, err := store.ClaimJob(ctx, QueueRuns, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClaimJob_RecoversExpiredLease(t *testing.T) {
	conn := setupTestDB(t)
	store := NewStore(conn)
	ctx := context.Background()

	created, err := store.CreateJob(ctx, CreateParams{
		Queue: QueueAgents, JobType: "agent.invoke", IdempotencyKey: "agent-1",
	})
	require.NoError(t, err)

	first, err := store.ClaimJob(ctx, QueueAgents, "worker-1")
	require.NoError(t, err)
	require.Equal(t, created.ID, first.ID)
	assert.Equal(t, 1, first.Attempts)

	// A live lease keeps the job invisible to other claimers.
	blocked, err := store.ClaimJob(ctx, QueueAgents, "worker-2")
	require.NoError(t, err)
	assert.Nil(t, blocked)

	// Expire the lease as if worker-1 crashed mid-flight.
	_, err = conn.Exec(conn.Rebind(`UPDATE jobs SET lease_expires_at = ? WHERE id = ?`),
		time.Now().UTC().Add(-time.Minute), created.ID)
	require.NoError(t, err)

	second, err := store.ClaimJob(ctx, QueueAgents, "worker-2")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, created.ID, second.ID)
	assert.Equal(t, 2, second.Attempts)
	assert.Equal(t, "worker-2", *second.ClaimedBy)
}

func TestClaimJob_LiveLeaseKeepsOwner(t *testing.T) {
	conn := setupTestDB(t)
	store := NewStore(conn)
	ctx := context.Background()

	created, err := store.CreateJob(ctx, CreateParams{
		Queue: QueueRuns, JobType: "run.advance", IdempotencyKey: "held-1",
	})
	require.NoError(t, err)

	first, err := store.ClaimJob(ctx, QueueRuns, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, first)

	// A freshly claimed job must not be re-claimed while its lease is
	// live: the loser gets nothing and the row is untouched.
	second, err := store.ClaimJob(ctx, QueueRuns, "worker-2")
	require.NoError(t, err)
	assert.Nil(t, second)

	row, err := store.GetJob(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, row.Status)
	require.NotNil(t, row.ClaimedBy)
	assert.Equal(t, "worker-1", *row.ClaimedBy)
	assert.Equal(t, 1, row.Attempts)
	assert.Equal(t, first.LeaseExpiresAt.Unix(), row.LeaseExpiresAt.Unix())
}

func TestClaimJob_UsesConfiguredLease(t *testing.T) {
	conn := setupTestDB(t)
	store := NewStoreWithLease(conn, 30*time.Second)
	ctx := context.Background()

	_, err := store.CreateJob(ctx, CreateParams{
		Queue: QueueWebhooks, JobType: "webhook.process", IdempotencyKey: "lease-1",
	})
	require.NoError(t, err)

	claimed, err := store.ClaimJob(ctx, QueueWebhooks, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed.LeaseExpiresAt)
	assert.WithinDuration(t, time.Now().UTC().Add(30*time.Second), *claimed.LeaseExpiresAt, 2*time.Second)
}

func TestCompleteJob_RequiresProcessing(t *testing.T) {
	conn := setupTestDB(t)
	store := NewStore(conn)
	ctx := context.Background()

	job, err := store.CreateJob(ctx, CreateParams{
		Queue: QueueRuns, JobType: "run.advance", IdempotencyKey: "c-1",
	})
	require.NoError(t, err)

	err = store.CompleteJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	claimed, err := store.ClaimJob(ctx, QueueRuns, "worker-1")
	require.NoError(t, err)
	require.NoError(t, store.CompleteJob(ctx, claimed.ID))

	done, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)

	// Completing twice is invalid, not silently absorbed.
	assert.ErrorIs(t, store.CompleteJob(ctx, job.ID), ErrInvalidState)
}

func TestFailJob_RetryThenDeadLetter(t *testing.T) {
	conn := setupTestDB(t)
	store := NewStore(conn)
	ctx := context.Background()

	job, err := store.CreateJob(ctx, CreateParams{
		Queue: QueueGithubWrites, JobType: "github.write", IdempotencyKey: "gw-1", MaxAttempts: 2,
	})
	require.NoError(t, err)

	claimed, err := store.ClaimJob(ctx, QueueGithubWrites, "worker-1")
	require.NoError(t, err)
	require.NoError(t, store.FailJob(ctx, claimed.ID, errors.New("rate limited"), 50*time.Millisecond))

	failed, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "rate limited", *failed.LastError)
	require.NotNil(t, failed.NextRetryAt)
	assert.Nil(t, failed.ClaimedBy)
	assert.Nil(t, failed.LeaseExpiresAt)

	time.Sleep(60 * time.Millisecond)
	retryable, err := store.FindRetryableJobs(ctx, QueueGithubWrites)
	require.NoError(t, err)
	require.Len(t, retryable, 1)
	require.NoError(t, store.RequeueJob(ctx, retryable[0].ID))

	claimed, err = store.ClaimJob(ctx, QueueGithubWrites, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, 2, claimed.Attempts)

	// Second failure hits max_attempts and dead-letters.
	require.NoError(t, store.FailJob(ctx, claimed.ID, errors.New("still failing"), 50*time.Millisecond))
	dead, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, dead.Status)

	claimedAgain, err := store.ClaimJob(ctx, QueueGithubWrites, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, claimedAgain)
}

func TestRenewLease_OwnerOnly(t *testing.T) {
	conn := setupTestDB(t)
	store := NewStore(conn)
	ctx := context.Background()

	_, err := store.CreateJob(ctx, CreateParams{
		Queue: QueueRuns, JobType: "run.advance", IdempotencyKey: "rl-1",
	})
	require.NoError(t, err)

	claimed, err := store.ClaimJob(ctx, QueueRuns, "worker-1")
	require.NoError(t, err)

	before := *claimed.LeaseExpiresAt
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, store.RenewLease(ctx, claimed.ID, "worker-1"))

	renewed, err := store.GetJob(ctx, claimed.ID)
	require.NoError(t, err)
	assert.True(t, renewed.LeaseExpiresAt.After(before))

	assert.ErrorIs(t, store.RenewLease(ctx, claimed.ID, "worker-2"), ErrNotLeaseOwner)
}

func TestDeleteOldCompletedJobs(t *testing.T) {
	conn := setupTestDB(t)
	store := NewStore(conn)
	ctx := context.Background()

	job, err := store.CreateJob(ctx, CreateParams{
		Queue: QueueCleanup, JobType: "cleanup.sweep", IdempotencyKey: "old-1",
	})
	require.NoError(t, err)
	claimed, err := store.ClaimJob(ctx, QueueCleanup, "worker-1")
	require.NoError(t, err)
	require.NoError(t, store.CompleteJob(ctx, claimed.ID))

	_, err = conn.Exec(conn.Rebind(`UPDATE jobs SET updated_at = ? WHERE id = ?`),
		time.Now().UTC().AddDate(0, 0, -10), job.ID)
	require.NoError(t, err)

	n, err := store.DeleteOldCompletedJobs(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
