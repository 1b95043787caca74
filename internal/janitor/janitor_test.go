package janitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cswenor/conductor/internal/bus"
	"github.com/cswenor/conductor/internal/common/config"
	"github.com/cswenor/conductor/internal/common/logger"
	"github.com/cswenor/conductor/internal/db/dbtest"
	"github.com/cswenor/conductor/internal/github"
	"github.com/cswenor/conductor/internal/jobs"
	"github.com/cswenor/conductor/internal/outbox"
)

func TestResetStalledWrites(t *testing.T) {
	conn := dbtest.Open(t)
	f := dbtest.SeedRun(t, conn)
	writes := outbox.NewStore(conn)
	ctx := context.Background()

	_, err := writes.EnqueueWrite(ctx, outbox.EnqueueParams{
		RunID: f.RunID, Kind: github.KindComment,
		TargetNodeID: "I_1", TargetType: "issue",
		Payload: map[string]any{"body": "hi"},
	})
	require.NoError(t, err)
	claimed, err := writes.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Backdate the claim past the stalled threshold.
	_, err = conn.Exec(conn.Rebind(`UPDATE github_writes SET sent_at = ? WHERE id = ?`),
		time.Now().UTC().Add(-10*time.Minute), claimed.ID)
	require.NoError(t, err)

	j := New(nil, writes, nil, nil, nil, nil, config.Mirror{StalledResetMins: 5}, logger.Default())
	require.NoError(t, j.ResetStalledWrites(ctx))

	row, err := writes.Get(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusQueued, row.Status)
}

func TestPruneCompletedJobs(t *testing.T) {
	conn := dbtest.Open(t)
	store := jobs.NewStore(conn)
	ctx := context.Background()

	job, err := store.CreateJob(ctx, jobs.CreateParams{
		Queue: jobs.QueueCleanup, JobType: "noop", IdempotencyKey: "old-job",
	})
	require.NoError(t, err)
	claimed, err := store.ClaimJob(ctx, jobs.QueueCleanup, "w1")
	require.NoError(t, err)
	require.NoError(t, store.CompleteJob(ctx, claimed.ID))

	_, err = conn.Exec(conn.Rebind(`UPDATE jobs SET updated_at = ? WHERE id = ?`),
		time.Now().UTC().AddDate(0, 0, -10), job.ID)
	require.NoError(t, err)

	j := New(store, nil, nil, nil, nil, nil, config.Mirror{}, logger.Default())
	require.NoError(t, j.PruneCompletedJobs(ctx))

	_, err = store.GetJob(ctx, job.ID)
	assert.Error(t, err)
}

func TestPruneStreamEvents(t *testing.T) {
	conn := dbtest.Open(t)
	streams := bus.NewStreamStore(conn)
	ctx := context.Background()

	ev := &bus.StreamEvent{
		Kind: bus.KindRunUpdated, ProjectID: "proj_1",
		Payload: map[string]any{"fields": []string{"phase"}}, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, streams.Insert(ctx, ev))
	_, err := conn.Exec(conn.Rebind(`UPDATE stream_events SET created_at = ?`),
		time.Now().UTC().AddDate(0, 0, -30))
	require.NoError(t, err)

	j := New(nil, nil, nil, nil, streams, nil, config.Mirror{}, logger.Default())
	require.NoError(t, j.PruneStreamEvents(ctx))

	replayed, err := streams.Replay(ctx, []string{"proj_1"}, 0)
	require.NoError(t, err)
	assert.Empty(t, replayed)
}

func TestNilCollaboratorsAreSkipped(t *testing.T) {
	j := New(nil, nil, nil, nil, nil, nil, config.Mirror{}, logger.Default())
	ctx := context.Background()
	assert.NoError(t, j.ResetStalledWrites(ctx))
	assert.NoError(t, j.FlushOrphanedComments(ctx))
	assert.NoError(t, j.ReleaseExpiredPorts(ctx))
	assert.NoError(t, j.SweepWorktrees(ctx))
	assert.NoError(t, j.PruneStreamEvents(ctx))
	assert.NoError(t, j.PruneCompletedJobs(ctx))
	assert.NoError(t, j.LogRunMetrics(ctx))
}
