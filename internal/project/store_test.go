package project

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cswenor/conductor/internal/db/dbtest"
)

func seedChain(t *testing.T, conn *sqlx.DB) (*Store, *Project, *Repo) {
	t.Helper()
	store := NewStore(conn)
	ctx := context.Background()

	user, err := store.CreateUser(ctx, "tester")
	require.NoError(t, err)
	proj, err := store.CreateProject(ctx, user.ID, "acme", "", 3100, 3199)
	require.NoError(t, err)
	repo, err := store.CreateRepo(ctx, proj.ID, "R_1", "acme/widgets", "https://example.com/w.git", "main")
	require.NoError(t, err)
	return store, proj, repo
}

func TestUpsertTaskFromIssue_CreateThenUpdate(t *testing.T) {
	conn := dbtest.Open(t)
	store, proj, repo := seedChain(t, conn)
	ctx := context.Background()

	created, err := store.UpsertTaskFromIssue(ctx, proj.ID, repo.ID, IssueFields{
		NodeID: "I_1", Number: 7, Title: "Widget wobbles", Body: "details", State: "open",
	})
	require.NoError(t, err)
	assert.Equal(t, 7, created.Number)
	assert.Equal(t, 1, created.NextRunNumber)

	time.Sleep(10 * time.Millisecond)

	updated, err := store.UpsertTaskFromIssue(ctx, proj.ID, repo.ID, IssueFields{
		NodeID: "I_1", Number: 7, Title: "Widget wobbles badly", Body: "details", State: "open",
	})
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, "Widget wobbles badly", updated.Title)
	assert.WithinDuration(t, created.CreatedAt, updated.CreatedAt, time.Millisecond)
	assert.True(t, updated.UpdatedAt.After(created.UpdatedAt))

	var count int
	require.NoError(t, conn.Get(&count, `SELECT COUNT(*) FROM tasks WHERE node_id = 'I_1'`))
	assert.Equal(t, 1, count)
}

func TestConsumeRunNumber_Monotonic(t *testing.T) {
	conn := dbtest.Open(t)
	store, proj, repo := seedChain(t, conn)
	ctx := context.Background()

	task, err := store.UpsertTaskFromIssue(ctx, proj.ID, repo.ID, IssueFields{
		NodeID: "I_1", Number: 1, Title: "t", State: "open",
	})
	require.NoError(t, err)

	for want := 1; want <= 3; want++ {
		tx, err := conn.Beginx()
		require.NoError(t, err)
		got, err := store.ConsumeRunNumber(ctx, tx, task.ID)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
		assert.Equal(t, want, got)
	}

	reloaded, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, reloaded.NextRunNumber)
}

func TestActiveRunPointer(t *testing.T) {
	conn := dbtest.Open(t)
	f := dbtest.SeedRun(t, conn)
	store := NewStore(conn)
	ctx := context.Background()

	require.NoError(t, store.SetActiveRun(ctx, f.TaskID, f.RunID))
	task, err := store.GetTask(ctx, f.TaskID)
	require.NoError(t, err)
	require.NotNil(t, task.ActiveRunID)
	assert.Equal(t, f.RunID, *task.ActiveRunID)

	// Clearing with a mismatched run id leaves the pointer alone.
	otherRun := dbtest.SeedExtraRun(t, conn, f, 2)
	tx, err := conn.Beginx()
	require.NoError(t, err)
	require.NoError(t, ClearActiveRun(ctx, tx, f.TaskID, otherRun))
	require.NoError(t, tx.Commit())
	task, err = store.GetTask(ctx, f.TaskID)
	require.NoError(t, err)
	require.NotNil(t, task.ActiveRunID)

	tx, err = conn.Beginx()
	require.NoError(t, err)
	require.NoError(t, ClearActiveRun(ctx, tx, f.TaskID, f.RunID))
	require.NoError(t, tx.Commit())
	task, err = store.GetTask(ctx, f.TaskID)
	require.NoError(t, err)
	assert.Nil(t, task.ActiveRunID)
}

func TestFindRepoByNodeID_NilOnMiss(t *testing.T) {
	conn := dbtest.Open(t)
	store, _, repo := seedChain(t, conn)
	ctx := context.Background()

	found, err := store.FindRepoByNodeID(ctx, "R_1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, repo.ID, found.ID)

	missing, err := store.FindRepoByNodeID(ctx, "R_missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
