// Package dbtest provides in-memory database fixtures for store tests.
package dbtest

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/cswenor/conductor/internal/common/ids"
	"github.com/cswenor/conductor/internal/db"
)

// Open returns a migrated in-memory database, closed on test cleanup.
func Open(t *testing.T) *sqlx.DB {
	t.Helper()
	conn, err := db.OpenSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, db.Migrate(context.Background(), conn, nil))
	return conn
}

// Fixture holds the identifiers of one seeded run chain.
type Fixture struct {
	UserID    string
	ProjectID string
	RepoID    string
	TaskID    string
	RunID     string
}

// SeedRun inserts a user, project, repo, task, and run so rows with
// foreign keys into the run chain can be created.
func SeedRun(t *testing.T, conn *sqlx.DB) *Fixture {
	t.Helper()
	f := &Fixture{
		UserID:    ids.New(ids.PrefixUser),
		ProjectID: ids.New(ids.PrefixProject),
		RepoID:    ids.New(ids.PrefixRepo),
		TaskID:    ids.New(ids.PrefixTask),
		RunID:     ids.New(ids.PrefixRun),
	}
	now := time.Now().UTC()

	mustExec(t, conn, `INSERT INTO users (id, display_name, created_at) VALUES (?, ?, ?)`,
		f.UserID, "tester", now)
	mustExec(t, conn, `
		INSERT INTO projects (id, user_id, name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		f.ProjectID, f.UserID, "test-project", now, now)
	mustExec(t, conn, `
		INSERT INTO repos (id, project_id, node_id, name, default_branch, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		f.RepoID, f.ProjectID, "R_"+f.RepoID, "test-repo", "main", now)
	mustExec(t, conn, `
		INSERT INTO tasks (id, project_id, repo_id, node_id, number, title, created_at, updated_at, last_activity_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?)`,
		f.TaskID, f.ProjectID, f.RepoID, "I_"+f.TaskID, "test task", now, now, now)
	mustExec(t, conn, `
		INSERT INTO runs (id, task_id, project_id, repo_id, policy_set_id, run_number, base_branch, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'default', 1, 'main', ?, ?)`,
		f.RunID, f.TaskID, f.ProjectID, f.RepoID, now, now)
	return f
}

// SeedExtraRun adds another run under the fixture's task.
func SeedExtraRun(t *testing.T, conn *sqlx.DB, f *Fixture, runNumber int) string {
	t.Helper()
	runID := ids.New(ids.PrefixRun)
	now := time.Now().UTC()
	mustExec(t, conn, `
		INSERT INTO runs (id, task_id, project_id, repo_id, policy_set_id, run_number, base_branch, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'default', ?, 'main', ?, ?)`,
		runID, f.TaskID, f.ProjectID, f.RepoID, runNumber, now, now)
	return runID
}

func mustExec(t *testing.T, conn *sqlx.DB, query string, args ...any) {
	t.Helper()
	_, err := conn.Exec(conn.Rebind(query), args...)
	require.NoError(t, err)
}
