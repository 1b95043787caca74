package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cswenor/conductor/internal/common/logger"
	"github.com/cswenor/conductor/internal/db/dbtest"
	"github.com/cswenor/conductor/internal/events"
	"github.com/cswenor/conductor/internal/orchestrator"
	"github.com/cswenor/conductor/internal/project"
)

type fixture struct {
	conn     *sqlx.DB
	orch     *orchestrator.Orchestrator
	projects *project.Store
	userID   string
	taskID   string
	projID   string
	repoID   string
}

func setup(t *testing.T) *fixture {
	t.Helper()
	conn := dbtest.Open(t)
	projects := project.NewStore(conn)
	ctx := context.Background()

	user, err := projects.CreateUser(ctx, "analyst")
	require.NoError(t, err)
	proj, err := projects.CreateProject(ctx, user.ID, "acme", "", 3100, 3199)
	require.NoError(t, err)
	repo, err := projects.CreateRepo(ctx, proj.ID, "R_1", "acme/widgets", "https://example.com/w.git", "main")
	require.NoError(t, err)
	task, err := projects.UpsertTaskFromIssue(ctx, proj.ID, repo.ID, project.IssueFields{
		NodeID: "I_1", Number: 1, Title: "t", State: "open",
	})
	require.NoError(t, err)

	runs := orchestrator.NewStore(conn, projects)
	orch := orchestrator.New(conn, runs, events.NewStore(conn), nil, projects, nil, nil, logger.Default())
	return &fixture{conn: conn, orch: orch, projects: projects, userID: user.ID, taskID: task.ID, projID: proj.ID, repoID: repo.ID}
}

func (f *fixture) newRun(t *testing.T) *orchestrator.Run {
	t.Helper()
	run, err := f.orch.Runs().CreateRun(context.Background(), orchestrator.CreateRunParams{
		TaskID: f.taskID, ProjectID: f.projID, RepoID: f.repoID,
	})
	require.NoError(t, err)
	return run
}

func (f *fixture) drive(t *testing.T, runID string, phases ...string) {
	t.Helper()
	for _, phase := range phases {
		_, err := f.orch.TransitionPhase(context.Background(), orchestrator.TransitionParams{
			RunID: runID, ToPhase: phase, TriggeredBy: "system",
		})
		require.NoError(t, err)
	}
}

func TestSummarize_Empty(t *testing.T) {
	f := setup(t)
	svc := NewService(f.conn)

	sum, err := svc.Summarize(context.Background(), f.userID)
	require.NoError(t, err)
	assert.Zero(t, sum.TotalRuns)
	assert.Zero(t, sum.SuccessRate)
	assert.Len(t, sum.CompletionsLast7Days, 7)
	for _, day := range sum.CompletionsLast7Days {
		assert.Zero(t, day.Count)
	}
}

func TestSummarize_CountsAndSuccessRate(t *testing.T) {
	f := setup(t)
	svc := NewService(f.conn)
	ctx := context.Background()

	completed := f.newRun(t)
	f.drive(t, completed.ID,
		orchestrator.PhasePlanning, orchestrator.PhaseAwaitingPlanApproval,
		orchestrator.PhaseExecuting, orchestrator.PhaseAwaitingReview,
		orchestrator.PhaseCompleted)

	cancelled := f.newRun(t)
	f.drive(t, cancelled.ID, orchestrator.PhaseCancelled)

	active := f.newRun(t)
	f.drive(t, active.ID, orchestrator.PhasePlanning)

	sum, err := svc.Summarize(ctx, f.userID)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.TotalRuns)
	assert.Equal(t, 1, sum.CompletedRuns)
	assert.Equal(t, 1, sum.CancelledRuns)
	assert.InDelta(t, 0.5, sum.SuccessRate, 0.001)
	assert.Equal(t, 1, sum.RunsByPhase[orchestrator.PhaseCompleted])
	assert.Equal(t, 1, sum.RunsByPhase[orchestrator.PhasePlanning])

	require.Len(t, sum.TopProjects, 1)
	assert.Equal(t, f.projID, sum.TopProjects[0].ProjectID)
	assert.Equal(t, 3, sum.TopProjects[0].RunCount)

	today := time.Now().UTC().Format("2006-01-02")
	var todayCount int
	for _, day := range sum.CompletionsLast7Days {
		if day.Date == today {
			todayCount = day.Count
		}
	}
	assert.Equal(t, 1, todayCount)
}

func TestSummarize_PlanApprovalDwell(t *testing.T) {
	f := setup(t)
	svc := NewService(f.conn)
	ctx := context.Background()

	run := f.newRun(t)
	f.drive(t, run.ID,
		orchestrator.PhasePlanning, orchestrator.PhaseAwaitingPlanApproval,
		orchestrator.PhaseExecuting)

	// Spread the entry and exit events 90 seconds apart.
	_, err := f.conn.Exec(f.conn.Rebind(`
		UPDATE events SET created_at = ? WHERE run_id = ? AND sequence = 2`),
		time.Now().UTC().Add(-2*time.Minute), run.ID)
	require.NoError(t, err)
	_, err = f.conn.Exec(f.conn.Rebind(`
		UPDATE events SET created_at = ? WHERE run_id = ? AND sequence = 3`),
		time.Now().UTC().Add(-30*time.Second), run.ID)
	require.NoError(t, err)

	sum, err := svc.Summarize(ctx, f.userID)
	require.NoError(t, err)
	assert.InDelta(t, 90, sum.AvgPlanApprovalSeconds, 2)
}

func TestSummarize_ScopedToUser(t *testing.T) {
	f := setup(t)
	svc := NewService(f.conn)
	ctx := context.Background()

	run := f.newRun(t)
	f.drive(t, run.ID, orchestrator.PhasePlanning)

	other, err := f.projects.CreateUser(ctx, "stranger")
	require.NoError(t, err)
	sum, err := svc.Summarize(ctx, other.ID)
	require.NoError(t, err)
	assert.Zero(t, sum.TotalRuns)
	assert.Empty(t, sum.TopProjects)
}
