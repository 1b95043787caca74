package ingest

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cswenor/conductor/internal/common/logger"
	"github.com/cswenor/conductor/internal/db/dbtest"
	"github.com/cswenor/conductor/internal/events"
	"github.com/cswenor/conductor/internal/jobs"
	"github.com/cswenor/conductor/internal/orchestrator"
	"github.com/cswenor/conductor/internal/project"
)

type fixture struct {
	conn     *sqlx.DB
	proc     *Processor
	projects *project.Store
	eventSt  *events.Store
	projID   string
	repoID   string
}

func setup(t *testing.T) *fixture {
	t.Helper()
	conn := dbtest.Open(t)
	projects := project.NewStore(conn)
	ctx := context.Background()

	user, err := projects.CreateUser(ctx, "tester")
	require.NoError(t, err)
	proj, err := projects.CreateProject(ctx, user.ID, "acme", "", 3100, 3199)
	require.NoError(t, err)
	repo, err := projects.CreateRepo(ctx, proj.ID, "R_hook", "acme/widgets", "https://example.com/w.git", "main")
	require.NoError(t, err)

	eventStore := events.NewStore(conn)
	runs := orchestrator.NewStore(conn, projects)
	proc := NewProcessor(conn, eventStore, projects, runs, nil, logger.Default())
	return &fixture{conn: conn, proc: proc, projects: projects, eventSt: eventStore, projID: proj.ID, repoID: repo.ID}
}

func issueDelivery(deliveryID, action string) events.WebhookInput {
	return events.WebhookInput{
		DeliveryID: deliveryID,
		EventType:  "issues",
		Action:     action,
		Body: map[string]any{
			"repository": map[string]any{"node_id": "R_hook"},
			"issue": map[string]any{
				"node_id": "I_hook",
				"number":  float64(12),
				"title":   "Fix the widget",
				"body":    "It wobbles.",
				"state":   "open",
			},
		},
	}
}

func TestProcess_IssueOpenedUpsertsTask(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.proc.Process(ctx, issueDelivery("d1", "opened")))

	task, err := f.projects.FindTaskByNodeID(ctx, "I_hook")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, 12, task.Number)
	assert.Equal(t, "Fix the widget", task.Title)

	ev, err := f.eventSt.FindByIdempotencyKey(ctx, "webhook:d1:issue:I_hook:opened")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "issue.opened", ev.Type)
	assert.Equal(t, f.projID, ev.ProjectID)
}

func TestProcess_DuplicateDeliveryIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.proc.Process(ctx, issueDelivery("d1", "opened")))
	require.NoError(t, f.proc.Process(ctx, issueDelivery("d1", "opened")))

	var count int
	require.NoError(t, f.conn.Get(&count,
		`SELECT COUNT(*) FROM events WHERE idempotency_key = 'webhook:d1:issue:I_hook:opened'`))
	assert.Equal(t, 1, count)
}

func TestProcess_UnrecognizedDeliverySkipped(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.proc.Process(ctx, events.WebhookInput{
		DeliveryID: "d2", EventType: "sponsorship", Action: "created",
		Body: map[string]any{},
	}))

	var count int
	require.NoError(t, f.conn.Get(&count, `SELECT COUNT(*) FROM events`))
	assert.Zero(t, count)
}

func TestProcess_UnknownRepoSkipped(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	in := issueDelivery("d3", "opened")
	in.Body["repository"] = map[string]any{"node_id": "R_elsewhere"}
	require.NoError(t, f.proc.Process(ctx, in))

	ev, err := f.eventSt.FindByIdempotencyKey(ctx, "webhook:d3:issue:I_hook:opened")
	require.NoError(t, err)
	assert.Nil(t, ev)
	task, err := f.projects.FindTaskByNodeID(ctx, "I_hook")
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestEnqueue_CollapsesOnDeliveryID(t *testing.T) {
	conn := dbtest.Open(t)
	store := jobs.NewStore(conn)
	ctx := context.Background()

	in := issueDelivery("d4", "opened")
	first, err := Enqueue(ctx, store, in)
	require.NoError(t, err)
	second, err := Enqueue(ctx, store, in)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestProcess_PRClosedUpdatesRunState(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.proc.Process(ctx, issueDelivery("d5", "opened")))
	task, err := f.projects.FindTaskByNodeID(ctx, "I_hook")
	require.NoError(t, err)

	run, err := f.proc.runs.CreateRun(ctx, orchestrator.CreateRunParams{
		TaskID: task.ID, ProjectID: f.projID, RepoID: f.repoID,
	})
	require.NoError(t, err)
	require.NoError(t, f.proc.runs.SetPullRequest(ctx, run.ID, "https://example.com/pr/3", 3, "open"))

	require.NoError(t, f.proc.Process(ctx, events.WebhookInput{
		DeliveryID: "d6", EventType: "pull_request", Action: "closed",
		Body: map[string]any{
			"repository": map[string]any{"node_id": "R_hook"},
			"pull_request": map[string]any{
				"node_id": "PR_3", "number": float64(3), "state": "closed", "merged": false,
			},
		},
	}))

	reloaded, err := f.proc.runs.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "closed", reloaded.PRState)
}
