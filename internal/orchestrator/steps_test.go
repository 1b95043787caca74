package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cswenor/conductor/internal/common/config"
	"github.com/cswenor/conductor/internal/common/logger"
	"github.com/cswenor/conductor/internal/github"
	"github.com/cswenor/conductor/internal/outbox"
)

func TestParseVerdict(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    bool
	}{
		{"json approve", `{"verdict": "approve"}`, true},
		{"json revise", `{"verdict": "revise", "reason": "too vague"}`, false},
		{"json embedded in prose", "Here is my review.\n\n{\"verdict\": \"approve\"}\n", true},
		{"plain approve line", "APPROVE\nLooks good.", true},
		{"plain approved", "Approved, ship it.", true},
		{"plain reject", "REJECT: missing tests", false},
		{"empty", "", false},
		{"prose without verdict", "This seems fine to me.", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, parseVerdict(tc.content))
		})
	}
}

func TestHandleWriteCompleted_RecordsPullRequest(t *testing.T) {
	orch, _, f := setupOrchestrator(t)
	run := createTestRun(t, orch, f)

	steps := NewSteps(orch, nil, nil, nil, config.Agents{}, outbox.NewStore(f.conn), orch.projects, "", logger.Default())

	steps.HandleWriteCompleted(context.Background(), &outbox.GithubWrite{
		RunID: run.ID,
		Kind:  github.KindPullRequest,
	}, &github.WriteResult{NodeID: "PR_9", URL: "https://example.com/pr/9", Number: 9})

	reloaded, err := orch.Runs().GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/pr/9", reloaded.PRURL)
	assert.Equal(t, 9, reloaded.PRNumber)
	assert.Equal(t, "open", reloaded.PRState)

	// Non-PR writes are ignored.
	steps.HandleWriteCompleted(context.Background(), &outbox.GithubWrite{
		RunID: run.ID,
		Kind:  github.KindComment,
	}, &github.WriteResult{Number: 42})
	reloaded, err = orch.Runs().GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, reloaded.PRNumber)
}

func TestAdvance_StopsOnBlockedRun(t *testing.T) {
	orch, _, f := setupOrchestrator(t)
	run := createTestRun(t, orch, f)

	_, err := orch.TransitionPhase(context.Background(), TransitionParams{
		RunID: run.ID, ToPhase: PhasePlanning, TriggeredBy: "system",
	})
	require.NoError(t, err)
	_, err = orch.Block(context.Background(), run.ID, "stuck", nil, "")
	require.NoError(t, err)

	steps := NewSteps(orch, nil, nil, nil, config.Agents{}, outbox.NewStore(f.conn), orch.projects, "", logger.Default())

	// A blocked run is left untouched even if a stale job fires.
	require.NoError(t, steps.Advance(context.Background(), run.ID, StepPlannerCreatePlan))
	reloaded, err := orch.Runs().GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseBlocked, reloaded.Phase)
}

func TestAdvance_StopsOnPausedRun(t *testing.T) {
	orch, _, f := setupOrchestrator(t)
	run := createTestRun(t, orch, f)

	_, err := orch.TransitionPhase(context.Background(), TransitionParams{
		RunID: run.ID, ToPhase: PhasePlanning, TriggeredBy: "system",
	})
	require.NoError(t, err)
	_, err = orch.RecordOperatorAction(context.Background(), ActionParams{
		RunID: run.ID, Action: ActionPause, ActorID: "usr_1", ActorType: ActorHuman,
	})
	require.NoError(t, err)

	steps := NewSteps(orch, nil, nil, nil, config.Agents{}, outbox.NewStore(f.conn), orch.projects, "", logger.Default())
	require.NoError(t, steps.Advance(context.Background(), run.ID, StepSetupWorktree))

	reloaded, err := orch.Runs().GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, PhasePlanning, reloaded.Phase)
	assert.NotNil(t, reloaded.PausedAt)
}
