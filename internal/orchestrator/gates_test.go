package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cswenor/conductor/internal/github"
	"github.com/cswenor/conductor/internal/outbox"
)

func TestEvaluateGate_ArtifactBacked(t *testing.T) {
	orch, _, f := setupOrchestrator(t)
	run := createTestRun(t, orch, f)

	// No artifact yet: the gate fails with a reason.
	result, err := orch.EvaluateGate(context.Background(), run, GateTestsPass, nil)
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Contains(t, result.Reason, "no test_report artifact")

	report, err := orch.Runs().SaveArtifact(context.Background(), run.ID, ArtifactTestReport, `{"passed":false}`)
	require.NoError(t, err)
	require.NoError(t, orch.Runs().SetArtifactValidation(context.Background(), report.ID, ValidationInvalid))

	result, err = orch.EvaluateGate(context.Background(), run, GateTestsPass, nil)
	require.NoError(t, err)
	assert.False(t, result.Passed)

	// A newer valid report flips the gate.
	report2, err := orch.Runs().SaveArtifact(context.Background(), run.ID, ArtifactTestReport, `{"passed":true}`)
	require.NoError(t, err)
	require.NoError(t, orch.Runs().SetArtifactValidation(context.Background(), report2.ID, ValidationValid))

	result, err = orch.EvaluateGate(context.Background(), run, GateTestsPass, nil)
	require.NoError(t, err)
	assert.True(t, result.Passed)
}

func TestEvaluateGate_PRCreated(t *testing.T) {
	orch, _, f := setupOrchestrator(t)
	run := createTestRun(t, orch, f)
	writes := outbox.NewStore(f.conn)

	result, err := orch.EvaluateGate(context.Background(), run, GatePRCreated, writes)
	require.NoError(t, err)
	assert.False(t, result.Passed)

	enq, err := writes.EnqueueWrite(context.Background(), outbox.EnqueueParams{
		RunID:        run.ID,
		Kind:         github.KindPullRequest,
		TargetNodeID: "R_1",
		TargetType:   "repository",
		Payload:      map[string]any{"title": "t"},
	})
	require.NoError(t, err)

	// Queued is not enough; the write must have completed.
	result, err = orch.EvaluateGate(context.Background(), run, GatePRCreated, writes)
	require.NoError(t, err)
	assert.False(t, result.Passed)

	claimed, err := writes.ClaimNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, enq.GithubWriteID, claimed.ID)
	require.NoError(t, writes.Complete(context.Background(), claimed.ID, &github.WriteResult{
		NodeID: "PR_1", URL: "https://example.com/pr/1", Number: 1,
	}))

	result, err = orch.EvaluateGate(context.Background(), run, GatePRCreated, writes)
	require.NoError(t, err)
	assert.True(t, result.Passed)
}

func TestEnforceGate_BlocksOnFailure(t *testing.T) {
	orch, _, f := setupOrchestrator(t)
	run := createTestRun(t, orch, f)

	_, err := orch.TransitionPhase(context.Background(), TransitionParams{
		RunID: run.ID, ToPhase: PhasePlanning, TriggeredBy: "system",
	})
	require.NoError(t, err)
	run, err = orch.Runs().GetRun(context.Background(), run.ID)
	require.NoError(t, err)

	result, err := orch.EnforceGate(context.Background(), run, GatePlanValid, nil, "")
	require.NoError(t, err)
	assert.False(t, result.Passed)

	blocked, err := orch.Runs().GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseBlocked, blocked.Phase)
	assert.Contains(t, blocked.BlockedReason, GatePlanValid)
	assert.Contains(t, blocked.BlockedContext, PhasePlanning)
}

func TestEvaluateGate_Unknown(t *testing.T) {
	orch, _, f := setupOrchestrator(t)
	run := createTestRun(t, orch, f)

	_, err := orch.EvaluateGate(context.Background(), run, "vibes_good", nil)
	require.Error(t, err)
}
