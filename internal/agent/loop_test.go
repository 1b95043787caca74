package agent

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cswenor/conductor/internal/common/logger"
	"github.com/cswenor/conductor/internal/db/dbtest"
	"github.com/cswenor/conductor/internal/events"
)

// scriptedProvider returns canned responses in order.
type scriptedProvider struct {
	responses []*InvokeResponse
	errs      []error
	calls     int
	requests  []InvokeRequest
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResponse, error) {
	p.requests = append(p.requests, req)
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if i >= len(p.responses) {
		return &InvokeResponse{StopReason: StopEndTurn}, nil
	}
	return p.responses[i], nil
}

func textResponse(text string) *InvokeResponse {
	return &InvokeResponse{
		Content:      text,
		StopReason:   StopEndTurn,
		TokensInput:  10,
		TokensOutput: 5,
		RawContentBlocks: []map[string]any{
			{"type": "text", "text": text},
		},
	}
}

func toolUseResponse(id, name string, input map[string]any) *InvokeResponse {
	return &InvokeResponse{
		StopReason:   StopToolUse,
		TokensInput:  10,
		TokensOutput: 5,
		ToolCalls:    []ToolCall{{ID: id, Name: name, Input: input}},
		RawContentBlocks: []map[string]any{
			{"type": "tool_use", "id": id, "name": name, "input": input},
		},
	}
}

func echoTool() Tool {
	return &FuncTool{
		Definition: ToolDef{
			Name:        "echo",
			Description: "Echoes its input back",
			InputSchema: map[string]any{"type": "object"},
		},
		Fn: func(ctx context.Context, ec ExecContext, input map[string]any) (any, error) {
			s, _ := input["text"].(string)
			return s, nil
		},
	}
}

// alwaysBlockRule blocks every call under a fixed policy id.
type alwaysBlockRule struct{ policyID string }

func (r *alwaysBlockRule) Name() string { return "always_block" }

func (r *alwaysBlockRule) Evaluate(toolName string, input map[string]any, pctx PolicyContext) PolicyDecision {
	return PolicyDecision{Decision: DecisionBlock, PolicyID: r.policyID, Reason: "blocked for testing"}
}

func TestLoop_EndTurnWithoutTools(t *testing.T) {
	conn := dbtest.Open(t)
	f := dbtest.SeedRun(t, conn)
	store := NewStore(conn)
	registry := NewRegistry()
	provider := &scriptedProvider{responses: []*InvokeResponse{textResponse("done")}}

	loop := NewLoop(provider, store, events.NewStore(conn), registry, &PolicySet{}, conn, 0, logger.Default())
	result, err := loop.Run(context.Background(), LoopParams{
		RunID:        f.RunID,
		ProjectID:    f.ProjectID,
		Agent:        AgentPlanner,
		SystemPrompt: "You plan things.",
		UserPrompt:   "Plan this.",
	})
	require.NoError(t, err)
	assert.Equal(t, "done", result.Content)
	assert.Equal(t, StopEndTurn, result.StopReason)
	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, int64(10), result.TokensInput)
	assert.Equal(t, int64(5), result.TokensOutput)

	// system, user, assistant persisted in turn order.
	msgs, err := store.ListMessages(context.Background(), result.InvocationID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, RoleSystem, msgs[0].Role)
	assert.Equal(t, RoleUser, msgs[1].Role)
	assert.Equal(t, RoleAssistant, msgs[2].Role)
	assert.Equal(t, StopEndTurn, msgs[2].StopReason)

	inv, err := store.GetInvocation(context.Background(), result.InvocationID)
	require.NoError(t, err)
	assert.Equal(t, InvocationCompleted, inv.Status)
}

func TestLoop_ExecutesToolAndFeedsResultBack(t *testing.T) {
	conn := dbtest.Open(t)
	f := dbtest.SeedRun(t, conn)
	store := NewStore(conn)
	registry := NewRegistry()
	registry.Register(echoTool())

	provider := &scriptedProvider{responses: []*InvokeResponse{
		toolUseResponse("tu_1", "echo", map[string]any{"text": "hello"}),
		textResponse("echoed"),
	}}

	loop := NewLoop(provider, store, events.NewStore(conn), registry, &PolicySet{}, conn, 0, logger.Default())
	result, err := loop.Run(context.Background(), LoopParams{
		RunID: f.RunID, ProjectID: f.ProjectID, Agent: AgentImplementer,
		UserPrompt: "Echo hello.",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Iterations)

	tools, err := store.ListToolInvocations(context.Background(), f.RunID)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].ToolName)
	assert.Equal(t, ToolCompleted, tools[0].Status)
	assert.Equal(t, DecisionAllow, tools[0].PolicyDecision)

	// The second provider call saw the tool result in history.
	require.Len(t, provider.requests, 2)
	last := provider.requests[1].Messages
	require.NotEmpty(t, last)
	blocks, ok := last[len(last)-1].Content.([]map[string]any)
	require.True(t, ok)
	assert.Equal(t, "tool_result", blocks[0]["type"])
	assert.Equal(t, "hello", blocks[0]["content"])
	assert.Equal(t, false, blocks[0]["is_error"])
}

func TestLoop_PolicyBlockReturnsErrorResult(t *testing.T) {
	conn := dbtest.Open(t)
	f := dbtest.SeedRun(t, conn)
	store := NewStore(conn)
	registry := NewRegistry()
	registry.Register(echoTool())

	policies, err := SeedPolicies(context.Background(), conn)
	require.NoError(t, err)
	blockID := policies.IDs[PolicyWorktreeBoundary]
	policies.Rules = []PolicyRule{&alwaysBlockRule{policyID: blockID}}

	provider := &scriptedProvider{responses: []*InvokeResponse{
		toolUseResponse("tu_1", "echo", map[string]any{"text": "hi"}),
		textResponse("gave up"),
	}}

	loop := NewLoop(provider, store, events.NewStore(conn), registry, policies, conn, 0, logger.Default())
	result, err := loop.Run(context.Background(), LoopParams{
		RunID: f.RunID, ProjectID: f.ProjectID, Agent: AgentImplementer,
		UserPrompt: "Echo hi.",
	})
	require.NoError(t, err)
	assert.Equal(t, StopEndTurn, result.StopReason)

	tools, err := store.ListToolInvocations(context.Background(), f.RunID)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, ToolBlocked, tools[0].Status)
	require.NotNil(t, tools[0].PolicyID)
	assert.Equal(t, blockID, *tools[0].PolicyID)

	// The assistant received an is_error tool_result.
	blocks, ok := provider.requests[1].Messages[len(provider.requests[1].Messages)-1].Content.([]map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, blocks[0]["is_error"])
}

func TestLoop_MaxIterations(t *testing.T) {
	conn := dbtest.Open(t)
	f := dbtest.SeedRun(t, conn)
	store := NewStore(conn)
	registry := NewRegistry()
	registry.Register(echoTool())

	// Provider that always asks for another tool call.
	endless := &scriptedProvider{}
	for i := 0; i < 5; i++ {
		endless.responses = append(endless.responses,
			toolUseResponse("tu", "echo", map[string]any{"text": "again"}))
	}

	loop := NewLoop(endless, store, events.NewStore(conn), registry, &PolicySet{}, conn, 3, logger.Default())
	_, err := loop.Run(context.Background(), LoopParams{
		RunID: f.RunID, ProjectID: f.ProjectID, Agent: AgentImplementer,
		UserPrompt: "Loop forever.",
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrKindMaxIterations))

	inv, gerr := store.GetInvocation(context.Background(), latestInvocationID(t, conn))
	require.NoError(t, gerr)
	assert.Equal(t, InvocationFailed, inv.Status)
}

func TestLoop_CancelledRunPhase(t *testing.T) {
	conn := dbtest.Open(t)
	f := dbtest.SeedRun(t, conn)
	store := NewStore(conn)

	_, err := conn.Exec(conn.Rebind(`UPDATE runs SET phase = 'cancelled' WHERE id = ?`), f.RunID)
	require.NoError(t, err)

	provider := &scriptedProvider{responses: []*InvokeResponse{textResponse("never")}}
	loop := NewLoop(provider, store, events.NewStore(conn), NewRegistry(), &PolicySet{}, conn, 0, logger.Default())
	_, err = loop.Run(context.Background(), LoopParams{
		RunID: f.RunID, ProjectID: f.ProjectID, Agent: AgentPlanner,
		UserPrompt: "Anything.",
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrKindCancelled))
	assert.Zero(t, provider.calls)
}

func TestLoop_RedactsToolArgs(t *testing.T) {
	conn := dbtest.Open(t)
	f := dbtest.SeedRun(t, conn)
	store := NewStore(conn)
	registry := NewRegistry()
	registry.Register(echoTool())

	provider := &scriptedProvider{responses: []*InvokeResponse{
		toolUseResponse("tu_1", "echo", map[string]any{"text": "x", "api_key": "sk-secret-123"}),
		textResponse("ok"),
	}}

	loop := NewLoop(provider, store, events.NewStore(conn), registry, &PolicySet{}, conn, 0, logger.Default())
	_, err := loop.Run(context.Background(), LoopParams{
		RunID: f.RunID, ProjectID: f.ProjectID, Agent: AgentImplementer,
		UserPrompt: "Echo.",
	})
	require.NoError(t, err)

	tools, err := store.ListToolInvocations(context.Background(), f.RunID)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.NotContains(t, tools[0].ArgsRedacted, "sk-secret-123")
	assert.Contains(t, tools[0].ArgsRedacted, "REDACTED")
	assert.NotEmpty(t, tools[0].PayloadHash)
}

func latestInvocationID(t *testing.T, conn *sqlx.DB) string {
	t.Helper()
	var id string
	require.NoError(t, conn.Get(&id,
		`SELECT id FROM agent_invocations ORDER BY created_at DESC LIMIT 1`))
	return id
}
