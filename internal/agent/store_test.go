package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cswenor/conductor/internal/db/dbtest"
)

func TestAppendMessage_SizeGuardAssistant(t *testing.T) {
	conn := dbtest.Open(t)
	f := dbtest.SeedRun(t, conn)
	store := NewStore(conn)

	inv, err := store.CreateInvocation(context.Background(), f.RunID, AgentImplementer)
	require.NoError(t, err)

	huge := []map[string]any{{"type": "text", "text": strings.Repeat("x", MaxMessageContentBytes+1)}}
	msg, err := store.AppendMessage(context.Background(), inv.ID, f.RunID, 0, RoleAssistant, huge, 0, 0, StopEndTurn)
	require.NoError(t, err)

	// The stored content is a stub but the recorded size is the original.
	assert.Greater(t, msg.ContentSizeBytes, MaxMessageContentBytes)
	assert.Less(t, len(msg.Content), 1024)

	var blocks []map[string]any
	require.NoError(t, json.Unmarshal([]byte(msg.Content), &blocks))
	require.Len(t, blocks, 1)
	assert.Equal(t, "text", blocks[0]["type"])
	assert.Contains(t, blocks[0]["text"], "truncated")
}

func TestAppendMessage_SizeGuardToolResult(t *testing.T) {
	conn := dbtest.Open(t)
	f := dbtest.SeedRun(t, conn)
	store := NewStore(conn)

	inv, err := store.CreateInvocation(context.Background(), f.RunID, AgentImplementer)
	require.NoError(t, err)

	huge := []map[string]any{{
		"type":        "tool_result",
		"tool_use_id": "tu_1",
		"content":     strings.Repeat("y", MaxMessageContentBytes+1),
	}}
	msg, err := store.AppendMessage(context.Background(), inv.ID, f.RunID, 0, RoleToolResult, huge, 0, 0, "")
	require.NoError(t, err)

	var blocks []map[string]any
	require.NoError(t, json.Unmarshal([]byte(msg.Content), &blocks))
	require.Len(t, blocks, 1)
	assert.Equal(t, "tool_result", blocks[0]["type"])
	assert.Equal(t, "truncated", blocks[0]["tool_use_id"])
}

func TestFinishToolInvocation_OnlyFromStarted(t *testing.T) {
	conn := dbtest.Open(t)
	f := dbtest.SeedRun(t, conn)
	store := NewStore(conn)

	inv, err := store.CreateInvocation(context.Background(), f.RunID, AgentImplementer)
	require.NoError(t, err)

	ti := &ToolInvocation{
		RunID:          f.RunID,
		InvocationID:   inv.ID,
		ToolName:       "echo",
		ArgsRedacted:   "{}",
		PolicyDecision: DecisionBlock,
		Status:         ToolBlocked,
	}
	require.NoError(t, store.CreateToolInvocation(context.Background(), ti))

	// A blocked row never transitions to completed.
	require.NoError(t, store.FinishToolInvocation(context.Background(), ti.ID, ToolCompleted, 5, nil))
	rows, err := store.ListToolInvocations(context.Background(), f.RunID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, ToolBlocked, rows[0].Status)
}

func TestListMessages_TurnOrder(t *testing.T) {
	conn := dbtest.Open(t)
	f := dbtest.SeedRun(t, conn)
	store := NewStore(conn)

	inv, err := store.CreateInvocation(context.Background(), f.RunID, AgentPlanner)
	require.NoError(t, err)

	for i, role := range []string{RoleSystem, RoleUser, RoleAssistant} {
		_, err := store.AppendMessage(context.Background(), inv.ID, f.RunID, i, role, "m", 0, 0, "")
		require.NoError(t, err)
	}
	msgs, err := store.ListMessages(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, RoleSystem, msgs[0].Role)
	assert.Equal(t, RoleAssistant, msgs[2].Role)
}
