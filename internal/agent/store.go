package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cswenor/conductor/internal/common/ids"
)

// Invocation statuses.
const (
	InvocationStarted   = "started"
	InvocationCompleted = "completed"
	InvocationFailed    = "failed"
)

// Tool invocation statuses.
const (
	ToolStarted   = "started"
	ToolBlocked   = "blocked"
	ToolCompleted = "completed"
	ToolFailed    = "failed"
)

// MaxMessageContentBytes caps persisted message content. Oversized
// content is replaced with a role-shaped stub so replayed conversations
// stay well-formed for the provider.
const MaxMessageContentBytes = 512 * 1024

// Invocation is one agent run (a full tool loop).
type Invocation struct {
	ID           string    `db:"id"`
	RunID        string    `db:"run_id"`
	Agent        string    `db:"agent"`
	Status       string    `db:"status"`
	TokensInput  int64     `db:"tokens_input"`
	TokensOutput int64     `db:"tokens_output"`
	DurationMs   int64     `db:"duration_ms"`
	Error        *string   `db:"error"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// StoredMessage is one persisted conversation turn.
type StoredMessage struct {
	ID               string    `db:"id"`
	InvocationID     string    `db:"invocation_id"`
	RunID            string    `db:"run_id"`
	TurnIndex        int       `db:"turn_index"`
	Role             string    `db:"role"`
	Content          string    `db:"content"`
	ContentSizeBytes int       `db:"content_size_bytes"`
	TokensInput      int64     `db:"tokens_input"`
	TokensOutput     int64     `db:"tokens_output"`
	StopReason       string    `db:"stop_reason"`
	CreatedAt        time.Time `db:"created_at"`
}

// ToolInvocation is one persisted tool call.
type ToolInvocation struct {
	ID             string    `db:"id"`
	RunID          string    `db:"run_id"`
	InvocationID   string    `db:"invocation_id"`
	ToolName       string    `db:"tool_name"`
	ArgsRedacted   string    `db:"args_redacted"`
	PayloadHash    string    `db:"payload_hash"`
	PolicyID       *string   `db:"policy_id"`
	PolicyDecision string    `db:"policy_decision"`
	Status         string    `db:"status"`
	DurationMs     int64     `db:"duration_ms"`
	Error          *string   `db:"error"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// Store persists invocations, messages, and tool calls.
type Store struct {
	db *sqlx.DB
}

// NewStore creates an agent store.
func NewStore(conn *sqlx.DB) *Store {
	return &Store{db: conn}
}

// CreateInvocation opens a new invocation row.
func (s *Store) CreateInvocation(ctx context.Context, runID, agent string) (*Invocation, error) {
	now := time.Now().UTC()
	inv := &Invocation{
		ID:        ids.New(ids.PrefixInvocation),
		RunID:     runID,
		Agent:     agent,
		Status:    InvocationStarted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO agent_invocations (id, run_id, agent, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		inv.ID, inv.RunID, inv.Agent, inv.Status, inv.CreatedAt, inv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert agent invocation: %w", err)
	}
	return inv, nil
}

// FinishInvocation closes an invocation with its totals.
func (s *Store) FinishInvocation(ctx context.Context, invocationID, status string, tokensIn, tokensOut, durationMs int64, invErr error) error {
	var errText *string
	if invErr != nil {
		t := invErr.Error()
		errText = &t
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agent_invocations SET status = ?, tokens_input = ?, tokens_output = ?,
			duration_ms = ?, error = ?, updated_at = ?
		WHERE id = ?`),
		status, tokensIn, tokensOut, durationMs, errText, time.Now().UTC(), invocationID)
	return err
}

// GetInvocation retrieves an invocation by id.
func (s *Store) GetInvocation(ctx context.Context, id string) (*Invocation, error) {
	var inv Invocation
	err := s.db.GetContext(ctx, &inv, s.db.Rebind(
		`SELECT * FROM agent_invocations WHERE id = ?`), id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent invocation %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// AppendMessage persists one conversation turn, applying the size guard.
func (s *Store) AppendMessage(ctx context.Context, invocationID, runID string, turnIndex int, role string, content any, tokensIn, tokensOut int64, stopReason string) (*StoredMessage, error) {
	encoded, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal message content: %w", err)
	}
	size := len(encoded)
	if size > MaxMessageContentBytes {
		encoded, err = json.Marshal(truncationStub(role, size))
		if err != nil {
			return nil, err
		}
	}

	msg := &StoredMessage{
		ID:               ids.New(ids.PrefixMessage),
		InvocationID:     invocationID,
		RunID:            runID,
		TurnIndex:        turnIndex,
		Role:             role,
		Content:          string(encoded),
		ContentSizeBytes: size,
		TokensInput:      tokensIn,
		TokensOutput:     tokensOut,
		StopReason:       stopReason,
		CreatedAt:        time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO agent_messages (
			id, invocation_id, run_id, turn_index, role, content,
			content_size_bytes, tokens_input, tokens_output, stop_reason, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.InvocationID, msg.RunID, msg.TurnIndex, msg.Role, msg.Content,
		msg.ContentSizeBytes, msg.TokensInput, msg.TokensOutput, msg.StopReason, msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert agent message: %w", err)
	}
	return msg, nil
}

// truncationStub replaces oversized content with the smallest value of
// the shape the provider expects for the role.
func truncationStub(role string, size int) any {
	note := fmt.Sprintf("[content truncated: %d bytes exceeded the %d byte limit]", size, MaxMessageContentBytes)
	switch role {
	case RoleAssistant:
		return []map[string]any{{"type": "text", "text": note}}
	case RoleToolResult:
		return []map[string]any{{
			"type":        "tool_result",
			"tool_use_id": "truncated",
			"content":     note,
		}}
	default:
		return note
	}
}

// ListMessages returns an invocation's conversation in turn order.
func (s *Store) ListMessages(ctx context.Context, invocationID string) ([]*StoredMessage, error) {
	var out []*StoredMessage
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
		SELECT * FROM agent_messages WHERE invocation_id = ? ORDER BY turn_index ASC`),
		invocationID)
	return out, err
}

// CreateToolInvocation records a tool call at its initial status.
func (s *Store) CreateToolInvocation(ctx context.Context, ti *ToolInvocation) error {
	if ti.ID == "" {
		ti.ID = ids.New(ids.PrefixToolCall)
	}
	now := time.Now().UTC()
	ti.CreatedAt = now
	ti.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO tool_invocations (
			id, run_id, invocation_id, tool_name, args_redacted, payload_hash,
			policy_id, policy_decision, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		ti.ID, ti.RunID, ti.InvocationID, ti.ToolName, ti.ArgsRedacted, ti.PayloadHash,
		ti.PolicyID, ti.PolicyDecision, ti.Status, ti.CreatedAt, ti.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert tool invocation: %w", err)
	}
	return nil
}

// FinishToolInvocation transitions a started tool call to completed or
// failed.
func (s *Store) FinishToolInvocation(ctx context.Context, id, status string, durationMs int64, toolErr error) error {
	var errText *string
	if toolErr != nil {
		t := toolErr.Error()
		errText = &t
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tool_invocations SET status = ?, duration_ms = ?, error = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		status, durationMs, errText, time.Now().UTC(), id, ToolStarted)
	return err
}

// ListToolInvocations returns a run's tool calls in order.
func (s *Store) ListToolInvocations(ctx context.Context, runID string) ([]*ToolInvocation, error) {
	var out []*ToolInvocation
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
		SELECT * FROM tool_invocations WHERE run_id = ? ORDER BY created_at ASC`), runID)
	return out, err
}
