// Package agent implements the AI provider abstraction and the
// multi-turn tool loop: conversation persistence, policy enforcement on
// tool calls, and secret redaction of everything that leaves the
// process.
package agent

import (
	"context"
	"errors"
	"fmt"
)

// Agent roles driven by step handlers.
const (
	AgentPlanner     = "planner"
	AgentImplementer = "implementer"
	AgentReviewer    = "reviewer"
)

// Error kinds.
const (
	ErrKindAuth          = "auth_error"
	ErrKindRateLimit     = "rate_limit"
	ErrKindContextLength = "context_length"
	ErrKindUnsupported   = "unsupported_provider"
	ErrKindTimeout       = "timeout"
	ErrKindCancelled     = "cancelled"
	ErrKindMaxIterations = "max_iterations"
	ErrKindGeneric       = "agent_error"
)

// Error is a typed provider or loop failure.
type Error struct {
	Kind         string
	Message      string
	RetryAfterMs int64  // rate_limit
	TimeoutMs    int64  // timeout
	Agent        string // timeout
	Action       string // timeout
	Cause        error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return e.Kind
}

func (e *Error) Unwrap() error { return e.Cause }

// IsKind reports whether err is an agent error of the given kind.
func IsKind(err error, kind string) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}

// NewTimeoutError builds a timeout error carrying its budget and context.
func NewTimeoutError(timeoutMs int64, agent, action string) *Error {
	return &Error{
		Kind:      ErrKindTimeout,
		Message:   fmt.Sprintf("%s %s exceeded %dms", agent, action, timeoutMs),
		TimeoutMs: timeoutMs,
		Agent:     agent,
		Action:    action,
	}
}

// Message roles.
const (
	RoleSystem     = "system"
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RoleToolResult = "tool_result"
)

// Stop reasons.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string
	Content any // string, or content blocks for assistant/tool_result
}

// ToolCall is a provider request to run a tool.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolDef describes a tool advertised to the provider.
type ToolDef struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// InvokeRequest is the single provider entry point's input.
type InvokeRequest struct {
	SystemPrompt string
	UserPrompt   string
	Messages     []Message
	Tools        []ToolDef
	MaxTokens    int
	Temperature  float64
	TimeoutMs    int64
}

// InvokeResponse is the provider's output.
type InvokeResponse struct {
	Content          string
	TokensInput      int64
	TokensOutput     int64
	StopReason       string
	DurationMs       int64
	ToolCalls        []ToolCall
	RawContentBlocks []map[string]any
}

// Provider is the model backend abstraction.
type Provider interface {
	Invoke(ctx context.Context, req InvokeRequest) (*InvokeResponse, error)
	Name() string
}

// UnconfiguredProvider stands in when no API key is present. Invocations
// fail with an auth error instead of failing the process at startup.
type UnconfiguredProvider struct{}

func (UnconfiguredProvider) Name() string { return "unconfigured" }

func (UnconfiguredProvider) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResponse, error) {
	return nil, &Error{Kind: ErrKindAuth, Message: "api key not configured", Cause: ErrNotConfigured}
}
