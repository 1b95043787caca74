package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/cswenor/conductor/internal/common/logger"
	"github.com/cswenor/conductor/internal/events"
	"github.com/cswenor/conductor/internal/redact"
)

// DefaultMaxIterations bounds tool-loop turns.
const DefaultMaxIterations = 50

// Loop drives a multi-turn conversation with tool execution.
type Loop struct {
	provider      Provider
	store         *Store
	events        *events.Store
	registry      *Registry
	policies      *PolicySet
	db            *sqlx.DB
	maxIterations int
	logger        *logger.Logger
}

// NewLoop assembles a tool loop.
func NewLoop(provider Provider, store *Store, eventStore *events.Store, registry *Registry, policies *PolicySet, conn *sqlx.DB, maxIterations int, log *logger.Logger) *Loop {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	if policies == nil {
		policies = &PolicySet{}
	}
	return &Loop{
		provider:      provider,
		store:         store,
		events:        eventStore,
		registry:      registry,
		policies:      policies,
		db:            conn,
		maxIterations: maxIterations,
		logger:        log.WithFields(zap.String("component", "tool-loop")),
	}
}

// LoopParams are the inputs to Run.
type LoopParams struct {
	RunID        string
	ProjectID    string
	Agent        string
	SystemPrompt string
	UserPrompt   string
	WorktreePath string
	MaxTokens    int
	Temperature  float64
	TimeoutMs    int64
}

// LoopResult is the final state of a completed loop.
type LoopResult struct {
	InvocationID string
	Content      string
	StopReason   string
	TokensInput  int64
	TokensOutput int64
	Iterations   int
}

// Run executes the loop until the provider stops asking for tools, the
// iteration cap is hit, or the run is cancelled.
func (l *Loop) Run(ctx context.Context, p LoopParams) (*LoopResult, error) {
	inv, err := l.store.CreateInvocation(ctx, p.RunID, p.Agent)
	if err != nil {
		return nil, err
	}
	log := l.logger.WithRunID(p.RunID).WithFields(zap.String("invocation_id", inv.ID))

	start := time.Now()
	result, loopErr := l.run(ctx, p, inv, log)
	elapsed := time.Since(start).Milliseconds()

	status := InvocationCompleted
	var tokensIn, tokensOut int64
	if result != nil {
		tokensIn, tokensOut = result.TokensInput, result.TokensOutput
	}
	if loopErr != nil {
		status = InvocationFailed
	}
	if ferr := l.store.FinishInvocation(ctx, inv.ID, status, tokensIn, tokensOut, elapsed, loopErr); ferr != nil {
		log.Warn("failed to finalize invocation", zap.Error(ferr))
	}
	if loopErr != nil {
		return nil, loopErr
	}
	result.InvocationID = inv.ID
	return result, nil
}

func (l *Loop) run(ctx context.Context, p LoopParams, inv *Invocation, log *logger.Logger) (*LoopResult, error) {
	turn := 0
	persist := func(role string, content any, tokensIn, tokensOut int64, stopReason string) {
		// Message persistence is best-effort: the conversation must keep
		// running even when a write fails.
		if _, err := l.store.AppendMessage(ctx, inv.ID, p.RunID, turn, role, content, tokensIn, tokensOut, stopReason); err != nil {
			log.Warn("failed to persist agent message", zap.String("role", role), zap.Error(err))
		}
		turn++
	}

	if p.SystemPrompt != "" {
		persist(RoleSystem, p.SystemPrompt, 0, 0, "")
	}
	persist(RoleUser, p.UserPrompt, 0, 0, "")

	history := []Message{{Role: RoleUser, Content: p.UserPrompt}}
	result := &LoopResult{}

	for iteration := 0; iteration < l.maxIterations; iteration++ {
		if err := l.checkCancelled(ctx, p.RunID); err != nil {
			return result, err
		}

		resp, err := l.provider.Invoke(ctx, InvokeRequest{
			SystemPrompt: p.SystemPrompt,
			Messages:     history,
			Tools:        l.registry.Defs(),
			MaxTokens:    p.MaxTokens,
			Temperature:  p.Temperature,
			TimeoutMs:    p.TimeoutMs,
		})
		if err != nil {
			return result, err
		}

		result.Iterations = iteration + 1
		result.TokensInput += resp.TokensInput
		result.TokensOutput += resp.TokensOutput
		result.Content = resp.Content
		result.StopReason = resp.StopReason

		assistantContent := any(resp.Content)
		if len(resp.RawContentBlocks) > 0 {
			assistantContent = resp.RawContentBlocks
		}
		persist(RoleAssistant, assistantContent, resp.TokensInput, resp.TokensOutput, resp.StopReason)
		history = append(history, Message{Role: RoleAssistant, Content: resp.RawContentBlocks})

		if resp.StopReason != StopToolUse || len(resp.ToolCalls) == 0 {
			return result, nil
		}

		var toolResults []map[string]any
		for _, call := range resp.ToolCalls {
			if err := l.checkCancelled(ctx, p.RunID); err != nil {
				return result, err
			}
			toolResults = append(toolResults, l.executeToolCall(ctx, p, inv, call, log))
		}
		persist(RoleToolResult, toolResults, 0, 0, "")
		history = append(history, Message{Role: RoleToolResult, Content: toolResults})
	}

	return result, &Error{
		Kind:    ErrKindMaxIterations,
		Message: fmt.Sprintf("tool loop exceeded %d iterations", l.maxIterations),
	}
}

// executeToolCall redacts args, applies policy, runs the tool, and
// returns the tool_result block for the next provider turn.
func (l *Loop) executeToolCall(ctx context.Context, p LoopParams, inv *Invocation, call ToolCall, log *logger.Logger) map[string]any {
	redacted, err := redact.Value(call.Input, redact.Options{})
	argsJSON, hash := "{}", ""
	if err != nil {
		log.Warn("failed to redact tool args", zap.Error(err))
	} else {
		argsJSON = redacted.Canonical
		hash = redacted.Hash
	}

	decision := EvaluatePolicies(l.policies.Rules, call.Name, call.Input, PolicyContext{
		RunID:        p.RunID,
		ProjectID:    p.ProjectID,
		WorktreePath: p.WorktreePath,
	})

	ti := &ToolInvocation{
		RunID:          p.RunID,
		InvocationID:   inv.ID,
		ToolName:       call.Name,
		ArgsRedacted:   argsJSON,
		PayloadHash:    hash,
		PolicyDecision: decision.Decision,
		Status:         ToolStarted,
	}
	if decision.PolicyID != "" {
		ti.PolicyID = &decision.PolicyID
	}
	if decision.Decision == DecisionBlock {
		ti.Status = ToolBlocked
	}
	if err := l.store.CreateToolInvocation(ctx, ti); err != nil {
		log.Warn("failed to persist tool invocation", zap.Error(err))
	}

	if decision.Decision == DecisionBlock {
		l.emitToolEvent(ctx, p, ti, "tool.policy_blocked", map[string]any{
			"tool":     call.Name,
			"policyId": decision.PolicyID,
			"reason":   decision.Reason,
		})
		return toolResultBlock(call.ID, fmt.Sprintf("blocked by policy: %s", decision.Reason), true)
	}

	tool, ok := l.registry.Get(call.Name)
	if !ok {
		_ = l.store.FinishToolInvocation(ctx, ti.ID, ToolFailed, 0, fmt.Errorf("unknown tool"))
		return toolResultBlock(call.ID, fmt.Sprintf("unknown tool %q", call.Name), true)
	}

	start := time.Now()
	output, execErr := tool.Execute(ctx, ExecContext{
		RunID:        p.RunID,
		InvocationID: inv.ID,
		ProjectID:    p.ProjectID,
		WorktreePath: p.WorktreePath,
		DB:           l.db,
	}, call.Input)
	elapsed := time.Since(start).Milliseconds()

	if execErr != nil {
		if err := l.store.FinishToolInvocation(ctx, ti.ID, ToolFailed, elapsed, execErr); err != nil {
			log.Warn("failed to finalize tool invocation", zap.Error(err))
		}
		l.emitToolEvent(ctx, p, ti, "tool.invoked", map[string]any{
			"tool":   call.Name,
			"status": ToolFailed,
		})
		return toolResultBlock(call.ID, execErr.Error(), true)
	}

	if err := l.store.FinishToolInvocation(ctx, ti.ID, ToolCompleted, elapsed, nil); err != nil {
		log.Warn("failed to finalize tool invocation", zap.Error(err))
	}
	l.emitToolEvent(ctx, p, ti, "tool.invoked", map[string]any{
		"tool":   call.Name,
		"status": ToolCompleted,
	})

	content := ""
	switch v := output.(type) {
	case string:
		content = v
	default:
		content = fmt.Sprintf("%v", v)
	}
	return toolResultBlock(call.ID, content, false)
}

func (l *Loop) emitToolEvent(ctx context.Context, p LoopParams, ti *ToolInvocation, eventType string, payload map[string]any) {
	if l.events == nil {
		return
	}
	_, err := l.events.CreateEvent(ctx, events.CreateParams{
		ProjectID:      p.ProjectID,
		RunID:          p.RunID,
		Type:           eventType,
		Class:          events.ClassFact,
		Payload:        payload,
		IdempotencyKey: "tool:" + ti.ID + ":" + eventType,
		Source:         events.SourceToolLayer,
	})
	if err != nil {
		l.logger.Warn("failed to emit tool event", zap.Error(err))
	}
}

// checkCancelled surfaces caller cancellation and operator cancellation
// observed through the run's phase.
func (l *Loop) checkCancelled(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return &Error{Kind: ErrKindCancelled, Message: "caller cancelled", Cause: err}
	}
	var phase string
	if err := l.db.GetContext(ctx, &phase, l.db.Rebind(
		`SELECT phase FROM runs WHERE id = ?`), runID); err != nil {
		return nil
	}
	if phase == "cancelled" {
		return &Error{Kind: ErrKindCancelled, Message: "run was cancelled"}
	}
	return nil
}

func toolResultBlock(toolUseID, content string, isError bool) map[string]any {
	return map[string]any{
		"type":        "tool_result",
		"tool_use_id": toolUseID,
		"content":     content,
		"is_error":    isError,
	}
}
