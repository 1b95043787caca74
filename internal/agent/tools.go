package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
)

// ExecContext is what tools see when they run.
type ExecContext struct {
	RunID        string
	InvocationID string
	ProjectID    string
	WorktreePath string
	DB           *sqlx.DB
}

// Tool is one callable capability advertised to the provider.
type Tool interface {
	Def() ToolDef
	Execute(ctx context.Context, ec ExecContext, input map[string]any) (any, error)
}

// Registry holds the tools available to a loop.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Re-registering a name replaces it.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Def().Name
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Defs returns tool definitions in registration order.
func (r *Registry) Defs() []ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDef, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Def())
	}
	return out
}

// FuncTool wraps a function as a Tool.
type FuncTool struct {
	Definition ToolDef
	Fn         func(ctx context.Context, ec ExecContext, input map[string]any) (any, error)
}

func (t *FuncTool) Def() ToolDef { return t.Definition }

func (t *FuncTool) Execute(ctx context.Context, ec ExecContext, input map[string]any) (any, error) {
	if t.Fn == nil {
		return nil, fmt.Errorf("tool %s has no implementation", t.Definition.Name)
	}
	return t.Fn(ctx, ec, input)
}
