package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cswenor/conductor/internal/common/ids"
)

// Policy decisions.
const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// Built-in policy names.
const (
	PolicyWorktreeBoundary   = "worktree_boundary"
	PolicyDotgitProtection   = "dotgit_protection"
	PolicySensitiveFileWrite = "sensitive_file_write"
	PolicyShellInjection     = "shell_injection"
)

// PolicyContext carries what rules need to judge a tool call.
type PolicyContext struct {
	RunID        string
	ProjectID    string
	WorktreePath string
}

// PolicyDecision is one rule's verdict.
type PolicyDecision struct {
	Decision string
	PolicyID string
	Reason   string
}

// PolicyRule judges one tool call. Rules run in order; the first block
// wins.
type PolicyRule interface {
	Name() string
	Evaluate(toolName string, input map[string]any, pctx PolicyContext) PolicyDecision
}

// EvaluatePolicies runs rules in order and returns the first blocking
// decision, or allow.
func EvaluatePolicies(rules []PolicyRule, toolName string, input map[string]any, pctx PolicyContext) PolicyDecision {
	for _, rule := range rules {
		d := rule.Evaluate(toolName, input, pctx)
		if d.Decision == DecisionBlock {
			return d
		}
	}
	return PolicyDecision{Decision: DecisionAllow}
}

// PolicySet holds seeded policy rows and the active rule list.
type PolicySet struct {
	Rules []PolicyRule
	IDs   map[string]string // policy name -> row id
}

// SeedPolicies idempotently inserts the built-in policy rows and returns
// the active set. Tool invocation rows FK-reference these ids.
func SeedPolicies(ctx context.Context, conn *sqlx.DB) (*PolicySet, error) {
	builtins := []struct{ name, description string }{
		{PolicyWorktreeBoundary, "File paths must resolve inside the run's worktree"},
		{PolicyDotgitProtection, "No writes under .git/"},
		{PolicySensitiveFileWrite, "No writes to credential-bearing files"},
		{PolicyShellInjection, "Heuristic rejection of shell metacharacter abuse"},
	}

	idsByName := make(map[string]string, len(builtins))
	for _, b := range builtins {
		var id string
		err := conn.GetContext(ctx, &id, conn.Rebind(
			`SELECT id FROM policies WHERE name = ?`), b.name)
		if err == nil {
			idsByName[b.name] = id
			continue
		}
		id = ids.New(ids.PrefixPolicy)
		_, err = conn.ExecContext(ctx, conn.Rebind(`
			INSERT INTO policies (id, name, description, created_at) VALUES (?, ?, ?, ?)`),
			id, b.name, b.description, time.Now().UTC())
		if err != nil {
			// Concurrent seeding; read back the winner.
			if gerr := conn.GetContext(ctx, &id, conn.Rebind(
				`SELECT id FROM policies WHERE name = ?`), b.name); gerr != nil {
				return nil, fmt.Errorf("seed policy %s: %w", b.name, err)
			}
		}
		idsByName[b.name] = id
	}

	set := &PolicySet{IDs: idsByName}
	set.Rules = []PolicyRule{
		&worktreeBoundaryRule{policyID: idsByName[PolicyWorktreeBoundary]},
		&dotgitProtectionRule{policyID: idsByName[PolicyDotgitProtection]},
		&sensitiveFileWriteRule{policyID: idsByName[PolicySensitiveFileWrite]},
		&shellInjectionRule{policyID: idsByName[PolicyShellInjection]},
	}
	return set, nil
}

// pathArgs extracts path-like arguments from tool input.
func pathArgs(input map[string]any) []string {
	var out []string
	for _, key := range []string{"path", "file_path", "filepath", "target", "destination"} {
		if s, ok := input[key].(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

type worktreeBoundaryRule struct{ policyID string }

func (r *worktreeBoundaryRule) Name() string { return PolicyWorktreeBoundary }

func (r *worktreeBoundaryRule) Evaluate(toolName string, input map[string]any, pctx PolicyContext) PolicyDecision {
	if pctx.WorktreePath == "" {
		return PolicyDecision{Decision: DecisionAllow}
	}
	root := filepath.Clean(pctx.WorktreePath)
	for _, p := range pathArgs(input) {
		abs := p
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(root, abs)
		}
		abs = filepath.Clean(abs)
		if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return PolicyDecision{
				Decision: DecisionBlock,
				PolicyID: r.policyID,
				Reason:   fmt.Sprintf("path %s resolves outside the worktree", p),
			}
		}
	}
	return PolicyDecision{Decision: DecisionAllow}
}

type dotgitProtectionRule struct{ policyID string }

func (r *dotgitProtectionRule) Name() string { return PolicyDotgitProtection }

func (r *dotgitProtectionRule) Evaluate(toolName string, input map[string]any, pctx PolicyContext) PolicyDecision {
	for _, p := range pathArgs(input) {
		clean := filepath.ToSlash(filepath.Clean(p))
		if clean == ".git" || strings.Contains(clean, "/.git/") || strings.HasPrefix(clean, ".git/") {
			return PolicyDecision{
				Decision: DecisionBlock,
				PolicyID: r.policyID,
				Reason:   fmt.Sprintf("path %s touches .git", p),
			}
		}
	}
	return PolicyDecision{Decision: DecisionAllow}
}

var sensitiveFileNames = []string{
	".env",
	".env.local",
	".env.production",
	"credentials.json",
	"id_rsa",
	"id_ed25519",
	".netrc",
	".npmrc",
}

var sensitiveFileSuffixes = []string{".pem", ".key", ".p12", ".pfx"}

type sensitiveFileWriteRule struct{ policyID string }

func (r *sensitiveFileWriteRule) Name() string { return PolicySensitiveFileWrite }

func (r *sensitiveFileWriteRule) Evaluate(toolName string, input map[string]any, pctx PolicyContext) PolicyDecision {
	if !isWriteTool(toolName) {
		return PolicyDecision{Decision: DecisionAllow}
	}
	for _, p := range pathArgs(input) {
		base := strings.ToLower(filepath.Base(p))
		for _, name := range sensitiveFileNames {
			if base == name {
				return r.block(p)
			}
		}
		for _, suffix := range sensitiveFileSuffixes {
			if strings.HasSuffix(base, suffix) {
				return r.block(p)
			}
		}
	}
	return PolicyDecision{Decision: DecisionAllow}
}

func (r *sensitiveFileWriteRule) block(path string) PolicyDecision {
	return PolicyDecision{
		Decision: DecisionBlock,
		PolicyID: r.policyID,
		Reason:   fmt.Sprintf("write to sensitive file %s", path),
	}
}

func isWriteTool(toolName string) bool {
	switch toolName {
	case "write_file", "edit_file", "create_file", "append_file", "delete_file", "move_file":
		return true
	}
	return false
}

var shellInjectionMarkers = []string{
	"$(", "`", "&&", "||", ";", "|", ">", ">>", "<(",
}

type shellInjectionRule struct{ policyID string }

func (r *shellInjectionRule) Name() string { return PolicyShellInjection }

func (r *shellInjectionRule) Evaluate(toolName string, input map[string]any, pctx PolicyContext) PolicyDecision {
	if toolName != "run_command" && toolName != "shell" {
		return PolicyDecision{Decision: DecisionAllow}
	}
	// Args passed as a list are exec'd directly; only a raw command
	// string is screened.
	cmd, ok := input["command"].(string)
	if !ok {
		return PolicyDecision{Decision: DecisionAllow}
	}
	for _, marker := range shellInjectionMarkers {
		if strings.Contains(cmd, marker) {
			return PolicyDecision{
				Decision: DecisionBlock,
				PolicyID: r.policyID,
				Reason:   fmt.Sprintf("command contains %q", marker),
			}
		}
	}
	return PolicyDecision{Decision: DecisionAllow}
}
