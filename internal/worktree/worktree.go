// Package worktree manages per-run isolated checkouts: repository clones
// shared per repo, git worktrees on fresh run branches, and per-project
// port leases.
package worktree

import (
	"errors"
	"fmt"
	"time"
)

// Worktree statuses.
const (
	StatusActive    = "active"
	StatusDestroyed = "destroyed"
)

// BranchPrefix is the namespace for generated run branches.
const BranchPrefix = "conductor/run-"

// DefaultPortLeaseTTL is how long a port lease lives without renewal.
const DefaultPortLeaseTTL = 24 * time.Hour

// ErrNoPortsAvailable is returned when a project's port range is
// exhausted.
var ErrNoPortsAvailable = errors.New("no_ports_available")

// ErrNotFound is returned when a worktree row does not exist.
var ErrNotFound = errors.New("worktree not found")

// Worktree is one per-run checkout.
type Worktree struct {
	ID              string     `db:"id"`
	RunID           string     `db:"run_id"`
	ProjectID       string     `db:"project_id"`
	RepoID          string     `db:"repo_id"`
	Path            string     `db:"path"`
	Branch          string     `db:"branch"`
	BaseBranch      string     `db:"base_branch"`
	BaseCommit      string     `db:"base_commit"`
	Status          string     `db:"status"`
	LastHeartbeatAt *time.Time `db:"last_heartbeat_at"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
	DestroyedAt     *time.Time `db:"destroyed_at"`
}

// PortLease is one reserved port for a worktree.
type PortLease struct {
	ID         string     `db:"id"`
	ProjectID  string     `db:"project_id"`
	WorktreeID string     `db:"worktree_id"`
	Port       int        `db:"port"`
	Purpose    string     `db:"purpose"`
	IsActive   bool       `db:"is_active"`
	ExpiresAt  time.Time  `db:"expires_at"`
	CreatedAt  time.Time  `db:"created_at"`
	ReleasedAt *time.Time `db:"released_at"`
}

// RunBranch returns the generated branch name for a run.
func RunBranch(runID string) string {
	return BranchPrefix + runID
}

// CreateParams are the inputs to Manager.Create.
type CreateParams struct {
	RunID      string
	ProjectID  string
	RepoID     string
	BaseBranch string // optional; resolved when empty
}

// CloneResult reports the outcome of cloneOrFetch.
type CloneResult struct {
	ClonePath   string
	WasExisting bool
}

func validatePortRange(start, end int) error {
	if start <= 0 || end < start {
		return fmt.Errorf("invalid port range %d-%d", start, end)
	}
	return nil
}
