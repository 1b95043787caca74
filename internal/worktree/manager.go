package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/cswenor/conductor/internal/common/config"
	"github.com/cswenor/conductor/internal/common/logger"
	"github.com/cswenor/conductor/internal/project"
)

// Manager creates and destroys per-run worktrees.
type Manager struct {
	store        *Store
	projects     *project.Store
	reposDir     string
	worktreesDir string
	locksDir     string
	logger       *logger.Logger
}

// NewManager creates a worktree manager and ensures the on-disk layout
// exists.
func NewManager(store *Store, projects *project.Store, cfg config.Engine, log *logger.Logger) (*Manager, error) {
	reposDir, err := cfg.ReposDir()
	if err != nil {
		return nil, err
	}
	worktreesDir, err := cfg.WorktreesDir()
	if err != nil {
		return nil, err
	}
	locksDir, err := cfg.LocksDir()
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{reposDir, worktreesDir, locksDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &Manager{
		store:        store,
		projects:     projects,
		reposDir:     reposDir,
		worktreesDir: worktreesDir,
		locksDir:     locksDir,
		logger:       log.WithFields(zap.String("component", "worktree-manager")),
	}, nil
}

// Store exposes the underlying store for port and heartbeat operations.
func (m *Manager) Store() *Store { return m.store }

// ResolveBaseBranch picks the base branch for a repo: the explicitly
// requested name, else the repo's default branch, else inspection of the
// local clone (main preferred over master), else "main". The result is
// always validated against git ref rules.
func (m *Manager) ResolveBaseBranch(ctx context.Context, repo *project.Repo, requested string) (string, error) {
	branch := requested
	if branch == "" {
		branch = repo.DefaultBranch
	}
	if branch == "" && repo.LocalPath != "" {
		if gitBranchExists(ctx, repo.LocalPath, "main") {
			branch = "main"
		} else if gitBranchExists(ctx, repo.LocalPath, "master") {
			branch = "master"
		}
	}
	if branch == "" {
		branch = "main"
	}
	if err := ValidateRefName(branch); err != nil {
		return "", err
	}
	return branch, nil
}

// Create sets up the run's worktree. Idempotent: an existing active
// worktree for the run is returned as-is.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*Worktree, error) {
	existing, err := m.store.GetByRunID(ctx, p.RunID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status == StatusActive {
		return existing, nil
	}

	repo, err := m.projects.GetRepo(ctx, p.RepoID)
	if err != nil {
		return nil, err
	}

	clone, err := m.CloneOrFetchRepo(ctx, repo)
	if err != nil {
		return nil, err
	}

	baseBranch, err := m.ResolveBaseBranch(ctx, repo, p.BaseBranch)
	if err != nil {
		return nil, err
	}

	baseCommit, err := gitResolveCommit(ctx, clone.ClonePath, baseBranch)
	if err != nil {
		// Remote-tracking ref as fallback for branches never checked out
		// locally.
		baseCommit, err = gitResolveCommit(ctx, clone.ClonePath, "origin/"+baseBranch)
		if err != nil {
			return nil, fmt.Errorf("resolve base branch %s: %w", baseBranch, err)
		}
	}

	branch := RunBranch(p.RunID)
	path := filepath.Join(m.worktreesDir, p.RunID)
	if err := gitWorktreeAdd(ctx, clone.ClonePath, path, branch, baseCommit); err != nil {
		return nil, err
	}

	wt := &Worktree{
		RunID:      p.RunID,
		ProjectID:  p.ProjectID,
		RepoID:     p.RepoID,
		Path:       path,
		Branch:     branch,
		BaseBranch: baseBranch,
		BaseCommit: baseCommit,
	}
	if err := m.store.Insert(ctx, wt); err != nil {
		_ = gitWorktreeRemove(ctx, clone.ClonePath, path)
		return nil, err
	}

	m.logger.Info("created worktree",
		zap.String("run_id", p.RunID),
		zap.String("branch", branch),
		zap.String("base_commit", baseCommit))
	return wt, nil
}

// CloneOrFetchRepo ensures a local clone exists for the repo, fetching
// when it already does. Serialized across processes by a lock file keyed
// on the repo id.
func (m *Manager) CloneOrFetchRepo(ctx context.Context, repo *project.Repo) (*CloneResult, error) {
	lock := newFileLock(m.locksDir, "clone-"+repo.ID)
	if err := lock.Acquire(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			m.logger.Warn("failed to release clone lock", zap.Error(err))
		}
	}()

	clonePath := repo.LocalPath
	if clonePath == "" {
		clonePath = filepath.Join(m.reposDir, repo.ProjectID, repo.ID)
	}

	if _, err := os.Stat(filepath.Join(clonePath, ".git")); err == nil {
		if ferr := gitFetch(ctx, clonePath); ferr != nil {
			m.logger.Warn("git fetch failed", zap.String("path", clonePath), zap.Error(ferr))
		}
		return &CloneResult{ClonePath: clonePath, WasExisting: true}, nil
	}

	if repo.CloneURL == "" {
		return nil, fmt.Errorf("repo %s has no clone url and no local clone", repo.ID)
	}
	if err := os.MkdirAll(filepath.Dir(clonePath), 0o755); err != nil {
		return nil, err
	}
	if err := gitClone(ctx, repo.CloneURL, clonePath); err != nil {
		return nil, err
	}
	if repo.LocalPath == "" {
		if err := m.projects.SetRepoLocalPath(ctx, repo.ID, clonePath); err != nil {
			m.logger.Warn("failed to record clone path", zap.Error(err))
		}
	}
	return &CloneResult{ClonePath: clonePath, WasExisting: false}, nil
}

// Destroy removes the worktree directory, deletes its branch, releases
// its ports, and marks the row destroyed. Idempotent.
func (m *Manager) Destroy(ctx context.Context, runID string) error {
	wt, err := m.store.GetByRunID(ctx, runID)
	if err != nil {
		return err
	}
	if wt == nil || wt.Status == StatusDestroyed {
		return nil
	}

	repo, err := m.projects.GetRepo(ctx, wt.RepoID)
	if err == nil && repo.LocalPath != "" {
		if rerr := gitWorktreeRemove(ctx, repo.LocalPath, wt.Path); rerr != nil {
			m.logger.Warn("git worktree remove failed", zap.Error(rerr))
			_ = os.RemoveAll(wt.Path)
		}
		gitDeleteBranch(ctx, repo.LocalPath, wt.Branch)
	} else {
		_ = os.RemoveAll(wt.Path)
	}

	if _, err := m.store.ReleaseWorktreePorts(ctx, wt.ID); err != nil {
		m.logger.Warn("failed to release worktree ports", zap.Error(err))
	}
	return m.store.MarkDestroyed(ctx, wt.ID)
}

// SweepOrphans reconciles rows and disk: active rows whose path is gone
// are destroyed with their ports released, and directories without a
// matching active row are removed. Returns (rowsDestroyed, dirsRemoved).
func (m *Manager) SweepOrphans(ctx context.Context) (int, int) {
	destroyed := 0
	active, err := m.store.ListActive(ctx)
	if err != nil {
		m.logger.Warn("orphan sweep: listing worktrees failed", zap.Error(err))
		return 0, 0
	}
	known := make(map[string]bool, len(active))
	for _, wt := range active {
		known[filepath.Clean(wt.Path)] = true
		if _, err := os.Stat(wt.Path); os.IsNotExist(err) {
			if _, rerr := m.store.ReleaseWorktreePorts(ctx, wt.ID); rerr != nil {
				m.logger.Warn("orphan sweep: port release failed", zap.Error(rerr))
			}
			if derr := m.store.MarkDestroyed(ctx, wt.ID); derr != nil {
				m.logger.Warn("orphan sweep: mark destroyed failed", zap.Error(derr))
				continue
			}
			destroyed++
		}
	}

	removed := 0
	entries, err := os.ReadDir(m.worktreesDir)
	if err != nil {
		return destroyed, 0
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Clean(filepath.Join(m.worktreesDir, e.Name()))
		if known[path] {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			m.logger.Warn("orphan sweep: remove failed", zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
	}
	return destroyed, removed
}
