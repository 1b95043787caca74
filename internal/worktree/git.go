package worktree

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// runGit executes git with the given args, returning trimmed combined
// output.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		return text, fmt.Errorf("git %s failed: %s: %w", strings.Join(args, " "), text, err)
	}
	return text, nil
}

// gitClone clones cloneURL into targetPath.
func gitClone(ctx context.Context, cloneURL, targetPath string) error {
	_, err := runGit(ctx, "", "clone", cloneURL, targetPath)
	return err
}

// gitFetch updates an existing clone.
func gitFetch(ctx context.Context, repoPath string) error {
	_, err := runGit(ctx, repoPath, "fetch", "--all", "--prune")
	return err
}

// gitResolveCommit resolves a ref to its commit hash within repoPath.
func gitResolveCommit(ctx context.Context, repoPath, ref string) (string, error) {
	out, err := runGit(ctx, repoPath, "rev-parse", "--verify", ref+"^{commit}")
	if err != nil {
		return "", err
	}
	return out, nil
}

// gitBranchExists reports whether a local branch exists in repoPath.
func gitBranchExists(ctx context.Context, repoPath, branch string) bool {
	_, err := runGit(ctx, repoPath, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// gitWorktreeAdd creates a worktree at path on a new branch based at
// commit.
func gitWorktreeAdd(ctx context.Context, repoPath, path, branch, commit string) error {
	_, err := runGit(ctx, repoPath, "worktree", "add", "-b", branch, path, commit)
	return err
}

// gitWorktreeRemove force-removes a worktree and prunes stale entries.
func gitWorktreeRemove(ctx context.Context, repoPath, path string) error {
	if _, err := runGit(ctx, repoPath, "worktree", "remove", "--force", path); err != nil {
		return err
	}
	_, _ = runGit(ctx, repoPath, "worktree", "prune")
	return nil
}

// gitDeleteBranch removes a local branch, tolerating absence.
func gitDeleteBranch(ctx context.Context, repoPath, branch string) {
	_, _ = runGit(ctx, repoPath, "branch", "-D", branch)
}
