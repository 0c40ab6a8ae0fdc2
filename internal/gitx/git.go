// Package gitx wraps the git command line for the small set of operations
// the orchestrator needs. Worktree manipulation deliberately shells out to
// git rather than reimplementing it: worktrees are not covered by pure-Go
// git libraries and the checkout on disk must stay consistent with what a
// human running git would see.
package gitx

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const commandTimeout = 2 * time.Minute

// Run executes a git command in workdir and returns its combined output
func Run(ctx context.Context, workdir string, args ...string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "git", args...)
	cmd.Dir = workdir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// HasChanges reports whether the working tree has uncommitted changes
func HasChanges(ctx context.Context, workdir string) (bool, error) {
	out, err := Run(ctx, workdir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// CommitAll stages everything and commits with the given message
func CommitAll(ctx context.Context, workdir, message string) error {
	if _, err := Run(ctx, workdir, "add", "-A"); err != nil {
		return err
	}
	_, err := Run(ctx, workdir, "commit", "-m", message)
	return err
}

// Push pushes a branch to origin, setting upstream
func Push(ctx context.Context, workdir, branch string) error {
	_, err := Run(ctx, workdir, "push", "-u", "origin", branch)
	return err
}

// Fetch updates a single branch from origin. Missing remotes are tolerated
// so local-only test repositories keep working.
func Fetch(ctx context.Context, repoDir, branch string) {
	_, _ = Run(ctx, repoDir, "fetch", "origin", branch)
}

// ResolveBase returns the ref a new branch should start from: origin/<base>
// when it exists, otherwise the local base branch.
func ResolveBase(ctx context.Context, repoDir, base string) string {
	if _, err := Run(ctx, repoDir, "rev-parse", "--verify", "origin/"+base); err == nil {
		return "origin/" + base
	}
	return base
}

// WorktreeAdd creates a worktree at path on a new branch based on baseRef
func WorktreeAdd(ctx context.Context, repoDir, path, branch, baseRef string) error {
	_, err := Run(ctx, repoDir, "worktree", "add", "-b", branch, path, baseRef)
	return err
}

// WorktreeRemove force-removes a worktree. An already-missing worktree is
// not an error.
func WorktreeRemove(ctx context.Context, repoDir, path string) error {
	_, err := Run(ctx, repoDir, "worktree", "remove", "--force", path)
	if err != nil && strings.Contains(err.Error(), "is not a working tree") {
		return nil
	}
	return err
}

// WorktreePrune drops stale worktree bookkeeping
func WorktreePrune(ctx context.Context, repoDir string) {
	_, _ = Run(ctx, repoDir, "worktree", "prune")
}

// ListWorktrees returns the paths of all registered worktrees of a clone
func ListWorktrees(ctx context.Context, repoDir string) ([]string, error) {
	out, err := Run(ctx, repoDir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "worktree ") {
			paths = append(paths, strings.TrimPrefix(line, "worktree "))
		}
	}
	return paths, nil
}

// DeleteBranch force-deletes a local branch, tolerating a missing branch
func DeleteBranch(ctx context.Context, repoDir, branch string) {
	_, _ = Run(ctx, repoDir, "branch", "-D", branch)
}

// DeleteRemoteBranch deletes a branch on origin, tolerating a missing
// branch or remote
func DeleteRemoteBranch(ctx context.Context, repoDir, branch string) {
	_, _ = Run(ctx, repoDir, "push", "origin", "--delete", branch)
}

// HasReference reports whether key occurs textually anywhere in the clone.
// git grep exits 1 on no match, which is not an error here.
func HasReference(ctx context.Context, repoDir, key string) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "git", "grep", "-l", "--fixed-strings", key)
	cmd.Dir = repoDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, fmt.Errorf("git grep in %s: %w: %s", repoDir, err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)) != "", nil
}
