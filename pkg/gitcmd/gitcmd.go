// Package gitcmd wraps the git CLI for branch, worktree, and history
// operations. All commands run through os/exec with the caller's
// context so a cancelled orchestration aborts in-flight git work.
package gitcmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Commit is one entry from the repository history.
type Commit struct {
	Hash    string
	Subject string
	Author  string
	Date    string
}

// Runner executes git commands rooted at a repository path.
type Runner struct {
	repoPath string
	logger   *slog.Logger
}

// NewRunner creates a Runner for the repository at repoPath.
func NewRunner(repoPath string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{repoPath: repoPath, logger: logger.With("component", "gitcmd")}
}

// RepoPath returns the repository root the runner operates on.
func (r *Runner) RepoPath() string { return r.repoPath }

func (r *Runner) run(ctx context.Context, dir string, args ...string) (string, error) {
	if dir == "" {
		dir = r.repoPath
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		return output, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, output)
	}
	return output, nil
}

// Fetch updates remote refs.
func (r *Runner) Fetch(ctx context.Context) error {
	_, err := r.run(ctx, "", "fetch", "--prune")
	return err
}

// CurrentBranch reports the checked-out branch in dir.
func (r *Runner) CurrentBranch(ctx context.Context, dir string) (string, error) {
	return r.run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
}

// BranchExists reports whether a local branch exists.
func (r *Runner) BranchExists(ctx context.Context, branch string) (bool, error) {
	out, err := r.run(ctx, "", "branch", "--list", branch)
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// AddWorktree creates a worktree at path on a new branch cut from base.
// If the branch already exists it is reused.
func (r *Runner) AddWorktree(ctx context.Context, path, branch, base string) error {
	exists, err := r.BranchExists(ctx, branch)
	if err != nil {
		return err
	}
	if exists {
		r.logger.Debug("reusing existing branch for worktree", "branch", branch, "path", path)
		_, err = r.run(ctx, "", "worktree", "add", path, branch)
		return err
	}
	_, err = r.run(ctx, "", "worktree", "add", "-b", branch, path, base)
	return err
}

// RemoveWorktree detaches a worktree, discarding local state.
func (r *Runner) RemoveWorktree(ctx context.Context, path string) error {
	_, err := r.run(ctx, "", "worktree", "remove", "--force", path)
	return err
}

// PruneWorktrees drops stale worktree administrative entries.
func (r *Runner) PruneWorktrees(ctx context.Context) error {
	_, err := r.run(ctx, "", "worktree", "prune")
	return err
}

// Push publishes branch from the worktree at dir. A rejected push is
// retried once with --force: orchestration branches are single-writer,
// so a rejection means a previous partial push, not a collaborator.
func (r *Runner) Push(ctx context.Context, dir, branch string) error {
	out, err := r.run(ctx, dir, "push", "-u", "origin", branch)
	if err == nil {
		return nil
	}
	if !strings.Contains(out, "rejected") && !strings.Contains(err.Error(), "rejected") {
		return err
	}
	r.logger.Warn("push rejected, retrying with force", "branch", branch)
	_, err = r.run(ctx, dir, "push", "--force", "-u", "origin", branch)
	return err
}

// HasCommitsAgainst reports whether dir's HEAD has commits not on base.
func (r *Runner) HasCommitsAgainst(ctx context.Context, dir, base string) (bool, error) {
	out, err := r.run(ctx, dir, "rev-list", "--count", base+"..HEAD")
	if err != nil {
		return false, err
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return false, fmt.Errorf("parse rev-list count %q: %w", out, err)
	}
	return n > 0, nil
}

// ChangedFiles lists files modified on dir's HEAD relative to base.
func (r *Runner) ChangedFiles(ctx context.Context, dir, base string) ([]string, error) {
	out, err := r.run(ctx, dir, "diff", "--name-only", base+"...HEAD")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// logFormat uses unit separators so subjects containing pipes or tabs
// parse cleanly.
const logFormat = "%h%x1f%s%x1f%an%x1f%ad"

// RecentCommits returns up to n most recent commits in dir, newest
// first.
func (r *Runner) RecentCommits(ctx context.Context, dir string, n int) ([]Commit, error) {
	out, err := r.run(ctx, dir,
		"log", fmt.Sprintf("-%d", n), "--pretty=format:"+logFormat, "--date=short")
	if err != nil {
		return nil, err
	}
	return parseCommits(out), nil
}

// CommitsAgainst returns the commits on dir's HEAD that are not on
// base, newest first.
func (r *Runner) CommitsAgainst(ctx context.Context, dir, base string) ([]Commit, error) {
	out, err := r.run(ctx, dir,
		"log", "--pretty=format:"+logFormat, "--date=short", base+"..HEAD")
	if err != nil {
		return nil, err
	}
	return parseCommits(out), nil
}

// CommitAll stages everything in dir and commits. Used by self-heal
// bookkeeping when an agent leaves uncommitted work behind.
func (r *Runner) CommitAll(ctx context.Context, dir, message string) error {
	if _, err := r.run(ctx, dir, "add", "-A"); err != nil {
		return err
	}
	_, err := r.run(ctx, dir, "commit", "-m", message)
	return err
}

// HasUncommittedChanges reports whether dir has staged or unstaged
// modifications.
func (r *Runner) HasUncommittedChanges(ctx context.Context, dir string) (bool, error) {
	out, err := r.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

func parseCommits(out string) []Commit {
	if out == "" {
		return nil
	}
	var commits []Commit
	for _, line := range strings.Split(out, "\n") {
		parts := strings.Split(line, "\x1f")
		if len(parts) != 4 {
			continue
		}
		commits = append(commits, Commit{
			Hash:    parts[0],
			Subject: parts[1],
			Author:  parts[2],
			Date:    parts[3],
		})
	}
	return commits
}

// FormatCommits renders commits as markdown bullet lines for issue
// comments and change-request bodies.
func FormatCommits(commits []Commit) string {
	var b strings.Builder
	for _, c := range commits {
		fmt.Fprintf(&b, "- `%s` %s (%s, %s)\n", c.Hash, c.Subject, c.Author, c.Date)
	}
	return b.String()
}

// WaitForClean polls dir until no uncommitted changes remain or the
// timeout elapses. Agents occasionally report completion while a final
// commit is still flushing.
func (r *Runner) WaitForClean(ctx context.Context, dir string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		dirty, err := r.HasUncommittedChanges(ctx, dir)
		if err != nil {
			return err
		}
		if !dirty {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("worktree %s still dirty after %s", dir, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}
