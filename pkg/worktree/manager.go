// Package worktree provisions per-issue git worktrees so each
// orchestration edits code in isolation from the main checkout.
package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/orch-dev/orch/pkg/gitcmd"
)

// nowFunc is swapped in tests for deterministic timestamps.
var nowFunc = time.Now

// BranchName returns the orchestration branch for an issue.
func BranchName(issueNumber int) string {
	return fmt.Sprintf("orch/issue-%d", issueNumber)
}

// Manager creates and tears down issue worktrees and keeps the
// registry in sync with what is actually on disk.
type Manager struct {
	git        *gitcmd.Runner
	registry   *Registry
	basePath   string
	repoName   string
	baseBranch string
	logger     *slog.Logger
}

// NewManager wires a Manager. basePath is where worktrees are placed;
// when empty it defaults to a sibling of the repository.
func NewManager(git *gitcmd.Runner, basePath, repoName, baseBranch string, logger *slog.Logger) *Manager {
	if basePath == "" {
		basePath = filepath.Join(filepath.Dir(git.RepoPath()), "worktrees")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		git:        git,
		registry:   NewRegistry(git.RepoPath()),
		basePath:   basePath,
		repoName:   repoName,
		baseBranch: baseBranch,
		logger:     logger.With("component", "worktree"),
	}
}

// PathFor returns the on-disk location for an issue's worktree.
func (m *Manager) PathFor(issueNumber int) string {
	return filepath.Join(m.basePath, fmt.Sprintf("%s-%d", m.repoName, issueNumber))
}

// Create provisions a worktree for the issue on its orchestration
// branch and records it in the registry. Creating an already-registered
// worktree whose path still exists returns the existing entry, which
// lets a resumed orchestration pick up where it left off.
func (m *Manager) Create(ctx context.Context, issueNumber int) (Entry, error) {
	if existing, ok, err := m.registry.Get(issueNumber); err != nil {
		return Entry{}, err
	} else if ok {
		if _, statErr := os.Stat(existing.Path); statErr == nil {
			m.logger.Info("reusing existing worktree", "issue", issueNumber, "path", existing.Path)
			return existing, nil
		}
		// Registry drift: recorded worktree vanished from disk.
		m.logger.Warn("registered worktree missing on disk, recreating",
			"issue", issueNumber, "path", existing.Path)
		if err := m.registry.Delete(issueNumber); err != nil {
			return Entry{}, err
		}
		if err := m.git.PruneWorktrees(ctx); err != nil {
			return Entry{}, err
		}
	}

	path := m.PathFor(issueNumber)
	branch := BranchName(issueNumber)
	if err := os.MkdirAll(m.basePath, 0o755); err != nil {
		return Entry{}, fmt.Errorf("create worktree base dir: %w", err)
	}
	// Refresh remote refs so the branch cuts from the base branch's
	// current tip. Repos without a reachable remote still get a worktree
	// from their local refs.
	if err := m.git.Fetch(ctx); err != nil {
		m.logger.Warn("fetch before worktree creation failed", "error", err)
	}
	if err := m.git.AddWorktree(ctx, path, branch, m.baseBranch); err != nil {
		return Entry{}, fmt.Errorf("add worktree for issue #%d: %w", issueNumber, err)
	}

	entry := Entry{IssueNumber: issueNumber, Path: path, Branch: branch, CreatedAt: nowFunc()}
	if err := m.registry.Put(entry); err != nil {
		return Entry{}, err
	}
	m.logger.Info("worktree created", "issue", issueNumber, "path", path, "branch", branch)
	return entry, nil
}

// Get returns the registered worktree for an issue.
func (m *Manager) Get(issueNumber int) (Entry, bool, error) {
	return m.registry.Get(issueNumber)
}

// Exists reports whether the issue has a registered worktree that is
// still present on disk.
func (m *Manager) Exists(issueNumber int) (bool, error) {
	entry, ok, err := m.registry.Get(issueNumber)
	if err != nil || !ok {
		return false, err
	}
	_, statErr := os.Stat(entry.Path)
	return statErr == nil, nil
}

// Remove tears down the issue's worktree and drops its registry entry.
// The branch is left in place so its commits survive for the change
// request.
func (m *Manager) Remove(ctx context.Context, issueNumber int) error {
	entry, ok, err := m.registry.Get(issueNumber)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if _, statErr := os.Stat(entry.Path); statErr == nil {
		if err := m.git.RemoveWorktree(ctx, entry.Path); err != nil {
			return fmt.Errorf("remove worktree for issue #%d: %w", issueNumber, err)
		}
	} else {
		if err := m.git.PruneWorktrees(ctx); err != nil {
			return err
		}
	}
	if err := m.registry.Delete(issueNumber); err != nil {
		return err
	}
	m.logger.Info("worktree removed", "issue", issueNumber, "path", entry.Path)
	return nil
}

// Drift describes a registry entry whose worktree no longer exists on
// disk.
type Drift struct {
	Entry Entry
}

// DetectDrift lists registry entries whose paths are gone.
func (m *Manager) DetectDrift() ([]Drift, error) {
	entries, err := m.registry.List()
	if err != nil {
		return nil, err
	}
	var drifted []Drift
	for _, e := range entries {
		if _, statErr := os.Stat(e.Path); os.IsNotExist(statErr) {
			drifted = append(drifted, Drift{Entry: e})
		}
	}
	return drifted, nil
}

// RepairDrift removes drifted registry entries and prunes git's own
// worktree bookkeeping.
func (m *Manager) RepairDrift(ctx context.Context) (int, error) {
	drifted, err := m.DetectDrift()
	if err != nil {
		return 0, err
	}
	for _, d := range drifted {
		m.logger.Warn("pruning drifted worktree entry",
			"issue", d.Entry.IssueNumber, "path", d.Entry.Path)
		if err := m.registry.Delete(d.Entry.IssueNumber); err != nil {
			return 0, err
		}
	}
	if len(drifted) > 0 {
		if err := m.git.PruneWorktrees(ctx); err != nil {
			return len(drifted), err
		}
	}
	return len(drifted), nil
}
