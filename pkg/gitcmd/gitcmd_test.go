package gitcmd

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

// initRepo creates a throwaway repo with one commit on main.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test User")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", ".")
	run("commit", "-m", "initial commit")
	return dir
}

func commitFile(t *testing.T, dir, name, content, message string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	for _, args := range [][]string{{"add", "."}, {"commit", "-m", message}} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
}

func TestRunner_AddAndRemoveWorktree(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	runner := NewRunner(repo, slog.Default())
	ctx := context.Background()

	wt := filepath.Join(t.TempDir(), "wt-42")
	require.NoError(t, runner.AddWorktree(ctx, wt, "orch/issue-42", "main"))

	branch, err := runner.CurrentBranch(ctx, wt)
	require.NoError(t, err)
	assert.Equal(t, "orch/issue-42", branch)

	exists, err := runner.BranchExists(ctx, "orch/issue-42")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, runner.RemoveWorktree(ctx, wt))
	_, err = os.Stat(wt)
	assert.True(t, os.IsNotExist(err))
}

func TestRunner_AddWorktreeReusesExistingBranch(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	runner := NewRunner(repo, slog.Default())
	ctx := context.Background()

	first := filepath.Join(t.TempDir(), "first")
	require.NoError(t, runner.AddWorktree(ctx, first, "orch/issue-7", "main"))
	require.NoError(t, runner.RemoveWorktree(ctx, first))

	// Branch survives worktree removal; a resume recreates the worktree
	// on the same branch.
	second := filepath.Join(t.TempDir(), "second")
	require.NoError(t, runner.AddWorktree(ctx, second, "orch/issue-7", "main"))

	branch, err := runner.CurrentBranch(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, "orch/issue-7", branch)
}

func TestRunner_CommitsAgainstBase(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	runner := NewRunner(repo, slog.Default())
	ctx := context.Background()

	wt := filepath.Join(t.TempDir(), "wt")
	require.NoError(t, runner.AddWorktree(ctx, wt, "orch/issue-9", "main"))

	has, err := runner.HasCommitsAgainst(ctx, wt, "main")
	require.NoError(t, err)
	assert.False(t, has)

	commitFile(t, wt, "feature.go", "package feature\n", "add feature scaffold")
	commitFile(t, wt, "feature_test.go", "package feature\n", "add feature tests")

	has, err = runner.HasCommitsAgainst(ctx, wt, "main")
	require.NoError(t, err)
	assert.True(t, has)

	commits, err := runner.CommitsAgainst(ctx, wt, "main")
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, "add feature tests", commits[0].Subject)
	assert.Equal(t, "Test User", commits[0].Author)

	files, err := runner.ChangedFiles(ctx, wt, "main")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"feature.go", "feature_test.go"}, files)
}

func TestRunner_RecentCommitsBounded(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	runner := NewRunner(repo, slog.Default())
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		commitFile(t, repo, "f.txt", string(rune('a'+i)), "commit number "+string(rune('1'+i)))
	}

	commits, err := runner.RecentCommits(ctx, repo, 5)
	require.NoError(t, err)
	assert.Len(t, commits, 5)
	assert.Equal(t, "commit number 6", commits[0].Subject)
}

func TestRunner_UncommittedChanges(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	runner := NewRunner(repo, slog.Default())
	ctx := context.Background()

	dirty, err := runner.HasUncommittedChanges(ctx, repo)
	require.NoError(t, err)
	assert.False(t, dirty)

	require.NoError(t, os.WriteFile(filepath.Join(repo, "scratch.txt"), []byte("x"), 0o644))
	dirty, err = runner.HasUncommittedChanges(ctx, repo)
	require.NoError(t, err)
	assert.True(t, dirty)

	require.NoError(t, runner.CommitAll(ctx, repo, "checkpoint agent output"))
	dirty, err = runner.HasUncommittedChanges(ctx, repo)
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestFormatCommits(t *testing.T) {
	out := FormatCommits([]Commit{
		{Hash: "abc1234", Subject: "add handler", Author: "Dev", Date: "2026-08-01"},
	})
	assert.Equal(t, "- `abc1234` add handler (Dev, 2026-08-01)\n", out)
}

func TestParseCommitsSkipsMalformedLines(t *testing.T) {
	out := parseCommits("abc\x1fsubject\x1fauthor\x1f2026-01-01\ngarbage-line")
	require.Len(t, out, 1)
	assert.Equal(t, "abc", out[0].Hash)
}
