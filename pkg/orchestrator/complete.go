package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/orch-dev/orch/pkg/gitcmd"
	"github.com/orch-dev/orch/pkg/models"
	"github.com/orch-dev/orch/pkg/notify"
	"github.com/orch-dev/orch/pkg/tracker"
	"github.com/orch-dev/orch/pkg/worktree"
)

// runCompletion publishes the branch, opens the change request, and
// settles the master ticket into its terminal state.
func (o *Orchestrator) runCompletion(ctx context.Context) error {
	o.logger.Info("completion stage started")
	branch, err := o.git.CurrentBranch(ctx, o.workDir)
	if err != nil {
		return fmt.Errorf("read worktree branch: %w", err)
	}
	if expected := worktree.BranchName(o.issueNumber); branch != expected {
		return fmt.Errorf("worktree %s is on branch %s, expected %s", o.workDir, branch, expected)
	}

	if dirty, err := o.git.HasUncommittedChanges(ctx, o.workDir); err == nil && dirty {
		o.logger.Warn("worktree has uncommitted changes at completion", "worktree", o.workDir)
	}

	hasWork, err := o.git.HasCommitsAgainst(ctx, o.workDir, o.cfg.Tracker.BaseBranch)
	if err != nil {
		return err
	}
	if !hasWork {
		return fmt.Errorf("branch %s has no commits against %s", branch, o.cfg.Tracker.BaseBranch)
	}

	stats, err := o.collectStats(ctx, branch)
	if err != nil {
		return err
	}

	if err := o.git.Push(ctx, o.workDir, branch); err != nil {
		return fmt.Errorf("push %s: %w", branch, err)
	}

	finalState := tracker.StateCompleted
	if o.cfg.Tracker.CreatePREnabled() {
		pr, err := o.client.CreatePullRequest(ctx, tracker.NewPullRequest{
			Title:  fmt.Sprintf("[orch] Issue #%d: %s", o.issueNumber, o.issue.Title),
			Body:   o.pullRequestBody(ctx, stats),
			Head:   branch,
			Base:   o.cfg.Tracker.BaseBranch,
			Labels: []string{o.labels.Apply(tracker.LabelOrchestrated)},
		})
		if err != nil {
			return fmt.Errorf("create change request: %w", err)
		}
		stats.PRNumber = pr.Number
		stats.PRURL = pr.URL

		// Some trackers template the body on creation; restore the
		// auto-close reference if it got lost.
		if body, changed := ensureClosesClause(pr.Body, o.issueNumber); changed {
			if err := o.client.UpdatePullRequestBody(ctx, pr.Number, body); err != nil {
				o.logger.Error("failed to restore auto-close clause", "pr", pr.Number, "error", err)
			}
		}

		comment := fmt.Sprintf("Change request opened: %s", pr.URL)
		if err := o.client.CreateComment(ctx, o.issueNumber, comment); err != nil {
			o.logger.Error("failed to link change request", "error", err)
		}
		finalState = tracker.StatePRCreated
	}

	if o.cfg.Tracker.CloseSubOnCompletion {
		o.closeSubTickets(ctx)
	}
	if o.cfg.Worktree.CleanupOnCompletionEnabled() {
		if err := o.worktrees.Remove(ctx, o.issueNumber); err != nil {
			o.logger.Error("worktree cleanup failed", "error", err)
		}
	}

	if err := o.transition(ctx, finalState); err != nil {
		return err
	}

	event := notify.Event{
		Kind:        notify.EventOrchestrationDone,
		Title:       fmt.Sprintf("Orchestration complete: %s", o.issue.Title),
		Message:     o.statsSummary(stats),
		IssueNumber: o.issueNumber,
		URL:         o.issue.URL,
	}
	if finalState == tracker.StatePRCreated {
		event.Kind = notify.EventPRCreated
		event.Title = fmt.Sprintf("Change request ready: %s", o.issue.Title)
		event.URL = stats.PRURL
	}
	o.notify(event)
	o.logger.Info("completion stage finished", "state", string(finalState), "pr", stats.PRURL)
	return nil
}

// ensureClosesClause prepends the auto-close reference when body lacks
// it, reporting whether anything changed.
func ensureClosesClause(body string, issueNumber int) (string, bool) {
	clause := fmt.Sprintf("Closes #%d", issueNumber)
	if strings.Contains(body, clause) {
		return body, false
	}
	return clause + "\n\n" + body, true
}

func (o *Orchestrator) collectStats(ctx context.Context, branch string) (models.CompletionStats, error) {
	commits, err := o.git.CommitsAgainst(ctx, o.workDir, o.cfg.Tracker.BaseBranch)
	if err != nil {
		return models.CompletionStats{}, err
	}
	files, err := o.git.ChangedFiles(ctx, o.workDir, o.cfg.Tracker.BaseBranch)
	if err != nil {
		return models.CompletionStats{}, err
	}
	return models.CompletionStats{
		Branch:       branch,
		Commits:      len(commits),
		ChangedFiles: files,
		FinishedAt:   time.Now(),
	}, nil
}

func (o *Orchestrator) pullRequestBody(ctx context.Context, stats models.CompletionStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Closes #%d\n\n", o.issueNumber)

	b.WriteString("## Summary\n\n")
	fmt.Fprintf(&b, "%d implementation task(s), %d test task(s), %d commit(s), %d file(s) changed.\n\n",
		len(o.plan.ImplementationTasks), len(o.plan.TestTasks), stats.Commits, len(stats.ChangedFiles))

	if o.testResults.Total > 0 {
		fmt.Fprintf(&b, "## Tests\n\n%d passed, %d failed (%.1f%%).\n\n",
			o.testResults.Passed, o.testResults.Failed, o.testResults.PassRate)
		for _, d := range o.testResults.Details {
			mark := "✅"
			if !d.Passed {
				mark = "❌"
			}
			fmt.Fprintf(&b, "- %s %s (#%d)", mark, d.Title, d.IssueNumber)
			if d.FixAttempts > 0 {
				fmt.Fprintf(&b, " — %d fix attempt(s)", d.FixAttempts)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	commits, err := o.git.CommitsAgainst(ctx, o.workDir, o.cfg.Tracker.BaseBranch)
	if err == nil && len(commits) > 0 {
		b.WriteString("## Commits\n\n")
		b.WriteString(gitcmd.FormatCommits(commits))
	}
	return b.String()
}

func (o *Orchestrator) statsSummary(stats models.CompletionStats) string {
	parts := []string{
		fmt.Sprintf("%d commit(s)", stats.Commits),
		fmt.Sprintf("%d file(s) changed", len(stats.ChangedFiles)),
	}
	if o.testResults.Total > 0 {
		parts = append(parts, fmt.Sprintf("tests %d/%d passed", o.testResults.Passed, o.testResults.Total))
	}
	return strings.Join(parts, ", ")
}

func (o *Orchestrator) closeSubTickets(ctx context.Context) {
	all := append(append([]models.Task{}, o.plan.ImplementationTasks...), o.plan.TestTasks...)
	for _, task := range all {
		if task.IssueNumber == 0 {
			continue
		}
		if err := o.client.CloseIssue(ctx, task.IssueNumber); err != nil {
			o.logger.Error("failed to close sub-ticket", "sub_issue", task.IssueNumber, "error", err)
		}
	}
}
