package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orch-dev/orch/pkg/deps"
	"github.com/orch-dev/orch/pkg/models"
	"github.com/orch-dev/orch/pkg/notify"
	"github.com/orch-dev/orch/pkg/status"
	"github.com/orch-dev/orch/pkg/tracker"
)

// runTesting executes test tasks in dependency batches with a
// concurrency cap, self-healing failures through fix tickets. With
// continueOnFailure the whole suite runs before a failure is reported.
func (o *Orchestrator) runTesting(ctx context.Context) error {
	if len(o.plan.TestTasks) == 0 {
		o.logger.Info("no test tasks, skipping testing stage")
		return nil
	}

	batches, err := deps.Resolve(filterToListed(o.plan.TestTasks))
	if err != nil {
		return err
	}
	limit := o.cfg.Execution.Parallel.MaxConcurrency.Resolve()
	o.logger.Info("testing stage started", "batches", len(batches), "concurrency", limit)
	o.notify(o.stageEvent("Testing", fmt.Sprintf("%d test task(s) in %d batch(es)",
		len(o.plan.TestTasks), len(batches))))

	var mu sync.Mutex
	results := models.TestResults{}
	var firstFailure error

	record := func(detail models.TestDetail, err error) {
		mu.Lock()
		defer mu.Unlock()
		results.Details = append(results.Details, detail)
		results.Total++
		if detail.Passed {
			results.Passed++
		} else {
			results.Failed++
			if firstFailure == nil && err != nil {
				firstFailure = err
			}
		}
	}

	for i, batch := range batches {
		var g errgroup.Group
		g.SetLimit(limit)
		for _, task := range batch {
			task := task
			g.Go(func() error {
				detail, err := o.runTestTask(ctx, task)
				record(detail, err)
				if err != nil && !o.cfg.Execution.Testing.ContinueOnFailure {
					return err
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("test batch %d: %w", i+1, err)
		}
	}

	if results.Total > 0 {
		results.PassRate = 100 * float64(results.Passed) / float64(results.Total)
	}
	o.testResults = results
	o.logger.Info("testing stage finished",
		"passed", results.Passed, "failed", results.Failed, "pass_rate", fmt.Sprintf("%.1f%%", results.PassRate))

	if firstFailure != nil {
		return firstFailure
	}
	if results.Failed > 0 {
		return fmt.Errorf("%d of %d test task(s) failed", results.Failed, results.Total)
	}
	return nil
}

// runTestTask runs one test sub-ticket and, on failure, the self-heal
// loop. The returned error means the task ultimately failed.
func (o *Orchestrator) runTestTask(ctx context.Context, task models.Task) (models.TestDetail, error) {
	detail := models.TestDetail{IssueNumber: task.IssueNumber, Title: task.Title}
	logger := o.logger.With("task", task.ID, "sub_issue", task.IssueNumber)

	done, err := o.subTicketComplete(ctx, task.IssueNumber)
	if err != nil {
		return detail, err
	}
	failed := false
	if done {
		// Completed in a previous run; trust the recorded outcome.
		failed, err = o.subTicketFailed(ctx, task.IssueNumber)
		if err != nil {
			return detail, err
		}
		if !failed {
			logger.Info("test task already passed, skipping")
			detail.Passed = true
			o.reporter.SetTaskState(ctx, task.ID, status.TaskComplete, "passed in a previous run")
			return detail, nil
		}
	} else {
		failed, err = o.executeTestRun(ctx, task)
		if err != nil {
			o.markTaskFailed(ctx, task, err)
			return detail, fmt.Errorf("test %s: %w", task.ID, err)
		}
	}

	if !failed {
		detail.Passed = true
		o.reporter.SetTaskState(ctx, task.ID, status.TaskComplete, "")
		logger.Info("test task passed")
		return detail, nil
	}

	o.notify(notify.Event{
		Kind: notify.EventTestFailed, Title: fmt.Sprintf("Test task %s failed", task.ID),
		Message: task.Title, IssueNumber: o.issueNumber, URL: o.issue.URL,
	})
	return o.selfHeal(ctx, task, detail)
}

// executeTestRun drives one validator run over the test sub-ticket and
// reports whether the tests failed.
func (o *Orchestrator) executeTestRun(ctx context.Context, task models.Task) (failed bool, err error) {
	if err := o.markInProgress(ctx, task.IssueNumber); err != nil {
		return false, err
	}
	o.reporter.SetTaskState(ctx, task.ID, status.TaskInProgress, "")

	res, err := o.execute(ctx, RoleValidator, taskPrompt(task, o.plan.Spec, o.workDir), task.IssueNumber)
	if err != nil {
		return false, err
	}
	o.recordAgentResult(ctx, task.IssueNumber, res.Response, res.ToolsExecuted, res.Attempts)

	agent := o.agentConfig(RoleValidator)
	if err := o.completion.Wait(ctx, task.IssueNumber, agent.TimeoutDuration()); err != nil {
		if !errors.Is(err, tracker.ErrPollTimeout) {
			return false, err
		}
		// A validator that never reports completion counts as a failing
		// test run, not a stage error; the self-heal loop takes it from
		// here.
		o.logger.Warn("test run timed out without agent-complete",
			"sub_issue", task.IssueNumber, "error", err)
		if lerr := o.client.AddLabels(ctx, task.IssueNumber, o.labels.Apply(tracker.LabelTestFailed)); lerr != nil {
			return false, lerr
		}
	}
	if err := o.client.RemoveLabel(ctx, task.IssueNumber, o.labels.Apply(tracker.LabelInProgress)); err != nil {
		o.logger.Error("failed to clear in-progress label", "sub_issue", task.IssueNumber, "error", err)
	}
	return o.subTicketFailed(ctx, task.IssueNumber)
}

// subTicketFailed reports whether the sub-ticket carries a failure
// outcome, either from its tests or from the task itself.
func (o *Orchestrator) subTicketFailed(ctx context.Context, subIssue int) (bool, error) {
	labels, err := o.client.Labels(ctx, subIssue)
	if err != nil {
		return false, err
	}
	targets := []string{
		o.labels.Apply(tracker.LabelTestFailed),
		o.labels.Apply(tracker.LabelTaskFailed),
	}
	for _, l := range labels {
		for _, target := range targets {
			if l == target {
				return true, nil
			}
		}
	}
	return false, nil
}

// selfHeal runs up to maxFixAttempts fix tickets against a failing test
// task, re-running the test after each fix. Exhausting the budget marks
// the test max-attempts-reached and fails it.
func (o *Orchestrator) selfHeal(ctx context.Context, task models.Task, detail models.TestDetail) (models.TestDetail, error) {
	logger := o.logger.With("task", task.ID, "sub_issue", task.IssueNumber)

	for attempt := 1; attempt <= maxFixAttempts; attempt++ {
		detail.FixAttempts = attempt
		o.reporter.RecordFixAttempt(ctx, task.ID, attempt, maxFixAttempts)
		logger.Info("starting fix attempt", "attempt", attempt, "max", maxFixAttempts)
		o.notify(notify.Event{
			Kind:  notify.EventFixStarted,
			Title: fmt.Sprintf("Fix attempt %d/%d started for %s", attempt, maxFixAttempts, task.ID),
			IssueNumber: o.issueNumber, URL: o.issue.URL,
		})

		fixNumber, err := o.runFixAttempt(ctx, task, attempt)
		if err != nil {
			o.markTaskFailed(ctx, task, err)
			return detail, fmt.Errorf("fix attempt %d for %s: %w", attempt, task.ID, err)
		}
		o.notify(notify.Event{
			Kind:  notify.EventFixCompleted,
			Title: fmt.Sprintf("Fix attempt %d/%d finished for %s", attempt, maxFixAttempts, task.ID),
			Message: fmt.Sprintf("Fix ticket #%d", fixNumber), IssueNumber: o.issueNumber, URL: o.issue.URL,
		})

		// Re-run the test against the fixed tree.
		o.resetTestTicket(ctx, task.IssueNumber)
		failed, err := o.executeTestRun(ctx, task)
		if err != nil {
			o.markTaskFailed(ctx, task, err)
			return detail, fmt.Errorf("re-run after fix %d for %s: %w", attempt, task.ID, err)
		}
		if !failed {
			// A fix can regress tests that built on the old behavior; the
			// fix ticket stays open if one does.
			if err := o.rerunDependents(ctx, task); err != nil {
				o.markTaskFailed(ctx, task, err)
				return detail, err
			}
			if err := o.client.CreateComment(ctx, task.IssueNumber,
				fmt.Sprintf("Tests passing after fix attempt %d (#%d).", attempt, fixNumber)); err != nil {
				logger.Error("failed to comment fix success", "error", err)
			}
			if err := o.client.CloseIssue(ctx, fixNumber); err != nil {
				logger.Error("failed to close fix ticket", "fix_issue", fixNumber, "error", err)
			}
			detail.Passed = true
			o.reporter.SetTaskState(ctx, task.ID, status.TaskComplete,
				fmt.Sprintf("passed after %d fix attempt(s)", attempt))
			o.notify(notify.Event{
				Kind:  notify.EventTestPassedAfterFix,
				Title: fmt.Sprintf("Test %s passing after %d fix attempt(s)", task.ID, attempt),
				Message: task.Title, IssueNumber: o.issueNumber, URL: o.issue.URL,
			})
			logger.Info("test task passed after self-heal", "attempts", attempt)
			return detail, nil
		}
		logger.Warn("test still failing after fix attempt", "attempt", attempt)
	}

	detail.MaxAttempts = true
	ctxNC := context.WithoutCancel(ctx)
	if err := o.client.AddLabels(ctxNC, task.IssueNumber, o.labels.Apply(tracker.LabelMaxAttemptsReached)); err != nil {
		logger.Error("failed to mark max attempts", "error", err)
	}
	if err := o.client.CreateComment(ctxNC, task.IssueNumber,
		fmt.Sprintf("Still failing after %d fix attempts; giving up.", maxFixAttempts)); err != nil {
		logger.Error("failed to comment max attempts", "error", err)
	}
	o.reporter.SetTaskState(ctxNC, task.ID, status.TaskMaxAttempts,
		fmt.Sprintf("failed after %d fix attempts", maxFixAttempts))
	o.notify(notify.Event{
		Kind:  notify.EventMaxAttemptsReached,
		Title: fmt.Sprintf("Test %s exhausted its fix budget", task.ID),
		Message: task.Title, IssueNumber: o.issueNumber, URL: o.issue.URL,
	})
	return detail, fmt.Errorf("test %s: still failing after %d fix attempts", task.ID, maxFixAttempts)
}

// rerunDependents re-runs every already-completed test that depends on
// the just-fixed one. A dependent that now fails means the fix broke
// behavior the dependent relied on.
func (o *Orchestrator) rerunDependents(ctx context.Context, fixed models.Task) error {
	for _, dep := range o.plan.TestTasks {
		if !dependsOn(dep, fixed.ID) {
			continue
		}
		done, err := o.subTicketComplete(ctx, dep.IssueNumber)
		if err != nil {
			return err
		}
		if !done {
			// Not run yet; its own batch will pick up the fixed tree.
			continue
		}
		o.logger.Info("re-running dependent test after fix", "fixed", fixed.ID, "dependent", dep.ID)
		o.resetTestTicket(ctx, dep.IssueNumber)
		failed, err := o.executeTestRun(ctx, dep)
		if err != nil {
			return fmt.Errorf("re-run dependent %s after fixing %s: %w", dep.ID, fixed.ID, err)
		}
		if failed {
			return fmt.Errorf("fix for %s broke dependent test %s", fixed.ID, dep.ID)
		}
	}
	return nil
}

func dependsOn(task models.Task, id string) bool {
	for _, d := range task.DependsOn {
		if d == id {
			return true
		}
	}
	return false
}

// runFixAttempt creates and executes one fix ticket for the failing
// test task, returning the fix ticket number. The caller closes it once
// the re-run passes; until then it stays open as an audit trail.
func (o *Orchestrator) runFixAttempt(ctx context.Context, task models.Task, attempt int) (int, error) {
	failure := o.latestFailureDetails(ctx, task.IssueNumber)
	commits, err := o.git.RecentCommits(ctx, o.workDir, 5)
	if err != nil {
		o.logger.Error("failed to read recent commits for fix ticket", "error", err)
	}

	labels := []string{
		o.labels.Apply(tracker.LabelSubIssue),
		o.labels.Apply(tracker.LabelFixAttempt),
		o.labels.Apply(tracker.LabelImplementation),
		o.labels.Master(o.issueNumber),
		o.labels.Test(task.IssueNumber),
		o.labels.Attempt(attempt),
		o.labels.Apply(tracker.LabelPending),
	}
	prompt := fixPrompt(task, failure, commits, attempt, maxFixAttempts, o.workDir)
	fix, err := o.client.CreateIssue(ctx, fixTicketTitle(task, attempt, maxFixAttempts), prompt, labels)
	if err != nil {
		return 0, fmt.Errorf("create fix ticket: %w", err)
	}
	if err := o.client.CreateComment(ctx, task.IssueNumber,
		fmt.Sprintf("Fix attempt %d/%d opened as #%d.", attempt, maxFixAttempts, fix.Number)); err != nil {
		o.logger.Error("failed to link fix ticket", "fix_issue", fix.Number, "error", err)
	}

	if err := o.markInProgress(ctx, fix.Number); err != nil {
		return fix.Number, err
	}
	res, err := o.execute(ctx, RoleCraftsman, prompt, fix.Number)
	if err != nil {
		return fix.Number, err
	}
	o.recordAgentResult(ctx, fix.Number, res.Response, res.ToolsExecuted, res.Attempts)

	agent := o.agentConfig(RoleCraftsman)
	if err := o.completion.Wait(ctx, fix.Number, agent.TimeoutDuration()); err != nil {
		return fix.Number, err
	}

	// A fix agent occasionally reports completion with work still
	// uncommitted; sweep it into a commit so the re-run sees it.
	dirty, err := o.git.HasUncommittedChanges(ctx, o.workDir)
	if err != nil {
		return fix.Number, err
	}
	if dirty {
		if err := o.git.WaitForClean(ctx, o.workDir, fixFlushBudget); err != nil {
			o.logger.Warn("fix agent left uncommitted changes, committing them",
				"fix_issue", fix.Number)
			if err := o.git.CommitAll(ctx, o.workDir,
				fmt.Sprintf("Fix attempt %d for #%d", attempt, task.IssueNumber)); err != nil {
				return fix.Number, fmt.Errorf("commit leftover fix changes: %w", err)
			}
		}
	}
	return fix.Number, nil
}

// fixFlushBudget is how long a completed fix agent gets to finish
// flushing its final commit before the leftovers are committed for it.
const fixFlushBudget = 2 * time.Second

// latestFailureDetails mines the test ticket's newest comment carrying
// failure evidence.
func (o *Orchestrator) latestFailureDetails(ctx context.Context, subIssue int) *FailureDetails {
	comments, err := o.client.ListComments(ctx, subIssue)
	if err != nil {
		o.logger.Error("failed to list test comments", "sub_issue", subIssue, "error", err)
		return nil
	}
	for i := len(comments) - 1; i >= 0; i-- {
		if details := ExtractFailureDetails(comments[i].Body); details != nil {
			return details
		}
	}
	return nil
}

// resetTestTicket clears the previous run's outcome labels so the
// re-run starts from a clean slate.
func (o *Orchestrator) resetTestTicket(ctx context.Context, subIssue int) {
	for _, label := range []string{
		o.labels.Apply(tracker.LabelAgentComplete),
		o.labels.Apply(tracker.LabelTestFailed),
		o.labels.Apply(tracker.LabelTaskFailed),
	} {
		if err := o.client.RemoveLabel(ctx, subIssue, label); err != nil {
			o.logger.Error("failed to reset test ticket label",
				"sub_issue", subIssue, "label", label, "error", err)
		}
	}
	if err := o.client.AddLabels(ctx, subIssue, o.labels.Apply(tracker.LabelPending)); err != nil {
		o.logger.Error("failed to re-arm test ticket", "sub_issue", subIssue, "error", err)
	}
}
