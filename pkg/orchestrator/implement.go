package orchestrator

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/orch-dev/orch/pkg/deps"
	"github.com/orch-dev/orch/pkg/issuebody"
	"github.com/orch-dev/orch/pkg/models"
	"github.com/orch-dev/orch/pkg/notify"
	"github.com/orch-dev/orch/pkg/status"
	"github.com/orch-dev/orch/pkg/tracker"
)

// runImplementation executes the implementation tasks in dependency
// batches. Tasks in a batch run concurrently; a batch only starts once
// the previous one finished entirely.
func (o *Orchestrator) runImplementation(ctx context.Context) error {
	batches, err := deps.Resolve(o.plan.ImplementationTasks)
	if err != nil {
		return err
	}
	o.logger.Info("implementation stage started", "batches", len(batches))
	o.notify(o.stageEvent("Implementing", fmt.Sprintf("%d task(s) in %d batch(es)",
		len(o.plan.ImplementationTasks), len(batches))))

	for i, batch := range batches {
		// Plain group, no shared cancel: a failing task must not abort
		// its siblings mid-edit, the batch always runs to completion.
		var g errgroup.Group
		for _, task := range batch {
			task := task
			g.Go(func() error { return o.runImplTask(ctx, task) })
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("batch %d: %w", i+1, err)
		}
	}
	o.logger.Info("implementation stage finished")
	return nil
}

// runImplTask drives one implementation sub-ticket: pending →
// in-progress → agent runs → agent-complete. Already-complete tickets
// (from a previous interrupted run) are skipped.
func (o *Orchestrator) runImplTask(ctx context.Context, task models.Task) error {
	logger := o.logger.With("task", task.ID, "sub_issue", task.IssueNumber)

	done, err := o.subTicketComplete(ctx, task.IssueNumber)
	if err != nil {
		return err
	}
	if done {
		logger.Info("task already complete, skipping")
		o.reporter.SetTaskState(ctx, task.ID, status.TaskComplete, "completed in a previous run")
		return nil
	}

	if err := o.markInProgress(ctx, task.IssueNumber); err != nil {
		return err
	}
	o.reporter.SetTaskState(ctx, task.ID, status.TaskInProgress, "")
	logger.Info("implementation task started")

	res, err := o.execute(ctx, RoleCraftsman, taskPrompt(task, o.plan.Spec, o.workDir), task.IssueNumber)
	if err != nil {
		o.markTaskFailed(ctx, task, err)
		return fmt.Errorf("task %s: %w", task.ID, err)
	}
	o.recordAgentResult(ctx, task.IssueNumber, res.Response, res.ToolsExecuted, res.Attempts)

	agent := o.agentConfig(RoleCraftsman)
	if err := o.completion.Wait(ctx, task.IssueNumber, agent.TimeoutDuration()); err != nil {
		o.markTaskFailed(ctx, task, err)
		return fmt.Errorf("task %s: %w", task.ID, err)
	}

	if err := o.client.RemoveLabel(ctx, task.IssueNumber, o.labels.Apply(tracker.LabelInProgress)); err != nil {
		logger.Error("failed to clear in-progress label", "error", err)
	}
	o.reporter.SetTaskState(ctx, task.ID, status.TaskComplete, "")
	logger.Info("implementation task finished", "tools", res.ToolsExecuted)
	return nil
}

func (o *Orchestrator) subTicketComplete(ctx context.Context, subIssue int) (bool, error) {
	labels, err := o.client.Labels(ctx, subIssue)
	if err != nil {
		return false, err
	}
	target := o.labels.Apply(tracker.LabelAgentComplete)
	for _, l := range labels {
		if l == target {
			return true, nil
		}
	}
	return false, nil
}

func (o *Orchestrator) markInProgress(ctx context.Context, subIssue int) error {
	if err := o.client.RemoveLabel(ctx, subIssue, o.labels.Apply(tracker.LabelPending)); err != nil {
		return err
	}
	return o.client.AddLabels(ctx, subIssue, o.labels.Apply(tracker.LabelInProgress))
}

func (o *Orchestrator) markTaskFailed(ctx context.Context, task models.Task, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := o.client.AddLabels(ctx, task.IssueNumber, o.labels.Apply(tracker.LabelTaskFailed)); err != nil {
		o.logger.Error("failed to mark sub-ticket failed", "sub_issue", task.IssueNumber, "error", err)
	}
	comment := fmt.Sprintf("Task failed:\n\n```\n%v\n```", cause)
	if err := o.client.CreateComment(ctx, task.IssueNumber, comment); err != nil {
		o.logger.Error("failed to record task failure", "sub_issue", task.IssueNumber, "error", err)
	}
	o.reporter.SetTaskState(ctx, task.ID, status.TaskFailed, cause.Error())
	o.notify(notify.Event{
		Kind:  notify.EventTaskFailed,
		Title: fmt.Sprintf("Task %s failed", task.ID),
		Message: firstLine(cause.Error()), IssueNumber: o.issueNumber, URL: o.issue.URL,
	})
}

// recordAgentResult stores the agent's summary and counters as hidden
// attributes on the sub-ticket and posts the response as a comment.
func (o *Orchestrator) recordAgentResult(ctx context.Context, subIssue int, response string, tools, attempts int) {
	if response != "" {
		if err := o.client.CreateComment(ctx, subIssue, response); err != nil {
			o.logger.Error("failed to post agent response", "sub_issue", subIssue, "error", err)
		}
	}
	issue, err := o.client.GetIssue(ctx, subIssue)
	if err != nil {
		o.logger.Error("failed to load sub-ticket for attributes", "sub_issue", subIssue, "error", err)
		return
	}
	updated := issuebody.SetAttributes(issue.Body, map[string]string{
		issuebody.AttrAgentMessage: firstLine(response),
		issuebody.AttrToolsUsed:    fmt.Sprintf("%d", tools),
		issuebody.AttrRetryCount:   fmt.Sprintf("%d", attempts),
	})
	if updated == issue.Body {
		return
	}
	if err := o.client.UpdateBody(ctx, subIssue, updated); err != nil {
		o.logger.Error("failed to store sub-ticket attributes", "sub_issue", subIssue, "error", err)
	}
}

func (o *Orchestrator) stageEvent(title, message string) notify.Event {
	return notify.Event{
		Kind: notify.EventStageTransition, Title: title, Message: message,
		IssueNumber: o.issueNumber, URL: o.issue.URL,
	}
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
