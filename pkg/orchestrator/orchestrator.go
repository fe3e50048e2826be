// Package orchestrator drives an issue from request to change request:
// plan, approve, implement, test with self-heal, complete. The issue
// tracker holds all durable state, so an interrupted orchestration can
// resume from its labels and sub-tickets alone.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/orch-dev/orch/pkg/agentexec"
	"github.com/orch-dev/orch/pkg/config"
	"github.com/orch-dev/orch/pkg/gitcmd"
	"github.com/orch-dev/orch/pkg/models"
	"github.com/orch-dev/orch/pkg/notify"
	"github.com/orch-dev/orch/pkg/status"
	"github.com/orch-dev/orch/pkg/tracker"
	"github.com/orch-dev/orch/pkg/worktree"
)

// approvalPollInterval is how often the approval monitor re-reads the
// master ticket's labels.
const approvalPollInterval = 5 * time.Second

// maxFixAttempts is the self-heal budget per failing test task.
const maxFixAttempts = 10

// Factory builds per-run orchestrators over shared infrastructure.
type Factory struct {
	Client     tracker.Client
	Labels     tracker.Labels
	States     *tracker.StateStore
	Completion *tracker.CompletionPoller
	Executor   *agentexec.Executor
	Worktrees  *worktree.Manager
	Git        *gitcmd.Runner
	Notifier   *notify.Service
	Config     *config.Config
	Logger     *slog.Logger

	// LogPath, when set, returns the current log file so critical-error
	// notifications can attach it.
	LogPath func() string
}

// New creates an orchestrator for one master issue.
func (f *Factory) New(issueNumber int) *Orchestrator {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		client:           f.Client,
		labels:           f.Labels,
		states:           f.States,
		completion:       f.Completion,
		executor:         f.Executor,
		worktrees:        f.Worktrees,
		git:              f.Git,
		notifier:         f.Notifier,
		reporter:         status.NewReporter(f.Client, issueNumber, f.Config.StatusTable.UpdateInterval(), logger),
		cfg:              f.Config,
		logger:           logger.With("component", "orchestrator", "issue", issueNumber),
		logPath:          f.LogPath,
		issueNumber:      issueNumber,
		approvalInterval: approvalPollInterval,
	}
}

// Run executes the orchestration for issueNumber. Used as the queue's
// run function.
func (f *Factory) Run(ctx context.Context, issueNumber int) error {
	return f.New(issueNumber).Run(ctx)
}

// Reporter exposes the run's status reporter so callers can route agent
// progress events into the master ticket's status table.
func (o *Orchestrator) Reporter() *status.Reporter { return o.reporter }

// Orchestrator is a single issue's run.
type Orchestrator struct {
	client     tracker.Client
	labels     tracker.Labels
	states     *tracker.StateStore
	completion *tracker.CompletionPoller
	executor   *agentexec.Executor
	worktrees  *worktree.Manager
	git        *gitcmd.Runner
	notifier   *notify.Service
	reporter   *status.Reporter
	cfg        *config.Config
	logger     *slog.Logger
	logPath    func() string

	issueNumber int
	issue       *tracker.Issue
	plan        *models.Plan
	workDir     string
	testResults models.TestResults

	approvalInterval time.Duration
}

// Run drives the issue through the state machine until a terminal
// state. Entering mid-machine (resume) is supported for every
// resumable state.
func (o *Orchestrator) Run(ctx context.Context) error {
	issue, err := o.client.GetIssue(ctx, o.issueNumber)
	if err != nil {
		return fmt.Errorf("load issue #%d: %w", o.issueNumber, err)
	}
	o.issue = issue

	state, err := o.states.Current(ctx, o.issueNumber)
	if err != nil {
		return err
	}
	if state.Terminal() {
		o.logger.Info("issue already in terminal state", "state", string(state))
		return nil
	}
	if state != "" {
		o.logger.Info("resuming orchestration", "state", string(state))
	}

	o.reporter.Start(ctx)
	defer o.reporter.Stop(context.WithoutCancel(ctx))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch state {
		case "":
			if err := o.transition(ctx, tracker.StatePlanning); err != nil {
				return err
			}
			o.notify(notify.Event{
				Kind: notify.EventOrchestrationStarted, Title: "Orchestration started",
				Message: issue.Title, IssueNumber: o.issueNumber, URL: issue.URL,
			})
			state = tracker.StatePlanning

		case tracker.StatePlanning:
			if err := o.runPlanning(ctx); err != nil {
				return o.fail(ctx, "planning", err)
			}
			if o.cfg.Execution.AutoApprove {
				if err := o.transition(ctx, tracker.StateApproved); err != nil {
					return err
				}
				state = tracker.StateApproved
				break
			}
			if err := o.transition(ctx, tracker.StateAwaitingApproval); err != nil {
				return err
			}
			state = tracker.StateAwaitingApproval
			o.notify(notify.Event{
				Kind: notify.EventAwaitingApproval, Title: "Plan ready for review",
				Message:     fmt.Sprintf("%d implementation task(s), %d test task(s)", len(o.plan.ImplementationTasks), len(o.plan.TestTasks)),
				IssueNumber: o.issueNumber, URL: issue.URL,
			})

		case tracker.StateAwaitingApproval:
			approved, err := o.awaitApproval(ctx)
			if err != nil {
				return err
			}
			if !approved {
				return o.finishRejected(ctx)
			}
			state = tracker.StateApproved
			o.notify(notify.Event{
				Kind: notify.EventApproved, Title: "Plan approved",
				IssueNumber: o.issueNumber, URL: issue.URL,
			})

		case tracker.StateApproved:
			if err := o.ensurePlan(ctx); err != nil {
				return o.fail(ctx, "setup", err)
			}
			if err := o.ensureWorktree(ctx); err != nil {
				return o.fail(ctx, "setup", err)
			}
			if err := o.transition(ctx, tracker.StateImplementing); err != nil {
				return err
			}
			state = tracker.StateImplementing

		case tracker.StateImplementing:
			if err := o.ensurePlan(ctx); err != nil {
				return o.fail(ctx, "implementation", err)
			}
			if err := o.ensureWorktree(ctx); err != nil {
				return o.fail(ctx, "implementation", err)
			}
			if err := o.runImplementation(ctx); err != nil {
				return o.fail(ctx, "implementation", err)
			}
			if err := o.transition(ctx, tracker.StateTesting); err != nil {
				return err
			}
			state = tracker.StateTesting

		case tracker.StateTesting:
			if err := o.ensurePlan(ctx); err != nil {
				return o.fail(ctx, "testing", err)
			}
			if err := o.ensureWorktree(ctx); err != nil {
				return o.fail(ctx, "testing", err)
			}
			if err := o.runTesting(ctx); err != nil {
				return o.fail(ctx, "testing", err)
			}
			if err := o.transition(ctx, tracker.StateCompleting); err != nil {
				return err
			}
			state = tracker.StateCompleting

		case tracker.StateCompleting:
			if err := o.ensurePlan(ctx); err != nil {
				return o.fail(ctx, "completion", err)
			}
			if err := o.ensureWorktree(ctx); err != nil {
				return o.fail(ctx, "completion", err)
			}
			if err := o.runCompletion(ctx); err != nil {
				return o.fail(ctx, "completion", err)
			}
			return nil

		default:
			return nil
		}
	}
}

func (o *Orchestrator) transition(ctx context.Context, to tracker.State) error {
	return o.states.TransitionTo(ctx, o.issueNumber, to)
}

func (o *Orchestrator) notify(event notify.Event) {
	o.notifier.Notify(context.Background(), event)
}

// awaitApproval polls the master ticket until a human moves it to
// approved or rejected.
func (o *Orchestrator) awaitApproval(ctx context.Context) (bool, error) {
	o.logger.Info("waiting for plan approval")
	ticker := time.NewTicker(o.approvalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
			state, err := o.states.Current(ctx, o.issueNumber)
			if err != nil {
				o.logger.Error("approval poll failed", "error", err)
				continue
			}
			switch state {
			case tracker.StateApproved:
				return true, nil
			case tracker.StateRejected:
				return false, nil
			}
		}
	}
}

func (o *Orchestrator) finishRejected(ctx context.Context) error {
	o.logger.Info("plan rejected")
	_ = o.client.CreateComment(ctx, o.issueNumber, "Plan rejected. Orchestration stopped; sub-tickets remain for reference.")
	o.notify(notify.Event{
		Kind: notify.EventRejected, Title: "Plan rejected",
		IssueNumber: o.issueNumber, URL: o.issue.URL,
	})
	return nil
}

// ensurePlan loads the plan, reconstructing it from sub-tickets when
// this run did not perform the planning stage itself.
func (o *Orchestrator) ensurePlan(ctx context.Context) error {
	if o.plan != nil {
		return nil
	}
	subs, err := o.client.ListOpenIssuesWithLabel(ctx, o.labels.Master(o.issueNumber))
	if err != nil {
		return fmt.Errorf("list sub-tickets: %w", err)
	}
	plan := reconstructPlan(subs, o.labels)
	if len(plan.ImplementationTasks) == 0 {
		return fmt.Errorf("no implementation sub-tickets found for issue #%d", o.issueNumber)
	}
	o.plan = plan
	o.reporter.SetPlan(plan)
	o.logger.Info("plan reconstructed from sub-tickets",
		"implementation_tasks", len(plan.ImplementationTasks), "test_tasks", len(plan.TestTasks))
	return nil
}

func (o *Orchestrator) ensureWorktree(ctx context.Context) error {
	if o.workDir != "" {
		return nil
	}
	entry, err := o.worktrees.Create(ctx, o.issueNumber)
	if err != nil {
		return err
	}
	o.workDir = entry.Path
	return nil
}

// fail routes any stage error: comment, failed state, optional worktree
// cleanup. Unreachable-service errors are escalated as critical.
func (o *Orchestrator) fail(ctx context.Context, stage string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	o.logger.Error("orchestration failed", "stage", stage, "error", cause)

	comment := fmt.Sprintf("Orchestration failed during %s:\n\n```\n%v\n```", stage, cause)
	if err := o.client.CreateComment(ctx, o.issueNumber, comment); err != nil {
		o.logger.Error("failed to record failure comment", "error", err)
	}
	if err := o.transition(ctx, tracker.StateFailed); err != nil {
		o.logger.Error("failed to mark issue failed", "error", err)
	}

	kind := notify.EventOrchestrationFailed
	title := fmt.Sprintf("Orchestration failed (%s)", stage)
	if agentexec.IsUnreachable(cause) {
		kind = notify.EventCriticalError
		title = "AI service unreachable"
	}
	event := notify.Event{
		Kind: kind, Title: title, Message: cause.Error(),
		IssueNumber: o.issueNumber, URL: o.issue.URL,
	}
	if kind == notify.EventCriticalError && o.logPath != nil {
		if path := o.logPath(); path != "" {
			o.notifier.NotifyWithFile(ctx, event, path)
		} else {
			o.notify(event)
		}
	} else {
		o.notify(event)
	}

	if o.cfg.Worktree.CleanupOnFailure {
		if err := o.worktrees.Remove(ctx, o.issueNumber); err != nil {
			o.logger.Error("worktree cleanup after failure", "error", err)
		}
	}
	return fmt.Errorf("%s: %w", stage, cause)
}

func (o *Orchestrator) agentConfig(role string) config.AgentConfig {
	return o.cfg.AgentFor(role)
}

func (o *Orchestrator) hangThreshold() time.Duration {
	if !o.cfg.StatusResilience.Features.HangRecoveryEnabled() {
		return 0
	}
	return o.cfg.StatusResilience.ModelFailover.TimeoutThreshold()
}

func (o *Orchestrator) execute(ctx context.Context, role, prompt string, subIssue int) (agentexec.Result, error) {
	agent := o.agentConfig(role)
	name := agent.Agent
	if name == "" {
		name = role
	}
	return o.executor.Execute(ctx, agentexec.ExecuteRequest{
		Agent:          name,
		Prompt:         prompt,
		WorkingDir:     o.workDir,
		IssueNumber:    o.issueNumber,
		SubIssueNumber: subIssue,
		Timeout:        agent.TimeoutDuration(),
		HangThreshold:  o.hangThreshold(),
	})
}
