package orchestrator

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/orch-dev/orch/pkg/deps"
	"github.com/orch-dev/orch/pkg/issuebody"
	"github.com/orch-dev/orch/pkg/models"
	"github.com/orch-dev/orch/pkg/tracker"
)

// runPlanning produces the specification, the two task lists, and one
// sub-ticket per task. The master body ends up carrying the full
// orchestration block.
func (o *Orchestrator) runPlanning(ctx context.Context) error {
	o.logger.Info("planning stage started")

	original, _, found := issuebody.Parse(o.issue.Body)
	if !found {
		original = o.issue.Body
	}

	specRes, err := o.execute(ctx, RoleArchitect, specPrompt(o.issue), 0)
	if err != nil {
		return fmt.Errorf("architect: %w", err)
	}
	spec, err := ParseSpecification(specRes.Response)
	if err != nil {
		return fmt.Errorf("architect: %w", err)
	}

	// Publish the specification before task planning so reviewers see
	// progress even if planning fails later.
	if err := o.client.UpdateBody(ctx, o.issueNumber, issuebody.Build(original, spec, nil, "")); err != nil {
		return fmt.Errorf("publish specification: %w", err)
	}

	// Task planners run in parallel: they share the spec but not each
	// other's output.
	var implTasks, testTasks []models.Task
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := o.execute(gctx, RoleSculptor, implementationPlanPrompt(spec), 0)
		if err != nil {
			return fmt.Errorf("sculptor: %w", err)
		}
		implTasks, err = ParseTasks(res.Response, models.TaskTypeImplementation)
		if err != nil {
			return fmt.Errorf("sculptor: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		res, err := o.execute(gctx, RoleSentinel, testPlanPrompt(spec), 0)
		if err != nil {
			return fmt.Errorf("sentinel: %w", err)
		}
		testTasks, err = ParseTasks(res.Response, models.TaskTypeTest)
		if err != nil {
			return fmt.Errorf("sentinel: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if err := validatePlan(implTasks, testTasks); err != nil {
		return fmt.Errorf("plan validation: %w", err)
	}

	plan := &models.Plan{Spec: spec, ImplementationTasks: implTasks, TestTasks: testTasks}
	if err := o.createSubTickets(ctx, plan); err != nil {
		return err
	}
	o.plan = plan
	o.reporter.SetPlan(plan)

	body := issuebody.Build(original, spec, plan, o.reporter.Table())
	if err := o.client.UpdateBody(ctx, o.issueNumber, body); err != nil {
		return fmt.Errorf("publish plan: %w", err)
	}

	comment := fmt.Sprintf("Planning complete: %d implementation task(s), %d test task(s).",
		len(implTasks), len(testTasks))
	if err := o.client.CreateComment(ctx, o.issueNumber, comment); err != nil {
		o.logger.Error("planning-complete comment failed", "error", err)
	}
	o.logger.Info("planning stage finished",
		"implementation_tasks", len(implTasks), "test_tasks", len(testTasks))
	return nil
}

// validatePlan checks the dependency structure of both task lists.
// Implementation tasks may only depend on implementation tasks; test
// tasks may depend on either list.
func validatePlan(implTasks, testTasks []models.Task) error {
	if _, err := deps.Resolve(implTasks); err != nil {
		return err
	}
	known := make(map[string]bool, len(implTasks)+len(testTasks))
	for _, t := range implTasks {
		known[t.ID] = true
	}
	for _, t := range testTasks {
		if known[t.ID] {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		known[t.ID] = true
	}
	for _, t := range testTasks {
		for _, dep := range t.DependsOn {
			if !known[dep] {
				return fmt.Errorf("task %q depends on unknown task %q", t.ID, dep)
			}
		}
	}
	if _, err := deps.Resolve(filterToListed(testTasks)); err != nil {
		return err
	}
	return nil
}

func (o *Orchestrator) createSubTickets(ctx context.Context, plan *models.Plan) error {
	create := func(task *models.Task, roleLabel string) error {
		labels := []string{
			o.labels.Apply(tracker.LabelSubIssue),
			o.labels.Apply(roleLabel),
			o.labels.Master(o.issueNumber),
			o.labels.Apply(tracker.LabelPending),
		}
		issue, err := o.client.CreateIssue(ctx, subTicketTitle(*task), subTicketBody(*task, o.issueNumber), labels)
		if err != nil {
			return fmt.Errorf("create sub-ticket for %s: %w", task.ID, err)
		}
		task.IssueNumber = issue.Number
		return nil
	}
	for i := range plan.ImplementationTasks {
		if err := create(&plan.ImplementationTasks[i], tracker.LabelImplementation); err != nil {
			return err
		}
	}
	for i := range plan.TestTasks {
		if err := create(&plan.TestTasks[i], tracker.LabelTest); err != nil {
			return err
		}
	}
	return nil
}

// filterToListed strips dependencies pointing outside the given list,
// so test-task batching only sequences against other test tasks. Their
// implementation dependencies are already satisfied by stage ordering.
func filterToListed(tasks []models.Task) []models.Task {
	listed := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		listed[t.ID] = true
	}
	out := make([]models.Task, len(tasks))
	for i, t := range tasks {
		out[i] = t
		out[i].DependsOn = nil
		for _, dep := range t.DependsOn {
			if listed[dep] {
				out[i].DependsOn = append(out[i].DependsOn, dep)
			}
		}
	}
	return out
}
