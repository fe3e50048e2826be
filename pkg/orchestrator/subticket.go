package orchestrator

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/orch-dev/orch/pkg/models"
	"github.com/orch-dev/orch/pkg/tracker"
)

var subTitlePattern = regexp.MustCompile(`^\[((?:impl|test)-\d+)\]\s+(.+)$`)

func subTicketTitle(task models.Task) string {
	return fmt.Sprintf("[%s] %s", task.ID, task.Title)
}

func fixTicketTitle(original models.Task, attempt, maxAttempts int) string {
	return fmt.Sprintf("[Fix] %s (Attempt %d/%d)", original.Title, attempt, maxAttempts)
}

func subTicketBody(task models.Task, masterNumber int) string {
	var b strings.Builder
	b.WriteString("### Description\n\n")
	b.WriteString(strings.TrimSpace(task.Description))
	b.WriteString("\n")

	if len(task.Criteria) > 0 {
		b.WriteString("\n### Acceptance Criteria\n\n")
		for _, c := range task.Criteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if len(task.TestScenarios) > 0 {
		b.WriteString("\n### Test Scenarios\n\n")
		for _, s := range task.TestScenarios {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	if len(task.DependsOn) > 0 {
		deps := make([]string, len(task.DependsOn))
		for i, d := range task.DependsOn {
			deps[i] = "`" + d + "`"
		}
		fmt.Fprintf(&b, "\nDepends on: %s\n", strings.Join(deps, ", "))
	}
	fmt.Fprintf(&b, "\nPart of #%d\n", masterNumber)
	return b.String()
}

var dependsLinePattern = regexp.MustCompile("(?m)^Depends on: (.+)$")

// parseSubTicket rebuilds a planned task from its sub-ticket. Used when
// resuming an interrupted orchestration: the tracker is the only
// durable record of the plan.
func parseSubTicket(issue *tracker.Issue, labels tracker.Labels) (models.Task, bool) {
	m := subTitlePattern.FindStringSubmatch(issue.Title)
	if m == nil {
		return models.Task{}, false
	}
	task := models.Task{
		ID:          m[1],
		Title:       m[2],
		IssueNumber: issue.Number,
	}

	switch {
	case issue.HasLabel(labels.Apply(tracker.LabelImplementation)):
		task.Type = models.TaskTypeImplementation
	case issue.HasLabel(labels.Apply(tracker.LabelTest)):
		task.Type = models.TaskTypeTest
	default:
		return models.Task{}, false
	}

	task.Description = sectionOf(issue.Body, "Description")
	task.Criteria = bulletsOf(issue.Body, "Acceptance Criteria")
	task.TestScenarios = bulletsOf(issue.Body, "Test Scenarios")

	if dm := dependsLinePattern.FindStringSubmatch(issue.Body); dm != nil {
		for _, dep := range strings.Split(dm[1], ",") {
			dep = strings.Trim(strings.TrimSpace(dep), "`")
			if dep != "" {
				task.DependsOn = append(task.DependsOn, dep)
			}
		}
	}
	return task, true
}

// reconstructPlan rebuilds the plan from the master's open and closed
// sub-tickets, ordered by task id.
func reconstructPlan(issues []*tracker.Issue, labels tracker.Labels) *models.Plan {
	plan := &models.Plan{}
	for _, issue := range issues {
		if issue.HasLabel(labels.Apply(tracker.LabelFixAttempt)) {
			continue
		}
		task, ok := parseSubTicket(issue, labels)
		if !ok {
			continue
		}
		if task.Type == models.TaskTypeTest {
			plan.TestTasks = append(plan.TestTasks, task)
		} else {
			plan.ImplementationTasks = append(plan.ImplementationTasks, task)
		}
	}
	sortTasks(plan.ImplementationTasks)
	sortTasks(plan.TestTasks)
	return plan
}

func sortTasks(tasks []models.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i].ID, tasks[j].ID
		if len(a) != len(b) {
			return len(a) < len(b)
		}
		return a < b
	})
}

func sectionOf(body, heading string) string {
	marker := "### " + heading
	i := strings.Index(body, marker)
	if i < 0 {
		return ""
	}
	rest := body[i+len(marker):]
	if j := strings.Index(rest, "### "); j >= 0 {
		rest = rest[:j]
	}
	if j := strings.Index(rest, "\nDepends on: "); j >= 0 {
		rest = rest[:j]
	}
	if j := strings.Index(rest, "\nPart of #"); j >= 0 {
		rest = rest[:j]
	}
	return strings.TrimSpace(rest)
}

func bulletsOf(body, heading string) []string {
	section := sectionOf(body, heading)
	if section == "" {
		return nil
	}
	var items []string
	for _, line := range strings.Split(section, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "- ") {
			items = append(items, strings.TrimPrefix(line, "- "))
		}
	}
	return items
}
