package orchestrator

import (
	"fmt"
	"strings"

	"github.com/orch-dev/orch/pkg/gitcmd"
	"github.com/orch-dev/orch/pkg/models"
	"github.com/orch-dev/orch/pkg/tracker"
)

func specPrompt(issue *tracker.Issue) string {
	var b strings.Builder
	b.WriteString("Analyze the following issue and produce a structured specification.\n\n")
	fmt.Fprintf(&b, "Issue #%d: %s\n\n%s\n\n", issue.Number, issue.Title, issue.Body)
	b.WriteString(`Respond with a single JSON object:
{
  "requirements": ["..."],
  "acceptance_criteria": ["..."],
  "technical_approach": "...",
  "edge_cases": ["..."],
  "dependencies": ["..."],
  "complexity": "low|medium|high"
}
requirements, acceptance_criteria and technical_approach are mandatory and must be non-empty.`)
	return b.String()
}

func implementationPlanPrompt(spec models.Specification) string {
	var b strings.Builder
	b.WriteString("Break the specification below into ordered implementation tasks.\n\n")
	writeSpecForPrompt(&b, spec)
	b.WriteString(`Respond with a JSON array of tasks:
[{"id": "impl-1", "title": "...", "description": "...", "criteria": ["..."],
  "complexity": "low|medium|high", "depends_on": []}]
Task ids must be unique and use the impl-N form. depends_on may only
reference earlier task ids.`)
	return b.String()
}

func testPlanPrompt(spec models.Specification) string {
	var b strings.Builder
	b.WriteString("Design test tasks covering the specification below.\n\n")
	writeSpecForPrompt(&b, spec)
	b.WriteString(`Respond with a JSON array of tasks:
[{"id": "test-1", "title": "...", "description": "...",
  "test_scenarios": ["..."], "depends_on": []}]
Task ids must be unique and use the test-N form. depends_on may
reference impl-N or earlier test-N ids.`)
	return b.String()
}

func taskPrompt(task models.Task, spec models.Specification, workingDir string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are working in %s on task %s: %s\n\n", workingDir, task.ID, task.Title)
	if task.Description != "" {
		b.WriteString(task.Description)
		b.WriteString("\n\n")
	}
	if len(task.Criteria) > 0 {
		b.WriteString("Acceptance criteria:\n")
		for _, c := range task.Criteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}
	if len(task.TestScenarios) > 0 {
		b.WriteString("Test scenarios to cover:\n")
		for _, s := range task.TestScenarios {
			fmt.Fprintf(&b, "- %s\n", s)
		}
		b.WriteString("\n")
	}
	if spec.TechnicalApproach != "" {
		b.WriteString("Overall approach:\n")
		b.WriteString(spec.TechnicalApproach)
		b.WriteString("\n\n")
	}
	b.WriteString("Commit your work when done. When fully complete, add the agent-complete label to your ticket.")
	return b.String()
}

func fixPrompt(original models.Task, failure *FailureDetails, commits []gitcmd.Commit, attempt, maxAttempts int, workingDir string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Fix attempt %d/%d for failing test task %s: %s\n", attempt, maxAttempts, original.ID, original.Title)
	fmt.Fprintf(&b, "You are working in %s.\n\n", workingDir)
	if failure != nil {
		b.WriteString("Failure details:\n")
		if failure.Message != "" {
			fmt.Fprintf(&b, "%s\n", failure.Message)
		}
		if len(failure.StackFrames) > 0 {
			b.WriteString("\nStack trace:\n")
			for _, f := range failure.StackFrames {
				fmt.Fprintf(&b, "  %s\n", f)
			}
		}
		for _, block := range failure.CodeBlocks {
			b.WriteString("\n```\n")
			b.WriteString(block)
			b.WriteString("\n```\n")
		}
		b.WriteString("\n")
	}
	if len(commits) > 0 {
		b.WriteString("Recent commits:\n")
		b.WriteString(gitcmd.FormatCommits(commits))
		b.WriteString("\n")
	}
	b.WriteString("Fix the underlying defect, do not weaken the test. Commit your work. When fully complete, add the agent-complete label to your ticket.")
	return b.String()
}
