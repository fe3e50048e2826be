// Package issuebody composes and parses the structured orchestration
// block inside an issue body. Everything outside the marker pair is the
// user's original request and is never rewritten.
package issuebody

import (
	"fmt"
	"strings"

	"github.com/orch-dev/orch/pkg/models"
)

// Markers delimiting the orchestration-owned regions of a body.
const (
	BlockStart  = "<!-- orch:block:start -->"
	BlockEnd    = "<!-- orch:block:end -->"
	StatusStart = "<!-- orch:status:start -->"
	StatusEnd   = "<!-- orch:status:end -->"
)

// blockHeading opens every orchestration block.
const blockHeading = "## 🤖 Orchestration"

// Parse splits a body into the user's original request and the
// orchestration block. found is false when no block exists.
func Parse(body string) (original, block string, found bool) {
	start := strings.Index(body, BlockStart)
	if start < 0 {
		return body, "", false
	}
	end := strings.Index(body, BlockEnd)
	if end < 0 || end < start {
		return body, "", false
	}

	block = body[start+len(BlockStart) : end]
	original = strings.TrimRight(body[:start], "\n") + body[end+len(BlockEnd):]
	return strings.TrimRight(original, "\n"), strings.Trim(block, "\n"), true
}

// Build produces a complete body: the original request untouched,
// followed by the orchestration block (specification, quoted request,
// plan summary, status table). plan and table may be empty during the
// planning phase.
func Build(original string, spec models.Specification, plan *models.Plan, table string) string {
	var b strings.Builder

	b.WriteString(blockHeading)
	b.WriteString("\n\n### Specification\n\n")
	writeSpec(&b, spec)

	b.WriteString("\n### Original Request\n\n")
	for _, line := range strings.Split(strings.TrimSpace(original), "\n") {
		b.WriteString("> ")
		b.WriteString(line)
		b.WriteString("\n")
	}

	if plan != nil {
		b.WriteString("\n### Plan\n\n")
		fmt.Fprintf(&b, "%d implementation task(s), %d test task(s)\n\n",
			len(plan.ImplementationTasks), len(plan.TestTasks))
		writeTaskList(&b, "Implementation", plan.ImplementationTasks)
		writeTaskList(&b, "Tests", plan.TestTasks)
	}

	b.WriteString("\n### Status\n\n")
	b.WriteString(StatusStart)
	b.WriteString("\n")
	if table != "" {
		b.WriteString(strings.Trim(table, "\n"))
		b.WriteString("\n")
	}
	b.WriteString(StatusEnd)
	b.WriteString("\n")

	return strings.TrimRight(original, "\n") + "\n\n" + BlockStart + "\n" + b.String() + BlockEnd
}

// UpdateStatusTable surgically replaces only the status-table subregion,
// leaving every other byte of the body intact. Bodies without the status
// markers are returned unchanged.
func UpdateStatusTable(body, table string) string {
	start := strings.Index(body, StatusStart)
	end := strings.Index(body, StatusEnd)
	if start < 0 || end < 0 || end < start {
		return body
	}
	return body[:start+len(StatusStart)] + "\n" + strings.Trim(table, "\n") + "\n" + body[end:]
}

// StatusTable extracts the current status-table subregion.
func StatusTable(body string) (string, bool) {
	start := strings.Index(body, StatusStart)
	end := strings.Index(body, StatusEnd)
	if start < 0 || end < 0 || end < start {
		return "", false
	}
	return strings.Trim(body[start+len(StatusStart):end], "\n"), true
}

func writeSpec(b *strings.Builder, spec models.Specification) {
	if len(spec.Requirements) > 0 {
		b.WriteString("**Requirements**\n")
		for _, r := range spec.Requirements {
			fmt.Fprintf(b, "- %s\n", r)
		}
		b.WriteString("\n")
	}
	if len(spec.AcceptanceCriteria) > 0 {
		b.WriteString("**Acceptance Criteria**\n")
		for _, c := range spec.AcceptanceCriteria {
			fmt.Fprintf(b, "- %s\n", c)
		}
		b.WriteString("\n")
	}
	if spec.TechnicalApproach != "" {
		b.WriteString("**Technical Approach**\n\n")
		b.WriteString(strings.TrimSpace(spec.TechnicalApproach))
		b.WriteString("\n")
	}
	if len(spec.EdgeCases) > 0 {
		b.WriteString("\n**Edge Cases**\n")
		for _, e := range spec.EdgeCases {
			fmt.Fprintf(b, "- %s\n", e)
		}
	}
}

func writeTaskList(b *strings.Builder, heading string, tasks []models.Task) {
	if len(tasks) == 0 {
		return
	}
	fmt.Fprintf(b, "**%s**\n", heading)
	for _, t := range tasks {
		if t.IssueNumber > 0 {
			fmt.Fprintf(b, "- `%s` %s (#%d)\n", t.ID, t.Title, t.IssueNumber)
		} else {
			fmt.Fprintf(b, "- `%s` %s\n", t.ID, t.Title)
		}
	}
	b.WriteString("\n")
}
