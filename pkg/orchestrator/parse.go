package orchestrator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/orch-dev/orch/pkg/models"
)

func writeSpecForPrompt(b *strings.Builder, spec models.Specification) {
	b.WriteString("Requirements:\n")
	for _, r := range spec.Requirements {
		fmt.Fprintf(b, "- %s\n", r)
	}
	b.WriteString("\nAcceptance criteria:\n")
	for _, c := range spec.AcceptanceCriteria {
		fmt.Fprintf(b, "- %s\n", c)
	}
	fmt.Fprintf(b, "\nTechnical approach:\n%s\n\n", spec.TechnicalApproach)
}

// stripFences unwraps a markdown-fenced JSON payload. Agents usually
// answer with ```json fences even when asked for bare JSON.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

type specPayload struct {
	Requirements       []string `json:"requirements"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	TechnicalApproach  string   `json:"technical_approach"`
	EdgeCases          []string `json:"edge_cases"`
	Dependencies       []string `json:"dependencies"`
	Complexity         string   `json:"complexity"`
}

// ParseSpecification validates the architect's response. The three
// mandatory sections must be present and non-empty.
func ParseSpecification(response string) (models.Specification, error) {
	var payload specPayload
	if err := json.Unmarshal([]byte(stripFences(response)), &payload); err != nil {
		return models.Specification{}, fmt.Errorf("specification is not valid JSON: %w", err)
	}
	if len(payload.Requirements) == 0 {
		return models.Specification{}, fmt.Errorf("specification missing requirements")
	}
	if len(payload.AcceptanceCriteria) == 0 {
		return models.Specification{}, fmt.Errorf("specification missing acceptance_criteria")
	}
	if strings.TrimSpace(payload.TechnicalApproach) == "" {
		return models.Specification{}, fmt.Errorf("specification missing technical_approach")
	}
	return models.Specification{
		Requirements:       payload.Requirements,
		AcceptanceCriteria: payload.AcceptanceCriteria,
		TechnicalApproach:  payload.TechnicalApproach,
		EdgeCases:          payload.EdgeCases,
		Dependencies:       payload.Dependencies,
		Complexity:         payload.Complexity,
	}, nil
}

type taskPayload struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	Criteria      []string `json:"criteria"`
	TestScenarios []string `json:"test_scenarios"`
	Complexity    string   `json:"complexity"`
	DependsOn     []string `json:"depends_on"`
}

// ParseTasks validates a planner's task list: ids unique and prefixed
// for the task type, titles non-empty.
func ParseTasks(response string, taskType models.TaskType) ([]models.Task, error) {
	var payload []taskPayload
	if err := json.Unmarshal([]byte(stripFences(response)), &payload); err != nil {
		return nil, fmt.Errorf("task list is not valid JSON: %w", err)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("task list is empty")
	}

	prefix := "impl-"
	if taskType == models.TaskTypeTest {
		prefix = "test-"
	}

	seen := make(map[string]bool, len(payload))
	tasks := make([]models.Task, 0, len(payload))
	for i, p := range payload {
		if p.ID == "" {
			return nil, fmt.Errorf("task %d has no id", i+1)
		}
		if !strings.HasPrefix(p.ID, prefix) {
			return nil, fmt.Errorf("task %q: id must start with %q", p.ID, prefix)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate task id %q", p.ID)
		}
		seen[p.ID] = true
		if strings.TrimSpace(p.Title) == "" {
			return nil, fmt.Errorf("task %q has no title", p.ID)
		}
		tasks = append(tasks, models.Task{
			ID:            p.ID,
			Title:         p.Title,
			Description:   p.Description,
			Criteria:      p.Criteria,
			TestScenarios: p.TestScenarios,
			Complexity:    p.Complexity,
			Type:          taskType,
			DependsOn:     p.DependsOn,
		})
	}
	return tasks, nil
}

// FailureDetails is the distilled evidence extracted from a failed test
// run's report comment.
type FailureDetails struct {
	Message     string
	StackFrames []string
	CodeBlocks  []string
}

// maxStackFrames bounds how much trace is copied into fix tickets.
const maxStackFrames = 10

var (
	errorLinePattern = regexp.MustCompile(`(?m)^\s*(Error|AssertionError|FAILED|Exception)[:\s].*$`)
	stackFramePattern = regexp.MustCompile(`(?m)^\s*at\s+.+:\d+(?::\d+)?\)?\s*$`)
	codeBlockPattern  = regexp.MustCompile("(?s)```[a-z]*\n(.*?)```")
)

// ExtractFailureDetails mines a test report for the error message, the
// leading stack frames, and any fenced code blocks. Returns nil when no
// failure evidence is found.
func ExtractFailureDetails(comment string) *FailureDetails {
	details := &FailureDetails{}

	if lines := errorLinePattern.FindAllString(comment, -1); len(lines) > 0 {
		trimmed := make([]string, len(lines))
		for i, l := range lines {
			trimmed[i] = strings.TrimSpace(l)
		}
		details.Message = strings.Join(trimmed, "\n")
	}

	frames := stackFramePattern.FindAllString(comment, -1)
	if len(frames) > maxStackFrames {
		frames = frames[:maxStackFrames]
	}
	for _, f := range frames {
		details.StackFrames = append(details.StackFrames, strings.TrimSpace(f))
	}

	for _, m := range codeBlockPattern.FindAllStringSubmatch(comment, -1) {
		details.CodeBlocks = append(details.CodeBlocks, strings.TrimSpace(m[1]))
	}

	if details.Message == "" && len(details.StackFrames) == 0 && len(details.CodeBlocks) == 0 {
		return nil
	}
	return details
}

var resultsPattern = regexp.MustCompile(`(?i)(\d+)\s+passed\s*,\s*(\d+)\s+failed`)

// ParseTestResults reads a "N passed, M failed" summary from a test
// report. Returns nil when no summary is present.
func ParseTestResults(comment string) *models.TestResults {
	m := resultsPattern.FindStringSubmatch(comment)
	if m == nil {
		return nil
	}
	var passed, failed int
	fmt.Sscanf(m[1], "%d", &passed)
	fmt.Sscanf(m[2], "%d", &failed)
	results := &models.TestResults{Passed: passed, Failed: failed, Total: passed + failed}
	if results.Total > 0 {
		results.PassRate = 100 * float64(passed) / float64(results.Total)
	}
	return results
}
