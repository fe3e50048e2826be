// Package models holds the shared domain types exchanged between the
// planning, implementation, testing and completion stages.
package models

import "time"

// TaskType distinguishes the two kinds of planned work.
type TaskType string

// Task type constants.
const (
	TaskTypeImplementation TaskType = "implementation"
	TaskTypeTest           TaskType = "test"
)

// Specification is the architect's output: the structured description of
// what the orchestration should build.
type Specification struct {
	Requirements       []string `json:"requirements"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	TechnicalApproach  string   `json:"technical_approach"`
	EdgeCases          []string `json:"edge_cases,omitempty"`
	Dependencies       []string `json:"dependencies,omitempty"`
	Complexity         string   `json:"complexity,omitempty"`
}

// Task is a single planned unit of work. Implementation tasks carry
// acceptance criteria; test tasks carry scenarios instead.
type Task struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	Criteria      []string `json:"acceptance_criteria,omitempty"`
	TestScenarios []string `json:"test_scenarios,omitempty"`
	Complexity    string   `json:"complexity,omitempty"`
	Type          TaskType `json:"type,omitempty"`
	DependsOn     []string `json:"dependencies,omitempty"`

	// IssueNumber is the sub-ticket the task was pinned to at creation.
	// Zero until the planning stage creates the sub-ticket.
	IssueNumber int `json:"issue_number,omitempty"`
}

// Plan is the complete output of the planning stage.
type Plan struct {
	Spec                Specification `json:"specification"`
	ImplementationTasks []Task        `json:"implementation_tasks"`
	TestTasks           []Task        `json:"test_tasks"`
}

// TaskByID returns the task with the given id from either task list.
func (p *Plan) TaskByID(id string) (Task, bool) {
	for _, t := range p.ImplementationTasks {
		if t.ID == id {
			return t, true
		}
	}
	for _, t := range p.TestTasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// ModelRef identifies a concrete model at a provider.
type ModelRef struct {
	ProviderID string `json:"providerID" yaml:"providerID"`
	ModelID    string `json:"modelID" yaml:"modelID"`
}

// IsZero reports whether the reference is unset.
func (m ModelRef) IsZero() bool {
	return m.ProviderID == "" && m.ModelID == ""
}

// String renders the reference as provider/model for logs and notifications.
func (m ModelRef) String() string {
	if m.IsZero() {
		return "(none)"
	}
	return m.ProviderID + "/" + m.ModelID
}

// TestDetail is the per-test entry in the testing stage aggregate.
type TestDetail struct {
	IssueNumber int    `json:"issue_number"`
	Title       string `json:"title"`
	Passed      bool   `json:"passed"`
	FixAttempts int    `json:"fix_attempts"`
	MaxAttempts bool   `json:"max_attempts_reached"`
}

// TestResults is the aggregate produced by the testing stage.
type TestResults struct {
	Passed   int          `json:"passed"`
	Failed   int          `json:"failed"`
	Total    int          `json:"total"`
	PassRate float64      `json:"pass_rate"`
	Details  []TestDetail `json:"details"`
}

// CompletionStats summarizes the branch against the base at completion.
type CompletionStats struct {
	Branch       string    `json:"branch"`
	Commits      int       `json:"commits"`
	ChangedFiles []string  `json:"changed_files"`
	PRNumber     int       `json:"pr_number"`
	PRURL        string    `json:"pr_url"`
	FinishedAt   time.Time `json:"finished_at"`
}
