package tracker

import (
	"fmt"
	"strconv"
	"strings"
)

// State is one value of the orchestration state machine. Exactly one state
// label is present on an active master ticket.
type State string

// Orchestration states.
const (
	StatePlanning         State = "planning"
	StateAwaitingApproval State = "awaiting-approval"
	StateApproved         State = "approved"
	StateRejected         State = "rejected"
	StateImplementing     State = "implementing"
	StateTesting          State = "testing"
	StateCompleting       State = "completing"
	StateCompleted        State = "completed"
	StatePRCreated        State = "pr-created"
	StateFailed           State = "failed"
)

// AllStates lists every state label, used when scanning a ticket.
var AllStates = []State{
	StatePlanning, StateAwaitingApproval, StateApproved, StateRejected,
	StateImplementing, StateTesting, StateCompleting, StateCompleted,
	StatePRCreated, StateFailed,
}

// resumableStates permit re-entering an interrupted orchestration.
var resumableStates = map[State]bool{
	StatePlanning:         true,
	StateAwaitingApproval: true,
	StateApproved:         true,
	StateImplementing:     true,
	StateTesting:          true,
	StateCompleting:       true,
}

// terminalStates refuse any further transition.
var terminalStates = map[State]bool{
	StateCompleted: true,
	StatePRCreated: true,
	StateFailed:    true,
	StateRejected:  true,
}

// Resumable reports whether an orchestration can re-enter from this state.
func (s State) Resumable() bool { return resumableStates[s] }

// Terminal reports whether the state refuses further transitions.
func (s State) Terminal() bool { return terminalStates[s] }

// Role labels for sub-tickets.
const (
	LabelSubIssue       = "sub-issue"
	LabelImplementation = "implementation"
	LabelTest           = "test"
	LabelFixAttempt     = "fix-attempt"
)

// Sub-ticket progression labels.
const (
	LabelPending            = "pending"
	LabelInProgress         = "in-progress"
	LabelAgentComplete      = "agent-complete"
	LabelTaskFailed         = "failed"
	LabelTestFailed         = "test-failed"
	LabelMaxAttemptsReached = "max-attempts-reached"
)

// Service labels.
const (
	LabelProcessing   = "processing"
	LabelOrchestrated = "orchestrated"
)

// Labels renders the label vocabulary under an optional prefix
// (e.g. prefix "orch:" yields "orch:planning").
type Labels struct {
	Prefix string
}

// Apply prefixes a bare label name.
func (l Labels) Apply(name string) string { return l.Prefix + name }

// Strip removes the prefix from a label; ok is false when the label does
// not carry it.
func (l Labels) Strip(label string) (string, bool) {
	if l.Prefix == "" {
		return label, true
	}
	if strings.HasPrefix(label, l.Prefix) {
		return label[len(l.Prefix):], true
	}
	return "", false
}

// State renders a state label.
func (l Labels) State(s State) string { return l.Apply(string(s)) }

// StateOf extracts the state encoded in a label, if any.
func (l Labels) StateOf(label string) (State, bool) {
	bare, ok := l.Strip(label)
	if !ok {
		return "", false
	}
	for _, s := range AllStates {
		if string(s) == bare {
			return s, true
		}
	}
	return "", false
}

// Master renders the back-reference label for a master ticket.
func (l Labels) Master(n int) string { return l.Apply(fmt.Sprintf("master-%d", n)) }

// Test renders the back-reference label for a test ticket.
func (l Labels) Test(n int) string { return l.Apply(fmt.Sprintf("test-%d", n)) }

// Attempt renders the fix-attempt counter label.
func (l Labels) Attempt(k int) string { return l.Apply(fmt.Sprintf("attempt-%d", k)) }

// MasterOf parses a master back-reference label.
func (l Labels) MasterOf(label string) (int, bool) { return l.parseRef(label, "master-") }

// TestOf parses a test back-reference label.
func (l Labels) TestOf(label string) (int, bool) { return l.parseRef(label, "test-") }

// AttemptOf parses a fix-attempt counter label.
func (l Labels) AttemptOf(label string) (int, bool) { return l.parseRef(label, "attempt-") }

func (l Labels) parseRef(label, prefix string) (int, bool) {
	bare, ok := l.Strip(label)
	if !ok || !strings.HasPrefix(bare, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(bare[len(prefix):])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
