package agentexec

// EventKind classifies a session progress event.
type EventKind string

const (
	EventRetry           EventKind = "retry"
	EventToolCompleted   EventKind = "tool-completed"
	EventMessageReceived EventKind = "message-received"
	EventHangDetected    EventKind = "hang-detected"
	EventCompleted       EventKind = "completed"
	EventError           EventKind = "error"
)

// Event is one frame of session progress from the AI service.
type Event struct {
	Kind    EventKind `json:"type"`
	Tool    string    `json:"tool,omitempty"`
	Message string    `json:"message,omitempty"`
	// Response carries the agent's final answer on a completed event.
	Response string `json:"response,omitempty"`
	// Attempt is set on retry events.
	Attempt int `json:"attempt,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ProgressSink receives live execution progress. The status reporter
// implements it; a nil sink is allowed and drops everything.
type ProgressSink interface {
	TaskProgress(issueNumber, subIssueNumber int, message string, toolsUsed int)
	TaskRetry(issueNumber, subIssueNumber int, attempt int, reason string)
}

type nopSink struct{}

func (nopSink) TaskProgress(int, int, string, int) {}
func (nopSink) TaskRetry(int, int, int, string)    {}
