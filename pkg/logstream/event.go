// Package logstream implements the process-wide log bus: a bounded ring
// buffer of structured log events with best-effort fan-out to subscribers
// (WebSocket clients, file sinks) and filtered reads for the REST surface.
package logstream

import "time"

// Level is the severity of a log event.
type Level string

// Log levels, lowest to highest severity.
const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

// Event is a single structured log entry flowing through the hub.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`

	// Structured context. Zero values mean "not applicable".
	Issue     int    `json:"issue,omitempty"`
	SubIssue  int    `json:"sub_issue,omitempty"`
	Agent     string `json:"agent,omitempty"`
	Stage     string `json:"stage,omitempty"`
	Tool      string `json:"tool,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Frame is the unit delivered to a subscriber. The first frame after
// subscribing is an "init" frame carrying the current buffer; every frame
// after that is a "log" frame carrying one event.
type Frame struct {
	Type  string  `json:"type"`
	Logs  []Event `json:"logs,omitempty"`
	Count int     `json:"count,omitempty"`
	Log   *Event  `json:"log,omitempty"`
}

// Sink receives frames from the hub. A sink whose Send fails is removed
// from the hub on the next broadcast; delivery is best-effort.
type Sink interface {
	Send(Frame) error
}

// Stats summarizes the buffer contents for the /api/logs/stats endpoint.
type Stats struct {
	Total    int           `json:"total"`
	ByLevel  map[Level]int `json:"by_level"`
	Capacity int           `json:"capacity"`
}
