package status

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// TaskState is a row's lifecycle position in the status table.
type TaskState string

const (
	TaskPending     TaskState = "pending"
	TaskInProgress  TaskState = "in-progress"
	TaskComplete    TaskState = "complete"
	TaskFailed      TaskState = "failed"
	TaskMaxAttempts TaskState = "max-attempts"
)

// maxMessageLen bounds the message column so the table stays readable.
const maxMessageLen = 50

func (s TaskState) emoji() string {
	switch s {
	case TaskPending:
		return "⏳"
	case TaskInProgress:
		return "🔄"
	case TaskComplete:
		return "✅"
	case TaskFailed:
		return "❌"
	case TaskMaxAttempts:
		return "🛑"
	default:
		return "•"
	}
}

// Row is one task line in the status table.
type Row struct {
	TaskID         string
	Title          string
	SubIssueNumber int
	State          TaskState
	Message        string
	ToolsUsed      int
	Retries        int
	LastRetry      time.Time
	FixAttempts    int
	MaxFixAttempts int
}

// RenderTable produces the markdown status table, one row per task in
// the given order.
func RenderTable(rows []Row, now time.Time) string {
	var b strings.Builder
	b.WriteString("| | Task | Status | Tools | Retries |\n")
	b.WriteString("|---|------|--------|-------|---------|\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "| %s | %s | %s | %d | %s |\n",
			r.State.emoji(), renderTask(r), renderStatus(r), r.ToolsUsed, renderRetries(r, now))
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderTask(r Row) string {
	if r.SubIssueNumber > 0 {
		return fmt.Sprintf("`%s` %s (#%d)", r.TaskID, r.Title, r.SubIssueNumber)
	}
	return fmt.Sprintf("`%s` %s", r.TaskID, r.Title)
}

func renderStatus(r Row) string {
	parts := []string{string(r.State)}
	if msg := truncate(r.Message, maxMessageLen); msg != "" {
		parts = append(parts, msg)
	}
	if r.FixAttempts > 0 {
		marker := "🔧"
		if r.FixAttempts >= r.MaxFixAttempts {
			marker = "🛑"
		}
		parts = append(parts, fmt.Sprintf("%s fix %d/%d", marker, r.FixAttempts, r.MaxFixAttempts))
	}
	return strings.Join(parts, " — ")
}

func renderRetries(r Row, now time.Time) string {
	if r.Retries == 0 {
		return "0"
	}
	if r.LastRetry.IsZero() {
		return fmt.Sprintf("%d", r.Retries)
	}
	return fmt.Sprintf("%d (%s ago)", r.Retries, humanAge(now.Sub(r.LastRetry)))
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-1]) + "…"
}

func humanAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
