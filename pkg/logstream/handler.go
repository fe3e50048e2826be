package logstream

import (
	"context"
	"log/slog"
	"time"
)

// Context attribute keys recognized by the bridge handler. Components log
// with these keys (e.g. slog.Int("issue", n)) and the hub picks them up as
// structured event context.
const (
	KeyIssue    = "issue"
	KeySubIssue = "sub_issue"
	KeyAgent    = "agent"
	KeyStage    = "stage"
	KeyTool     = "tool"
	KeySession  = "session_id"
)

// HubHandler is a slog.Handler that tees every record into the hub and
// forwards it to an inner handler (typically the terminal or file handler).
type HubHandler struct {
	hub   *Hub
	inner slog.Handler
	attrs []slog.Attr
}

// NewHubHandler wraps inner so records also reach the hub. inner may be
// nil, in which case records go to the hub only.
func NewHubHandler(hub *Hub, inner slog.Handler) *HubHandler {
	return &HubHandler{hub: hub, inner: inner}
}

// Enabled defers to the inner handler; without one, everything is enabled
// so the hub sees the full stream.
func (h *HubHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.inner != nil {
		return h.inner.Enabled(ctx, level)
	}
	return true
}

// Handle converts the record into a hub event and forwards it.
func (h *HubHandler) Handle(ctx context.Context, rec slog.Record) error {
	evt := Event{
		Timestamp: rec.Time,
		Level:     levelFor(rec.Level),
		Message:   rec.Message,
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	for _, attr := range h.attrs {
		applyAttr(&evt, attr)
	}
	rec.Attrs(func(attr slog.Attr) bool {
		applyAttr(&evt, attr)
		return true
	})
	h.hub.Publish(evt)

	if h.inner != nil {
		return h.inner.Handle(ctx, rec)
	}
	return nil
}

// WithAttrs accumulates attrs so context set via logger.With is captured.
func (h *HubHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)

	inner := h.inner
	if inner != nil {
		inner = inner.WithAttrs(attrs)
	}
	return &HubHandler{hub: h.hub, inner: inner, attrs: merged}
}

// WithGroup forwards grouping to the inner handler. Grouped attrs are not
// mapped to event context fields.
func (h *HubHandler) WithGroup(name string) slog.Handler {
	inner := h.inner
	if inner != nil {
		inner = inner.WithGroup(name)
	}
	return &HubHandler{hub: h.hub, inner: inner, attrs: h.attrs}
}

func applyAttr(evt *Event, attr slog.Attr) {
	switch attr.Key {
	case KeyIssue:
		evt.Issue = intValue(attr.Value)
	case KeySubIssue:
		evt.SubIssue = intValue(attr.Value)
	case KeyAgent:
		evt.Agent = attr.Value.String()
	case KeyStage:
		evt.Stage = attr.Value.String()
	case KeyTool:
		evt.Tool = attr.Value.String()
	case KeySession:
		evt.SessionID = attr.Value.String()
	}
}

func intValue(v slog.Value) int {
	if v.Kind() == slog.KindInt64 {
		return int(v.Int64())
	}
	return 0
}

func levelFor(l slog.Level) Level {
	switch {
	case l < slog.LevelInfo:
		return LevelDebug
	case l < slog.LevelWarn:
		return LevelInfo
	case l < slog.LevelError:
		return LevelWarn
	case l >= slog.LevelError+4:
		return LevelFatal
	default:
		return LevelError
	}
}
