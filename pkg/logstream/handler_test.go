package logstream

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubHandler_PublishesRecordWithContext(t *testing.T) {
	hub := NewHub(10)
	logger := slog.New(NewHubHandler(hub, nil))

	logger.Info("task started",
		slog.Int(KeyIssue, 42),
		slog.Int(KeySubIssue, 101),
		slog.String(KeyAgent, "craftsman"),
		slog.String(KeyStage, "implementing"),
	)

	events := hub.Recent(1)
	require.Len(t, events, 1)
	evt := events[0]
	assert.Equal(t, LevelInfo, evt.Level)
	assert.Equal(t, "task started", evt.Message)
	assert.Equal(t, 42, evt.Issue)
	assert.Equal(t, 101, evt.SubIssue)
	assert.Equal(t, "craftsman", evt.Agent)
	assert.Equal(t, "implementing", evt.Stage)
}

func TestHubHandler_WithAttrsCarriesContext(t *testing.T) {
	hub := NewHub(10)
	logger := slog.New(NewHubHandler(hub, nil)).With(slog.Int(KeyIssue, 7))

	logger.Warn("slow poll")
	logger.Error("poll failed", slog.String(KeySession, "sess-1"))

	events := hub.Recent(2)
	require.Len(t, events, 2)
	assert.Equal(t, 7, events[0].Issue)
	assert.Equal(t, LevelWarn, events[0].Level)
	assert.Equal(t, 7, events[1].Issue)
	assert.Equal(t, "sess-1", events[1].SessionID)
	assert.Equal(t, LevelError, events[1].Level)
}
