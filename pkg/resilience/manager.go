// Package resilience keeps agent execution alive across stalled
// sessions: it kills hung sessions with verification and swaps agents
// onto failback models when their primary stops responding.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/orch-dev/orch/pkg/agentexec"
	"github.com/orch-dev/orch/pkg/config"
	"github.com/orch-dev/orch/pkg/models"
)

// FailoverRecord is one entry in the failover history.
type FailoverRecord struct {
	Agent     string          `json:"agent"`
	From      models.ModelRef `json:"from"`
	To        models.ModelRef `json:"to"`
	Reason    string          `json:"reason"`
	SessionID string          `json:"sessionId"`
	Attempt   int             `json:"attempt"`
	At        time.Time       `json:"at"`
}

// FailoverFunc is invoked after each model swap, typically to send a
// notification.
type FailoverFunc func(record FailoverRecord)

type agentState struct {
	current   models.ModelRef
	failovers int
}

// Manager tracks per-agent model assignments and absorbs hang reports.
type Manager struct {
	client *agentexec.ServiceClient
	cfg    config.ModelFailover
	agents map[string]config.AgentConfig

	mu      sync.Mutex
	state   map[string]*agentState
	history []FailoverRecord

	onFailover FailoverFunc
	// verifyBackoff is the wait schedule between kill-verification
	// probes. Overridden in tests.
	verifyBackoff []time.Duration
	logger        *slog.Logger
}

// NewManager builds a Manager from the failover config and the per-agent
// model table.
func NewManager(client *agentexec.ServiceClient, cfg config.ModelFailover,
	agents map[string]config.AgentConfig, onFailover FailoverFunc, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		client:        client,
		cfg:           cfg,
		agents:        agents,
		state:         make(map[string]*agentState),
		onFailover:    onFailover,
		verifyBackoff: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		logger:        logger.With("component", "resilience"),
	}
}

func (m *Manager) stateFor(agent string) *agentState {
	s, ok := m.state[agent]
	if !ok {
		s = &agentState{current: m.configuredModel(agent)}
		m.state[agent] = s
	}
	return s
}

func (m *Manager) configuredModel(agent string) models.ModelRef {
	if ac, ok := m.agents[agent]; ok {
		return ac.Model
	}
	return models.ModelRef{}
}

// CurrentModelFor returns the model the agent should run on right now,
// accounting for any active failover.
func (m *Manager) CurrentModelFor(agent string) models.ModelRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateFor(agent).current
}

// ReportModelTimeout records a stalled session for the agent and, when
// the failover budget allows, swaps it onto its failback model. ok is
// false once the per-agent budget is spent.
func (m *Manager) ReportModelTimeout(ctx context.Context, agent, sessionID string, elapsed time.Duration) (models.ModelRef, bool, error) {
	if !m.cfg.IsEnabled() {
		return models.ModelRef{}, false, nil
	}

	m.mu.Lock()
	s := m.stateFor(agent)
	if s.failovers >= m.cfg.MaxFailoversPerAgent {
		m.mu.Unlock()
		m.logger.Warn("failover budget exhausted", "agent", agent, "failovers", s.failovers)
		return models.ModelRef{}, false, nil
	}
	fallback, ok := m.cfg.FailbackModels[agent]
	if !ok || fallback.IsZero() {
		m.mu.Unlock()
		m.logger.Warn("no failback model configured", "agent", agent)
		return models.ModelRef{}, false, nil
	}

	s.failovers++
	record := FailoverRecord{
		Agent:     agent,
		From:      s.current,
		To:        fallback,
		Reason:    fmt.Sprintf("no response for %s", elapsed.Round(time.Second)),
		SessionID: sessionID,
		Attempt:   s.failovers,
		At:        time.Now(),
	}
	s.current = fallback
	m.history = append(m.history, record)
	m.mu.Unlock()

	m.logger.Warn("model failover",
		"agent", agent, "from", record.From.String(), "to", record.To.String(),
		"session_id", sessionID, "attempt", record.Attempt)
	if m.onFailover != nil {
		m.onFailover(record)
	}
	return fallback, true, nil
}

// HandleHang kills the stalled session and verifies termination with a
// bounded probe schedule. A probe error is treated as a successful
// kill: if the service cannot answer, the session cannot be running
// useful work either. Verification exhausting its probes is logged as a
// failed termination but not returned as an error, so execution can
// still fail over.
func (m *Manager) HandleHang(ctx context.Context, agent, sessionID string) error {
	logger := m.logger.With("agent", agent, "session_id", sessionID)
	logger.Warn("killing hung session")

	if err := m.client.KillSession(ctx, sessionID); err != nil {
		return fmt.Errorf("kill hung session %s: %w", sessionID, err)
	}

	for i, wait := range m.verifyBackoff {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		exists, err := m.client.SessionExists(ctx, sessionID)
		if err != nil {
			logger.Warn("kill verification probe failed, assuming terminated", "error", err)
			return nil
		}
		if !exists {
			logger.Info("hung session terminated", "probes", i+1)
			return nil
		}
	}
	logger.Error("session survived kill verification")
	return nil
}

// ResetAgent restores the agent to its configured model and clears its
// failover budget. Called after a task completes successfully.
func (m *Manager) ResetAgent(agent string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state, agent)
}

// History returns a copy of the failover records, oldest first.
func (m *Manager) History() []FailoverRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]FailoverRecord, len(m.history))
	copy(out, m.history)
	return out
}
