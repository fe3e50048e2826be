package tracker

import (
	"context"
	"fmt"
	"log/slog"
)

// StateStore reads and writes the single state label on a master ticket.
// Transitions are read-modify-write: the current state label (if any) is
// removed before the new one is added, so at most one state label exists.
type StateStore struct {
	client Client
	labels Labels
	logger *slog.Logger
}

// NewStateStore creates a state store over the tracker client.
func NewStateStore(client Client, labels Labels) *StateStore {
	return &StateStore{
		client: client,
		labels: labels,
		logger: slog.Default().With("component", "state-store"),
	}
}

// Current returns the state label on the ticket, or "" when none is set.
func (s *StateStore) Current(ctx context.Context, issue int) (State, error) {
	labels, err := s.client.Labels(ctx, issue)
	if err != nil {
		return "", fmt.Errorf("read labels of #%d: %w", issue, err)
	}
	for _, label := range labels {
		if state, ok := s.labels.StateOf(label); ok {
			return state, nil
		}
	}
	return "", nil
}

// TransitionTo moves the ticket to the given state, removing any current
// state label first.
func (s *StateStore) TransitionTo(ctx context.Context, issue int, state State) error {
	current, err := s.Current(ctx, issue)
	if err != nil {
		return err
	}
	if current == state {
		return nil
	}
	if current != "" {
		if err := s.client.RemoveLabel(ctx, issue, s.labels.State(current)); err != nil {
			return fmt.Errorf("remove state %s from #%d: %w", current, issue, err)
		}
	}
	if err := s.client.AddLabels(ctx, issue, s.labels.State(state)); err != nil {
		return fmt.Errorf("add state %s to #%d: %w", state, issue, err)
	}

	s.logger.Info("State transition",
		"issue", issue, "from", string(current), "to", string(state))
	return nil
}

// CanResume reports whether the ticket's current state permits re-entering
// an orchestration.
func (s *StateStore) CanResume(ctx context.Context, issue int) (bool, State, error) {
	current, err := s.Current(ctx, issue)
	if err != nil {
		return false, "", err
	}
	return current.Resumable(), current, nil
}
