package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// defaultPollInterval is the tick between completion checks.
const defaultPollInterval = 2 * time.Second

// CompletionPoller waits for a sub-ticket to carry the agent-complete
// label. Tracker errors during a tick are propagated, not swallowed.
type CompletionPoller struct {
	client   Client
	labels   Labels
	interval time.Duration
	logger   *slog.Logger
}

// NewCompletionPoller creates a poller; interval <= 0 uses the default 2s.
func NewCompletionPoller(client Client, labels Labels, interval time.Duration) *CompletionPoller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &CompletionPoller{
		client:   client,
		labels:   labels,
		interval: interval,
		logger:   slog.Default().With("component", "completion-poller"),
	}
}

// Wait blocks until the sub-ticket carries agent-complete or the total
// timeout elapses (ErrPollTimeout). Context cancellation aborts early.
func (p *CompletionPoller) Wait(ctx context.Context, subIssue int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		labels, err := p.client.Labels(ctx, subIssue)
		if err != nil {
			return fmt.Errorf("poll sub-ticket #%d: %w", subIssue, err)
		}
		for _, label := range labels {
			if label == p.labels.Apply(LabelAgentComplete) {
				p.logger.Debug("Sub-ticket complete", "sub_issue", subIssue)
				return nil
			}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: sub-ticket #%d not complete after %s",
				ErrPollTimeout, subIssue, timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
