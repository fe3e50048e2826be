package queue

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/orch-dev/orch/pkg/tracker"
)

// SourcePoller scans the tracker for issues carrying the queue label
// and moves them into the queue, swapping the label for a processing
// marker so a scan never double-enqueues.
type SourcePoller struct {
	client     tracker.Client
	labels     tracker.Labels
	queue      *Queue
	queueLabel string
	interval   time.Duration
	logger     *slog.Logger

	// inFlight makes ticks single-flight: a slow tracker scan is never
	// overlapped by the next tick.
	inFlight atomic.Bool
}

// NewSourcePoller wires a poller feeding q.
func NewSourcePoller(client tracker.Client, labels tracker.Labels, q *Queue,
	queueLabel string, interval time.Duration, logger *slog.Logger) *SourcePoller {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SourcePoller{
		client:     client,
		labels:     labels,
		queue:      q,
		queueLabel: queueLabel,
		interval:   interval,
		logger:     logger.With("component", "source-poller"),
	}
}

// Start launches the scan loop until ctx is cancelled. The first scan
// runs immediately.
func (p *SourcePoller) Start(ctx context.Context) {
	go func() {
		p.Scan(ctx)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Scan(ctx)
			}
		}
	}()
}

// Scan performs one pass. Overlapping calls are dropped.
func (p *SourcePoller) Scan(ctx context.Context) {
	if !p.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer p.inFlight.Store(false)

	issues, err := p.client.ListOpenIssuesWithLabel(ctx, p.queueLabel)
	if err != nil {
		p.logger.Error("queue label scan failed", "error", err)
		return
	}
	for _, issue := range issues {
		p.adopt(ctx, issue)
	}
}

// adopt moves one labeled issue into the queue. The queue label is
// swapped for the processing marker first so a crash between steps
// leaves the issue out of the scan set rather than double-queued.
func (p *SourcePoller) adopt(ctx context.Context, issue *tracker.Issue) {
	logger := p.logger.With("issue", issue.Number)

	if err := p.client.RemoveLabel(ctx, issue.Number, p.queueLabel); err != nil {
		logger.Error("failed to strip queue label", "error", err)
		return
	}
	if err := p.client.AddLabels(ctx, issue.Number, p.labels.Apply(tracker.LabelProcessing)); err != nil {
		logger.Error("failed to mark issue processing", "error", err)
		return
	}
	if err := p.queue.Enqueue(issue.Number); err != nil {
		// Already queued or running: the label swap stands, nothing to do.
		logger.Warn("issue not enqueued", "reason", err)
		return
	}
	logger.Info("issue adopted from tracker", "title", issue.Title)
}
