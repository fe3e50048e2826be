// Package queue serializes orchestrations: issues wait in FIFO order
// and exactly one runs at a time. A source poller feeds the queue from
// labeled tracker issues.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// historyCap bounds retained run records.
const historyCap = 50

var (
	// ErrDuplicate rejects enqueueing an issue already queued or running.
	ErrDuplicate = errors.New("issue already queued or running")
	// ErrRunning rejects removing the issue currently being processed.
	ErrRunning = errors.New("issue is currently running")
	// ErrNotQueued rejects removing an issue that is not in the queue.
	ErrNotQueued = errors.New("issue not queued")
)

// RunFunc executes one orchestration to completion.
type RunFunc func(ctx context.Context, issueNumber int) error

// Item is one waiting queue entry.
type Item struct {
	ID          string    `json:"id"`
	IssueNumber int       `json:"issueNumber"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
}

// Record is one finished run.
type Record struct {
	IssueNumber int       `json:"issueNumber"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
}

// Snapshot is the externally visible queue state.
type Snapshot struct {
	Running *Item    `json:"running,omitempty"`
	Pending []Item   `json:"pending"`
	History []Record `json:"history"`
}

// Stats summarizes processing history.
type Stats struct {
	Processed    int    `json:"processed"`
	Succeeded    int    `json:"succeeded"`
	Failed       int    `json:"failed"`
	SuccessRate  string `json:"successRate"`
	MeanDuration string `json:"meanDuration"`
	QueueDepth   int    `json:"queueDepth"`
}

// Queue is a FIFO of issue numbers with a single processing loop.
type Queue struct {
	run    RunFunc
	logger *slog.Logger

	mu      sync.Mutex
	items   []Item
	queued  map[int]bool
	running *Item
	history []Record

	wake chan struct{}
}

// New creates a Queue that processes entries with run.
func New(run RunFunc, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		run:    run,
		logger: logger.With("component", "queue"),
		queued: make(map[int]bool),
		wake:   make(chan struct{}, 1),
	}
}

// Enqueue appends the issue. Re-arming the loop is idempotent, so
// enqueueing while a run is in flight just parks the entry.
func (q *Queue) Enqueue(issueNumber int) error {
	q.mu.Lock()
	if q.queued[issueNumber] || (q.running != nil && q.running.IssueNumber == issueNumber) {
		q.mu.Unlock()
		return fmt.Errorf("issue #%d: %w", issueNumber, ErrDuplicate)
	}
	q.queued[issueNumber] = true
	q.items = append(q.items, Item{
		ID:          uuid.NewString(),
		IssueNumber: issueNumber,
		EnqueuedAt:  time.Now(),
	})
	depth := len(q.items)
	q.mu.Unlock()

	q.logger.Info("issue enqueued", "issue", issueNumber, "depth", depth)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Remove drops a waiting entry. The running entry cannot be removed.
func (q *Queue) Remove(issueNumber int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running != nil && q.running.IssueNumber == issueNumber {
		return fmt.Errorf("issue #%d: %w", issueNumber, ErrRunning)
	}
	if !q.queued[issueNumber] {
		return fmt.Errorf("issue #%d: %w", issueNumber, ErrNotQueued)
	}
	delete(q.queued, issueNumber)
	for i, item := range q.items {
		if item.IssueNumber == issueNumber {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	return nil
}

// Clear drops all waiting entries and reports how many were removed.
// The running entry, if any, finishes normally.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	q.queued = make(map[int]bool)
	return n
}

// Snapshot returns the current queue state.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	snap := Snapshot{
		Pending: append([]Item{}, q.items...),
		History: append([]Record{}, q.history...),
	}
	if q.running != nil {
		r := *q.running
		snap.Running = &r
	}
	return snap
}

// Stats summarizes history and depth.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{QueueDepth: len(q.items)}
	var total time.Duration
	for _, rec := range q.history {
		stats.Processed++
		if rec.Success {
			stats.Succeeded++
		} else {
			stats.Failed++
		}
		total += rec.FinishedAt.Sub(rec.StartedAt)
	}
	if stats.Processed == 0 {
		stats.SuccessRate = "n/a"
		stats.MeanDuration = "n/a"
		return stats
	}
	stats.SuccessRate = fmt.Sprintf("%.1f%%", 100*float64(stats.Succeeded)/float64(stats.Processed))
	stats.MeanDuration = humanDuration(total / time.Duration(stats.Processed))
	return stats
}

// Start runs the processing loop until ctx is cancelled. One entry is
// processed at a time; a run's error is recorded, never propagated.
func (q *Queue) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
			}
			for {
				item, ok := q.pop()
				if !ok {
					break
				}
				q.process(ctx, item)
				if ctx.Err() != nil {
					return
				}
			}
		}
	}()
}

func (q *Queue) pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	delete(q.queued, item.IssueNumber)
	q.running = &item
	return item, true
}

func (q *Queue) process(ctx context.Context, item Item) {
	started := time.Now()
	q.logger.Info("processing issue", "issue", item.IssueNumber)
	err := q.run(ctx, item.IssueNumber)

	rec := Record{
		IssueNumber: item.IssueNumber,
		StartedAt:   started,
		FinishedAt:  time.Now(),
		Success:     err == nil,
	}
	if err != nil {
		rec.Error = err.Error()
		q.logger.Error("orchestration failed", "issue", item.IssueNumber, "error", err)
	} else {
		q.logger.Info("orchestration finished", "issue", item.IssueNumber,
			"duration", rec.FinishedAt.Sub(rec.StartedAt).Round(time.Second))
	}

	q.mu.Lock()
	q.running = nil
	q.history = append(q.history, rec)
	if len(q.history) > historyCap {
		q.history = q.history[len(q.history)-historyCap:]
	}
	q.mu.Unlock()
}

func humanDuration(d time.Duration) string {
	d = d.Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
