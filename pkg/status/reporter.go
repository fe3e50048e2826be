// Package status keeps the master issue's status table current while an
// orchestration runs. Writes to the tracker are serialized and noisy
// per-task progress is debounced so the tracker API is not hammered.
package status

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orch-dev/orch/pkg/issuebody"
	"github.com/orch-dev/orch/pkg/models"
	"github.com/orch-dev/orch/pkg/tracker"
)

// debounceWindow is the quiet period after the last progress update
// before the table is pushed.
const debounceWindow = 500 * time.Millisecond

// defaultMaxFixAttempts mirrors the self-heal budget shown in fix rows.
const defaultMaxFixAttempts = 10

type progressUpdate struct {
	message   string
	toolsUsed int
}

// Reporter renders and pushes the status table for one master issue.
type Reporter struct {
	client      tracker.Client
	issueNumber int
	interval    time.Duration
	logger      *slog.Logger

	mu        sync.Mutex
	order     []string
	rows      map[string]*Row
	bySub     map[int]string
	pending   map[string]progressUpdate
	debouncer *time.Timer
	dirty     bool

	// pushing serializes tracker writes: a push racing another is
	// skipped, the periodic tick will catch up.
	pushing atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewReporter creates a Reporter for the master issue.
func NewReporter(client tracker.Client, issueNumber int, interval time.Duration, logger *slog.Logger) *Reporter {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		client:      client,
		issueNumber: issueNumber,
		interval:    interval,
		logger:      logger.With("component", "status", "issue", issueNumber),
		rows:        make(map[string]*Row),
		bySub:       make(map[int]string),
		pending:     make(map[string]progressUpdate),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// SetPlan seeds one pending row per task, in plan order.
func (r *Reporter) SetPlan(plan *models.Plan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, task := range append(append([]models.Task{}, plan.ImplementationTasks...), plan.TestTasks...) {
		if _, ok := r.rows[task.ID]; ok {
			continue
		}
		r.order = append(r.order, task.ID)
		r.rows[task.ID] = &Row{
			TaskID:         task.ID,
			Title:          task.Title,
			SubIssueNumber: task.IssueNumber,
			State:          TaskPending,
			MaxFixAttempts: defaultMaxFixAttempts,
		}
		if task.IssueNumber > 0 {
			r.bySub[task.IssueNumber] = task.ID
		}
	}
	r.dirty = true
}

// Start launches the periodic refresh loop.
func (r *Reporter) Start(ctx context.Context) {
	go func() {
		defer close(r.doneCh)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.push(ctx)
			}
		}
	}()
}

// Stop halts the refresh loop and pushes a final table.
func (r *Reporter) Stop(ctx context.Context) {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		<-r.doneCh
		r.flushProgress(ctx)
		r.push(ctx)
	})
}

// SetTaskState moves a task to a new lifecycle state and pushes
// immediately: state changes are rare and always worth showing.
func (r *Reporter) SetTaskState(ctx context.Context, taskID string, state TaskState, message string) {
	r.mu.Lock()
	if row, ok := r.rows[taskID]; ok {
		row.State = state
		if message != "" {
			row.Message = message
		}
		r.dirty = true
	}
	r.mu.Unlock()
	r.push(ctx)
}

// RecordFixAttempt annotates a test task's self-heal progress.
func (r *Reporter) RecordFixAttempt(ctx context.Context, taskID string, attempt, max int) {
	r.mu.Lock()
	if row, ok := r.rows[taskID]; ok {
		row.FixAttempts = attempt
		row.MaxFixAttempts = max
		r.dirty = true
	}
	r.mu.Unlock()
	r.push(ctx)
}

// TaskProgress implements agentexec.ProgressSink. Updates within the
// debounce window are merged per task, last write wins.
func (r *Reporter) TaskProgress(_, subIssueNumber int, message string, toolsUsed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	taskID, ok := r.bySub[subIssueNumber]
	if !ok {
		return
	}
	r.pending[taskID] = progressUpdate{message: message, toolsUsed: toolsUsed}
	if r.debouncer == nil {
		r.debouncer = time.AfterFunc(debounceWindow, func() {
			ctx := context.Background()
			r.flushProgress(ctx)
			r.push(ctx)
		})
		return
	}
	r.debouncer.Reset(debounceWindow)
}

// TaskRetry implements agentexec.ProgressSink. Retries push immediately
// and stamp the sub-ticket's retry markers.
func (r *Reporter) TaskRetry(_, subIssueNumber int, attempt int, reason string) {
	r.mu.Lock()
	retryAt := time.Now()
	taskID, ok := r.bySub[subIssueNumber]
	if ok {
		row := r.rows[taskID]
		row.Retries = attempt
		row.LastRetry = retryAt
		if reason != "" {
			row.Message = reason
		}
		r.dirty = true
	}
	r.mu.Unlock()
	if ok {
		ctx := context.Background()
		r.writeMarkers(ctx, subIssueNumber, map[string]string{
			issuebody.AttrRetryCount:    fmt.Sprintf("%d", attempt),
			issuebody.AttrLastRetryTime: retryAt.Format(time.RFC3339),
		})
		r.push(ctx)
	}
}

// flushProgress folds the pending debounced updates into their rows and
// rewrites each touched sub-ticket's attribute markers once.
func (r *Reporter) flushProgress(ctx context.Context) {
	type markerWrite struct {
		subIssue int
		attrs    map[string]string
	}
	var writes []markerWrite

	r.mu.Lock()
	if r.debouncer != nil {
		r.debouncer.Stop()
		r.debouncer = nil
	}
	for taskID, up := range r.pending {
		row, ok := r.rows[taskID]
		if !ok {
			continue
		}
		row.Message = up.message
		row.ToolsUsed = up.toolsUsed
		r.dirty = true
		if row.SubIssueNumber > 0 {
			writes = append(writes, markerWrite{row.SubIssueNumber, map[string]string{
				issuebody.AttrAgentMessage: up.message,
				issuebody.AttrToolsUsed:    fmt.Sprintf("%d", up.toolsUsed),
			}})
		}
	}
	r.pending = make(map[string]progressUpdate)
	r.mu.Unlock()

	for _, w := range writes {
		r.writeMarkers(ctx, w.subIssue, w.attrs)
	}
}

// writeMarkers rewrites the sub-ticket's hidden attribute markers in
// place. Failures are logged, never surfaced: progress markers are best
// effort.
func (r *Reporter) writeMarkers(ctx context.Context, subIssue int, attrs map[string]string) {
	issue, err := r.client.GetIssue(ctx, subIssue)
	if err != nil {
		r.logger.Error("progress markers: fetch sub-ticket failed", "sub_issue", subIssue, "error", err)
		return
	}
	updated := issuebody.SetAttributes(issue.Body, attrs)
	if updated == issue.Body {
		return
	}
	if err := r.client.UpdateBody(ctx, subIssue, updated); err != nil {
		r.logger.Error("progress markers: update sub-ticket failed", "sub_issue", subIssue, "error", err)
	}
}

// Table renders the current rows.
func (r *Reporter) Table() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tableLocked()
}

func (r *Reporter) tableLocked() string {
	rows := make([]Row, 0, len(r.order))
	for _, id := range r.order {
		rows = append(rows, *r.rows[id])
	}
	return RenderTable(rows, time.Now())
}

// push splices the rendered table into the master issue body. A push
// that would overlap another is dropped.
func (r *Reporter) push(ctx context.Context) {
	if !r.pushing.CompareAndSwap(false, true) {
		return
	}
	defer r.pushing.Store(false)

	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return
	}
	table := r.tableLocked()
	r.dirty = false
	r.mu.Unlock()

	issue, err := r.client.GetIssue(ctx, r.issueNumber)
	if err != nil {
		r.logger.Error("status refresh: fetch issue failed", "error", err)
		r.markDirty()
		return
	}
	updated := issuebody.UpdateStatusTable(issue.Body, table)
	if updated == issue.Body {
		return
	}
	if err := r.client.UpdateBody(ctx, r.issueNumber, updated); err != nil {
		r.logger.Error("status refresh: update body failed", "error", err)
		r.markDirty()
	}
}

func (r *Reporter) markDirty() {
	r.mu.Lock()
	r.dirty = true
	r.mu.Unlock()
}
