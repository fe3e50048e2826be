package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingRun records run order and holds each run until released.
type blockingRun struct {
	mu      sync.Mutex
	order   []int
	release chan struct{}
	fail    map[int]bool
}

func newBlockingRun() *blockingRun {
	return &blockingRun{release: make(chan struct{}), fail: make(map[int]bool)}
}

func (b *blockingRun) run(ctx context.Context, issue int) error {
	b.mu.Lock()
	b.order = append(b.order, issue)
	b.mu.Unlock()
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	if b.fail[issue] {
		return errors.New("orchestration exploded")
	}
	return nil
}

func (b *blockingRun) ran() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int{}, b.order...)
}

func TestQueue_ProcessesInFIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var order []int
	q := New(func(_ context.Context, n int) error {
		mu.Lock()
		order = append(order, n)
		mu.Unlock()
		return nil
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	require.NoError(t, q.Enqueue(3))
	require.NoError(t, q.Enqueue(1))
	require.NoError(t, q.Enqueue(2))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{3, 1, 2}, order)
}

func TestQueue_OneRunAtATime(t *testing.T) {
	runner := newBlockingRun()
	q := New(runner.run, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	require.NoError(t, q.Enqueue(1))
	require.NoError(t, q.Enqueue(2))

	require.Eventually(t, func() bool { return len(runner.ran()) == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []int{1}, runner.ran(), "second run must wait for the first")

	snap := q.Snapshot()
	require.NotNil(t, snap.Running)
	assert.Equal(t, 1, snap.Running.IssueNumber)
	require.Len(t, snap.Pending, 1)
	assert.Equal(t, 2, snap.Pending[0].IssueNumber)

	close(runner.release)
	require.Eventually(t, func() bool { return len(runner.ran()) == 2 }, time.Second, 10*time.Millisecond)
}

func TestQueue_DuplicateRejected(t *testing.T) {
	q := New(func(context.Context, int) error { return nil }, nil)

	require.NoError(t, q.Enqueue(5))
	err := q.Enqueue(5)
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestQueue_DuplicateOfRunningRejected(t *testing.T) {
	runner := newBlockingRun()
	q := New(runner.run, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	require.NoError(t, q.Enqueue(5))
	require.Eventually(t, func() bool { return q.Snapshot().Running != nil }, time.Second, 10*time.Millisecond)

	require.ErrorIs(t, q.Enqueue(5), ErrDuplicate)
	close(runner.release)
}

func TestQueue_RemoveRules(t *testing.T) {
	runner := newBlockingRun()
	q := New(runner.run, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	require.NoError(t, q.Enqueue(1))
	require.Eventually(t, func() bool { return q.Snapshot().Running != nil }, time.Second, 10*time.Millisecond)
	require.NoError(t, q.Enqueue(2))

	assert.ErrorIs(t, q.Remove(1), ErrRunning)
	assert.ErrorIs(t, q.Remove(99), ErrNotQueued)
	assert.NoError(t, q.Remove(2))
	assert.Empty(t, q.Snapshot().Pending)
	close(runner.release)
}

func TestQueue_ClearDropsOnlyPending(t *testing.T) {
	runner := newBlockingRun()
	q := New(runner.run, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	require.NoError(t, q.Enqueue(1))
	require.Eventually(t, func() bool { return q.Snapshot().Running != nil }, time.Second, 10*time.Millisecond)
	require.NoError(t, q.Enqueue(2))
	require.NoError(t, q.Enqueue(3))

	assert.Equal(t, 2, q.Clear())
	snap := q.Snapshot()
	assert.NotNil(t, snap.Running)
	assert.Empty(t, snap.Pending)

	// Cleared entries can be enqueued again.
	assert.NoError(t, q.Enqueue(2))
	close(runner.release)
}

func TestQueue_StatsAndHistory(t *testing.T) {
	fail := map[int]bool{2: true}
	q := New(func(_ context.Context, n int) error {
		if fail[n] {
			return errors.New("boom")
		}
		return nil
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	for _, n := range []int{1, 2, 3, 4} {
		require.NoError(t, q.Enqueue(n))
	}
	require.Eventually(t, func() bool { return q.Stats().Processed == 4 }, 2*time.Second, 10*time.Millisecond)

	stats := q.Stats()
	assert.Equal(t, 3, stats.Succeeded)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, "75.0%", stats.SuccessRate)
	assert.NotEqual(t, "n/a", stats.MeanDuration)

	snap := q.Snapshot()
	require.Len(t, snap.History, 4)
	assert.False(t, snap.History[1].Success)
	assert.Contains(t, snap.History[1].Error, "boom")
}

func TestQueue_HistoryCapped(t *testing.T) {
	q := New(func(context.Context, int) error { return nil }, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	for i := 1; i <= historyCap+10; i++ {
		require.NoError(t, q.Enqueue(i))
	}
	require.Eventually(t, func() bool {
		return len(q.Snapshot().History) == historyCap && q.Snapshot().Running == nil
	}, 5*time.Second, 10*time.Millisecond)

	hist := q.Snapshot().History
	assert.Equal(t, 11, hist[0].IssueNumber, "oldest records evicted first")
}

func TestQueue_EmptyStats(t *testing.T) {
	q := New(func(context.Context, int) error { return nil }, nil)
	stats := q.Stats()
	assert.Equal(t, "n/a", stats.SuccessRate)
	assert.Equal(t, "n/a", stats.MeanDuration)
}

func TestQueue_ReEnqueueAfterCompletion(t *testing.T) {
	q := New(func(context.Context, int) error { return nil }, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	require.NoError(t, q.Enqueue(1))
	require.Eventually(t, func() bool { return q.Stats().Processed == 1 }, time.Second, 10*time.Millisecond)
	assert.NoError(t, q.Enqueue(1), "finished issues may be queued again")
}

func TestHumanDuration(t *testing.T) {
	for d, want := range map[time.Duration]string{
		12 * time.Second:               "12s",
		125 * time.Second:              "2m 5s",
		time.Hour + 30*time.Minute:     "1h 30m",
	} {
		assert.Equal(t, want, humanDuration(d), fmt.Sprintf("duration %s", d))
	}
}
