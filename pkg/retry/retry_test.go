package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, Multiplier: 2.0}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	result, err := Do(context.Background(), fastConfig(3), func(context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 1, calls)
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	result, err := Do(context.Background(), fastConfig(5), func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("connection reset")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustionWrapsLastError(t *testing.T) {
	last := errors.New("still broken")
	calls := 0
	_, err := Do(context.Background(), fastConfig(3), func(context.Context) (string, error) {
		calls++
		return "", last
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, last)
	assert.Contains(t, err.Error(), "all 3 attempts failed")
}

func TestDo_NonRetryableMessageShortCircuits(t *testing.T) {
	for _, msg := range []string{
		"API rate limit exceeded",
		"quota exceeded for project",
		"authentication failed",
		"resource not found",
		"permission denied for repo",
	} {
		calls := 0
		_, err := Do(context.Background(), fastConfig(5), func(context.Context) (string, error) {
			calls++
			return "", errors.New(msg)
		})
		require.Error(t, err, msg)
		assert.Equal(t, 1, calls, "error %q should not be retried", msg)
	}
}

func TestDo_PermanentFlagShortCircuits(t *testing.T) {
	calls := 0
	inner := errors.New("model failover exhausted")
	_, err := Do(context.Background(), fastConfig(5), func(context.Context) (string, error) {
		calls++
		return "", Permanent(inner)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, inner)
}

func TestDo_InvalidMaxAttempts(t *testing.T) {
	_, err := Do(context.Background(), Config{MaxAttempts: 0}, func(context.Context) (string, error) {
		return "", nil
	})
	require.Error(t, err)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Hour, Multiplier: 2.0}

	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, cfg, func(context.Context) (string, error) {
			return "", errors.New("transient")
		})
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after context cancellation")
	}
}

func TestDelayBefore_Schedule(t *testing.T) {
	cfg := Config{MaxAttempts: 5, InitialDelay: 100 * time.Millisecond, Multiplier: 2.0}

	assert.Equal(t, time.Duration(0), DelayBefore(cfg, 1))
	assert.Equal(t, 100*time.Millisecond, DelayBefore(cfg, 2))
	assert.Equal(t, 200*time.Millisecond, DelayBefore(cfg, 3))
	assert.Equal(t, 400*time.Millisecond, DelayBefore(cfg, 4))
}

func TestIsNonRetryable_NilAndTransient(t *testing.T) {
	assert.False(t, IsNonRetryable(nil))
	assert.False(t, IsNonRetryable(errors.New("dial tcp: connection refused")))
}
