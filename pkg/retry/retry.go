// Package retry executes operations with bounded exponential backoff.
// Errors whose message indicates a permanent condition (auth, quota,
// not-found, permission) short-circuit without further attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config controls the attempt budget and the delay schedule. The delay
// before attempt k (k >= 2) is InitialDelay * Multiplier^(k-2).
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
}

// DefaultConfig matches the orchestrator's configured defaults.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 1 * time.Second,
	Multiplier:   2.0,
}

// nonRetryablePatterns are matched case-insensitively against error
// messages; a match disables further attempts.
var nonRetryablePatterns = []string{
	"rate limit",
	"quota exceeded",
	"authentication",
	"not found",
	"permission denied",
}

// permanentError marks an error as non-retryable regardless of message.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsNonRetryable reports whether err short-circuits the retry loop.
func IsNonRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range nonRetryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// Do runs op up to cfg.MaxAttempts times, sleeping the backoff schedule
// between attempts. Context cancellation aborts the wait. On exhaustion
// the last error is wrapped.
func Do[T any](ctx context.Context, cfg Config, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts < 1 {
		return zero, fmt.Errorf("retry: max attempts must be >= 1, got %d", cfg.MaxAttempts)
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := DelayBefore(cfg, attempt)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if IsNonRetryable(err) {
			return zero, err
		}
	}
	return zero, fmt.Errorf("all %d attempts failed: %w", cfg.MaxAttempts, lastErr)
}

// DelayBefore returns the sleep preceding the given attempt number.
// Attempt 1 has no delay.
func DelayBefore(cfg Config, attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	delay := float64(cfg.InitialDelay)
	for i := 0; i < attempt-2; i++ {
		delay *= cfg.Multiplier
	}
	return time.Duration(delay)
}
