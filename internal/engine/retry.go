package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/loonghao/taskchain/pkg/schema"
)

// Backoff parameters for step retries. Delay doubles per attempt from the
// base, capped so a long retry budget cannot stall a run indefinitely.
const (
	retryBaseDelay = 1 * time.Second
	retryMaxDelay  = 30 * time.Second
)

// IsRetryableError classifies whether a step failure is worth retrying.
// Retryable by default: network errors, step timeouts. Non-retryable:
// mapping and validation failures, cancellation, typed ChainErrors with
// non-retryable codes.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Deadline exceeded means the step timed out, not that the run is over.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Context cancelled means the run is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// ChainError checks its own code.
	var chErr *schema.ChainError
	if errors.As(err, &chErr) {
		return chErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common transient patterns.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default: retryable. The retry budget limits attempts.
	return true
}

// ComputeBackoff calculates the delay before retry attempt n (0-based).
func ComputeBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := retryBaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= retryMaxDelay {
			return retryMaxDelay
		}
	}
	return delay
}

// WaitForBackoff sleeps for the given delay or returns early if the context
// is cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
