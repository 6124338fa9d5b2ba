// Package archive moves aged records out of the hot store and streams facts
// into the analytical sink: a buffered writer for write-once facts, archivers
// for terminal entities, and a scheduler that drives both on timers.
package archive

import (
	"context"
	"fmt"
	"time"
)

// Policy controls how a failing sink operation is retried. Backoff receives
// the 1-based attempt number that just failed and returns how long to wait
// before the next attempt.
type Policy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

// DefaultPolicy retries three times with linearly growing delays.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(attempt) * 500 * time.Millisecond
		},
	}
}

// Do runs fn up to p.MaxAttempts times, waiting p.Backoff between attempts.
// A context cancellation aborts the wait and returns the context error
// wrapped with the last attempt's failure.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("aborted after %d attempts: %w", attempt-1, err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		var delay time.Duration
		if p.Backoff != nil {
			delay = p.Backoff(attempt)
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("aborted during backoff: %w", ctx.Err())
			case <-timer.C:
			}
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", attempts, lastErr)
}
