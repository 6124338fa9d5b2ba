package archive

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultPolicy(), func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	policy := Policy{
		MaxAttempts: 4,
		Backoff:     func(int) time.Duration { return 0 },
	}

	calls := 0
	err := Do(context.Background(), policy, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	policy := Policy{
		MaxAttempts: 3,
		Backoff:     func(int) time.Duration { return 0 },
	}

	sinkErr := errors.New("sink down")
	calls := 0
	err := Do(context.Background(), policy, func(context.Context) error {
		calls++
		return sinkErr
	})
	if !errors.Is(err, sinkErr) {
		t.Errorf("Expected wrapped sink error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestDo_BackoffReceivesAttemptNumber(t *testing.T) {
	var attempts []int
	policy := Policy{
		MaxAttempts: 3,
		Backoff: func(attempt int) time.Duration {
			attempts = append(attempts, attempt)
			return 0
		},
	}

	_ = Do(context.Background(), policy, func(context.Context) error {
		return errors.New("always")
	})

	// Backoff runs between attempts, not after the last.
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("Unexpected backoff attempts: %v", attempts)
	}
}

func TestDo_ContextCancelAbortsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{
		MaxAttempts: 5,
		Backoff:     func(int) time.Duration { return time.Hour },
	}

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, policy, func(context.Context) error {
			calls++
			return errors.New("transient")
		})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
	if calls != 1 {
		t.Errorf("Expected 1 call before cancel, got %d", calls)
	}
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{}, func(context.Context) error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Errorf("Expected single successful call, got calls=%d err=%v", calls, err)
	}
}
