package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("connection reset")

func transientOnly(err error) bool { return errors.Is(err, errTransient) }

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}

	calls := 0
	attempts, err := Retry(context.Background(), cfg, transientOnly, func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if attempts != 3 || calls != 3 {
		t.Errorf("attempts = %d, calls = %d, want 3/3", attempts, calls)
	}
}

func TestRetryStopsOnNonTransientError(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, Multiplier: 2}
	fatal := errors.New("invalid request")

	calls := 0
	attempts, err := Retry(context.Background(), cfg, transientOnly, func(context.Context) error {
		calls++
		return fatal
	})

	if !errors.Is(err, fatal) {
		t.Fatalf("err = %v, want the fatal error", err)
	}
	if attempts != 1 || calls != 1 {
		t.Errorf("attempts = %d, calls = %d, want 1/1", attempts, calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}

	calls := 0
	attempts, err := Retry(context.Background(), cfg, transientOnly, func(context.Context) error {
		calls++
		return errTransient
	})

	if !errors.Is(err, errTransient) {
		t.Fatalf("err = %v, want the transient error", err)
	}
	if attempts != 3 || calls != 3 {
		t.Errorf("attempts = %d, calls = %d, want 3/3", attempts, calls)
	}
}

func TestRetryCancelledDuringBackoff(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Hour, Multiplier: 2}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	attempts, err := Retry(ctx, cfg, transientOnly, func(context.Context) error {
		return errTransient
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancellation took %v, should interrupt the backoff", elapsed)
	}
}

func TestRetryPreCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts, err := Retry(ctx, DefaultRetryConfig(), transientOnly, func(context.Context) error {
		t.Fatal("fn should not run with a cancelled context")
		return nil
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if attempts != 0 {
		t.Errorf("attempts = %d, want 0", attempts)
	}
}
