package resilience

import (
	"context"
	"time"
)

// RetryConfig tunes the bounded retry loop.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

// DefaultRetryConfig returns the standard tuning: three attempts with
// exponential backoff starting at one second.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2.0,
	}
}

// Retry runs fn until it succeeds, fails non-transiently, runs out of
// attempts, or ctx is cancelled. classify reports whether an error is
// worth retrying. It returns the number of attempts made and the final
// error (nil on success; ctx.Err() on cancellation).
func Retry(ctx context.Context, cfg RetryConfig, classify func(error) bool, fn func(context.Context) error) (int, error) {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 1
	}

	delay := cfg.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt, nil
		}
		if !classify(lastErr) {
			return attempt, lastErr
		}
		if attempt == cfg.MaxAttempts {
			return attempt, lastErr
		}

		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * cfg.Multiplier)
	}

	return cfg.MaxAttempts, lastErr
}
