// Package llm is the agent's single doorway to language model services.
//
// Every chat and embedding call runs the same pipeline: per-tick budget,
// token-bucket rate gate, response cache (chat only), circuit breaker,
// and bounded retry around the actual network call. Callers receive a
// typed outcome and treat anything but success as "no answer this tick".
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"anima/internal/resilience"
)

var (
	// ErrBudgetExhausted means the per-tick call allowance is spent.
	ErrBudgetExhausted = errors.New("llm call budget exhausted for this tick")

	// ErrRateLimited means the token bucket rejected the call.
	ErrRateLimited = errors.New("llm call rate limited")

	// ErrEmptyPrompt means the caller passed nothing to send.
	ErrEmptyPrompt = errors.New("prompt is empty")

	// errCacheHit short-circuits the retry loop when the response cache
	// answers. Never escapes this package.
	errCacheHit = errors.New("cache hit")
)

// httpStatusError is a non-2xx reply from the LLM service.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("api request failed with status %d: %s", e.status, e.body)
}

// isTransient reports whether an error is worth retrying: network-level
// failures, timeouts, and 429/5xx replies. Validation errors, other 4xx
// replies, and policy fast-fails are not. The retry loop checks the
// caller's context before every attempt, so classifying a deadline as
// transient never retries past a dead context.
func isTransient(err error) bool {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.status == 429 || statusErr.status >= 500
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// isCallerCancel reports whether an error is the caller's context giving
// up rather than the dependency failing. Timeouts layered inside the
// backend (the per-call deadline, http.Client.Timeout) also surface as
// context.DeadlineExceeded, so only an error arriving while the caller's
// own context is done counts as a cancellation; everything else is the
// dependency's failure to answer in time.
func isCallerCancel(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// OutcomeLabel maps a pipeline error to its metrics and episode label.
// nil maps to "ok"; the caller substitutes "cached" for hits itself.
// ctx is the context the caller handed into the call, consulted to tell
// caller cancellation apart from a backend timeout.
func OutcomeLabel(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrBudgetExhausted):
		return "budget_exhausted"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case isCallerCancel(ctx, err):
		return "cancelled"
	case isTransient(err):
		return "transient_failed"
	default:
		return "fatal"
	}
}
