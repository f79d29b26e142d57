// Package ticks drives the agent's two cadences: a fast loop for cheap
// polling work and a slow loop for the heavyweight cognitive steps. Steps
// are registered at boot and run strictly in registration order within
// their cadence; the two loops run concurrently against thread-safe
// components.
package ticks

import (
	"context"
	"time"
)

// Cadence identifies which loop a tick belongs to.
type Cadence string

const (
	CadenceFast Cadence = "fast"
	CadenceSlow Cadence = "slow"
)

// Outcome is a step's self-reported result.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeDegraded Outcome = "degraded"
	OutcomeError    Outcome = "error"
)

// Tick carries per-tick context into steps.
type Tick struct {
	Number  uint64
	Cadence Cadence
	Started time.Time

	// Degraded is set when a critical component failed the pre-tick
	// health snapshot. Steps that depend on those components should
	// return OutcomeSkipped or fall back to cheaper behavior.
	Degraded bool
}

// Step is one unit of scheduled work. Run must honor ctx: the deadline is
// the tick period, and on shutdown the context is cancelled once the grace
// window closes. A step that notices cancellation mid-work returns
// OutcomeDegraded. Returning a non-nil error means the step failed; the
// scheduler logs it, records an episode, and moves on.
type Step interface {
	Name() string
	Run(ctx context.Context, tick Tick) (Outcome, error)
}

// StepFunc adapts a function to the Step interface.
type StepFunc struct {
	StepName string
	Fn       func(ctx context.Context, tick Tick) (Outcome, error)
}

func (s StepFunc) Name() string { return s.StepName }

func (s StepFunc) Run(ctx context.Context, tick Tick) (Outcome, error) {
	return s.Fn(ctx, tick)
}

// StepResult is one step's outcome within a completed tick, as published
// on the tick.completed event.
type StepResult struct {
	Step       string  `json:"step"`
	Outcome    Outcome `json:"outcome"`
	DurationMS float64 `json:"duration_ms"`
}
