package resilience

import (
	"errors"
	"sort"
	"sync"
	"time"

	"anima/internal/metrics"
)

// ErrCircuitOpen is returned by Allow when the breaker is refusing calls,
// either because it is open or because the single half-open probe slot is
// taken.
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerState is the current mode of a circuit breaker.
type BreakerState int

const (
	// StateClosed lets calls flow and counts consecutive failures.
	StateClosed BreakerState = iota
	// StateOpen fails every call fast until the recovery timeout elapses.
	StateOpen
	// StateHalfOpen admits one probe call at a time.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// breaker open.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before allowing
	// a probe.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the consecutive-success count in half-open that
	// closes the breaker again.
	SuccessThreshold int
}

// DefaultBreakerConfig returns the standard tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
	}
}

// Breaker is a three-state circuit breaker for one named dependency.
//
// Callers ask Allow before each attempt and report the result with
// RecordSuccess or RecordFailure. RecordCancel releases a half-open
// probe slot when the attempt was abandoned (context cancelled) without
// learning anything about the dependency.
//
// All transitions happen inside Allow and the Record methods under one
// mutex, so concurrent callers observe exactly one state.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu                   sync.Mutex
	state                BreakerState
	consecutiveFailures  int
	consecutiveSuccesses int
	changedAt            time.Time
	openedAt             time.Time
	probeInFlight        bool

	totalCalls     uint64
	totalSuccesses uint64
	totalFailures  uint64
	fastFails      uint64

	now func() time.Time // test clock
}

// NewBreaker returns a closed breaker for the named dependency.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 1
	}
	b := &Breaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
	b.changedAt = b.now()
	metrics.ObserveCircuitState(name, StateClosed.String())
	return b
}

// Allow reports whether a call may proceed. In half-open it reserves the
// single probe slot; the caller must then invoke exactly one of
// RecordSuccess, RecordFailure, or RecordCancel.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
			b.transition(StateHalfOpen)
			b.probeInFlight = true
			return nil
		}
		b.fastFails++
		return ErrCircuitOpen

	case StateHalfOpen:
		if b.probeInFlight {
			b.fastFails++
			return ErrCircuitOpen
		}
		b.probeInFlight = true
		return nil
	}

	return nil
}

// RecordSuccess reports that an allowed call completed successfully.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		b.probeInFlight = false
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
		}
	case StateOpen:
		// Late completion from before the trip; the timer decides recovery.
	}
}

// RecordFailure reports that an allowed call failed.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.probeInFlight = false
		b.consecutiveSuccesses = 0
		b.transition(StateOpen)
	case StateOpen:
		// Late completion; already open.
	}
}

// RecordCancel releases a half-open probe slot without counting the
// attempt for or against the dependency.
func (b *Breaker) RecordCancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.probeInFlight = false
	}
}

// State returns the breaker's stored state. The open-to-half-open
// transition happens on the next Allow, not here, so concurrent callers
// race for exactly one probe slot.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Name returns the dependency name this breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// transition moves the breaker to s. Caller holds b.mu.
func (b *Breaker) transition(s BreakerState) {
	b.state = s
	b.changedAt = b.now()
	switch s {
	case StateOpen:
		b.openedAt = b.changedAt
		b.consecutiveSuccesses = 0
		b.probeInFlight = false
	case StateClosed:
		b.consecutiveFailures = 0
		b.consecutiveSuccesses = 0
		b.probeInFlight = false
	case StateHalfOpen:
		b.consecutiveSuccesses = 0
	}
	metrics.ObserveCircuitState(b.name, s.String())
}

// BreakerSnapshot is a point-in-time view of one breaker for
// introspection and health reporting.
type BreakerSnapshot struct {
	Name                 string    `json:"name"`
	State                string    `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	ChangedAt            time.Time `json:"changed_at"`
	TotalCalls           uint64    `json:"total_calls"`
	TotalSuccesses       uint64    `json:"total_successes"`
	TotalFailures        uint64    `json:"total_failures"`
	FastFails            uint64    `json:"fast_fails"`
}

// Snapshot returns the breaker's current counters and state.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		Name:                 b.name,
		State:                b.state.String(),
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		ChangedAt:            b.changedAt,
		TotalCalls:           b.totalCalls,
		TotalSuccesses:       b.totalSuccesses,
		TotalFailures:        b.totalFailures,
		FastFails:            b.fastFails,
	}
}

// BreakerRegistry hands out one breaker per dependency name, all sharing
// a config.
type BreakerRegistry struct {
	mu       sync.RWMutex
	cfg      BreakerConfig
	breakers map[string]*Breaker
}

// NewBreakerRegistry returns a registry creating breakers with cfg.
func NewBreakerRegistry(cfg BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *BreakerRegistry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = NewBreaker(name, r.cfg)
	r.breakers[name] = b
	return b
}

// Snapshots returns all breaker snapshots, sorted by name.
func (r *BreakerRegistry) Snapshots() []BreakerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snaps := make([]BreakerSnapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		snaps = append(snaps, b.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
	return snaps
}

// AllClosed reports whether no breaker is currently open.
func (r *BreakerRegistry) AllClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		if b.State() == StateOpen {
			return false
		}
	}
	return true
}
