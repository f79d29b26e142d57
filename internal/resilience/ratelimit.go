// Package resilience provides the failure-containment primitives that sit
// between the agent and its flaky dependencies: token-bucket rate gates,
// per-dependency circuit breakers, and bounded retry with backoff.
//
// The pieces are deliberately independent. The LLM client composes them
// into its call pipeline; other callers can use any one alone.
package resilience

import (
	"sort"
	"sync"

	"golang.org/x/time/rate"
)

// Gate is a set of named token buckets. Each named operation class
// ("chat", "embed", ...) gets its own bucket; callers ask permission with
// Allow, which consumes a token when one is available and never blocks.
type Gate struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

// NewGate returns an empty gate. Unconfigured names are unlimited.
func NewGate() *Gate {
	return &Gate{limiters: make(map[string]*rate.Limiter)}
}

// Configure installs or replaces the bucket for name with the given
// refill rate (tokens per second) and burst capacity.
func (g *Gate) Configure(name string, perSec float64, burst int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limiters[name] = rate.NewLimiter(rate.Limit(perSec), burst)
}

// Allow reports whether a call of the named class may proceed now,
// consuming one token when it may. Names without a configured bucket
// are always allowed.
func (g *Gate) Allow(name string) bool {
	g.mu.RLock()
	lim, ok := g.limiters[name]
	g.mu.RUnlock()
	if !ok {
		return true
	}
	return lim.Allow()
}

// Tokens returns the current token count for the named bucket, for
// introspection. Unconfigured names report -1.
func (g *Gate) Tokens(name string) float64 {
	g.mu.RLock()
	lim, ok := g.limiters[name]
	g.mu.RUnlock()
	if !ok {
		return -1
	}
	return lim.Tokens()
}

// Names returns the configured bucket names, sorted.
func (g *Gate) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.limiters))
	for name := range g.limiters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
