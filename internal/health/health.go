// Package health aggregates component self-checks into one cached report.
// Checks are registered by name at boot; the aggregator runs them
// concurrently, caches the result for a short TTL, and collapses
// overlapping refreshes into a single sweep.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"anima/internal/logging"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Overall status values, worst wins.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// checkTimeout bounds each individual component check. Checks are local
// probes (a SELECT 1, a breaker lookup); anything slower than this is
// itself a failure.
const checkTimeout = 2 * time.Second

// CheckFunc probes one component. A nil return means healthy.
type CheckFunc func(ctx context.Context) error

// ComponentStatus is the outcome of one component's check.
type ComponentStatus struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Critical  bool      `json:"critical"`
	Error     string    `json:"error,omitempty"`
	LatencyMS float64   `json:"latency_ms"`
	CheckedAt time.Time `json:"checked_at"`
}

// Report is one full sweep over all registered components. A failing
// critical component makes the whole report unhealthy; a failing
// non-critical one only degrades it.
type Report struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Uptime     string            `json:"uptime"`
	Components []ComponentStatus `json:"components"`
}

type check struct {
	name string
	fn   CheckFunc
}

// Aggregator runs registered checks and caches the combined report.
type Aggregator struct {
	mu       sync.RWMutex
	checks   []check
	critical map[string]bool
	ttl      time.Duration
	timeout  time.Duration
	cached   *Report
	cachedAt time.Time
	group    singleflight.Group
	started  time.Time
	now      func() time.Time
}

// NewAggregator creates an aggregator. criticalComponents names the checks
// whose failure makes the agent unhealthy rather than merely degraded; ttl
// is how long a sweep's result is served before checks run again.
func NewAggregator(ttl time.Duration, criticalComponents []string) *Aggregator {
	critical := make(map[string]bool, len(criticalComponents))
	for _, name := range criticalComponents {
		critical[name] = true
	}
	return &Aggregator{
		critical: critical,
		ttl:      ttl,
		timeout:  checkTimeout,
		started:  time.Now(),
		now:      time.Now,
	}
}

// Register adds a named component check. Reports list critical components
// first, then registration order.
func (a *Aggregator) Register(name string, fn CheckFunc) {
	if fn == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checks = append(a.checks, check{name: name, fn: fn})
	logging.HealthDebug("Registered health check %s (critical=%v)", name, a.critical[name])
}

// Report returns the current health report, reusing the cached sweep while
// it is fresh. Concurrent callers past the TTL share a single sweep.
func (a *Aggregator) Report(ctx context.Context) Report {
	a.mu.RLock()
	if a.cached != nil && a.now().Sub(a.cachedAt) < a.ttl {
		cached := *a.cached
		a.mu.RUnlock()
		return cached
	}
	a.mu.RUnlock()

	v, _, _ := a.group.Do("sweep", func() (any, error) {
		report := a.sweep(ctx)
		a.mu.Lock()
		a.cached = &report
		a.cachedAt = a.now()
		a.mu.Unlock()
		return report, nil
	})
	return v.(Report)
}

// CriticalHealthy reports whether every critical component passed its last
// check. Non-critical failures do not block.
func (a *Aggregator) CriticalHealthy(ctx context.Context) bool {
	return a.Report(ctx).Status != StatusUnhealthy
}

// sweep runs every registered check concurrently and combines the results.
func (a *Aggregator) sweep(ctx context.Context) Report {
	timer := logging.StartTimer(logging.CategoryHealth, "sweep")
	defer timer.Stop()

	a.mu.RLock()
	checks := make([]check, len(a.checks))
	copy(checks, a.checks)
	a.mu.RUnlock()

	statuses := make([]ComponentStatus, len(checks))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range checks {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(gctx, a.timeout)
			defer cancel()

			start := a.now()
			err := c.fn(checkCtx)
			status := ComponentStatus{
				Name:      c.name,
				Healthy:   err == nil,
				Critical:  a.critical[c.name],
				LatencyMS: float64(time.Since(start).Microseconds()) / 1000,
				CheckedAt: start,
			}
			if err != nil {
				status.Error = err.Error()
				logging.HealthDebug("Check %s failed: %v", c.name, err)
			}
			statuses[i] = status
			// Check failures surface in the report, never abort the sweep.
			return nil
		})
	}
	g.Wait()

	sort.SliceStable(statuses, func(i, j int) bool {
		return statuses[i].Critical && !statuses[j].Critical
	})

	overall := StatusHealthy
	for _, st := range statuses {
		if st.Healthy {
			continue
		}
		if st.Critical {
			overall = StatusUnhealthy
			break
		}
		overall = StatusDegraded
	}
	if overall != StatusHealthy {
		logging.Health("Health sweep: %s (%d components)", overall, len(statuses))
	}

	return Report{
		Status:     overall,
		Timestamp:  a.now(),
		Uptime:     a.now().Sub(a.started).Round(time.Second).String(),
		Components: statuses,
	}
}
