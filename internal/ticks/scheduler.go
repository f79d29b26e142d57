package ticks

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"anima/internal/events"
	"anima/internal/health"
	"anima/internal/logging"
	"anima/internal/metrics"
	"anima/internal/store"
)

// Config holds the scheduler's timing knobs. Zero fields fall back to
// DefaultConfig values.
type Config struct {
	// FastPeriod is the fast-cadence interval.
	FastPeriod time.Duration

	// SlowPeriod is the slow-cadence interval.
	SlowPeriod time.Duration

	// Grace is how long an in-flight tick may keep running after Stop
	// before its context is cancelled. The budget is shared across the
	// whole tick, not granted per step.
	Grace time.Duration

	// AlarmThreshold is the consecutive-failure count at which a step
	// alarm event is published.
	AlarmThreshold int
}

// DefaultConfig returns the production timing: 1s fast ticks, 60s slow
// ticks, a 30s shutdown grace, and alarms after 5 consecutive failures.
func DefaultConfig() Config {
	return Config{
		FastPeriod:     time.Second,
		SlowPeriod:     60 * time.Second,
		Grace:          30 * time.Second,
		AlarmThreshold: 5,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FastPeriod <= 0 {
		c.FastPeriod = def.FastPeriod
	}
	if c.SlowPeriod <= 0 {
		c.SlowPeriod = def.SlowPeriod
	}
	if c.Grace <= 0 {
		c.Grace = def.Grace
	}
	if c.AlarmThreshold <= 0 {
		c.AlarmThreshold = def.AlarmThreshold
	}
	return c
}

// BudgetResetter restores a spending budget at the top of each slow tick.
// The LLM budget tracker implements it; resetting only on the slow cadence
// means an in-flight call started under the old window simply counts
// against the new one when it lands.
type BudgetResetter interface {
	ResetTick()
}

// Scheduler runs the registered steps on two independent cadences. Each
// cadence executes its steps sequentially in registration order; a step
// failure is logged and recorded but never stops the tick. A tick that
// overruns its period delays the next tick rather than dropping it.
type Scheduler struct {
	cfg      Config
	bus      *events.Bus
	episodes *store.EpisodeStore
	health   *health.Aggregator
	budget   BudgetResetter

	fastSteps []Step
	slowSteps []Step

	mu                sync.Mutex
	consecutiveErrors map[string]int

	fastTicks atomic.Uint64
	slowTicks atomic.Uint64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler wires the scheduler against its collaborators. Any of bus,
// episodes, hm, or budget may be nil; the corresponding behavior (event
// publication, error episodes, degraded-tick detection, budget resets) is
// skipped.
func NewScheduler(cfg Config, bus *events.Bus, episodes *store.EpisodeStore, hm *health.Aggregator, budget BudgetResetter) *Scheduler {
	return &Scheduler{
		cfg:               cfg.withDefaults(),
		bus:               bus,
		episodes:          episodes,
		health:            hm,
		budget:            budget,
		consecutiveErrors: make(map[string]int),
		stopCh:            make(chan struct{}),
	}
}

// RegisterFast appends a step to the fast cadence. Registration order is
// execution order. Must be called before Start.
func (s *Scheduler) RegisterFast(step Step) {
	s.fastSteps = append(s.fastSteps, step)
}

// RegisterSlow appends a step to the slow cadence. Must be called before
// Start.
func (s *Scheduler) RegisterSlow(step Step) {
	s.slowSteps = append(s.slowSteps, step)
}

// Start launches both cadence loops. Each loop runs its first tick
// immediately, then waits out the period between ticks. Call once.
func (s *Scheduler) Start() {
	logging.Ticks("Scheduler starting: fast=%s (%d steps) slow=%s (%d steps) grace=%s",
		s.cfg.FastPeriod, len(s.fastSteps), s.cfg.SlowPeriod, len(s.slowSteps), s.cfg.Grace)
	s.wg.Add(2)
	go s.loop(CadenceFast, s.cfg.FastPeriod, s.fastSteps)
	go s.loop(CadenceSlow, s.cfg.SlowPeriod, s.slowSteps)
}

// Stop signals both loops and waits for the in-flight tick, if any, to
// wind down. In-flight steps get the configured grace before their
// context is cancelled; steps not yet started are not run. Safe to call
// more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
	logging.Ticks("Scheduler stopped after %d fast and %d slow ticks",
		s.fastTicks.Load(), s.slowTicks.Load())
}

// TickCounts reports how many ticks each cadence has started.
func (s *Scheduler) TickCounts() (fast, slow uint64) {
	return s.fastTicks.Load(), s.slowTicks.Load()
}

func (s *Scheduler) loop(cadence Cadence, period time.Duration, steps []Step) {
	defer s.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		s.runTick(cadence, period, steps)
		select {
		case <-ticker.C:
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) runTick(cadence Cadence, period time.Duration, steps []Step) {
	var number uint64
	if cadence == CadenceSlow {
		number = s.slowTicks.Add(1)
		if s.budget != nil {
			s.budget.ResetTick()
		}
	} else {
		number = s.fastTicks.Add(1)
	}

	start := time.Now()
	ctx, cancel := context.WithDeadline(context.Background(), start.Add(period))
	defer cancel()

	// On Stop the in-flight step keeps its context for the grace window,
	// then the whole tick is cancelled.
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-watchdogDone:
			return
		case <-s.stopCh:
		}
		timer := time.NewTimer(s.cfg.Grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-watchdogDone:
		}
	}()

	tick := Tick{Number: number, Cadence: cadence, Started: start}
	if s.health != nil && !s.health.CriticalHealthy(ctx) {
		tick.Degraded = true
		logging.TicksWarn("%s tick %d running degraded: critical component unhealthy", cadence, number)
	}

	results := make([]StepResult, 0, len(steps))
	for _, step := range steps {
		if s.stopped() {
			break
		}
		results = append(results, s.executeStep(ctx, step, tick))
	}

	duration := time.Since(start)
	metrics.TicksTotal.WithLabelValues(string(cadence)).Inc()
	metrics.TickDuration.WithLabelValues(string(cadence)).Observe(duration.Seconds())
	if duration > period {
		logging.TicksWarn("%s tick %d overran its period: %s elapsed, next tick delayed",
			cadence, number, duration.Round(time.Millisecond))
	}
	if s.bus != nil {
		// The tick context may already be past its deadline; publication
		// must still reach the audit trail.
		s.bus.Publish(context.Background(), events.EventTickCompleted, map[string]any{
			"cadence":     string(cadence),
			"tick":        number,
			"degraded":    tick.Degraded,
			"duration_ms": float64(duration.Microseconds()) / 1000.0,
			"steps":       results,
		})
	}
}

func (s *Scheduler) executeStep(ctx context.Context, step Step, tick Tick) StepResult {
	name := step.Name()
	start := time.Now()
	outcome, err := s.invokeStep(ctx, step, tick)
	elapsed := time.Since(start)

	if err != nil {
		outcome = OutcomeError
		s.recordStepError(name, tick, err)
	} else {
		if outcome == "" {
			outcome = OutcomeOK
		}
		s.resetStepErrors(name)
	}

	metrics.StepOutcomes.WithLabelValues(name, string(outcome)).Inc()
	logging.TicksDebug("Step %s finished on %s tick %d: %s in %s",
		name, tick.Cadence, tick.Number, outcome, elapsed.Round(time.Millisecond))
	return StepResult{
		Step:       name,
		Outcome:    outcome,
		DurationMS: float64(elapsed.Microseconds()) / 1000.0,
	}
}

// invokeStep is the uniform error boundary: panics become errors so a
// misbehaving step cannot take down the loop.
func (s *Scheduler) invokeStep(ctx context.Context, step Step, tick Tick) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panicked: %v", r)
		}
	}()
	return step.Run(ctx, tick)
}

func (s *Scheduler) recordStepError(name string, tick Tick, err error) {
	logging.TicksError("Step %s failed on %s tick %d: %v", name, tick.Cadence, tick.Number, err)

	if s.episodes != nil {
		if _, epErr := s.episodes.AddEpisode("step.error",
			fmt.Sprintf("step %s failed: %v", name, err), "error",
			map[string]any{
				"step":    name,
				"cadence": string(tick.Cadence),
				"tick":    tick.Number,
			}); epErr != nil {
			logging.TicksWarn("Could not record error episode for step %s: %v", name, epErr)
		}
	}

	s.mu.Lock()
	s.consecutiveErrors[name]++
	count := s.consecutiveErrors[name]
	s.mu.Unlock()

	// Alarm exactly once per failure streak. A later success resets the
	// streak and re-arms the alarm. The step stays in rotation either way.
	if count == s.cfg.AlarmThreshold && s.bus != nil {
		logging.TicksWarn("Step %s has failed %d consecutive times, raising alarm", name, count)
		s.bus.Publish(context.Background(), events.EventStepAlarm, map[string]any{
			"step":        name,
			"cadence":     string(tick.Cadence),
			"consecutive": count,
		})
	}
}

func (s *Scheduler) resetStepErrors(name string) {
	s.mu.Lock()
	if s.consecutiveErrors[name] != 0 {
		delete(s.consecutiveErrors, name)
	}
	s.mu.Unlock()
}

func (s *Scheduler) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}
