// Package events provides the in-process publish/subscribe bus that wires
// the agent's components together. Delivery is at-most-once: nothing is
// persisted, and events published while the process is down are simply
// gone. What the bus does guarantee is isolation (one failing handler never
// stops the others) and an audit trail of handler failures.
package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"anima/internal/logging"
	"anima/internal/metrics"
)

// Well-known event names published by the runtime.
const (
	EventTickCompleted   = "tick.completed"
	EventStepAlarm       = "step.alarm"
	EventHandlerDegraded = "handler.degraded"
	EventInboxMessage    = "inbox.message"
	EventAgentMessage    = "agent.message"
	EventTaskCompleted   = "task.completed"
	EventTaskFailed      = "task.failed"
)

const (
	// maxErrorRecords bounds the ring of recent handler failures.
	maxErrorRecords = 100

	// maxDeadLetters bounds the dead-letter queue; overflow drops the
	// oldest entry and logs.
	maxDeadLetters = 500

	// degradedThreshold is the failure count at which a handler earns a
	// handler.degraded alert. The handler keeps being invoked.
	degradedThreshold = 5
)

// Handler processes one delivery. Handlers for the same event run
// concurrently with each other and must not assume any ordering.
type Handler func(ctx context.Context, data map[string]any) error

// HandlerErrorRecord is one entry in the recent-failures ring.
type HandlerErrorRecord struct {
	Event     string    `json:"event"`
	Handler   string    `json:"handler"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// DeadLetter is a failed delivery of a critical event, kept with its
// payload so the failure can be inspected or replayed by hand.
type DeadLetter struct {
	Event     string         `json:"event"`
	Handler   string         `json:"handler"`
	Error     string         `json:"error"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// HealthReport summarizes bus activity for the health aggregator.
type HealthReport struct {
	Subscriptions     int               `json:"subscriptions"`
	Published         uint64            `json:"published"`
	Delivered         uint64            `json:"delivered"`
	HandlerErrors     uint64            `json:"handler_errors"`
	ErrorsLastHour    int               `json:"errors_last_hour"`
	DeadLetters       int               `json:"dead_letters"`
	FailuresByHandler map[string]uint64 `json:"failures_by_handler,omitempty"`
}

type subscription struct {
	name    string
	handler Handler
}

// Bus is the in-process event bus. The zero value is not usable; call
// NewBus.
type Bus struct {
	mu           sync.RWMutex
	handlers     map[string][]subscription
	critical     map[string]bool
	failures     map[string]uint64
	alerted      map[string]bool
	recentErrors []HandlerErrorRecord
	deadLetters  []DeadLetter

	published     atomic.Uint64
	delivered     atomic.Uint64
	handlerErrors atomic.Uint64

	now func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[string][]subscription),
		critical: make(map[string]bool),
		failures: make(map[string]uint64),
		alerted:  make(map[string]bool),
		now:      time.Now,
	}
}

// Subscribe registers a named handler for an event. The name keys the
// per-handler failure accounting, so reusing a name merges the counts.
func (b *Bus) Subscribe(event, name string, handler Handler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], subscription{name: name, handler: handler})
	logging.EventsDebug("Handler %s subscribed to %s (%d total)", name, event, len(b.handlers[event]))
}

// MarkCritical flags an event so its handler failures are additionally
// captured in the dead-letter queue.
func (b *Bus) MarkCritical(event string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.critical[event] = true
}

// Publish fans an event out to every subscribed handler concurrently and
// waits for all of them. A failing or panicking handler never prevents the
// others from completing. Returns the number of handler failures.
func (b *Bus) Publish(ctx context.Context, event string, data map[string]any) int {
	b.mu.RLock()
	subs := b.handlers[event]
	isCritical := b.critical[event]
	b.mu.RUnlock()

	b.published.Add(1)
	metrics.EventsPublished.WithLabelValues(event).Inc()

	if len(subs) == 0 {
		return 0
	}

	type outcome struct {
		name string
		err  error
	}
	outcomes := make([]outcome, len(subs))

	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub subscription) {
			defer wg.Done()
			outcomes[i] = outcome{name: sub.name, err: b.invoke(ctx, sub, data)}
		}(i, sub)
	}
	wg.Wait()

	var degraded []string
	failureCount := 0
	for _, oc := range outcomes {
		b.delivered.Add(1)
		if oc.err == nil {
			continue
		}
		failureCount++
		if b.recordFailure(event, oc.name, oc.err, data, isCritical) {
			degraded = append(degraded, oc.name)
		}
	}

	// Alerts go out after the fan-out settles so a degraded handler's own
	// event cannot recurse into the delivery that detected it.
	for _, name := range degraded {
		logging.EventsWarn("Handler %s degraded after %d failures", name, degradedThreshold)
		b.Publish(ctx, EventHandlerDegraded, map[string]any{
			"handler": name,
			"event":   event,
		})
	}

	return failureCount
}

// invoke runs one handler, converting panics into errors.
func (b *Bus) invoke(ctx context.Context, sub subscription, data map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return sub.handler(ctx, data)
}

// recordFailure updates the failure accounting for one handler error and
// reports whether the handler just crossed the degraded threshold.
func (b *Bus) recordFailure(event, name string, err error, data map[string]any, isCritical bool) bool {
	b.handlerErrors.Add(1)
	metrics.HandlerFailures.WithLabelValues(name).Inc()
	logging.EventsError("Handler %s failed on %s: %v", name, event, err)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures[name]++
	crossed := b.failures[name] == degradedThreshold && !b.alerted[name]
	if crossed {
		b.alerted[name] = true
	}

	b.recentErrors = append(b.recentErrors, HandlerErrorRecord{
		Event:     event,
		Handler:   name,
		Error:     err.Error(),
		Timestamp: b.now(),
	})
	if len(b.recentErrors) > maxErrorRecords {
		b.recentErrors = b.recentErrors[len(b.recentErrors)-maxErrorRecords:]
	}

	if isCritical {
		if len(b.deadLetters) >= maxDeadLetters {
			logging.EventsWarn("Dead-letter queue full (%d), dropping oldest entry", maxDeadLetters)
			b.deadLetters = b.deadLetters[1:]
		}
		b.deadLetters = append(b.deadLetters, DeadLetter{
			Event:     event,
			Handler:   name,
			Error:     err.Error(),
			Data:      data,
			Timestamp: b.now(),
		})
	}

	return crossed
}

// Health reports bus totals, the last hour's error count, and the
// per-handler failure map.
func (b *Bus) Health() HealthReport {
	b.mu.RLock()
	defer b.mu.RUnlock()

	cutoff := b.now().Add(-time.Hour)
	lastHour := 0
	for _, rec := range b.recentErrors {
		if rec.Timestamp.After(cutoff) {
			lastHour++
		}
	}

	subscriptions := 0
	for _, subs := range b.handlers {
		subscriptions += len(subs)
	}

	failures := make(map[string]uint64, len(b.failures))
	for name, n := range b.failures {
		failures[name] = n
	}

	return HealthReport{
		Subscriptions:     subscriptions,
		Published:         b.published.Load(),
		Delivered:         b.delivered.Load(),
		HandlerErrors:     b.handlerErrors.Load(),
		ErrorsLastHour:    lastHour,
		DeadLetters:       len(b.deadLetters),
		FailuresByHandler: failures,
	}
}

// RecentErrors returns a copy of the recent-failures ring, oldest first.
func (b *Bus) RecentErrors() []HandlerErrorRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]HandlerErrorRecord, len(b.recentErrors))
	copy(out, b.recentErrors)
	return out
}

// DeadLetters returns a copy of the dead-letter queue, oldest first.
func (b *Bus) DeadLetters() []DeadLetter {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]DeadLetter, len(b.deadLetters))
	copy(out, b.deadLetters)
	return out
}
