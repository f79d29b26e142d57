// Package metrics provides Prometheus metrics for the agent runtime.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TicksTotal counts completed ticks by cadence.
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anima_ticks_total",
			Help: "Total number of completed ticks",
		},
		[]string{"cadence"},
	)

	// TickDuration observes whole-tick duration by cadence.
	TickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anima_tick_duration_seconds",
			Help:    "Tick duration in seconds",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 15, 30, 60},
		},
		[]string{"cadence"},
	)

	// StepOutcomes counts step results by step name and outcome.
	StepOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anima_step_outcomes_total",
			Help: "Step outcomes by step name and status",
		},
		[]string{"step", "outcome"},
	)

	// LLMCalls counts pipeline calls by operation, model, and outcome.
	LLMCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anima_llm_calls_total",
			Help: "LLM pipeline calls by operation, model, and outcome",
		},
		[]string{"operation", "model", "outcome"},
	)

	// LLMLatency observes call latency by operation.
	LLMLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anima_llm_latency_seconds",
			Help:    "LLM call latency in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"operation"},
	)

	// LLMAttempts observes how many attempts each call needed.
	LLMAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anima_llm_call_attempts",
			Help:    "Attempts per LLM call including retries",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
		[]string{"operation"},
	)

	// LLMCacheEvents counts response cache hits, misses, and evictions.
	LLMCacheEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anima_llm_cache_events_total",
			Help: "Response cache events",
		},
		[]string{"event"},
	)

	// CircuitState exposes breaker state per dependency (0 closed, 1 half-open, 2 open).
	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "anima_circuit_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"dependency"},
	)

	// EpisodesTotal counts episodes written by outcome.
	EpisodesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anima_episodes_total",
			Help: "Episodes written to the episodic store",
		},
		[]string{"outcome"},
	)

	// VectorRecords exposes the current vector store row count.
	VectorRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anima_vector_records",
			Help: "Rows currently in the vector store",
		},
	)

	// EventsPublished counts bus publishes by event name.
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anima_events_published_total",
			Help: "Events published on the in-process bus",
		},
		[]string{"event"},
	)

	// HandlerFailures counts event handler failures by handler name.
	HandlerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anima_handler_failures_total",
			Help: "Event handler failures",
		},
		[]string{"handler"},
	)

	// BusMessages counts multi-agent bus transitions by resulting status.
	BusMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anima_bus_messages_total",
			Help: "Multi-agent message transitions by status",
		},
		[]string{"status"},
	)

	// AgentsOnline exposes the current number of online agents in the registry.
	AgentsOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anima_agents_online",
			Help: "Agents currently marked online in the registry",
		},
	)

	// TasksTotal counts task transitions by resulting status.
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anima_tasks_total",
			Help: "Task transitions by status",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal,
		TickDuration,
		StepOutcomes,
		LLMCalls,
		LLMLatency,
		LLMAttempts,
		LLMCacheEvents,
		CircuitState,
		EpisodesTotal,
		VectorRecords,
		EventsPublished,
		HandlerFailures,
		BusMessages,
		AgentsOnline,
		TasksTotal,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCircuitState maps a breaker state name onto the gauge.
func ObserveCircuitState(dependency, state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	CircuitState.WithLabelValues(dependency).Set(v)
}
