// Package metrics exposes the Prometheus collectors for the pipeline:
// per-stage job counters and durations, circuit-breaker state, and
// resilience cache hit/miss rates.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/syncbridge/core/internal/resilience"
)

const namespace = "syncbridge"

var (
	// JobsTotal counts completed pipeline runs by source type and
	// outcome (status=completed|failed).
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_total",
		Help:      "Total sync pipeline runs by source type and terminal status.",
	}, []string{"source_type", "status"})

	// StageDuration observes how long each named pipeline stage took.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stage_duration_seconds",
		Help:      "Duration of a single pipeline stage.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage"})

	// CircuitBreakerState reports 0=closed, 1=half-open, 2=open for each
	// named outbound dependency.
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per outbound dependency (0=closed,1=half-open,2=open).",
	}, []string{"breaker"})

	// CacheRequestsTotal counts resilience cache lookups by cache name
	// and result (hit|miss).
	CacheRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_requests_total",
		Help:      "Resilience cache lookups by cache name and hit/miss outcome.",
	}, []string{"cache", "result"})

	// WebhookEventsTotal counts inbound webhook deliveries by source and
	// how the handler disposed of them.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_events_total",
		Help:      "Inbound webhook deliveries by source and outcome.",
	}, []string{"source", "outcome"})
)

// BreakerStateValue maps a breaker.State name to the gauge value used by
// CircuitBreakerState.
func BreakerStateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// RecordCacheResult increments CacheRequestsTotal for a single lookup.
func RecordCacheResult(cacheName string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheRequestsTotal.WithLabelValues(cacheName, result).Inc()
}

// InstrumentedBreakerConfig wraps cfg's OnOpen/OnClose/OnHalfOpen hooks
// (chaining any already set) so every transition is reflected in
// CircuitBreakerState, without each outbound client repeating the same
// wiring.
func InstrumentedBreakerConfig(cfg resilience.BreakerConfig) resilience.BreakerConfig {
	cfg.OnOpen = chainHook(cfg.OnOpen, func(name string) { CircuitBreakerState.WithLabelValues(name).Set(BreakerStateValue("open")) })
	cfg.OnClose = chainHook(cfg.OnClose, func(name string) { CircuitBreakerState.WithLabelValues(name).Set(BreakerStateValue("closed")) })
	cfg.OnHalfOpen = chainHook(cfg.OnHalfOpen, func(name string) { CircuitBreakerState.WithLabelValues(name).Set(BreakerStateValue("half-open")) })
	return cfg
}

func chainHook(existing, added func(string)) func(string) {
	if existing == nil {
		return added
	}
	return func(name string) {
		existing(name)
		added(name)
	}
}
