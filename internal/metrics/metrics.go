// Package metrics registers the Prometheus metrics used by the edge gateway.
// All collectors are registered on the default registry at import time; the
// server mounts promhttp.Handler() at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request-level counters and histograms.
var (
	// RequestsTotal counts handled requests labelled by strategy and outcome
	// ("network", "cache", "fallback", "offline", "bypass", "error").
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_requests_total",
			Help: "Total number of requests handled by the edge gateway.",
		},
		[]string{"strategy", "outcome"},
	)

	// RequestDuration observes end-to-end request latency in seconds.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edge_request_duration_seconds",
			Help:    "End-to-end request duration in seconds.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"strategy"},
	)
)

// Cache store metrics. The store label is the role ("static", "dynamic",
// "api"), not the versioned name, to keep cardinality fixed across deploys.
var (
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_cache_lookups_total",
			Help: "Cache lookups by store role and result (hit, miss).",
		},
		[]string{"store", "result"},
	)

	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_cache_evictions_total",
			Help: "Entries evicted by the FIFO size bound.",
		},
		[]string{"store"},
	)

	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edge_cache_entries",
			Help: "Entries currently held per store role, sampled after each write.",
		},
		[]string{"store"},
	)
)

// Origin and lifecycle metrics.
var (
	// CircuitBreakerState tracks the origin circuit breaker as a gauge:
	// 0 = closed, 1 = open, 2 = half_open.
	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edge_origin_circuit_breaker_state",
			Help: "Origin circuit breaker state (0=closed 1=open 2=half_open).",
		},
	)

	OriginErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_origin_errors_total",
			Help: "Origin fetch failures by type (network, circuit_open).",
		},
		[]string{"error_type"},
	)

	InstallAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_install_attempts_total",
			Help: "Version install attempts by result (success, failure).",
		},
		[]string{"result"},
	)

	Activations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edge_activations_total",
			Help: "Number of cache versions activated.",
		},
	)

	ClientSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edge_client_sessions",
			Help: "Open client sessions on the event stream.",
		},
	)

	BroadcastMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_broadcast_messages_total",
			Help: "Messages delivered to client sessions, by type.",
		},
		[]string{"type"},
	)

	// RateLimitRejections counts control requests rejected by rate limiting.
	RateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edge_rate_limit_rejections_total",
			Help: "Control API requests rejected by rate limiting.",
		},
	)
)
