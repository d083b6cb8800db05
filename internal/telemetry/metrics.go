// Package telemetry provides observability primitives for the relay.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the relay.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ActiveRequests    prometheus.Gauge
	UpstreamDuration  *prometheus.HistogramVec
	UpstreamErrors    *prometheus.CounterVec
	ProviderOutcomes  *prometheus.CounterVec
	BreakerState      *prometheus.GaugeVec
	RateLimitRejects  *prometheus.CounterVec
	RateLimitFailopen prometheus.Counter
	UsageQueueLength  prometheus.Gauge
	UsageSheds        prometheus.Counter
	TokensProcessed   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cch",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "cch",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cch",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "cch",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cch",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors.",
		}, []string{"provider", "status"}),

		ProviderOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cch",
			Name:      "provider_outcomes_total",
			Help:      "Relay attempt outcomes per provider.",
		}, []string{"provider", "outcome"}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cch",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"id"}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cch",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"subject", "scope"}),

		RateLimitFailopen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cch",
			Name:      "ratelimit_failopen_total",
			Help:      "Rate limit checks allowed because Redis was unavailable.",
		}),

		UsageQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cch",
			Name:      "usage_queue_length",
			Help:      "Current number of queued usage records.",
		}),

		UsageSheds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cch",
			Name:      "usage_sheds_total",
			Help:      "Pending usage updates shed because the queue was full.",
		}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cch",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.ProviderOutcomes,
		m.BreakerState,
		m.RateLimitRejects,
		m.RateLimitFailopen,
		m.UsageQueueLength,
		m.UsageSheds,
		m.TokensProcessed,
	)

	return m
}
