package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbackend_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatbackend_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "path"},
	)

	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbackend_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
		[]string{"identifier_kind"},
	)

	ProviderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbackend_provider_requests_total",
			Help: "Total number of provider chat invocations",
		},
		[]string{"provider", "source", "status"},
	)

	ProviderFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbackend_provider_fallbacks_total",
			Help: "Total number of chat turns answered by the fallback provider",
		},
		[]string{"provider", "fallback_provider"},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatbackend_active_sessions",
			Help: "Number of sessions currently held in memory",
		},
	)
)
