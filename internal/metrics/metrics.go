package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partsbuddy_requests_total",
			Help: "Chat requests by terminal state",
		},
		[]string{"outcome"}, // cached, refused, answered, invalid, recovered
	)

	RequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "partsbuddy_request_duration_seconds",
			Help:    "End to end pipeline latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	LLMAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partsbuddy_llm_attempts_total",
			Help: "Provider call attempts made by the LLM gateway",
		},
		[]string{"provider", "task", "outcome"}, // ok, transient, rejected, canceled, schema
	)

	StageFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partsbuddy_stage_fallbacks_total",
			Help: "Times a pipeline stage substituted its deterministic fallback",
		},
		[]string{"stage"},
	)

	CacheOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partsbuddy_cache_operations_total",
			Help: "Response cache and history store operations",
		},
		[]string{"cache", "result"},
	)

	CacheDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "partsbuddy_cache_degraded",
			Help: "1 while the cache layer serves from the in-process fallback",
		},
	)
)
