// Package metrics provides Prometheus metrics for odin.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UpstreamRequests counts calls to the STAC and WTSS services.
	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "odin",
			Name:      "upstream_requests_total",
			Help:      "Total number of upstream requests",
		},
		[]string{"provider", "operation", "status"},
	)

	// UpstreamDuration measures upstream call latency.
	UpstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "odin",
			Name:      "upstream_duration_seconds",
			Help:      "Duration of upstream requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider", "operation"},
	)

	// SearchBatches counts orchestrated search batches by outcome.
	SearchBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "odin",
			Name:      "search_batches_total",
			Help:      "Total number of search batches",
		},
		[]string{"status"},
	)

	// SearchItems observes how many items a search returned after dedup.
	SearchItems = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "odin",
			Name:      "search_items",
			Help:      "Distribution of deduplicated items per search",
			Buckets:   []float64{0, 10, 50, 100, 250, 500, 1000, 5000},
		},
	)

	// SearchDuration measures a full orchestrated search.
	SearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "odin",
			Name:      "search_duration_seconds",
			Help:      "Duration of orchestrated searches in seconds",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	// FanOutSeries counts time-series fan-out requests by outcome.
	FanOutSeries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "odin",
			Name:      "fanout_series_total",
			Help:      "Total number of time-series fan-out requests",
		},
		[]string{"status"},
	)

	// QueuedTasks tracks tasks waiting in the search queue.
	QueuedTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "odin",
			Name:      "queued_tasks",
			Help:      "Number of search tasks waiting to run",
		},
	)

	// RateLimited counts inbound requests rejected by the per-client limiter.
	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "odin",
			Name:      "rate_limited_requests_total",
			Help:      "Total number of inbound requests rejected with 429",
		},
	)

	// CacheLookups counts response cache lookups by cache and result.
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "odin",
			Name:      "cache_lookups_total",
			Help:      "Total number of response cache lookups",
		},
		[]string{"cache", "result"},
	)
)
