// Package metrics holds the process-wide Prometheus collectors. They are
// registered on the default registry and served through /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestDuration observes request latency by method, chi route
	// pattern, and status code.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "rag",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	// IngestionRuns counts finished ingestion attempts by outcome:
	// completed, failed, or conflict (another worker held the claim).
	IngestionRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rag",
		Subsystem: "ingest",
		Name:      "runs_total",
		Help:      "Ingestion attempts by outcome.",
	}, []string{"outcome"})

	// IngestionDuration observes the wall time of successful ingestions.
	IngestionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "rag",
		Subsystem: "ingest",
		Name:      "run_duration_seconds",
		Help:      "Wall time of one document ingestion.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	// Searches counts queries by mode: semantic, keyword, hybrid, context.
	Searches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rag",
		Subsystem: "search",
		Name:      "queries_total",
		Help:      "Search queries by mode.",
	}, []string{"mode"})

	// ChatTokens accumulates the token usage reported by chat completions.
	ChatTokens = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rag",
		Subsystem: "chat",
		Name:      "tokens_total",
		Help:      "Tokens reported by chat completions.",
	})
)
