// Package metrics exposes the engine's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "match_runs_total",
			Help: "Total matching runs by outcome",
		},
		[]string{"outcome"},
	)

	MatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "match_run_duration_seconds",
			Help:    "Duration of a full matching run",
			Buckets: prometheus.DefBuckets,
		},
	)

	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "match_cache_hits_total",
			Help: "Recommendation cache hits",
		},
	)

	RefinementFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "match_refinement_fallbacks_total",
			Help: "Refinement stage fallbacks by structured reason",
		},
		[]string{"reason"},
	)

	RefinementTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "match_refinement_tokens_total",
			Help: "Tokens spent on the reasoning service",
		},
		[]string{"kind"},
	)
)
