// Package metrics holds the Prometheus collectors for the harvest path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsInFlight counts live API requests currently holding a
	// connection slot.
	RequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvester_reddit_requests_in_flight",
		Help: "Live API requests currently holding a connection slot",
	})

	// Requests counts live API responses by status class
	Requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_reddit_requests_total",
		Help: "Live API requests by outcome",
	}, []string{"outcome"})

	// Fetches counts per-submission fetch outcomes
	Fetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_fetches_total",
		Help: "Submission detail fetches by outcome",
	}, []string{"outcome"})

	// StubExpansions counts stub expansion attempts by result
	StubExpansions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_stub_expansions_total",
		Help: "Reply tree stub expansions by result",
	}, []string{"result"})

	// OrphansDropped counts comments dropped because their parent was not in
	// the materialized tree
	OrphansDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_orphan_comments_dropped_total",
		Help: "Comments dropped because their parent was missing from the tree",
	})

	// RunDuration observes pipeline run latency by mode
	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvester_run_duration_seconds",
		Help:    "Duration of pipeline runs",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"mode"})

	// ArchiveLag is the last measured delay of the archive behind wall clock
	ArchiveLag = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvester_archive_lag_seconds",
		Help: "How far the archive index trails the live site",
	})
)
