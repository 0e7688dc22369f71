// Package engine implements the memory consolidation and relationship
// management core: duplicate detection, validated merge of duplicates into a
// primary record with backup and rollback, a directed relationship graph with
// conflict resolution, and the per-memory processing state machine.
package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's instrumentation. It is registered on a private
// registry so embedding applications control exposition.
type Metrics struct {
	registry *prometheus.Registry

	consolidationsTotal   *prometheus.CounterVec
	rollbacksTotal        *prometheus.CounterVec
	stateTransitionsTotal *prometheus.CounterVec
	conflictsTotal        *prometheus.CounterVec
	duplicatesDetected    prometheus.Counter
	mergeDuration         prometheus.Histogram
}

// NewMetrics creates the engine metric set on its own registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		consolidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memoria",
			Subsystem: "consolidation",
			Name:      "operations_total",
			Help:      "Consolidation attempts by outcome.",
		}, []string{"outcome"}),
		rollbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memoria",
			Subsystem: "consolidation",
			Name:      "rollbacks_total",
			Help:      "Rollback attempts by outcome.",
		}, []string{"outcome"}),
		stateTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memoria",
			Subsystem: "state",
			Name:      "transitions_total",
			Help:      "Successful processing-state transitions.",
		}, []string{"from", "to"}),
		conflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memoria",
			Subsystem: "relationships",
			Name:      "conflicts_total",
			Help:      "Relationship conflicts by type.",
		}, []string{"type"}),
		duplicatesDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memoria",
			Subsystem: "detection",
			Name:      "duplicates_total",
			Help:      "Duplicate candidates at or above threshold.",
		}),
		mergeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "memoria",
			Subsystem: "consolidation",
			Name:      "merge_duration_seconds",
			Help:      "Wall time of the in-memory merge step.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}

	m.registry.MustRegister(
		m.consolidationsTotal,
		m.rollbacksTotal,
		m.stateTransitionsTotal,
		m.conflictsTotal,
		m.duplicatesDetected,
		m.mergeDuration,
	)
	return m
}

// Registry exposes the private registry for scraping by the embedding
// application.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
