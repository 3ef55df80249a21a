// Package metrics declares the engine's Prometheus collectors: content
// store hit/miss counters, scheduler queue depth, process executor
// concurrency, and rule-graph resolution time (SPEC_FULL.md "Metrics").
// Callers increment/set these directly rather than going through a
// facade, matching how the teacher's own domain stack exposes metrics
// as package-level collectors registered once at startup.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// StoreHits counts cas.Store reads served without a miss (local
	// disk, hot in-memory cache, or remote fallback), labelled by
	// which tier served the read.
	StoreHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "corengine",
		Subsystem: "cas",
		Name:      "store_hits_total",
		Help:      "Store reads served, by tier (hot, disk, remote).",
	}, []string{"tier"})

	// StoreMisses counts cas.Store reads that found nothing at any
	// tier (ErrNotFound).
	StoreMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "corengine",
		Subsystem: "cas",
		Name:      "store_misses_total",
		Help:      "Store reads that resolved to ErrNotFound.",
	})

	// SchedulerQueueDepth tracks the number of nodes currently waiting
	// on the scheduler's worker-pool semaphore (spec.md §4.D
	// "Concurrency").
	SchedulerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "corengine",
		Subsystem: "graph",
		Name:      "scheduler_queue_depth",
		Help:      "Nodes currently suspended awaiting a scheduler worker slot.",
	})

	// ExecutorConcurrency tracks the number of process executions
	// currently holding a concurrency permit (spec.md §5).
	ExecutorConcurrency = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "corengine",
		Subsystem: "exec",
		Name:      "concurrent_processes",
		Help:      "Process executions currently running under the executor's semaphore.",
	})

	// RuleResolutionSeconds observes the wall-clock duration of a
	// single rules.Resolve call (spec.md §4.C, run once at startup per
	// rule set).
	RuleResolutionSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "corengine",
		Subsystem: "rules",
		Name:      "resolution_seconds",
		Help:      "Wall-clock time spent statically resolving the rule graph.",
		Buckets:   prometheus.DefBuckets,
	})
)

// Registry bundles the collectors above into a single prometheus
// registry that cmd/pantsd's debug HTTP surface exposes at /metrics.
func Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		StoreHits,
		StoreMisses,
		SchedulerQueueDepth,
		ExecutorConcurrency,
		RuleResolutionSeconds,
	)
	return reg
}
