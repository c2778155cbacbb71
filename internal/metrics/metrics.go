// Package metrics exports the engine's Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "presence"

var (
	// SnapshotsIngested counts committed raw snapshots, duplicates included.
	SnapshotsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "snapshots_total",
		Help:      "Number of snapshots appended to the raw log.",
	})

	// SnapshotsDuplicate counts snapshots flagged as duplicate deliveries.
	SnapshotsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "duplicate_snapshots_total",
		Help:      "Number of snapshots that repeated the previous delivery.",
	})

	// SnapshotsRejected counts malformed snapshots by reason.
	SnapshotsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "rejected_snapshots_total",
		Help:      "Number of snapshots rejected at ingest.",
	}, []string{"reason"})

	// DerivedWriteFailures counts ingests whose session writes failed.
	DerivedWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "derived_write_failures_total",
		Help:      "Number of ingests that committed raw data but failed to update sessions.",
	})

	// OutagesDetected counts collection outages seen by live ingestion.
	OutagesDetected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "outages_total",
		Help:      "Number of collection outages detected.",
	})

	// SessionsClosed counts closed sessions by cause.
	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "sessions_closed_total",
		Help:      "Number of sessions closed, by cause.",
	}, []string{"closed_by"})

	// StoreRetries counts retried store writes by operation.
	StoreRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "write_retries_total",
		Help:      "Number of store write attempts that were retried.",
	}, []string{"op"})

	// StoreFailures counts store writes that exhausted their retries.
	StoreFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "write_failures_total",
		Help:      "Number of store writes that failed after all retries.",
	}, []string{"op"})

	// RebuildDuration observes how long rebuilds take, by scope.
	RebuildDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "rebuild",
		Name:      "duration_seconds",
		Help:      "Rebuild duration in seconds.",
		Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
	}, []string{"scope"})

	// RebuildConflicts counts rebuilds refused because the range was locked.
	RebuildConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rebuild",
		Name:      "conflicts_total",
		Help:      "Number of rebuilds rejected by an overlapping rebuild.",
	})

	// ConsumerMessages counts Kafka messages by outcome.
	ConsumerMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "consumer",
		Name:      "messages_total",
		Help:      "Number of Kafka messages handled, by result.",
	}, []string{"result"})

	// CacheRequests counts summary cache lookups by result.
	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "requests_total",
		Help:      "Number of summary cache lookups, by result.",
	}, []string{"result"})

	// HTTPRequests counts API requests.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Number of HTTP requests processed.",
	}, []string{"route", "method", "status"})

	// HTTPDuration observes API request latency.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"route", "method"})
)

// ObserveRebuild records a finished rebuild.
func ObserveRebuild(scope string, started time.Time, now time.Time) {
	RebuildDuration.WithLabelValues(scope).Observe(now.Sub(started).Seconds())
}
