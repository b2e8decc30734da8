// Package metrics exposes Prometheus collectors for the storage engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommitsTotal counts transaction commits by storage and outcome.
	CommitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ytdb_commits_total",
			Help: "Total number of transaction commits",
		},
		[]string{"storage", "status"},
	)
	// CommitDuration is the latency of transaction commits.
	CommitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ytdb_commit_duration_seconds",
			Help:    "Commit latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"storage"},
	)
	// WALRecordsTotal counts appended WAL records by type.
	WALRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ytdb_wal_records_total",
			Help: "Total number of WAL records appended",
		},
		[]string{"type"},
	)
	WALBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ytdb_wal_bytes_total",
			Help: "Total number of bytes appended to the WAL",
		},
	)
	// CheckpointsTotal counts checkpoints by kind (fuzzy, full).
	CheckpointsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ytdb_checkpoints_total",
			Help: "Total number of checkpoints",
		},
		[]string{"storage", "kind"},
	)
	RecoveredRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ytdb_recovered_records_total",
			Help: "Total number of WAL records replayed during recovery",
		},
		[]string{"storage"},
	)
	RebuildEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ytdb_index_rebuild_entries_total",
			Help: "Total number of entries indexed by rebuilds",
		},
		[]string{"index"},
	)
	// ActiveOperations is the number of atomic operations in flight.
	ActiveOperations = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ytdb_active_operations",
			Help: "Number of atomic operations in flight",
		},
		[]string{"storage"},
	)
	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ytdb_cache_lookups_total",
			Help: "Page and record cache lookups by cache and result",
		},
		[]string{"cache", "result"},
	)
	// ErrorsTotal counts classified errors.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ytdb_errors_total",
			Help: "Total number of errors by category",
		},
		[]string{"storage", "category"},
	)
)

// ObserveCommit records the outcome and latency of a commit.
func ObserveCommit(storage string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	CommitsTotal.WithLabelValues(storage, status).Inc()
	CommitDuration.WithLabelValues(storage).Observe(time.Since(start).Seconds())
}

// CacheHit records a cache lookup result.
func CacheHit(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheLookupsTotal.WithLabelValues(cache, result).Inc()
}
