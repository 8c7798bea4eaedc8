package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Log Follower metrics

	OplogBatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mongosync_oplog_batches_total",
			Help: "Total number of oplog entry batches flushed to the oplog store",
		},
	)

	OplogEntriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mongosync_oplog_entries_total",
			Help: "Total number of oplog entries captured",
		},
	)

	OplogBatchFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mongosync_oplog_batch_flush_duration_seconds",
			Help:    "Time taken to flush a batch of oplog entries to the oplog store",
			Buckets: prometheus.DefBuckets,
		},
	)

	OplogCursorRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongosync_oplog_cursor_restarts_total",
			Help: "Total number of tailing cursor restarts by reason",
		},
		[]string{"reason"},
	)

	OplogLagSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mongosync_oplog_lag_seconds",
			Help: "Difference between wall clock time and the timestamp of the last captured oplog entry",
		},
	)

	RetentionEntriesPrunedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mongosync_retention_entries_pruned_total",
			Help: "Total number of oplog store entries removed by the retention cleaner",
		},
	)

	RetentionCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mongosync_retention_cycle_duration_seconds",
			Help:    "Time taken for a retention cleanup cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Database Replicator metrics

	FullSyncCollectionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mongosync_full_sync_collection_duration_seconds",
			Help:    "Time taken to copy one collection during full sync",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		},
		[]string{"collection"},
	)

	FullSyncDocumentsCopiedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongosync_full_sync_documents_copied_total",
			Help: "Total number of documents copied during full sync",
		},
		[]string{"collection"},
	)

	FullSyncPartitionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mongosync_full_sync_partitions_total",
			Help: "Number of PK-range partitions dispatched for the current full sync run",
		},
	)

	IncrementalApplyLagSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mongosync_incremental_apply_lag_seconds",
			Help: "Difference between the oplog store's head timestamp and the applied checkpoint timestamp",
		},
	)

	BulkApplyBatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mongosync_bulk_apply_batch_duration_seconds",
			Help:    "Time taken to apply one bulk write batch to the target cluster",
			Buckets: prometheus.DefBuckets,
		},
	)

	BulkApplyOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongosync_bulk_apply_ops_total",
			Help: "Total number of write model operations applied by kind",
		},
		[]string{"op"},
	)

	BulkApplyIdempotentSkipsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mongosync_bulk_apply_idempotent_skips_total",
			Help: "Total number of bulk write errors classified as idempotent no-ops and ignored",
		},
	)

	DDLOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongosync_ddl_ops_total",
			Help: "Total number of DDL operations executed by kind",
		},
		[]string{"kind"},
	)

	DDLUnknownTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mongosync_ddl_unknown_total",
			Help: "Total number of oplog commands with an unrecognized DDL kind, warned and ignored",
		},
	)

	CheckpointCommitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mongosync_checkpoint_commits_total",
			Help: "Total number of applied-checkpoint upserts",
		},
	)

	OplogStoreRetentionMarginSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mongosync_oplog_store_retention_margin_seconds",
			Help: "Seconds between the oplog store's earliest retained entry and the applied checkpoint timestamp",
		},
	)

	ReplicatorPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mongosync_replicator_phase",
			Help: "Current orchestrator phase (1 = active) by phase name",
		},
		[]string{"phase"},
	)
)

func init() {
	prometheus.MustRegister(
		OplogBatchesTotal,
		OplogEntriesTotal,
		OplogBatchFlushDuration,
		OplogCursorRestartsTotal,
		OplogLagSeconds,
		RetentionEntriesPrunedTotal,
		RetentionCycleDuration,
		FullSyncCollectionDuration,
		FullSyncDocumentsCopiedTotal,
		FullSyncPartitionsTotal,
		IncrementalApplyLagSeconds,
		BulkApplyBatchDuration,
		BulkApplyOpsTotal,
		BulkApplyIdempotentSkipsTotal,
		DDLOpsTotal,
		DDLUnknownTotal,
		CheckpointCommitsTotal,
		OplogStoreRetentionMarginSeconds,
		ReplicatorPhase,
	)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
