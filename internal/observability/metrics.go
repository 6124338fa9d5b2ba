// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Store metrics
	StoreOperations    *prometheus.CounterVec
	StoreOperationErrs *prometheus.CounterVec

	// Writer metrics
	WriterFlushes      *prometheus.CounterVec
	WriterRecords      *prometheus.CounterVec
	WriterBufferDepth  *prometheus.GaugeVec
	WriterRestored     *prometheus.CounterVec
	WriterFlushLatency *prometheus.HistogramVec

	// Archive metrics
	ArchiveRunsTotal *prometheus.CounterVec
	ArchiveDuration  *prometheus.HistogramVec
	RecordsArchived  *prometheus.CounterVec
	RecordsDeleted   *prometheus.CounterVec
	ArchiveRunErrors *prometheus.CounterVec

	// Sink metrics
	SinkInsertDuration *prometheus.HistogramVec
	SinkInsertErrors   *prometheus.CounterVec

	// Health metrics
	LastSuccessfulArchive *prometheus.GaugeVec
	LastSuccessfulFlush   *prometheus.GaugeVec
	UptimeSeconds         prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "tradestore"
	}

	return &Metrics{
		// Store metrics
		StoreOperations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Total number of hot store operations by entity and operation",
		}, []string{"entity", "operation"}),
		StoreOperationErrs: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operation_errors_total",
			Help:      "Total number of failed hot store operations",
		}, []string{"entity", "operation"}),

		// Writer metrics
		WriterFlushes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "flushes_total",
			Help:      "Total number of buffered writer flushes by stream and status",
		}, []string{"stream", "status"}),
		WriterRecords: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "records_written_total",
			Help:      "Total number of records delivered to the sink",
		}, []string{"stream"}),
		WriterBufferDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "buffer_depth",
			Help:      "Current number of buffered records per stream",
		}, []string{"stream"}),
		WriterRestored: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "records_restored_total",
			Help:      "Total number of records restored to the buffer after failed flushes",
		}, []string{"stream"}),
		WriterFlushLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "flush_latency_seconds",
			Help:      "Buffered writer flush latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stream"}),

		// Archive metrics
		ArchiveRunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "runs_total",
			Help:      "Total number of archive runs by kind and status",
		}, []string{"kind", "status"}),
		ArchiveDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "run_duration_seconds",
			Help:      "Archive run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
		}, []string{"kind"}),
		RecordsArchived: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "records_archived_total",
			Help:      "Total number of records copied into the sink",
		}, []string{"kind"}),
		RecordsDeleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "records_deleted_total",
			Help:      "Total number of archived records deleted from the hot store",
		}, []string{"kind"}),
		ArchiveRunErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "run_errors_total",
			Help:      "Total number of per-batch archive errors",
		}, []string{"kind"}),

		// Sink metrics
		SinkInsertDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "insert_duration_seconds",
			Help:      "Sink bulk insert duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"table"}),
		SinkInsertErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "insert_errors_total",
			Help:      "Total number of failed sink bulk inserts",
		}, []string{"table"}),

		// Health metrics
		LastSuccessfulArchive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_archive_timestamp",
			Help:      "Unix timestamp of the last successful archive run per kind",
		}, []string{"kind"}),
		LastSuccessfulFlush: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_flush_timestamp",
			Help:      "Unix timestamp of the last successful writer flush per stream",
		}, []string{"stream"}),
		UptimeSeconds: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "uptime_seconds_total",
			Help:      "Total uptime in seconds",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordStoreOperation records one hot store operation.
func RecordStoreOperation(entity, operation string, err error) {
	DefaultMetrics.StoreOperations.WithLabelValues(entity, operation).Inc()
	if err != nil {
		DefaultMetrics.StoreOperationErrs.WithLabelValues(entity, operation).Inc()
	}
}

// RecordFlush records one buffered writer flush.
func RecordFlush(stream string, written int, seconds float64, err error) {
	DefaultMetrics.WriterFlushLatency.WithLabelValues(stream).Observe(seconds)
	if err != nil {
		DefaultMetrics.WriterFlushes.WithLabelValues(stream, "error").Inc()
		return
	}
	DefaultMetrics.WriterFlushes.WithLabelValues(stream, "ok").Inc()
	DefaultMetrics.WriterRecords.WithLabelValues(stream).Add(float64(written))
	DefaultMetrics.LastSuccessfulFlush.WithLabelValues(stream).SetToCurrentTime()
}

// UpdateBufferDepth updates a writer's buffer depth gauge.
func UpdateBufferDepth(stream string, depth int) {
	DefaultMetrics.WriterBufferDepth.WithLabelValues(stream).Set(float64(depth))
}

// RecordRestored counts records put back after a failed flush.
func RecordRestored(stream string, restored int) {
	DefaultMetrics.WriterRestored.WithLabelValues(stream).Add(float64(restored))
}

// RecordArchiveRun records one archive run.
func RecordArchiveRun(kind string, archived, deleted, errs int, seconds float64) {
	status := "ok"
	if errs > 0 {
		status = "error"
		DefaultMetrics.ArchiveRunErrors.WithLabelValues(kind).Add(float64(errs))
	} else {
		DefaultMetrics.LastSuccessfulArchive.WithLabelValues(kind).SetToCurrentTime()
	}
	DefaultMetrics.ArchiveRunsTotal.WithLabelValues(kind, status).Inc()
	DefaultMetrics.ArchiveDuration.WithLabelValues(kind).Observe(seconds)
	DefaultMetrics.RecordsArchived.WithLabelValues(kind).Add(float64(archived))
	DefaultMetrics.RecordsDeleted.WithLabelValues(kind).Add(float64(deleted))
}

// RecordSinkInsert records one sink bulk insert.
func RecordSinkInsert(table string, seconds float64, err error) {
	DefaultMetrics.SinkInsertDuration.WithLabelValues(table).Observe(seconds)
	if err != nil {
		DefaultMetrics.SinkInsertErrors.WithLabelValues(table).Inc()
	}
}

// TrackUptime increments the uptime counter once per second until ctx is
// cancelled. Run it in its own goroutine.
func TrackUptime(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			DefaultMetrics.UptimeSeconds.Inc()
		}
	}
}
