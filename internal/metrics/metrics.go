// Package metrics provides Prometheus metrics for chunkmesh workers.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all chunkmesh metrics.
var Registry = prometheus.NewRegistry()

// workerMetricsOnce ensures metrics are only registered once.
var workerMetricsOnce sync.Once

// workerMetricsInstance is the singleton instance of worker metrics.
var workerMetricsInstance *WorkerMetrics

// WorkerMetrics holds all Prometheus metrics for a worker.
type WorkerMetrics struct {
	// Chunk store gauges (refreshed by the Collector)
	Chunks           *prometheus.GaugeVec // chunkmesh_chunks{dataset,state}
	BytesOnDisk      *prometheus.GaugeVec // chunkmesh_chunk_bytes{dataset}
	ActiveLeases     prometheus.Gauge
	VolumeAvailBytes prometheus.Gauge
	ChunksEvicted    prometheus.Counter

	// Downloads
	DownloadsStarted   prometheus.Counter
	DownloadsCompleted prometheus.Counter
	DownloadsFailed    *prometheus.CounterVec // class: transient, corruption, fatal
	DownloadsExhausted prometheus.Counter
	DownloadedBytes    prometheus.Counter
	DownloadDuration   prometheus.Histogram
	DownloadQueueDepth prometheus.Gauge
	DownloadsRunning   prometheus.Gauge

	// Queries
	Queries         *prometheus.CounterVec // outcome
	QueryDuration   prometheus.Histogram
	QueriesRunning  prometheus.Gauge
	QueryReadChunks prometheus.Counter

	// Assignments
	AssignmentVersion prometheus.Gauge
	Reconciliations   *prometheus.CounterVec // result: applied, stale, error

	// Telemetry
	TelemetryDropped prometheus.Counter

	// Worker info (constant labels exposed as a gauge)
	WorkerInfo *prometheus.GaugeVec // labels: worker_id, version
}

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Worker returns the worker metrics, registering them on first use.
func Worker() *WorkerMetrics {
	workerMetricsOnce.Do(func() {
		workerMetricsInstance = newWorkerMetrics(Registry)
	})
	return workerMetricsInstance
}

// InitWorkerMetrics registers the worker metrics and records the worker identity.
func InitWorkerMetrics(workerID, version string) *WorkerMetrics {
	m := Worker()
	m.WorkerInfo.WithLabelValues(workerID, version).Set(1)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func newWorkerMetrics(registry prometheus.Registerer) *WorkerMetrics {
	f := promauto.With(registry)
	return &WorkerMetrics{
		Chunks: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chunkmesh_chunks",
			Help: "Chunks held by the worker by dataset and lifecycle state",
		}, []string{"dataset", "state"}),
		BytesOnDisk: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chunkmesh_chunk_bytes",
			Help: "Bytes of chunk data on disk by dataset",
		}, []string{"dataset"}),
		ActiveLeases: f.NewGauge(prometheus.GaugeOpts{
			Name: "chunkmesh_active_leases",
			Help: "Chunk leases currently held by queries",
		}),
		VolumeAvailBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "chunkmesh_volume_available_bytes",
			Help: "Free bytes on the volume holding chunk data",
		}),
		ChunksEvicted: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkmesh_chunks_evicted_total",
			Help: "Chunks whose local data was deleted",
		}),

		DownloadsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkmesh_downloads_started_total",
			Help: "Chunk download attempts started",
		}),
		DownloadsCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkmesh_downloads_completed_total",
			Help: "Chunk downloads published as ready",
		}),
		DownloadsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkmesh_downloads_failed_total",
			Help: "Failed chunk download attempts by error class",
		}, []string{"class"}),
		DownloadsExhausted: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkmesh_downloads_exhausted_total",
			Help: "Chunks that ran out of download attempts",
		}),
		DownloadedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkmesh_downloaded_bytes_total",
			Help: "Bytes fetched from object storage",
		}),
		DownloadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chunkmesh_download_duration_seconds",
			Help:    "Duration of successful chunk downloads",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		DownloadQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "chunkmesh_download_queue_depth",
			Help: "Chunks waiting for a download worker",
		}),
		DownloadsRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: "chunkmesh_downloads_running",
			Help: "Chunk downloads in progress",
		}),

		Queries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkmesh_queries_total",
			Help: "Queries by outcome",
		}, []string{"outcome"}),
		QueryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chunkmesh_query_duration_seconds",
			Help:    "Duration of query executions including streaming",
			Buckets: prometheus.DefBuckets,
		}),
		QueriesRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: "chunkmesh_queries_running",
			Help: "Queries holding an execution slot",
		}),
		QueryReadChunks: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkmesh_query_read_chunks_total",
			Help: "Chunks opened by queries",
		}),

		AssignmentVersion: f.NewGauge(prometheus.GaugeOpts{
			Name: "chunkmesh_assignment_version",
			Help: "Version of the last applied assignment",
		}),
		Reconciliations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkmesh_reconciliations_total",
			Help: "Assignment applications by result",
		}, []string{"result"}),

		TelemetryDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkmesh_telemetry_dropped_total",
			Help: "Telemetry events dropped because the buffer was full",
		}),

		WorkerInfo: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chunkmesh_worker_info",
			Help: "Worker information (value is always 1)",
		}, []string{"worker_id", "version"}),
	}
}
