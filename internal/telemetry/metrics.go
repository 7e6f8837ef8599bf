package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	UploadsTotal     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ingest_uploads_total", Help: "Upload attempts by outcome"}, []string{"outcome"})
	UploadBytes      = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_upload_bytes_total", Help: "Bytes accepted by the upload endpoint"})
	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_tasks_enqueued_total", Help: "Ingestion tasks submitted to the queue"})
	EnqueueFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_tasks_enqueue_failures_total", Help: "Submissions rejected by an unavailable queue"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})

	JobOutcomes      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ingest_job_outcomes_total", Help: "Ingestion job results by outcome"}, []string{"outcome"})
	JobDuration      = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "ingest_job_duration_seconds", Help: "Time spent in the ingest step", Buckets: prometheus.ExponentialBuckets(0.05, 2, 12)})
	WorkerSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_tasks_completed_total", Help: "Tasks acknowledged after running"})
	WorkerFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_tasks_failed_total", Help: "Tasks that failed and will retry"})
	WorkerDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_tasks_dead_letter_total", Help: "Tasks moved to DLQ"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingest_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingest_tasks_inflight", Help: "Tasks currently leased"})

	ScanFiles = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ingest_scan_files_total", Help: "Files seen by the reconciler by result"}, []string{"result"})
	ScanRuns  = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_scan_runs_total", Help: "Completed reconciler passes"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			UploadsTotal,
			UploadBytes,
			EnqueueCounter,
			EnqueueFailures,
			RateLimitRejects,
			JobOutcomes,
			JobDuration,
			WorkerSuccess,
			WorkerFailures,
			WorkerDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
			ScanFiles,
			ScanRuns,
		)
	})
	return promhttp.Handler()
}
