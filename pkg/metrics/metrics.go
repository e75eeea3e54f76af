package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CacheMetrics observes the OCR result cache. A nil *CacheMetrics is valid
// and records nothing.
type CacheMetrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	entries    prometheus.Gauge
	evictions  *prometheus.CounterVec
}

// NewCacheMetrics registers the cache metric families. Returns nil when
// metrics are disabled.
func NewCacheMetrics() *CacheMetrics {
	reg := Registry()
	if reg == nil {
		return nil
	}

	return &CacheMetrics{
		operations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "mokuro_cache_operations_total",
				Help: "Cache operations by kind and status",
			},
			[]string{"operation", "status"}, // status: "hit", "miss", "ok", "error"
		),
		duration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mokuro_cache_operation_duration_milliseconds",
				Help:    "Duration of cache operations in milliseconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000},
			},
			[]string{"operation"},
		),
		entries: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "mokuro_cache_entries",
				Help: "Number of live cache entries",
			},
		),
		evictions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "mokuro_cache_evictions_total",
				Help: "Entries evicted from the cache by reason",
			},
			[]string{"reason"}, // "expired", "threshold", "max_size"
		),
	}
}

// RecordOperation records one cache call with its outcome and latency.
func (m *CacheMetrics) RecordOperation(operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, status).Inc()
	m.duration.WithLabelValues(operation).Observe(float64(duration.Milliseconds()))
}

// RecordEntries records the current entry count.
func (m *CacheMetrics) RecordEntries(count int64) {
	if m == nil {
		return
	}
	m.entries.Set(float64(count))
}

// RecordEvictions records evicted entries.
func (m *CacheMetrics) RecordEvictions(reason string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.evictions.WithLabelValues(reason).Add(float64(count))
}

// OCRMetrics observes the OCR executor and model. Nil is valid and records
// nothing.
type OCRMetrics struct {
	jobs      *prometheus.CounterVec
	duration  prometheus.Histogram
	queue     prometheus.Gauge
	coalesced prometheus.Counter
}

// NewOCRMetrics registers the OCR metric families. Returns nil when metrics
// are disabled.
func NewOCRMetrics() *OCRMetrics {
	reg := Registry()
	if reg == nil {
		return nil
	}

	return &OCRMetrics{
		jobs: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "mokuro_ocr_jobs_total",
				Help: "Completed OCR jobs by status",
			},
			[]string{"status"}, // "success", "unsupported", "error"
		),
		duration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mokuro_ocr_job_duration_seconds",
				Help:    "Wall time of OCR jobs in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),
		queue: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "mokuro_ocr_queue_depth",
				Help: "Jobs waiting in the executor queue",
			},
		),
		coalesced: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "mokuro_ocr_coalesced_total",
				Help: "Requests that joined an in-flight job instead of scheduling a new one",
			},
		),
	}
}

// RecordJob records one finished OCR job.
func (m *OCRMetrics) RecordJob(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(status).Inc()
	m.duration.Observe(duration.Seconds())
}

// RecordQueueDepth records the executor backlog.
func (m *OCRMetrics) RecordQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queue.Set(float64(depth))
}

// RecordCoalesced records a request joining an in-flight job.
func (m *OCRMetrics) RecordCoalesced() {
	if m == nil {
		return
	}
	m.coalesced.Inc()
}

// UploadMetrics observes the upload pipeline. Nil is valid and records
// nothing.
type UploadMetrics struct {
	files *prometheus.CounterVec
	bytes prometheus.Histogram
}

// NewUploadMetrics registers the upload metric families. Returns nil when
// metrics are disabled.
func NewUploadMetrics() *UploadMetrics {
	reg := Registry()
	if reg == nil {
		return nil
	}

	return &UploadMetrics{
		files: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "mokuro_upload_files_total",
				Help: "Uploaded files by validation outcome",
			},
			[]string{"outcome"}, // "accepted", "cached", "rejected"
		),
		bytes: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mokuro_upload_file_bytes",
				Help:    "Distribution of accepted upload sizes",
				Buckets: []float64{16384, 65536, 262144, 1048576, 4194304, 10485760},
			},
		),
	}
}

// RecordFile records one uploaded file's validation outcome.
func (m *UploadMetrics) RecordFile(outcome string) {
	if m == nil {
		return
	}
	m.files.WithLabelValues(outcome).Inc()
}

// RecordFileSize records an accepted upload's size.
func (m *UploadMetrics) RecordFileSize(size int64) {
	if m == nil {
		return
	}
	m.bytes.Observe(float64(size))
}
