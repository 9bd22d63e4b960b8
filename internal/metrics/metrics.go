// Package metrics exposes Prometheus collectors for the gallery engine.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	gallerySessionsTotal        *prometheus.CounterVec
	galleryTasksTotal           *prometheus.CounterVec
	galleryJobsTotal            *prometheus.CounterVec
	galleryCaptureSeconds       prometheus.Histogram
	galleryStabilityWaitSeconds prometheus.Histogram
	galleryOpqueueDepth         prometheus.Gauge
	galleryOpqueueRetriesTotal  prometheus.Counter
	galleryPoolActiveSlots      prometheus.Gauge
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		gallerySessionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gallery_sessions_total",
				Help: "Total scrape sessions reaching a terminal status, labeled by status.",
			},
			[]string{"status"},
		)

		galleryTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gallery_tasks_total",
				Help: "Total template tasks reaching a terminal status, labeled by status.",
			},
			[]string{"status"},
		)

		galleryJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gallery_admin_jobs_total",
				Help: "Total ad-hoc jobs reaching a terminal status, labeled by status.",
			},
			[]string{"status"},
		)

		galleryCaptureSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gallery_capture_duration_seconds",
				Help:    "Histogram of full page-capture durations.",
				Buckets: []float64{1, 2.5, 5, 10, 20, 30, 60},
			},
		)

		galleryStabilityWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gallery_stability_wait_seconds",
				Help:    "Histogram of time spent waiting for pages to settle.",
				Buckets: []float64{0.5, 1, 2, 4, 8, 12, 20},
			},
		)

		galleryOpqueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "gallery_opqueue_depth",
				Help: "Number of operations waiting in the write queue.",
			},
		)

		galleryOpqueueRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gallery_opqueue_retries_total",
				Help: "Total retried operations against the backing store.",
			},
		)

		galleryPoolActiveSlots = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "gallery_pool_active_slots",
				Help: "Browser-page slots currently held.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSession increments the session counter for the given status.
func ObserveSession(status string) {
	gallerySessionsTotal.WithLabelValues(status).Inc()
}

// ObserveTask increments the task counter for the given status.
func ObserveTask(status string) {
	galleryTasksTotal.WithLabelValues(status).Inc()
}

// ObserveAdminJob increments the ad-hoc job counter for the given status.
func ObserveAdminJob(status string) {
	galleryJobsTotal.WithLabelValues(status).Inc()
}

// ObserveCapture records one capture's total duration and settle wait.
func ObserveCapture(total, settle time.Duration) {
	galleryCaptureSeconds.Observe(total.Seconds())
	galleryStabilityWaitSeconds.Observe(settle.Seconds())
}

// SetOpqueueDepth records the current write-queue depth.
func SetOpqueueDepth(depth int) {
	galleryOpqueueDepth.Set(float64(depth))
}

// ObserveOpqueueRetry increments the retried-operation counter.
func ObserveOpqueueRetry() {
	galleryOpqueueRetriesTotal.Inc()
}

// SetPoolActiveSlots records the number of held browser-page slots.
func SetPoolActiveSlots(active int) {
	galleryPoolActiveSlots.Set(float64(active))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
