// Package metrics exposes Prometheus collectors for the change-detection worker.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal                  *prometheus.CounterVec
	jobDurationSeconds         *prometheus.HistogramVec
	checkFailuresTotal         *prometheus.CounterVec
	changesTotal               *prometheus.CounterVec
	fetchedBytesTotal          *prometheus.CounterVec
	claimedBatchSize           prometheus.Histogram
	activeJobs                 prometheus.Gauge
	maintenanceRowsTotal       *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewatch_jobs_total",
				Help: "Total number of jobs processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		jobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagewatch_job_duration_seconds",
				Help:    "Histogram of end-to-end job durations, labeled by outcome.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
			},
			[]string{"outcome"},
		)

		checkFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewatch_check_failures_total",
				Help: "Total number of failed baseline checks, labeled by error code.",
			},
			[]string{"code"},
		)

		changesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewatch_changes_total",
				Help: "Total number of recorded change events, labeled by severity.",
			},
			[]string{"severity"},
		)

		fetchedBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewatch_fetched_bytes_total",
				Help: "Total number of HTML bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		claimedBatchSize = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pagewatch_claimed_batch_size",
				Help:    "Number of jobs leased per claim.",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50},
			},
		)

		activeJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pagewatch_active_jobs",
				Help: "Number of jobs currently being processed.",
			},
		)

		maintenanceRowsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewatch_maintenance_rows_total",
				Help: "Rows touched by maintenance tasks, labeled by task.",
			},
			[]string{"task"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagewatch_rate_limit_delays_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob records a finished job attempt.
func ObserveJob(outcome string, duration time.Duration) {
	jobsTotal.WithLabelValues(outcome).Inc()
	jobDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveCheckFailure counts a failed baseline check by its error code.
func ObserveCheckFailure(code string) {
	if code == "" {
		code = "internal"
	}
	checkFailuresTotal.WithLabelValues(code).Inc()
}

// ObserveChange counts a recorded change event.
func ObserveChange(severity string) {
	changesTotal.WithLabelValues(severity).Inc()
}

// ObserveFetch adds fetched bytes for the site of rawURL.
func ObserveFetch(rawURL string, bytesFetched int) {
	if bytesFetched > 0 {
		fetchedBytesTotal.WithLabelValues(SanitizeSite(rawURL)).Add(float64(bytesFetched))
	}
}

// ObserveClaim records the size of a claimed batch.
func ObserveClaim(size int) {
	claimedBatchSize.Observe(float64(size))
}

// IncActiveJobs increments the active jobs gauge.
func IncActiveJobs() {
	activeJobs.Inc()
}

// DecActiveJobs decrements the active jobs gauge.
func DecActiveJobs() {
	activeJobs.Dec()
}

// ObserveMaintenance adds the rows touched by a maintenance task.
func ObserveMaintenance(task string, rows int64) {
	if rows > 0 {
		maintenanceRowsTotal.WithLabelValues(task).Add(float64(rows))
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
