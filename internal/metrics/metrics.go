// Package metrics exposes Prometheus collectors for the acquisition service.
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
	fetchTasksTotal           *prometheus.CounterVec
	fetchBytesTotal           *prometheus.CounterVec
	fetchTaskDurationSeconds  *prometheus.HistogramVec
	fetchRetriesTotal         prometheus.Counter
	fetchActiveWorkers        prometheus.Gauge
	batchesTotal              *prometheus.CounterVec
	cacheLookupsTotal         *prometheus.CounterVec
	scrapeDurationSeconds     *prometheus.HistogramVec
	galleriesRenderedTotal    *prometheus.CounterVec
	httpRequestsTotal         *prometheus.CounterVec
	httpRequestDurationSecond *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "menagerie_fetch_tasks_total",
				Help: "Total number of fetch tasks completed, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "menagerie_fetch_bytes_total",
				Help: "Total number of artifact bytes written, labeled by site.",
			},
			[]string{"site"},
		)

		fetchTaskDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "menagerie_fetch_task_duration_seconds",
				Help:    "Histogram of per-task fetch latencies, labeled by outcome.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"outcome"},
		)

		fetchRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "menagerie_fetch_retries_total",
				Help: "Total number of fetch attempts beyond the first.",
			},
		)

		fetchActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "menagerie_fetch_active_workers",
				Help: "Number of workers currently processing a fetch task.",
			},
		)

		batchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "menagerie_batches_total",
				Help: "Total number of fetch batches executed, labeled by status.",
			},
			[]string{"status"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "menagerie_cache_lookups_total",
				Help: "Total locator cache lookups, labeled by result.",
			},
			[]string{"result"},
		)

		scrapeDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "menagerie_scrape_duration_seconds",
				Help:    "Histogram of discovery pass latencies, labeled by source and status.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"source", "status"},
		)

		galleriesRenderedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "menagerie_galleries_rendered_total",
				Help: "Total number of gallery pages rendered, labeled by source.",
			},
			[]string{"source"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSecond = promauto.NewHistogramVec(
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

// ObserveFetch records one finished fetch task.
func ObserveFetch(site, outcome string, bytesWritten int, duration time.Duration) {
	sanitizedSite := SanitizeSite(site)
	fetchTasksTotal.WithLabelValues(sanitizedSite, outcome).Inc()
	if bytesWritten > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesWritten))
	}
	fetchTaskDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// IncRetry counts a fetch attempt beyond the first.
func IncRetry() {
	fetchRetriesTotal.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	fetchActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	fetchActiveWorkers.Dec()
}

// ObserveBatch increments the batch counter for the given status.
func ObserveBatch(status string) {
	batchesTotal.WithLabelValues(status).Inc()
}

// IncCacheLookup counts a locator cache lookup with its result
// ("hit" or "miss").
func IncCacheLookup(result string) {
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveScrape records one discovery pass against a source.
func ObserveScrape(source, status string, duration time.Duration) {
	scrapeDurationSeconds.WithLabelValues(source, status).Observe(duration.Seconds())
}

// ObserveRender counts a rendered gallery page.
func ObserveRender(source string) {
	galleriesRenderedTotal.WithLabelValues(source).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSecond.WithLabelValues(method, route).Observe(duration.Seconds())
}
