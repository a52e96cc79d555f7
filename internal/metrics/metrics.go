// Package metrics exposes Prometheus collectors for the crawler.
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
	fetchesTotal               *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	fetchRetriesTotal          *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	politenessDelaySeconds     *prometheus.HistogramVec
	recordsTotal               *prometheus.CounterVec
	failuresTotal              *prometheus.CounterVec
	inflightFetches            prometheus.Gauge
	frontierPending            prometheus.Gauge
	memoryHeldBytes            prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apilink_fetches_total",
				Help: "Completed HTTP fetches, labeled by site and status code.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apilink_fetch_bytes_total",
				Help: "Total number of body bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apilink_fetch_retries_total",
				Help: "Fetch attempts repeated after a retryable outcome, labeled by site.",
			},
			[]string{"site"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "apilink_fetch_duration_seconds",
				Help:    "Histogram of single-attempt fetch latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"cached"},
		)

		politenessDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "apilink_politeness_delay_seconds",
				Help:    "Histogram of per-host politeness waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apilink_records_total",
				Help: "Records emitted, labeled by record type.",
			},
			[]string{"type"},
		)

		failuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apilink_failures_total",
				Help: "Per-URL terminal failures, labeled by fetch kind and reason.",
			},
			[]string{"kind", "reason"},
		)

		inflightFetches = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "apilink_inflight_fetches",
				Help: "Number of HTTP fetches currently in progress.",
			},
		)

		frontierPending = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "apilink_frontier_pending",
				Help: "Number of pages waiting in the crawl frontier.",
			},
		)

		memoryHeldBytes = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "apilink_memory_held_bytes",
				Help: "Bytes of response bodies currently held by the crawl.",
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
	Init()
	return promhttp.Handler()
}

// ObserveFetch records a completed fetch attempt.
func ObserveFetch(site string, status int, bytesFetched int, cached bool, duration time.Duration) {
	Init()
	sanitizedSite := SanitizeSite(site)
	fetchesTotal.WithLabelValues(sanitizedSite, strconv.Itoa(status)).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
	fetchDurationSeconds.WithLabelValues(strconv.FormatBool(cached)).Observe(duration.Seconds())
}

// ObserveRetry counts a repeated attempt.
func ObserveRetry(site string) {
	Init()
	fetchRetriesTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObservePolitenessDelay records the duration of a politeness wait.
func ObservePolitenessDelay(site string, duration time.Duration) {
	Init()
	politenessDelaySeconds.WithLabelValues(SanitizeSite(site)).Observe(duration.Seconds())
}

// ObserveRecord counts an emitted record.
func ObserveRecord(recordType string) {
	Init()
	recordsTotal.WithLabelValues(recordType).Inc()
}

// ObserveFailure counts a per-URL terminal failure.
func ObserveFailure(kind, reason string) {
	Init()
	failuresTotal.WithLabelValues(kind, reason).Inc()
}

// IncInflight increments the in-flight fetch gauge.
func IncInflight() {
	Init()
	inflightFetches.Inc()
}

// DecInflight decrements the in-flight fetch gauge.
func DecInflight() {
	Init()
	inflightFetches.Dec()
}

// SetFrontierPending reports the queued page count.
func SetFrontierPending(n int) {
	Init()
	frontierPending.Set(float64(n))
}

// SetMemoryHeld reports the bytes of bodies held.
func SetMemoryHeld(n int64) {
	Init()
	memoryHeldBytes.Set(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
