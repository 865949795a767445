// Package metrics exposes Prometheus collectors for the crawl pipeline and API.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Run outcomes recorded by ObserveRun.
const (
	RunStored   = "stored"
	RunRejected = "rejected"
	RunFailed   = "failed"
)

// Record stages recorded by ObserveRecords.
const (
	StageParsed      = "parsed"
	StageStored      = "stored"
	StageCleanFailed = "clean_failed"
	StageStoreFailed = "store_failed"
)

var (
	crawlerRunsTotal           *prometheus.CounterVec
	crawlerRequestsTotal       *prometheus.CounterVec
	crawlerRetriesTotal        *prometheus.CounterVec
	crawlerRecordsTotal        *prometheus.CounterVec
	crawlerBytesTotal          *prometheus.CounterVec
	searchDurationSeconds      prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_runs_total",
				Help: "Total number of pipeline runs, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		crawlerRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_requests_total",
				Help: "Total number of outbound HTTP attempts, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		crawlerRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_retries_total",
				Help: "Total number of retried HTTP attempts, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_records_total",
				Help: "Total number of records, labeled by pipeline stage.",
			},
			[]string{"stage"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		searchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vectorstore_search_duration_seconds",
				Help:    "Histogram of semantic search latencies.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
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
	return promhttp.Handler()
}

// ObserveRun increments the run counter for the given outcome.
func ObserveRun(site, outcome string) {
	Init()
	crawlerRunsTotal.WithLabelValues(SanitizeSite(site), outcome).Inc()
}

// ObserveRequest records a single outbound HTTP attempt.
func ObserveRequest(site, outcome string) {
	Init()
	crawlerRequestsTotal.WithLabelValues(SanitizeSite(site), outcome).Inc()
}

// ObserveBytes adds the size of a fetched body.
func ObserveBytes(site string, n int) {
	if n <= 0 {
		return
	}
	Init()
	crawlerBytesTotal.WithLabelValues(SanitizeSite(site)).Add(float64(n))
}

// ObserveRetry increments the retry counter.
func ObserveRetry(site string) {
	Init()
	crawlerRetriesTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveRecords adds n records to the given stage.
func ObserveRecords(stage string, n int) {
	if n <= 0 {
		return
	}
	Init()
	crawlerRecordsTotal.WithLabelValues(stage).Add(float64(n))
}

// ObserveSearch records the duration of a semantic search.
func ObserveSearch(duration time.Duration) {
	Init()
	searchDurationSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}

		ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
