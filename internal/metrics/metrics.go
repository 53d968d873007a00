// Package metrics exposes Prometheus collectors for the gazette watcher.
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
	strategyAttemptsTotal      *prometheus.CounterVec
	cacheLookupsTotal          *prometheus.CounterVec
	checksTotal                *prometheus.CounterVec
	checkDurationSeconds       prometheus.Histogram
	recordsExtracted           prometheus.Gauge
	enrichmentFailuresTotal    prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		strategyAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gazette_strategy_attempts_total",
				Help: "Acquisition attempts, labeled by strategy and outcome.",
			},
			[]string{"strategy", "outcome"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gazette_cache_lookups_total",
				Help: "Result cache lookups, labeled by hit, miss or invalid.",
			},
			[]string{"result"},
		)

		checksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gazette_checks_total",
				Help: "Completed checks, labeled by log status.",
			},
			[]string{"status"},
		)

		checkDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gazette_check_duration_seconds",
				Help:    "Wall time of a full check.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		)

		recordsExtracted = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "gazette_records_extracted",
				Help: "Records in the latest batch.",
			},
		)

		enrichmentFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gazette_enrichment_failures_total",
				Help: "Failed PDF or summary enrichments of the newest record.",
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30},
			},
			[]string{"method", "route"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gazette_rate_limit_delays_seconds",
				Help:    "Histogram of upstream rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname, or "unknown".
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

// ObserveStrategyAttempt counts one strategy attempt.
func ObserveStrategyAttempt(strategy, outcome string) {
	Init()
	strategyAttemptsTotal.WithLabelValues(strategy, outcome).Inc()
}

// ObserveCacheLookup counts a cache lookup result.
func ObserveCacheLookup(result string) {
	Init()
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveCheck records a finished check.
func ObserveCheck(status string, duration time.Duration, records int) {
	Init()
	checksTotal.WithLabelValues(status).Inc()
	checkDurationSeconds.Observe(duration.Seconds())
	if records >= 0 {
		recordsExtracted.Set(float64(records))
	}
}

// ObserveEnrichmentFailure counts a failed enrichment.
func ObserveEnrichmentFailure() {
	Init()
	enrichmentFailuresTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
