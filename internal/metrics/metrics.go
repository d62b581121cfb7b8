// Package metrics exposes Prometheus collectors for the fetch service.
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
	chaptersTotal              *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	challengesTotal            prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	pacingDelaySeconds         prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		chaptersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "novelfetch_chapters_total",
				Help: "Chapters handled by the engine, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "novelfetch_fetch_duration_seconds",
				Help:    "Page fetch latency, labeled by fetch kind and site.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"kind", "site"},
		)

		challengesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "novelfetch_challenges_total",
				Help: "Anti-automation challenges reported by workers.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "novelfetch_http_requests_total",
				Help: "Control API requests, labeled by method, route pattern and status code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "novelfetch_http_request_duration_seconds",
				Help:    "Control API latency, labeled by method and route pattern.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "novelfetch_active_workers",
				Help: "Number of workers currently hosting an engine run.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "novelfetch_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		pacingDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "novelfetch_pacing_delay_seconds",
				Help:    "Delay slept between chapters.",
				Buckets: []float64{0, 0.25, 0.5, 0.75, 1, 2, 5},
			},
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

// ObserveChapter counts one chapter outcome ("written" or "placeholder").
func ObserveChapter(outcome string) {
	Init()
	chaptersTotal.WithLabelValues(outcome).Inc()
}

// ObserveFetch records a page fetch latency.
func ObserveFetch(kind, rawURL string, duration time.Duration) {
	Init()
	fetchDurationSeconds.WithLabelValues(kind, SanitizeSite(rawURL)).Observe(duration.Seconds())
}

// ObserveChallenge counts a challenge notification.
func ObserveChallenge() {
	Init()
	challengesTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObservePacing records the delay slept between two chapters.
func ObservePacing(duration time.Duration) {
	Init()
	pacingDelaySeconds.Observe(duration.Seconds())
}
