// Package metrics exposes Prometheus collectors for the ingestion service.
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
	ingestRecordsTotal         *prometheus.CounterVec
	ingestBatchesTotal         *prometheus.CounterVec
	ingestBatchDuration        prometheus.Histogram
	ingestSessionsTotal        *prometheus.CounterVec
	ingestValidationsTotal     *prometheus.CounterVec
	ingestSideEffectFailures   *prometheus.CounterVec
	linkcheckChecksTotal       *prometheus.CounterVec
	linkcheckCheckSeconds      prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		ingestRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_records_total",
				Help: "Church records processed by SaveBatch, labeled by outcome (saved, updated).",
			},
			[]string{"outcome"},
		)

		ingestBatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_batches_total",
				Help: "SaveBatch calls, labeled by status (ok, error).",
			},
			[]string{"status"},
		)

		ingestBatchDuration = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingest_batch_duration_seconds",
				Help:    "Histogram of SaveBatch latencies.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		)

		ingestSessionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_sessions_total",
				Help: "Session transitions, labeled by status (running, completed, failed).",
			},
			[]string{"status"},
		)

		ingestValidationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_validations_total",
				Help: "URL validation results recorded, labeled by validity.",
			},
			[]string{"valid"},
		)

		ingestSideEffectFailures = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_side_effect_failures_total",
				Help: "Best-effort archive and publish failures, labeled by kind.",
			},
			[]string{"kind"},
		)

		linkcheckChecksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkcheck_checks_total",
				Help: "Website checks, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		linkcheckCheckSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "linkcheck_check_duration_seconds",
				Help:    "Histogram of website check latencies.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
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

// ObserveBatch records the outcome of one SaveBatch call.
func ObserveBatch(saved, updated int, err error, duration time.Duration) {
	if ingestBatchesTotal == nil {
		return
	}
	ingestBatchDuration.Observe(duration.Seconds())
	if err != nil {
		ingestBatchesTotal.WithLabelValues("error").Inc()
		return
	}
	ingestBatchesTotal.WithLabelValues("ok").Inc()
	ingestRecordsTotal.WithLabelValues("saved").Add(float64(saved))
	ingestRecordsTotal.WithLabelValues("updated").Add(float64(updated))
}

// ObserveSession counts a session entering status.
func ObserveSession(status string) {
	if ingestSessionsTotal == nil {
		return
	}
	ingestSessionsTotal.WithLabelValues(status).Inc()
}

// ObserveValidation counts one recorded validation result.
func ObserveValidation(valid bool) {
	if ingestValidationsTotal == nil {
		return
	}
	ingestValidationsTotal.WithLabelValues(strconv.FormatBool(valid)).Inc()
}

// ObserveSideEffectFailure counts a swallowed archive or publish error.
func ObserveSideEffectFailure(kind string) {
	if ingestSideEffectFailures == nil {
		return
	}
	ingestSideEffectFailures.WithLabelValues(kind).Inc()
}

// ObserveCheck records one link check against rawURL.
func ObserveCheck(rawURL string, valid bool, duration time.Duration) {
	if linkcheckChecksTotal == nil {
		return
	}
	outcome := "invalid"
	if valid {
		outcome = "valid"
	}
	linkcheckChecksTotal.WithLabelValues(SanitizeSite(rawURL), outcome).Inc()
	linkcheckCheckSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
