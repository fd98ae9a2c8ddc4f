// Package metrics exposes Prometheus collectors for the crowdedness pipeline.
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
	extractionsTotal           *prometheus.CounterVec
	extractionDurationSeconds  *prometheus.HistogramVec
	cacheLookupsTotal          *prometheus.CounterVec
	catalogLookupsTotal        *prometheus.CounterVec
	rateDelaySeconds           prometheus.Histogram
	rateShortCircuitsTotal     *prometheus.CounterVec
	pipelineRunsTotal          *prometheus.CounterVec
	pipelineItemsTotal         *prometheus.CounterVec
	sessionsActive             prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		extractionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crowdpulse_extractions_total",
				Help: "Extractor invocations labeled by outcome.",
			},
			[]string{"outcome"},
		)

		extractionDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crowdpulse_extraction_duration_seconds",
				Help:    "Time spent in one extraction, labeled by outcome.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40},
			},
			[]string{"outcome"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crowdpulse_cache_lookups_total",
				Help: "Result cache lookups labeled by hit or miss.",
			},
			[]string{"result"},
		)

		catalogLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crowdpulse_catalog_lookups_total",
				Help: "Top-N list lookups labeled by source and whether a stored snapshot served them.",
			},
			[]string{"source", "result"},
		)

		rateDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crowdpulse_rate_delay_seconds",
				Help:    "Randomized pauses inserted before scrape calls.",
				Buckets: []float64{0.5, 1, 2, 3, 5, 8, 13},
			},
		)

		rateShortCircuitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crowdpulse_rate_short_circuits_total",
				Help: "Scrape requests refused without invoking the extractor, labeled by reason.",
			},
			[]string{"reason"},
		)

		pipelineRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crowdpulse_pipeline_runs_total",
				Help: "City pipeline runs labeled by final status.",
			},
			[]string{"status"},
		)

		pipelineItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crowdpulse_pipeline_items_total",
				Help: "Merged catalog items labeled by busyness availability.",
			},
			[]string{"busyness"},
		)

		sessionsActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crowdpulse_browser_sessions_active",
				Help: "Browser sessions currently acquired.",
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveExtraction records one extractor call.
func ObserveExtraction(outcome string, duration time.Duration) {
	Init()
	extractionsTotal.WithLabelValues(outcome).Inc()
	extractionDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveCacheLookup records a cache hit or miss.
func ObserveCacheLookup(hit bool) {
	Init()
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveCatalogLookup records whether a stored snapshot answered a Top-N
// lookup for source.
func ObserveCatalogLookup(source string, hit bool) {
	Init()
	result := "miss"
	if hit {
		result = "hit"
	}
	catalogLookupsTotal.WithLabelValues(source, result).Inc()
}

// ObserveRateDelay records a pre-call pause.
func ObserveRateDelay(d time.Duration) {
	Init()
	rateDelaySeconds.Observe(d.Seconds())
}

// ObserveShortCircuit records a refused scrape request.
func ObserveShortCircuit(reason string) {
	Init()
	rateShortCircuitsTotal.WithLabelValues(reason).Inc()
}

// ObservePipelineRun records the final status of a city run.
func ObservePipelineRun(status string) {
	Init()
	pipelineRunsTotal.WithLabelValues(status).Inc()
}

// ObservePipelineItems records how many merged items had busyness data.
func ObservePipelineItems(withData, absent int) {
	Init()
	pipelineItemsTotal.WithLabelValues("present").Add(float64(withData))
	pipelineItemsTotal.WithLabelValues("absent").Add(float64(absent))
}

// IncSessions increments the active session gauge.
func IncSessions() {
	Init()
	sessionsActive.Inc()
}

// DecSessions decrements the active session gauge.
func DecSessions() {
	Init()
	sessionsActive.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
