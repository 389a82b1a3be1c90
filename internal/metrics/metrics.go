// Package metrics exposes Prometheus instrumentation for the audiobook
// pipeline. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "textlistens"

// Request statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Request sources.
const (
	SourceHTTP = "http"
	SourceNATS = "nats"
)

// Metrics holds the collectors of one registry.
type Metrics struct {
	registry         *prometheus.Registry
	activeRequests   prometheus.Gauge
	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	chunks           *prometheus.CounterVec
	linkFailures     prometheus.Counter
	uploadedDuration prometheus.Histogram
}

// New registers the pipeline collectors, plus the Go runtime and process
// collectors, on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		activeRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of audiobook requests being processed",
		}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of audiobook requests processed",
		}, []string{"source", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end duration of audiobook requests in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"source"}),
		chunks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_total",
			Help:      "Text chunks by synthesis outcome",
		}, []string{"outcome"}),
		linkFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collection_link_failures_total",
			Help:      "Uploads whose collection link failed",
		}),
		uploadedDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "audiobook_duration_seconds",
			Help:      "Playback length of uploaded audiobooks in seconds",
			Buckets:   []float64{10, 60, 300, 900, 1800, 3600, 7200},
		}),
	}
}

// RequestStarted marks a request as in flight and returns a func that
// records its completion.
func (m *Metrics) RequestStarted(source string) func(err error) {
	if m == nil {
		return func(error) {}
	}

	start := time.Now()

	m.activeRequests.Inc()

	return func(err error) {
		m.activeRequests.Dec()

		status := StatusSuccess
		if err != nil {
			status = StatusError
		}

		m.requests.WithLabelValues(source, status).Inc()
		m.requestDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())
	}
}

// ChunkProcessed counts one chunk with its synthesis outcome.
func (m *Metrics) ChunkProcessed(outcome string) {
	if m == nil {
		return
	}

	m.chunks.WithLabelValues(outcome).Inc()
}

// LinkFailed counts an upload whose collection link failed.
func (m *Metrics) LinkFailed() {
	if m == nil {
		return
	}

	m.linkFailures.Inc()
}

// AudiobookUploaded records the playback length of an uploaded audiobook.
func (m *Metrics) AudiobookUploaded(duration time.Duration) {
	if m == nil {
		return
	}

	m.uploadedDuration.Observe(duration.Seconds())
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
