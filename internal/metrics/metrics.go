// Package metrics exposes the worker's prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline counters. A nil *Metrics is a valid no-op
// receiver so tests can pass nil.
type Metrics struct {
	registry *prometheus.Registry

	previewsGenerated *prometheus.CounterVec
	previewFailures   *prometheus.CounterVec
	uploads           prometheus.Counter
	uploadsSkipped    prometheus.Counter
}

// New registers the worker counters on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		previewsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "s3worker_previews_generated_total",
			Help: "Preview images generated and uploaded, by kind and size.",
		}, []string{"kind", "size"}),
		previewFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "s3worker_preview_failures_total",
			Help: "Preview attempts recorded as failed, by kind and size.",
		}, []string{"kind", "size"}),
		uploads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "s3worker_uploads_total",
			Help: "Objects uploaded to storage.",
		}),
		uploadsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "s3worker_uploads_skipped_total",
			Help: "Sync uploads skipped because the object already exists.",
		}),
	}
	registry.MustRegister(m.previewsGenerated, m.previewFailures, m.uploads, m.uploadsSkipped)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) PreviewGenerated(kind, size string) {
	if m == nil {
		return
	}
	m.previewsGenerated.WithLabelValues(kind, size).Inc()
}

func (m *Metrics) PreviewFailed(kind, size string) {
	if m == nil {
		return
	}
	m.previewFailures.WithLabelValues(kind, size).Inc()
}

func (m *Metrics) UploadDone() {
	if m == nil {
		return
	}
	m.uploads.Inc()
}

func (m *Metrics) UploadSkipped() {
	if m == nil {
		return
	}
	m.uploadsSkipped.Inc()
}
