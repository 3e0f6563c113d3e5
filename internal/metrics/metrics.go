// Package metrics exposes Prometheus collectors for the chat
// synchronization core. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatsync"

// Metrics groups the collectors updated by the chat package.
type Metrics struct {
	registry *prometheus.Registry

	eventsApplied *prometheus.CounterVec
	eventsDropped prometheus.Counter
	reconnects    prometheus.Counter
	uploads       *prometheus.CounterVec
	uploadBytes   prometheus.Counter
	openConvs     prometheus.Gauge
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_applied_total",
			Help:      "Live events applied to a conversation timeline, by type.",
		}, []string{"type"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Live events dropped because they were malformed.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_reconnects_total",
			Help:      "Successful reconnections of the realtime channel.",
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Attachment uploads by result.",
		}, []string{"result"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Attachment bytes written to the upload stream.",
		}),
		openConvs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_conversations",
			Help:      "Conversations currently open.",
		}),
	}

	m.registry.MustRegister(
		m.eventsApplied,
		m.eventsDropped,
		m.reconnects,
		m.uploads,
		m.uploadBytes,
		m.openConvs,
	)

	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}

	return m.registry
}

func (m *Metrics) EventApplied(eventType string) {
	if m == nil {
		return
	}

	m.eventsApplied.WithLabelValues(eventType).Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}

	m.eventsDropped.Inc()
}

func (m *Metrics) Reconnected() {
	if m == nil {
		return
	}

	m.reconnects.Inc()
}

// UploadFinished records one upload outcome: "delivered" or "failed".
func (m *Metrics) UploadFinished(result string) {
	if m == nil {
		return
	}

	m.uploads.WithLabelValues(result).Inc()
}

func (m *Metrics) UploadBytes(n int) {
	if m == nil || n <= 0 {
		return
	}

	m.uploadBytes.Add(float64(n))
}

func (m *Metrics) ConversationOpened() {
	if m == nil {
		return
	}

	m.openConvs.Inc()
}

func (m *Metrics) ConversationClosed() {
	if m == nil {
		return
	}

	m.openConvs.Dec()
}
