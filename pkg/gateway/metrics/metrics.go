// Package metrics holds the relay's Prometheus collectors. Every method is
// safe on a nil *Relay so callers never need to check whether metrics are on.
package metrics

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	DirectionClientToUpstream = "client_to_upstream"
	DirectionUpstreamToClient = "upstream_to_client"
)

type Relay struct {
	registry *prometheus.Registry

	sessionsActive    prometheus.Gauge
	sessionsTotal     *prometheus.CounterVec
	framesForwarded   *prometheus.CounterVec
	framesDropped     prometheus.Counter
	upstreamOpen      *prometheus.HistogramVec
	upstreamTokens    *prometheus.CounterVec
	admissionRejected *prometheus.CounterVec
}

// New registers the relay collectors on a fresh registry, together with the
// Go runtime and process collectors.
func New() *Relay {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Relay{
		registry: reg,
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_sessions_active",
			Help: "The current number of relay sessions.",
		}),
		sessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_sessions_total",
			Help: "The total number of finished relay sessions by result.",
		}, []string{"result"}),
		framesForwarded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_frames_forwarded_total",
			Help: "The total number of frames forwarded between client and upstream.",
		}, []string{"direction", "type"}),
		framesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_dropped_total",
			Help: "Client frames dropped because the upstream was not open.",
		}),
		upstreamOpen: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_upstream_open_seconds",
			Help:    "Time spent acquiring a credential and completing the upstream handshake.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"result"}),
		upstreamTokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_upstream_tokens_total",
			Help: "Model tokens reported by the upstream usage metadata.",
		}, []string{"kind"}),
		admissionRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_admission_rejected_total",
			Help: "Connections refused before upgrade, by reason.",
		}, []string{"reason"}),
	}
}

func (m *Relay) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Relay) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Relay) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

func (m *Relay) SessionEnded(result string) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionsTotal.WithLabelValues(result).Inc()
}

func (m *Relay) FrameForwarded(direction string, messageType int) {
	if m == nil {
		return
	}
	m.framesForwarded.WithLabelValues(direction, frameType(messageType)).Inc()
}

func (m *Relay) FrameDropped() {
	if m == nil {
		return
	}
	m.framesDropped.Inc()
}

func (m *Relay) UpstreamOpened(d time.Duration, result string) {
	if m == nil {
		return
	}
	m.upstreamOpen.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Relay) UpstreamTokens(kind string, n int32) {
	if m == nil || n <= 0 {
		return
	}
	m.upstreamTokens.WithLabelValues(kind).Add(float64(n))
}

func (m *Relay) AdmissionRejected(reason string) {
	if m == nil {
		return
	}
	m.admissionRejected.WithLabelValues(reason).Inc()
}

func frameType(messageType int) string {
	switch messageType {
	case websocket.TextMessage:
		return "text"
	case websocket.BinaryMessage:
		return "binary"
	default:
		return "other"
	}
}
