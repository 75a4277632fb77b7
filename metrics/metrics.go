// Package metrics holds the Prometheus collectors for the discovery and
// framed-messaging layers. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Disconnect reasons.
const (
	ReasonClean = "clean"
	ReasonError = "error"
	ReasonLocal = "local"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "macremote").
	Namespace string

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Metrics groups every collector.
type Metrics struct {
	framesSent        *prometheus.CounterVec
	framesReceived    *prometheus.CounterVec
	bytesSent         *prometheus.CounterVec
	bytesReceived     *prometheus.CounterVec
	connections       *prometheus.CounterVec
	disconnects       *prometheus.CounterVec
	decodeErrors      *prometheus.CounterVec
	relistens         prometheus.Counter
	discoveryRestarts prometheus.Counter
	servicesVisible   prometheus.Gauge
}

// New registers the collectors with cfg.Registry.
func New(cfg Config) *Metrics {
	if cfg.Namespace == "" {
		cfg.Namespace = "macremote"
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(cfg.Registry)
	ns := cfg.Namespace

	return &Metrics{
		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "frames_sent_total",
			Help:      "Frames written to the active connection",
		}, []string{"role"}),
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "frames_received_total",
			Help:      "Frame bodies read from the active connection",
		}, []string{"role"}),
		bytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "body_bytes_sent_total",
			Help:      "Body bytes written, excluding headers",
		}, []string{"role"}),
		bytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "body_bytes_received_total",
			Help:      "Body bytes read, excluding headers",
		}, []string{"role"}),
		connections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "connections_total",
			Help:      "Connections established",
		}, []string{"role"}),
		disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "disconnects_total",
			Help:      "Connections torn down, by reason",
		}, []string{"role", "reason"}),
		decodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "decode_errors_total",
			Help:      "Frame bodies dropped because no payload format matched",
		}, []string{"role"}),
		relistens: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "relistens_total",
			Help:      "Listening sockets re-bound after a transport error",
		}),
		discoveryRestarts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "discovery_restarts_total",
			Help:      "Service searches restarted after a discovery error",
		}),
		servicesVisible: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "services_visible",
			Help:      "Services in the current browse set",
		}),
	}
}

// FrameSent records one frame with a bodyLen-byte body written by role.
func (m *Metrics) FrameSent(role string, bodyLen int) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(role).Inc()
	m.bytesSent.WithLabelValues(role).Add(float64(bodyLen))
}

// FrameReceived records one frame with a bodyLen-byte body read by role.
func (m *Metrics) FrameReceived(role string, bodyLen int) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(role).Inc()
	m.bytesReceived.WithLabelValues(role).Add(float64(bodyLen))
}

// Connected counts a connection established by role.
func (m *Metrics) Connected(role string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(role).Inc()
}

// Disconnected counts a connection closed by role for reason.
func (m *Metrics) Disconnected(role, reason string) {
	if m == nil {
		return
	}
	m.disconnects.WithLabelValues(role, reason).Inc()
}

// DecodeError counts a frame body role could not decode.
func (m *Metrics) DecodeError(role string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(role).Inc()
}

// Relistened counts a server listener rebuilt after a transport error.
func (m *Metrics) Relistened() {
	if m == nil {
		return
	}
	m.relistens.Inc()
}

// DiscoveryRestarted counts a restarted discovery search.
func (m *Metrics) DiscoveryRestarted() {
	if m == nil {
		return
	}
	m.discoveryRestarts.Inc()
}

// ServicesVisible sets the size of the current browse set.
func (m *Metrics) ServicesVisible(n int) {
	if m == nil {
		return
	}
	m.servicesVisible.Set(float64(n))
}
