// Package metric manages the daemon's Prometheus metrics: a private registry
// carrying Go runtime and process collectors plus the core counters every
// component reports into. The web gateway exposes the registry at /metrics.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the daemon's core collectors. All fields are registered on a
// private registry; a nil *Metrics disables reporting (every Inc helper is
// nil-safe) so tests can wire components without one.
type Metrics struct {
	registry *prometheus.Registry

	// ReadingsPublished counts local sensor readings emitted by drivers.
	ReadingsPublished prometheus.Counter
	// ReadingsReceived counts remote readings accepted from the swarm.
	ReadingsReceived prometheus.Counter
	// ReadingsSuppressed counts remote readings dropped as replays.
	ReadingsSuppressed prometheus.Counter
	// Actuations counts actuation dispatches by origin and result.
	Actuations *prometheus.CounterVec
	// RuleFirings counts rule-engine matches.
	RuleFirings prometheus.Counter
	// PeersConnected tracks the current number of connected peers.
	PeersConnected prometheus.Gauge
	// WebClients tracks the current number of WebSocket subscribers.
	WebClients prometheus.Gauge
}

// New creates a Metrics with every collector registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		ReadingsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "idiot_readings_published_total",
			Help: "Local sensor readings emitted by drivers.",
		}),
		ReadingsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "idiot_readings_received_total",
			Help: "Remote sensor readings accepted from the swarm.",
		}),
		ReadingsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "idiot_readings_suppressed_total",
			Help: "Remote sensor readings dropped by replay suppression.",
		}),
		Actuations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idiot_actuations_total",
			Help: "Actuation dispatches by origin and result.",
		}, []string{"origin", "result"}),
		RuleFirings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "idiot_rule_firings_total",
			Help: "Rule-engine condition matches.",
		}),
		PeersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "idiot_peers_connected",
			Help: "Currently connected swarm peers.",
		}),
		WebClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "idiot_web_clients",
			Help: "Currently connected WebSocket clients.",
		}),
	}

	registry.MustRegister(
		m.ReadingsPublished,
		m.ReadingsReceived,
		m.ReadingsSuppressed,
		m.Actuations,
		m.RuleFirings,
		m.PeersConnected,
		m.WebClients,
	)
	return m
}

// Handler returns the HTTP handler serving the registry in the Prometheus
// exposition format. Returns nil on a nil receiver.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncReadingsPublished adds one published local reading. Nil-safe.
func (m *Metrics) IncReadingsPublished() {
	if m != nil {
		m.ReadingsPublished.Inc()
	}
}

// IncReadingsReceived adds one accepted remote reading. Nil-safe.
func (m *Metrics) IncReadingsReceived() {
	if m != nil {
		m.ReadingsReceived.Inc()
	}
}

// IncReadingsSuppressed adds one suppressed replay. Nil-safe.
func (m *Metrics) IncReadingsSuppressed() {
	if m != nil {
		m.ReadingsSuppressed.Inc()
	}
}

// IncActuation adds one actuation outcome. Nil-safe.
func (m *Metrics) IncActuation(origin, result string) {
	if m != nil {
		m.Actuations.WithLabelValues(origin, result).Inc()
	}
}

// IncRuleFirings adds one rule match. Nil-safe.
func (m *Metrics) IncRuleFirings() {
	if m != nil {
		m.RuleFirings.Inc()
	}
}

// AddPeersConnected moves the connected-peer gauge by delta. Nil-safe.
func (m *Metrics) AddPeersConnected(delta float64) {
	if m != nil {
		m.PeersConnected.Add(delta)
	}
}

// AddWebClients moves the WebSocket-client gauge by delta. Nil-safe.
func (m *Metrics) AddWebClients(delta float64) {
	if m != nil {
		m.WebClients.Add(delta)
	}
}
