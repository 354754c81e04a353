package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "powerslides"

	typeLabel   = "type"
	reasonLabel = "reason"

	reasonMalformed   = "malformed"
	reasonSyntax      = "syntax"
	reasonRateLimited = "rate_limited"
	reasonNoPublisher = "no_publisher"
	reasonUnready     = "socket_unready"
	reasonRejected    = "join_rejected"
)

// Metrics collects relay statistics in a private registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	Reg         *prometheus.Registry
	Rooms       prometheus.Gauge
	Connections prometheus.Gauge
	Messages    *prometheus.CounterVec
	Dropped     *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Reg: reg,
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Number of rooms with at least one member.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of open websocket connections.",
		}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Accepted inbound messages by type.",
		}, []string{typeLabel}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Inbound messages that were not relayed, by reason.",
		}, []string{reasonLabel}),
	}

	reg.MustRegister(m.Rooms)
	reg.MustRegister(m.Connections)
	reg.MustRegister(m.Messages)
	reg.MustRegister(m.Dropped)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Reg, promhttp.HandlerOpts{})
}

func (m *Metrics) roomOpened() {
	if m != nil {
		m.Rooms.Inc()
	}
}

func (m *Metrics) roomClosed() {
	if m != nil {
		m.Rooms.Dec()
	}
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}

func (m *Metrics) accepted(msgType string) {
	if m != nil {
		m.Messages.WithLabelValues(msgType).Inc()
	}
}

func (m *Metrics) dropped(reason string) {
	if m != nil {
		m.Dropped.WithLabelValues(reason).Inc()
	}
}
