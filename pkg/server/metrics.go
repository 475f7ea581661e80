package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. Each server instance
// carries its own registry so tests can run multiple servers in one process
// without duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions prometheus.Gauge
	sessionsTotal  *prometheus.CounterVec
	sessionsClosed prometheus.Counter

	messagesReceived *prometheus.CounterVec
	messagesRelayed  prometheus.Counter
	deliveries       prometheus.Counter
	deliveryFailures prometheus.Counter
	deliveriesMuted  prometheus.Counter
}

// NewMetrics creates the server collectors on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_active_sessions",
			Help: "Number of currently connected sessions",
		}),
		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_sessions_total",
			Help: "Total sessions accepted, by transport",
		}, []string{"transport"}),
		sessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_sessions_closed_total",
			Help: "Total sessions removed from the registry",
		}),
		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_messages_received_total",
			Help: "Total frames received from clients, by message type",
		}, []string{"type"}),
		messagesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_messages_relayed_total",
			Help: "Total chat messages accepted for broadcast",
		}),
		deliveries: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_deliveries_total",
			Help: "Total per-recipient deliveries attempted",
		}),
		deliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_delivery_failures_total",
			Help: "Total per-recipient deliveries that failed with a write error",
		}),
		deliveriesMuted: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_deliveries_muted_total",
			Help: "Total deliveries suppressed by a recipient's ban entry",
		}),
	}
}

// Handler returns the HTTP handler serving this registry's metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

func (m *Metrics) RecordSessionCreated(transport string) {
	m.sessionsTotal.WithLabelValues(transport).Inc()
}

func (m *Metrics) RecordSessionRemoved() {
	m.sessionsClosed.Inc()
}

func (m *Metrics) RecordMessageReceived(msgType string) {
	m.messagesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordMessageRelayed() {
	m.messagesRelayed.Inc()
}

func (m *Metrics) RecordDelivery() {
	m.deliveries.Inc()
}

func (m *Metrics) RecordDeliveryFailure() {
	m.deliveryFailures.Inc()
}

func (m *Metrics) RecordDeliveryMuted() {
	m.deliveriesMuted.Inc()
}
