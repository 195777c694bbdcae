package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the collaboration service.
//
// All recording methods are safe on a nil *Metrics so components can be
// constructed without instrumentation in tests.
type Metrics struct {
	// ActiveConnections is the number of verified realtime connections.
	ActiveConnections prometheus.Gauge

	// ActiveRooms is the number of rooms with at least one member.
	ActiveRooms prometheus.Gauge

	// InboundEvents counts frames handled by the event router.
	// Labels: type, outcome (ok|<error code>)
	InboundEvents *prometheus.CounterVec

	// PersistedMessages counts message appends.
	// Labels: outcome (success|error)
	PersistedMessages *prometheus.CounterVec

	// Notifications counts server-initiated pushes.
	// Labels: type, target (room|identity)
	Notifications *prometheus.CounterVec

	// DroppedDeliveries counts frames that could not be queued for a connection.
	// Labels: reason (slow_consumer|closed|no_target)
	DroppedDeliveries *prometheus.CounterVec

	// HandshakeFailures counts connections rejected before registration.
	HandshakeFailures prometheus.Counter
}

// New creates the collectors and registers them with reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated from the default registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "collab_active_connections",
			Help: "Current number of verified realtime connections",
		}),
		ActiveRooms: f.NewGauge(prometheus.GaugeOpts{
			Name: "collab_active_rooms",
			Help: "Current number of ticket rooms with at least one member",
		}),
		InboundEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_inbound_events_total",
				Help: "Total number of inbound realtime events by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		PersistedMessages: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_persisted_messages_total",
				Help: "Total number of chat message appends by outcome",
			},
			[]string{"outcome"},
		),
		Notifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_notifications_total",
				Help: "Total number of server-initiated notifications by type and target",
			},
			[]string{"type", "target"},
		),
		DroppedDeliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collab_dropped_deliveries_total",
				Help: "Total number of outbound frames dropped by reason",
			},
			[]string{"reason"},
		),
		HandshakeFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "collab_handshake_failures_total",
			Help: "Total number of realtime connections rejected during the handshake",
		}),
	}
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

// SetRooms records the current room count.
func (m *Metrics) SetRooms(n int) {
	if m == nil {
		return
	}
	m.ActiveRooms.Set(float64(n))
}

func (m *Metrics) RecordInbound(eventType, outcome string) {
	if m == nil {
		return
	}
	m.InboundEvents.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) RecordPersist(ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "error"
	}
	m.PersistedMessages.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordNotification(eventType, target string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(eventType, target).Inc()
}

func (m *Metrics) RecordDrop(reason string) {
	if m == nil {
		return
	}
	m.DroppedDeliveries.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordHandshakeFailure() {
	if m == nil {
		return
	}
	m.HandshakeFailures.Inc()
}
