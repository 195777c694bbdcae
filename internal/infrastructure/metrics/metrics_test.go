package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersIsolated(t *testing.T) {
	// Two instances on separate registries must not collide.
	m1 := New(prometheus.NewRegistry())
	m2 := New(prometheus.NewRegistry())
	require.NotNil(t, m1)
	require.NotNil(t, m2)
}

func TestRecording(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ActiveConnections))

	m.SetRooms(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.ActiveRooms))

	m.RecordInbound("message", "ok")
	m.RecordInbound("message", "ok")
	m.RecordInbound("join", "FORBIDDEN")
	assert.Equal(t, float64(2), testutil.ToFloat64(m.InboundEvents.WithLabelValues("message", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.InboundEvents.WithLabelValues("join", "FORBIDDEN")))

	m.RecordPersist(true)
	m.RecordPersist(false)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PersistedMessages.WithLabelValues("error")))

	m.RecordNotification("ticket-assigned", "room")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Notifications.WithLabelValues("ticket-assigned", "room")))

	m.RecordDrop("slow_consumer")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DroppedDeliveries.WithLabelValues("slow_consumer")))

	m.RecordHandshakeFailure()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HandshakeFailures))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnectionOpened()
		m.ConnectionClosed()
		m.SetRooms(1)
		m.RecordInbound("typing", "ok")
		m.RecordPersist(true)
		m.RecordNotification("notification", "identity")
		m.RecordDrop("closed")
		m.RecordHandshakeFailure()
	})
}
