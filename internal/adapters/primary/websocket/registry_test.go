package websocket

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/lorrc/service-desk-collab/internal/core/domain"
	"github.com/lorrc/service-desk-collab/internal/infrastructure/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// assertConsistent checks that room membership and each connection's joined
// set mirror each other and that no empty room is retained.
func assertConsistent(t *testing.T, r *Registry, conns []*Connection) {
	t.Helper()
	r.mu.RLock()
	defer r.mu.RUnlock()

	for ticketID, rm := range r.rooms {
		rm.mu.RLock()
		assert.NotEmpty(t, rm.members, "empty room %s retained", ticketID)
		for c := range rm.members {
			assert.True(t, c.InRoom(ticketID), "%s in room %s but not in its joined set", c.id, ticketID)
		}
		rm.mu.RUnlock()
	}

	for _, c := range conns {
		for _, ticketID := range c.Rooms() {
			rm, ok := r.rooms[ticketID]
			if !assert.True(t, ok, "%s lists missing room %s", c.id, ticketID) {
				continue
			}
			rm.mu.RLock()
			_, member := rm.members[c]
			rm.mu.RUnlock()
			assert.True(t, member, "%s lists room %s but is not a member", c.id, ticketID)
		}
	}
}

func TestRegistry_JoinLeaveConsistency(t *testing.T) {
	r := NewRegistry(nil, discardLogger())
	rooms := []domain.TicketID{"T1", "T2", "T3"}

	conns := make([]*Connection, 8)
	for i := range conns {
		conns[i] = testConnection(customer42)
		require.NoError(t, r.Register(conns[i]))
	}

	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func(c *Connection, seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for n := 0; n < 500; n++ {
				id := rooms[rng.Intn(len(rooms))]
				if rng.Intn(2) == 0 {
					r.Join(c, id)
				} else {
					r.Leave(c, id)
				}
			}
		}(c, int64(i))
	}

	// Broadcasts enumerate rooms concurrently with the churn.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for n := 0; n < 200; n++ {
			r.BroadcastToRoom(rooms[n%len(rooms)], domain.Event{Type: domain.EventTicketUpdated}, nil)
			for _, c := range conns {
				select {
				case <-c.send:
				default:
				}
			}
		}
	}()

	wg.Wait()
	assertConsistent(t, r, conns)

	for _, c := range conns {
		r.Unregister(c)
	}
	assertConsistent(t, r, conns)
	assert.Equal(t, Stats{}, r.Stats())
}

func TestRegistry_RoomLifecycle(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	r := NewRegistry(m, discardLogger())
	a, b := testConnection(customer42), testConnection(agent7)
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	r.Join(a, "T1")
	r.Join(b, "T1")
	r.Join(b, "T2")
	assert.Equal(t, Stats{Connections: 2, Identities: 2, Rooms: 2}, r.Stats())
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ActiveRooms))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ActiveConnections))

	r.Leave(a, "T1")
	r.Leave(a, "T1")
	assert.False(t, a.InRoom("T1"))
	assert.Equal(t, []domain.Identity{agent7}, r.Members("T1"))

	r.Unregister(b)
	r.Unregister(b)
	assert.Empty(t, b.Rooms())
	assert.Equal(t, 0, r.Stats().Rooms)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ActiveRooms))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ActiveConnections))
}

func TestRegistry_BroadcastToRoom(t *testing.T) {
	r := NewRegistry(nil, discardLogger())
	a, b, outsider := testConnection(customer42), testConnection(agent7), testConnection(customer77)
	for _, c := range []*Connection{a, b, outsider} {
		require.NoError(t, r.Register(c))
	}
	r.Join(a, "T1")
	r.Join(b, "T1")
	r.Join(outsider, "T2")

	n := r.BroadcastToRoom("T1", domain.Event{Type: domain.EventTicketUpdated}, nil)
	assert.Equal(t, 2, n)
	assert.Equal(t, domain.EventTicketUpdated, nextEvent(t, a).Type)
	assert.Equal(t, domain.EventTicketUpdated, nextEvent(t, b).Type)
	assertNoEvent(t, outsider)

	staffOnly := func(id domain.Identity) bool { return id.Role.IsStaff() }
	n = r.BroadcastToRoom("T1", domain.Event{Type: domain.EventMessage}, staffOnly)
	assert.Equal(t, 1, n)
	assertNoEvent(t, a)
	assert.Equal(t, domain.EventMessage, nextEvent(t, b).Type)

	assert.Equal(t, 0, r.BroadcastToRoom("T404", domain.Event{Type: domain.EventAITyping}, nil))
}

func TestRegistry_SendToIdentity(t *testing.T) {
	r := NewRegistry(nil, discardLogger())
	tab1, tab2, other := testConnection(agent7), testConnection(agent7), testConnection(customer42)
	for _, c := range []*Connection{tab1, tab2, other} {
		require.NoError(t, r.Register(c))
	}

	assert.Equal(t, 2, r.SendToIdentity("agent-7", domain.Event{Type: domain.EventNotification}))
	nextEvent(t, tab1)
	nextEvent(t, tab2)
	assertNoEvent(t, other)

	assert.True(t, r.IsOnline("agent-7"))
	assert.False(t, r.IsOnline("nobody"))
	assert.Equal(t, 0, r.SendToIdentity("nobody", domain.Event{Type: domain.EventNotification}))
}

func TestRegistry_SendToIdentityOutside(t *testing.T) {
	r := NewRegistry(nil, discardLogger())
	inRoom, elsewhere := testConnection(agent7), testConnection(agent7)
	require.NoError(t, r.Register(inRoom))
	require.NoError(t, r.Register(elsewhere))
	r.Join(inRoom, "T1")

	assigned := domain.Event{Type: domain.EventAssigned}
	assert.Equal(t, 1, r.BroadcastToRoom("T1", assigned, nil))
	assert.Equal(t, 1, r.SendToIdentityOutside("agent-7", "T1", assigned))

	assert.Equal(t, domain.EventAssigned, nextEvent(t, inRoom).Type)
	assert.Equal(t, domain.EventAssigned, nextEvent(t, elsewhere).Type)
	assertNoEvent(t, inRoom)
	assertNoEvent(t, elsewhere)
}

func TestRegistry_SlowConsumerIsEvicted(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	r := NewRegistry(m, discardLogger())
	slow := newConnection(nil, customer42, "test", Config{SendBuffer: 1, EventBurst: 1}, discardLogger())
	fast := testConnection(agent7)
	require.NoError(t, r.Register(slow))
	require.NoError(t, r.Register(fast))
	r.Join(slow, "T1")
	r.Join(fast, "T1")

	assert.Equal(t, 2, r.BroadcastToRoom("T1", domain.Event{Type: domain.EventTyping}, nil))
	assert.Equal(t, 1, r.BroadcastToRoom("T1", domain.Event{Type: domain.EventTyping}, nil))

	select {
	case <-slow.Done():
	default:
		t.Fatal("slow connection was not closed")
	}
	assert.Equal(t, reasonSlowConsumer, slow.closeReason())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DroppedDeliveries.WithLabelValues("slow_consumer")))

	// Later frames to a closed connection are dropped quietly.
	assert.Equal(t, 1, r.BroadcastToRoom("T1", domain.Event{Type: domain.EventTyping}, nil))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DroppedDeliveries.WithLabelValues("closed")))
}

func TestRegistry_Close(t *testing.T) {
	r := NewRegistry(nil, discardLogger())
	c := testConnection(customer42)
	require.NoError(t, r.Register(c))

	r.Close()

	select {
	case <-c.Done():
	default:
		t.Fatal("connection not closed on shutdown")
	}
	assert.ErrorIs(t, r.Register(testConnection(agent7)), ErrRegistryClosed)
	assert.True(t, r.Stats().Draining)
}
