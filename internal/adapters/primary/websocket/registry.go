package websocket

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/lorrc/service-desk-collab/internal/core/domain"
	"github.com/lorrc/service-desk-collab/internal/core/ports"
	"github.com/lorrc/service-desk-collab/internal/infrastructure/metrics"
)

// ErrRegistryClosed is returned by Register after Close.
var ErrRegistryClosed = errors.New("registry closed")

// room is the runtime member set of one ticket. A room removed from the
// registry is marked closed so a concurrent Join retries on a fresh one.
type room struct {
	mu      sync.RWMutex
	members map[*Connection]struct{}
	closed  bool
}

// Registry maps ticket ids to the connections currently joined to them and
// identity ids to their live connections (the personal channel).
//
// Lock order is Registry.mu, then room.mu, then Connection.mu.
type Registry struct {
	mu         sync.RWMutex
	rooms      map[domain.TicketID]*room
	identities map[string]map[*Connection]struct{}
	closed     bool

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Ensure Registry implements the RealtimeHub interface.
var _ ports.RealtimeHub = (*Registry)(nil)

// NewRegistry creates an empty registry. m may be nil.
func NewRegistry(m *metrics.Metrics, logger *slog.Logger) *Registry {
	return &Registry{
		rooms:      make(map[domain.TicketID]*room),
		identities: make(map[string]map[*Connection]struct{}),
		metrics:    m,
		logger:     logger.With("component", "room_registry"),
	}
}

// Register adds the connection to its identity's personal channel.
func (r *Registry) Register(c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}

	conns := r.identities[c.identity.UserID]
	if conns == nil {
		conns = make(map[*Connection]struct{})
		r.identities[c.identity.UserID] = conns
	}
	conns[c] = struct{}{}
	r.metrics.ConnectionOpened()

	r.logger.Debug("connection registered",
		"connection_id", c.id,
		"user_id", c.identity.UserID,
		"identity_connections", len(conns),
	)
	return nil
}

// Unregister removes the connection from every room it joined and from its
// personal channel. It is idempotent.
func (r *Registry) Unregister(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ticketID := range c.Rooms() {
		r.leaveLocked(c, ticketID)
	}

	if conns, ok := r.identities[c.identity.UserID]; ok {
		if _, exists := conns[c]; exists {
			delete(conns, c)
			r.metrics.ConnectionClosed()
		}
		if len(conns) == 0 {
			delete(r.identities, c.identity.UserID)
		}
	}
}

// Join adds c to the ticket's room, creating the room on first use. The
// connection's joined set and the room's member set change together.
func (r *Registry) Join(c *Connection, ticketID domain.TicketID) {
	for {
		r.mu.Lock()
		rm, ok := r.rooms[ticketID]
		if !ok {
			rm = &room{members: make(map[*Connection]struct{})}
			r.rooms[ticketID] = rm
			r.metrics.SetRooms(len(r.rooms))
		}
		r.mu.Unlock()

		rm.mu.Lock()
		if rm.closed {
			rm.mu.Unlock()
			continue
		}
		rm.members[c] = struct{}{}
		c.addRoom(ticketID)
		rm.mu.Unlock()
		return
	}
}

// Leave removes c from the ticket's room. Leaving a room that was never
// joined is a no-op.
func (r *Registry) Leave(c *Connection, ticketID domain.TicketID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(c, ticketID)
}

func (r *Registry) leaveLocked(c *Connection, ticketID domain.TicketID) {
	rm, ok := r.rooms[ticketID]
	if !ok {
		c.removeRoom(ticketID)
		return
	}

	rm.mu.Lock()
	delete(rm.members, c)
	c.removeRoom(ticketID)
	if len(rm.members) == 0 {
		rm.closed = true
		delete(r.rooms, ticketID)
		r.metrics.SetRooms(len(r.rooms))
	}
	rm.mu.Unlock()
}

// snapshot copies the room's members while holding its lock.
func (r *Registry) snapshot(ticketID domain.TicketID) []*Connection {
	r.mu.RLock()
	rm, ok := r.rooms[ticketID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	rm.mu.RLock()
	defer rm.mu.RUnlock()
	conns := make([]*Connection, 0, len(rm.members))
	for c := range rm.members {
		conns = append(conns, c)
	}
	return conns
}

// BroadcastToRoom queues event for every member whose identity passes
// filter (nil admits all). It returns the number of connections reached.
func (r *Registry) BroadcastToRoom(ticketID domain.TicketID, event domain.Event, filter func(domain.Identity) bool) int {
	return r.broadcast(ticketID, event, func(c *Connection) bool {
		return filter == nil || filter(c.identity)
	})
}

// broadcastExcept is BroadcastToRoom minus one connection.
func (r *Registry) broadcastExcept(ticketID domain.TicketID, event domain.Event, except *Connection) int {
	return r.broadcast(ticketID, event, func(c *Connection) bool {
		return c != except
	})
}

func (r *Registry) broadcast(ticketID domain.TicketID, event domain.Event, include func(*Connection) bool) int {
	conns := r.snapshot(ticketID)
	if len(conns) == 0 {
		return 0
	}

	frame, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("failed to encode broadcast", "type", event.Type, "error", err)
		return 0
	}

	n := 0
	for _, c := range conns {
		if !include(c) {
			continue
		}
		if r.deliver(c, frame) {
			n++
		}
	}

	r.logger.Debug("broadcast",
		"ticket_id", ticketID,
		"type", event.Type,
		"members", len(conns),
		"delivered", n,
	)
	return n
}

// SendToIdentity queues event on every live connection of identityID.
func (r *Registry) SendToIdentity(identityID string, event domain.Event) int {
	return r.sendToIdentity(identityID, event, nil)
}

// SendToIdentityOutside queues event on identityID's connections that are
// not members of ticketID's room, for events also broadcast to that room.
func (r *Registry) SendToIdentityOutside(identityID string, ticketID domain.TicketID, event domain.Event) int {
	return r.sendToIdentity(identityID, event, func(c *Connection) bool {
		return c.InRoom(ticketID)
	})
}

func (r *Registry) sendToIdentity(identityID string, event domain.Event, skip func(*Connection) bool) int {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.identities[identityID]))
	for c := range r.identities[identityID] {
		if skip == nil || !skip(c) {
			conns = append(conns, c)
		}
	}
	r.mu.RUnlock()

	if len(conns) == 0 {
		return 0
	}

	frame, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("failed to encode event", "type", event.Type, "error", err)
		return 0
	}

	n := 0
	for _, c := range conns {
		if r.deliver(c, frame) {
			n++
		}
	}
	return n
}

func (r *Registry) deliver(c *Connection, frame []byte) bool {
	switch c.enqueue(frame) {
	case delivered:
		return true
	case droppedFull:
		r.metrics.RecordDrop("slow_consumer")
	default:
		r.metrics.RecordDrop("closed")
	}
	return false
}

// Members returns the distinct identities currently in the room, ordered by
// user id.
func (r *Registry) Members(ticketID domain.TicketID) []domain.Identity {
	conns := r.snapshot(ticketID)
	seen := make(map[string]struct{}, len(conns))
	members := make([]domain.Identity, 0, len(conns))
	for _, c := range conns {
		if _, dup := seen[c.identity.UserID]; dup {
			continue
		}
		seen[c.identity.UserID] = struct{}{}
		members = append(members, c.identity)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return members
}

// IsOnline reports whether identityID has at least one live connection.
func (r *Registry) IsOnline(identityID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.identities[identityID]) > 0
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Connections int  `json:"connections"`
	Identities  int  `json:"identities"`
	Rooms       int  `json:"rooms"`
	Draining    bool `json:"draining,omitempty"`
}

// Stats returns current connection and room counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{Identities: len(r.identities), Rooms: len(r.rooms), Draining: r.closed}
	for _, conns := range r.identities {
		s.Connections += len(conns)
	}
	return s
}

// Close rejects new registrations and closes every live connection. The
// connections' read loops unregister them as they unwind.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	conns := make([]*Connection, 0)
	for _, set := range r.identities {
		for c := range set {
			conns = append(conns, c)
		}
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.close(reasonShutdown, websocket.CloseGoingAway)
	}
	r.logger.Info("registry closed", "connections", len(conns))
}
