package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lorrc/service-desk-collab/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-collab/internal/core/errors"
	"golang.org/x/time/rate"
)

// Close reasons reported in disconnect logs.
const (
	reasonClientClosed = "client closed"
	reasonTimeout      = "timeout"
	reasonTransport    = "transport error"
	reasonSlowConsumer = "slow consumer"
	reasonShutdown     = "server shutdown"
)

// deliveryStatus is the outcome of queueing a frame for a connection.
type deliveryStatus int

const (
	delivered deliveryStatus = iota
	droppedClosed
	droppedFull
)

// Connection is one verified duplex channel. Its joined-room set is only
// mutated by the Registry while holding the room's lock.
type Connection struct {
	id         string
	identity   domain.Identity
	remoteAddr string
	ws         *websocket.Conn

	// send is never closed; done signals shutdown to the write pump.
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	reason    string
	closeCode int

	// mu protects rooms and reason.
	mu    sync.Mutex
	rooms map[domain.TicketID]struct{}

	limiter *rate.Limiter
	logger  *slog.Logger
}

func newConnection(ws *websocket.Conn, identity domain.Identity, remoteAddr string, cfg Config, logger *slog.Logger) *Connection {
	id := uuid.NewString()
	limit := rate.Inf
	if cfg.EventsPerSecond > 0 {
		limit = rate.Limit(cfg.EventsPerSecond)
	}
	return &Connection{
		id:         id,
		identity:   identity,
		remoteAddr: remoteAddr,
		ws:         ws,
		send:       make(chan []byte, cfg.SendBuffer),
		done:       make(chan struct{}),
		rooms:      make(map[domain.TicketID]struct{}),
		limiter:    rate.NewLimiter(limit, cfg.EventBurst),
		logger: logger.With(
			"connection_id", id,
			"user_id", identity.UserID,
		),
	}
}

// ID returns the server-assigned connection id.
func (c *Connection) ID() string {
	return c.id
}

// Identity returns the verified identity attached at handshake.
func (c *Connection) Identity() domain.Identity {
	return c.identity
}

// Rooms returns a copy of the joined-room set.
func (c *Connection) Rooms() []domain.TicketID {
	c.mu.Lock()
	defer c.mu.Unlock()

	rooms := make([]domain.TicketID, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	return rooms
}

// InRoom reports whether the connection has joined ticketID.
func (c *Connection) InRoom(ticketID domain.TicketID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[ticketID]
	return ok
}

func (c *Connection) addRoom(ticketID domain.TicketID) {
	c.mu.Lock()
	c.rooms[ticketID] = struct{}{}
	c.mu.Unlock()
}

func (c *Connection) removeRoom(ticketID domain.TicketID) {
	c.mu.Lock()
	delete(c.rooms, ticketID)
	c.mu.Unlock()
}

// enqueue queues a pre-encoded frame without blocking. A full buffer evicts
// the connection so one slow reader cannot stall a room broadcast.
func (c *Connection) enqueue(frame []byte) deliveryStatus {
	select {
	case <-c.done:
		return droppedClosed
	default:
	}

	select {
	case c.send <- frame:
		return delivered
	default:
		c.logger.Warn("send buffer full, evicting connection")
		c.close(reasonSlowConsumer, websocket.ClosePolicyViolation)
		return droppedFull
	}
}

// sendEvent encodes and queues an event for this connection only.
func (c *Connection) sendEvent(event domain.Event) deliveryStatus {
	frame, err := json.Marshal(event)
	if err != nil {
		c.logger.Error("failed to encode event", "type", event.Type, "error", err)
		return droppedClosed
	}
	return c.enqueue(frame)
}

// sendError reports a failed inbound event to this connection only.
func (c *Connection) sendError(requestID string, eventType domain.EventType, ticketID domain.TicketID, err error) {
	code := apperrors.Code(err)
	c.sendEvent(domain.Event{
		Type:      domain.EventError,
		RequestID: requestID,
		Payload: domain.ErrorPayload{
			Code:     code,
			Message:  errorMessage(code, err),
			Event:    eventType,
			TicketID: ticketID,
		},
	})
}

// errorMessage keeps infrastructure details out of client-facing frames.
func errorMessage(code string, err error) string {
	if code == apperrors.CodeInternal {
		return "temporary failure, please retry"
	}
	return err.Error()
}

// close stops the write pump. The first reason wins.
func (c *Connection) close(reason string, code int) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.closeCode = code
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Connection) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Done is closed once the connection is shutting down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// readPump reads frames and hands them to handle one at a time, in arrival
// order. It returns when the peer goes away or the connection is closed.
func (c *Connection) readPump(ctx context.Context, cfg Config, handle func(context.Context, []byte)) {
	c.ws.SetReadLimit(cfg.MaxMessageBytes)
	if err := c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait)); err != nil {
		c.logger.Error("failed to set read deadline", "error", err)
		c.close(reasonTransport, websocket.CloseInternalServerErr)
		return
	}

	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			c.close(classifyReadError(err), websocket.CloseNormalClosure)
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		handle(ctx, message)
	}
}

func classifyReadError(err error) string {
	var ne interface{ Timeout() bool }
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return reasonClientClosed
	case errors.As(err, &ne) && ne.Timeout():
		return reasonTimeout
	default:
		return reasonTransport
	}
}

// writePump drains the send buffer to the socket and keeps the peer alive
// with pings. It owns all writes to ws.
func (c *Connection) writePump(cfg Config) {
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait)); err != nil {
				c.logger.Error("failed to set write deadline", "error", err)
				c.close(reasonTransport, websocket.CloseInternalServerErr)
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("failed to write message", "error", err)
				c.close(reasonTransport, websocket.CloseGoingAway)
				return
			}

		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait)); err != nil {
				c.close(reasonTransport, websocket.CloseInternalServerErr)
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
				c.close(reasonTimeout, websocket.CloseGoingAway)
				return
			}

		case <-c.done:
			c.mu.Lock()
			code, reason := c.closeCode, c.reason
			c.mu.Unlock()
			msg := websocket.FormatCloseMessage(code, reason)
			if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(cfg.WriteWait)); err != nil {
				c.logger.Debug("failed to send close message", "error", err)
			}
			return
		}
	}
}
