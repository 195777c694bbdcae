package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lorrc/service-desk-collab/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-collab/internal/core/errors"
	"github.com/lorrc/service-desk-collab/internal/core/ports"
	"github.com/lorrc/service-desk-collab/internal/infrastructure/logging"
	"github.com/lorrc/service-desk-collab/internal/infrastructure/metrics"
)

// Router dispatches decoded inbound frames for one connection at a time.
// It never holds a room lock across a store call.
type Router struct {
	registry *Registry
	chat     ports.ChatService
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewRouter creates an event router over the registry and chat service.
func NewRouter(registry *Registry, chat ports.ChatService, m *metrics.Metrics, logger *slog.Logger) *Router {
	return &Router{
		registry: registry,
		chat:     chat,
		metrics:  m,
		logger:   logger.With("component", "event_router"),
	}
}

// Handle decodes a raw frame, dispatches it and reports any failure to the
// originating connection only.
func (rt *Router) Handle(ctx context.Context, c *Connection, raw []byte) {
	// Every frame counts against the budget, malformed ones included.
	allowed := c.limiter.Allow()

	frame, err := domain.DecodeInbound(raw)
	if !allowed {
		var kind domain.EventType
		label := "invalid"
		if err == nil {
			kind = frame.Event.Kind()
			label = string(kind)
		}
		rt.metrics.RecordInbound(label, apperrors.CodeRateLimited)
		c.sendError(frame.RequestID, kind, ticketOf(frame.Event), apperrors.ErrRateLimited)
		return
	}
	if err != nil {
		rt.metrics.RecordInbound("invalid", apperrors.Code(err))
		c.sendError(frame.RequestID, "", "", err)
		return
	}

	kind := frame.Event.Kind()
	if ticket := ticketOf(frame.Event); ticket != "" {
		ctx = logging.WithTicketID(ctx, string(ticket))
	}

	err = rt.Dispatch(ctx, c, frame)
	if err != nil {
		code := apperrors.Code(err)
		rt.metrics.RecordInbound(string(kind), code)
		if code == apperrors.CodeInternal {
			rt.logger.ErrorContext(ctx, "event failed",
				"type", kind,
				"error", err,
			)
		}
		c.sendError(frame.RequestID, kind, ticketOf(frame.Event), err)
		return
	}
	rt.metrics.RecordInbound(string(kind), "ok")
}

// Dispatch runs the handler for one inbound event.
func (rt *Router) Dispatch(ctx context.Context, c *Connection, frame domain.InboundFrame) error {
	switch ev := frame.Event.(type) {
	case domain.JoinRequest:
		return rt.join(ctx, c, frame.RequestID, ev)
	case domain.LeaveRequest:
		rt.registry.Leave(c, ev.TicketID)
		return nil
	case domain.SendRequest:
		return rt.send(ctx, c, ev)
	case domain.TypingRequest:
		return rt.typing(c, ev)
	case domain.ReadRequest:
		return rt.read(ctx, c, ev)
	case domain.PresenceRequest:
		rt.logger.DebugContext(ctx, "presence reported",
			"state", ev.State,
		)
		return nil
	case domain.PingRequest:
		c.sendEvent(domain.Event{Type: domain.EventPong, RequestID: frame.RequestID})
		return nil
	case domain.AuthRequest:
		return fmt.Errorf("%w: connection is already authenticated", apperrors.ErrBadRequest)
	default:
		return apperrors.ErrUnknownEvent
	}
}

// join re-checks access on every call. A denied re-join drops membership
// the connection may still hold from an earlier grant.
func (rt *Router) join(ctx context.Context, c *Connection, requestID string, req domain.JoinRequest) error {
	admitted := false
	msgs, err := rt.chat.Join(ctx, c.identity, req.TicketID, func() {
		rt.registry.Join(c, req.TicketID)
		admitted = true
	})
	if err != nil {
		if admitted || c.InRoom(req.TicketID) {
			rt.registry.Leave(c, req.TicketID)
		}
		return err
	}

	c.sendEvent(domain.Event{
		Type:      domain.EventHistory,
		RequestID: requestID,
		Payload: domain.HistoryPayload{
			TicketID: req.TicketID,
			Messages: domain.NewMessageSnapshots(msgs),
		},
	})

	rt.logger.DebugContext(ctx, "joined room",
		"ticket_id", req.TicketID,
		"history", len(msgs),
	)
	return nil
}

// send persists, then broadcasts to the whole room including the sender.
// Since frames of one connection are handled sequentially, a sender's
// messages are broadcast in the order the store acknowledged them.
func (rt *Router) send(ctx context.Context, c *Connection, req domain.SendRequest) error {
	if !c.InRoom(req.TicketID) {
		return apperrors.ErrNotJoined
	}

	msg, err := rt.chat.Send(ctx, ports.SendParams{
		Identity:        c.identity,
		TicketID:        req.TicketID,
		Content:         req.Content,
		Internal:        req.Internal,
		Attachments:     req.Attachments,
		ClientMessageID: req.ClientMessageID,
	})
	if err != nil {
		if apperrors.Code(err) == apperrors.CodeInternal {
			rt.metrics.RecordPersist(false)
		}
		return err
	}
	rt.metrics.RecordPersist(true)

	var filter func(domain.Identity) bool
	if msg.Internal {
		filter = func(id domain.Identity) bool { return msg.VisibleTo(id.Role) }
	}
	rt.registry.BroadcastToRoom(req.TicketID, domain.Event{
		Type:    domain.EventMessage,
		Payload: domain.NewMessageSnapshot(msg),
	}, filter)

	go rt.chat.TouchActivity(context.WithoutCancel(ctx), req.TicketID, msg.CreatedAt)
	return nil
}

// typing is ephemeral: membership is the only check and it is never echoed.
func (rt *Router) typing(c *Connection, req domain.TypingRequest) error {
	if !c.InRoom(req.TicketID) {
		return apperrors.ErrNotJoined
	}

	rt.registry.broadcastExcept(req.TicketID, domain.Event{
		Type: domain.EventTyping,
		Payload: domain.TypingPayload{
			TicketID:    req.TicketID,
			IdentityID:  c.identity.UserID,
			DisplayName: c.identity.DisplayName,
			IsTyping:    req.IsTyping,
		},
	}, c)
	return nil
}

func (rt *Router) read(ctx context.Context, c *Connection, req domain.ReadRequest) error {
	if !c.InRoom(req.TicketID) {
		return apperrors.ErrNotJoined
	}

	ids := make([]uuid.UUID, 0, len(req.MessageIDs))
	for _, raw := range req.MessageIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return fmt.Errorf("%w: invalid message id %q", apperrors.ErrBadRequest, raw)
		}
		ids = append(ids, id)
	}

	readAt := time.Now().UTC()
	applied, err := rt.chat.MarkRead(ctx, ports.MarkReadParams{
		Identity:   c.identity,
		TicketID:   req.TicketID,
		MessageIDs: ids,
		ReadAt:     readAt,
	})
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return nil
	}

	// Customers never learn the ids of internal notes.
	var all, public []string
	for _, mark := range applied {
		all = append(all, mark.MessageID.String())
		if !mark.Internal {
			public = append(public, mark.MessageID.String())
		}
	}
	receipt := func(ids []string) domain.Event {
		return domain.Event{
			Type: domain.EventRead,
			Payload: domain.ReadPayload{
				TicketID:   req.TicketID,
				IdentityID: c.identity.UserID,
				MessageIDs: ids,
				ReadAt:     readAt.Format(time.RFC3339Nano),
			},
		}
	}

	if len(public) == len(all) {
		rt.registry.broadcastExcept(req.TicketID, receipt(all), c)
		return nil
	}
	rt.registry.broadcast(req.TicketID, receipt(all), func(m *Connection) bool {
		return m != c && m.identity.Role.IsStaff()
	})
	if len(public) > 0 {
		rt.registry.broadcast(req.TicketID, receipt(public), func(m *Connection) bool {
			return m != c && !m.identity.Role.IsStaff()
		})
	}
	return nil
}

func ticketOf(ev domain.Inbound) domain.TicketID {
	switch e := ev.(type) {
	case domain.JoinRequest:
		return e.TicketID
	case domain.LeaveRequest:
		return e.TicketID
	case domain.SendRequest:
		return e.TicketID
	case domain.TypingRequest:
		return e.TicketID
	case domain.ReadRequest:
		return e.TicketID
	default:
		return ""
	}
}
