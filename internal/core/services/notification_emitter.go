package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lorrc/service-desk-collab/internal/core/domain"
	"github.com/lorrc/service-desk-collab/internal/core/ports"
)

// NotificationEmitter pushes server-initiated events straight to the room
// registry, bypassing the event router. Nothing is queued: if no connection
// is registered for the target the event is dropped.
type NotificationEmitter struct {
	hub    ports.RealtimeHub
	logger *slog.Logger
}

// Ensure implementation matches the interface.
var _ ports.NotificationEmitter = (*NotificationEmitter)(nil)

// NewNotificationEmitter creates an emitter over the given hub.
func NewNotificationEmitter(hub ports.RealtimeHub, logger *slog.Logger) *NotificationEmitter {
	return &NotificationEmitter{
		hub:    hub,
		logger: logger.With("component", "notification_emitter"),
	}
}

// EmitToRoom delivers n to every connection currently in the ticket's room.
func (e *NotificationEmitter) EmitToRoom(ctx context.Context, ticketID domain.TicketID, n domain.OutboundNotification) int {
	delivered := e.hub.BroadcastToRoom(ticketID, n.Event(), nil)
	e.logger.DebugContext(ctx, "notification emitted",
		"target", domain.TargetRoom,
		"ticket_id", ticketID,
		"type", n.Type,
		"delivered", delivered,
	)
	return delivered
}

// EmitToIdentity delivers n to every live connection of identityID.
func (e *NotificationEmitter) EmitToIdentity(ctx context.Context, identityID string, n domain.OutboundNotification) int {
	delivered := e.hub.SendToIdentity(identityID, n.Event())
	e.logger.DebugContext(ctx, "notification emitted",
		"target", domain.TargetIdentity,
		"identity_id", identityID,
		"type", n.Type,
		"delivered", delivered,
	)
	return delivered
}

// TicketUpdated announces a field change to the ticket's room.
func (e *NotificationEmitter) TicketUpdated(ctx context.Context, ticketID domain.TicketID, field string, value any) int {
	return e.EmitToRoom(ctx, ticketID, domain.OutboundNotification{
		Type:    domain.EventTicketUpdated,
		Payload: domain.TicketUpdatedPayload{TicketID: ticketID, Field: field, Value: value},
	})
}

// TicketAssigned announces an assignment to the room and to the new
// assignee's connections outside it.
func (e *NotificationEmitter) TicketAssigned(ctx context.Context, ticketID domain.TicketID, agentID, agentName string) int {
	n := domain.OutboundNotification{
		Type:    domain.EventAssigned,
		Payload: domain.TicketAssignedPayload{TicketID: ticketID, AgentID: agentID, AgentName: agentName},
	}
	return e.emitToRoomAndAgent(ctx, ticketID, agentID, n)
}

// AITyping toggles the assistant's typing indicator in the room.
func (e *NotificationEmitter) AITyping(ctx context.Context, ticketID domain.TicketID, isTyping bool) int {
	return e.EmitToRoom(ctx, ticketID, domain.OutboundNotification{
		Type:    domain.EventAITyping,
		Payload: domain.AITypingPayload{TicketID: ticketID, IsTyping: isTyping},
	})
}

// HumanTakeover alerts the room and, when set, the responsible agent that
// the assistant is handing the conversation over.
func (e *NotificationEmitter) HumanTakeover(ctx context.Context, p domain.HumanTakeoverPayload, agentID string) int {
	n := domain.OutboundNotification{Type: domain.EventHumanTakeover, Payload: p}
	return e.emitToRoomAndAgent(ctx, p.TicketID, agentID, n)
}

// emitToRoomAndAgent reaches the agent's connections outside the room too,
// so no connection receives n twice.
func (e *NotificationEmitter) emitToRoomAndAgent(ctx context.Context, ticketID domain.TicketID, agentID string, n domain.OutboundNotification) int {
	delivered := e.EmitToRoom(ctx, ticketID, n)
	if agentID == "" {
		return delivered
	}
	direct := e.hub.SendToIdentityOutside(agentID, ticketID, n.Event())
	e.logger.DebugContext(ctx, "notification emitted",
		"target", domain.TargetIdentity,
		"identity_id", agentID,
		"ticket_id", ticketID,
		"type", n.Type,
		"delivered", direct,
	)
	return delivered + direct
}

// Notify sends a generic notification to one identity's personal channel.
func (e *NotificationEmitter) Notify(ctx context.Context, identityID string, p domain.NotificationPayload) int {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	return e.EmitToIdentity(ctx, identityID, domain.OutboundNotification{
		Type:    domain.EventNotification,
		Payload: p,
	})
}
