package http

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/lorrc/service-desk-collab/internal/adapters/primary/validation"
	"github.com/lorrc/service-desk-collab/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-collab/internal/core/errors"
	"github.com/lorrc/service-desk-collab/internal/core/ports"
	"github.com/lorrc/service-desk-collab/internal/infrastructure/metrics"
)

// TicketEventRequest is the body of POST /api/v1/tickets/{ticketID}/events.
// Which fields are required depends on Type.
type TicketEventRequest struct {
	Type string `json:"type"`

	// ticket-updated
	Field string `json:"field,omitempty"`
	Value any    `json:"value,omitempty"`

	// ticket-assigned, human-takeover
	AgentID   string `json:"agentId,omitempty"`
	AgentName string `json:"agentName,omitempty"`

	// ai-typing
	IsTyping *bool `json:"isTyping,omitempty"`

	// human-takeover
	TicketNumber string  `json:"ticketNumber,omitempty"`
	CustomerName string  `json:"customerName,omitempty"`
	Message      *string `json:"message,omitempty"`
}

var ticketEventTypes = []string{
	string(domain.EventTicketUpdated),
	string(domain.EventAssigned),
	string(domain.EventAITyping),
	string(domain.EventHumanTakeover),
}

// Validate implements validation.Validatable.
func (r *TicketEventRequest) Validate(v *validation.Validator) {
	v.Required("type", r.Type).OneOf("type", r.Type, ticketEventTypes)

	switch domain.EventType(r.Type) {
	case domain.EventTicketUpdated:
		v.Required("field", r.Field).MaxLength("field", r.Field, 64)
	case domain.EventAssigned:
		v.Identifier("agentId", r.AgentID).MaxLength("agentName", r.AgentName, 200)
	case domain.EventAITyping:
		v.Custom("isTyping", r.IsTyping != nil, "This field is required")
	case domain.EventHumanTakeover:
		v.Required("customerName", r.CustomerName).MaxLength("customerName", r.CustomerName, 200)
		if r.Message != nil {
			v.MaxLength("message", *r.Message, 2000)
		}
	}
}

// NotificationRequest is the body of POST /api/v1/identities/{identityID}/notifications.
type NotificationRequest struct {
	Title    string `json:"title"`
	Body     string `json:"body"`
	Kind     string `json:"kind,omitempty"`
	TicketID string `json:"ticketId,omitempty"`
	Link     string `json:"link,omitempty"`
}

// Validate implements validation.Validatable.
func (r *NotificationRequest) Validate(v *validation.Validator) {
	v.Required("title", r.Title).MaxLength("title", r.Title, 200)
	v.Required("body", r.Body).MaxLength("body", r.Body, 2000)
	v.MaxLength("kind", r.Kind, 64)
	if r.TicketID != "" {
		v.Identifier("ticketId", r.TicketID)
	}
	v.URL("link", r.Link)
}

// DeliveryResponse reports how many live connections an event was queued for.
type DeliveryResponse struct {
	Delivered       int  `json:"delivered"`
	OfflineFallback bool `json:"offlineFallback,omitempty"`
}

// NotificationHandler exposes the notification emitter to ticket-mutation
// code paths running outside this process.
type NotificationHandler struct {
	emitter      ports.NotificationEmitter
	offline      ports.OfflineNotifier
	metrics      *metrics.Metrics
	errorHandler *ErrorHandler
	logger       *slog.Logger
}

// NewNotificationHandler creates a new notification handler
func NewNotificationHandler(
	emitter ports.NotificationEmitter,
	offline ports.OfflineNotifier,
	m *metrics.Metrics,
	errorHandler *ErrorHandler,
	logger *slog.Logger,
) *NotificationHandler {
	return &NotificationHandler{
		emitter:      emitter,
		offline:      offline,
		metrics:      m,
		errorHandler: errorHandler,
		logger:       logger.With("component", "notification_handler"),
	}
}

// HandleTicketEvent pushes a ticket event to the ticket's room.
func (h *NotificationHandler) HandleTicketEvent(w http.ResponseWriter, r *http.Request) {
	ticketID := domain.TicketID(chi.URLParam(r, "ticketID"))
	if !ticketID.Valid() {
		h.errorHandler.Handle(w, r, apperrors.NewBadRequestError(apperrors.ErrTicketIDRequired, "Invalid ticket ID"))
		return
	}

	req, err := validation.DecodeAndValidate[TicketEventRequest](w, r)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	ctx := r.Context()
	var delivered int
	switch domain.EventType(req.Type) {
	case domain.EventTicketUpdated:
		delivered = h.emitter.TicketUpdated(ctx, ticketID, req.Field, req.Value)
	case domain.EventAssigned:
		delivered = h.emitter.TicketAssigned(ctx, ticketID, req.AgentID, req.AgentName)
		h.metrics.RecordNotification(req.Type, string(domain.TargetIdentity))
	case domain.EventAITyping:
		delivered = h.emitter.AITyping(ctx, ticketID, *req.IsTyping)
	case domain.EventHumanTakeover:
		delivered = h.emitter.HumanTakeover(ctx, domain.HumanTakeoverPayload{
			TicketID:     ticketID,
			TicketNumber: req.TicketNumber,
			CustomerName: req.CustomerName,
			Message:      req.Message,
		}, req.AgentID)
		if req.AgentID != "" {
			h.metrics.RecordNotification(req.Type, string(domain.TargetIdentity))
		}
	}
	h.metrics.RecordNotification(req.Type, string(domain.TargetRoom))
	if delivered == 0 {
		h.metrics.RecordDrop("no_target")
	}

	WriteAccepted(w, DeliveryResponse{Delivered: delivered})
}

// HandleNotify pushes a generic notification to one identity. When the
// identity has no live connection the offline notifier takes over.
func (h *NotificationHandler) HandleNotify(w http.ResponseWriter, r *http.Request) {
	identityID := strings.TrimSpace(chi.URLParam(r, "identityID"))
	if identityID == "" {
		h.errorHandler.Handle(w, r, apperrors.NewBadRequestError(apperrors.ErrBadRequest, "Invalid identity ID"))
		return
	}

	req, err := validation.DecodeAndValidate[NotificationRequest](w, r)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	ctx := r.Context()
	delivered := h.emitter.Notify(ctx, identityID, domain.NotificationPayload{
		Title:    req.Title,
		Body:     req.Body,
		Kind:     req.Kind,
		TicketID: domain.TicketID(req.TicketID),
		Link:     req.Link,
	})
	h.metrics.RecordNotification(string(domain.EventNotification), string(domain.TargetIdentity))

	resp := DeliveryResponse{Delivered: delivered}
	if delivered == 0 {
		h.metrics.RecordDrop("no_target")
		if h.offline != nil {
			h.offline.Notify(ctx, ports.OfflineNotification{
				RecipientID: identityID,
				Subject:     req.Title,
				Message:     req.Body,
				TicketID:    domain.TicketID(req.TicketID),
			})
			resp.OfflineFallback = true
			h.logger.DebugContext(ctx, "identity offline, used fallback notifier",
				"identity_id", identityID,
			)
		}
	}

	WriteAccepted(w, resp)
}
