package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/lorrc/service-desk-collab/internal/adapters/primary/validation"
	"github.com/lorrc/service-desk-collab/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-collab/internal/core/errors"
	"github.com/lorrc/service-desk-collab/internal/core/ports"
)

// TicketMirrorRequest is the body of PUT /api/v1/tickets/{ticketID}.
type TicketMirrorRequest struct {
	Number      string  `json:"number"`
	RequesterID string  `json:"requesterId"`
	AssigneeID  *string `json:"assigneeId"`
	AgentName   string  `json:"agentName,omitempty"`
}

// Validate implements validation.Validatable.
func (r *TicketMirrorRequest) Validate(v *validation.Validator) {
	v.MaxLength("number", r.Number, 64)
	v.Identifier("requesterId", r.RequesterID)
	if r.AssigneeID != nil {
		v.Identifier("assigneeId", *r.AssigneeID)
	}
	v.MaxLength("agentName", r.AgentName, 200)
}

// TicketResponse echoes the mirrored ownership.
type TicketResponse struct {
	ID          domain.TicketID `json:"id"`
	Number      string          `json:"number"`
	RequesterID string          `json:"requesterId"`
	AssigneeID  *string         `json:"assigneeId"`
	Created     bool            `json:"created"`
}

// TicketHandler keeps the local copy of ticket ownership in step with the
// ticket system. A changed assignee is announced to the room.
type TicketHandler struct {
	tickets      ports.TicketStore
	mirror       ports.TicketMirror
	emitter      ports.NotificationEmitter
	errorHandler *ErrorHandler
	logger       *slog.Logger
}

// NewTicketHandler creates a new ticket handler
func NewTicketHandler(
	tickets ports.TicketStore,
	mirror ports.TicketMirror,
	emitter ports.NotificationEmitter,
	errorHandler *ErrorHandler,
	logger *slog.Logger,
) *TicketHandler {
	return &TicketHandler{
		tickets:      tickets,
		mirror:       mirror,
		emitter:      emitter,
		errorHandler: errorHandler,
		logger:       logger.With("component", "ticket_handler"),
	}
}

// HandleUpsert creates or replaces a ticket's ownership record.
func (h *TicketHandler) HandleUpsert(w http.ResponseWriter, r *http.Request) {
	ticketID := domain.TicketID(chi.URLParam(r, "ticketID"))
	if !ticketID.Valid() {
		h.errorHandler.Handle(w, r, apperrors.NewBadRequestError(apperrors.ErrTicketIDRequired, "Invalid ticket ID"))
		return
	}

	req, err := validation.DecodeAndValidate[TicketMirrorRequest](w, r)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	ctx := r.Context()
	previous, err := h.tickets.GetAccess(ctx, ticketID)
	if err != nil && !errors.Is(err, apperrors.ErrTicketNotFound) {
		h.errorHandler.Handle(w, r, err)
		return
	}

	access := domain.TicketAccess{
		ID:          ticketID,
		Number:      req.Number,
		RequesterID: req.RequesterID,
		AssigneeID:  req.AssigneeID,
	}
	if err := h.mirror.Upsert(ctx, access); err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	if reassigned(previous, access) {
		delivered := h.emitter.TicketAssigned(ctx, ticketID, *access.AssigneeID, req.AgentName)
		h.logger.DebugContext(ctx, "assignment announced", "ticket_id", ticketID, "delivered", delivered)
	}

	status := http.StatusOK
	if previous == nil {
		status = http.StatusCreated
	}
	WriteJSON(w, status, TicketResponse{
		ID:          access.ID,
		Number:      access.Number,
		RequesterID: access.RequesterID,
		AssigneeID:  access.AssigneeID,
		Created:     previous == nil,
	})
}

// reassigned reports whether next names an assignee that previous did not.
func reassigned(previous *domain.TicketAccess, next domain.TicketAccess) bool {
	if next.AssigneeID == nil {
		return false
	}
	return previous == nil || !previous.IsAssignedTo(*next.AssigneeID)
}
