package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/lorrc/service-desk-collab/internal/adapters/primary/http/middleware"
	"github.com/lorrc/service-desk-collab/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-collab/internal/core/errors"
	"github.com/lorrc/service-desk-collab/internal/core/ports"
)

// PresenceSource answers presence questions from live connections.
type PresenceSource interface {
	Members(ticketID domain.TicketID) []domain.Identity
	IsOnline(identityID string) bool
}

// PresenceResponse lists who is connected to a ticket's room.
type PresenceResponse struct {
	TicketID domain.TicketID   `json:"ticketId"`
	Online   []domain.Identity `json:"online"`
}

// IdentityPresenceResponse says whether one identity has a live connection.
type IdentityPresenceResponse struct {
	IdentityID string `json:"identityId"`
	Online     bool   `json:"online"`
}

// PresenceHandler serves the derived presence view.
type PresenceHandler struct {
	source       PresenceSource
	guard        ports.AccessGuard
	errorHandler *ErrorHandler
}

// NewPresenceHandler creates a new presence handler
func NewPresenceHandler(source PresenceSource, guard ports.AccessGuard, errorHandler *ErrorHandler) *PresenceHandler {
	return &PresenceHandler{
		source:       source,
		guard:        guard,
		errorHandler: errorHandler,
	}
}

// HandleRoom lists the identities online in a ticket's room. The caller
// must be allowed into the room.
func (h *PresenceHandler) HandleRoom(w http.ResponseWriter, r *http.Request) {
	identity, ok := mw.GetIdentity(r.Context())
	if !ok {
		h.errorHandler.Handle(w, r, apperrors.NewUnauthorizedError("Authentication required"))
		return
	}

	ticketID := domain.TicketID(chi.URLParam(r, "ticketID"))
	if _, err := h.guard.Authorize(r.Context(), identity, ticketID); err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	online := h.source.Members(ticketID)
	if online == nil {
		online = []domain.Identity{}
	}
	WriteJSON(w, http.StatusOK, PresenceResponse{TicketID: ticketID, Online: online})
}

// HandleIdentity reports whether an identity is online.
func (h *PresenceHandler) HandleIdentity(w http.ResponseWriter, r *http.Request) {
	identityID := chi.URLParam(r, "identityID")
	WriteJSON(w, http.StatusOK, IdentityPresenceResponse{
		IdentityID: identityID,
		Online:     h.source.IsOnline(identityID),
	})
}
