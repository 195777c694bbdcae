package services

import (
	"context"
	"errors"
	"time"

	"github.com/lorrc/service-desk-collab/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-collab/internal/core/errors"
	"github.com/lorrc/service-desk-collab/internal/core/ports"
)

// AccessGuard implements room-scoped authorization against the ticket store.
// Decisions are never cached: every join and every send asks the store again
// so that a reassignment takes effect on the next action.
type AccessGuard struct {
	tickets ports.TicketStore
	timeout time.Duration
}

// Ensure implementation matches the interface.
var _ ports.AccessGuard = (*AccessGuard)(nil)

// NewAccessGuard creates a guard. timeout bounds each ticket lookup.
func NewAccessGuard(tickets ports.TicketStore, timeout time.Duration) *AccessGuard {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &AccessGuard{
		tickets: tickets,
		timeout: timeout,
	}
}

// Authorize allows the ticket's requester, its assignee, and any staff role
// (agent, supervisor, admin). Store failures come back wrapped in
// ErrStoreUnavailable so callers can tell them apart from a denial.
func (g *AccessGuard) Authorize(ctx context.Context, identity domain.Identity, ticketID domain.TicketID) (*domain.TicketAccess, error) {
	if !ticketID.Valid() {
		return nil, apperrors.ErrTicketIDRequired
	}

	lookupCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	ticket, err := g.tickets.GetAccess(lookupCtx, ticketID)
	if err != nil {
		if errors.Is(err, apperrors.ErrTicketNotFound) {
			// Customers get a generic Forbidden so ticket ids cannot be probed.
			if !identity.Role.IsStaff() {
				return nil, apperrors.ErrForbidden
			}
			return nil, err
		}
		if errors.Is(err, apperrors.ErrStoreUnavailable) {
			return nil, err
		}
		return nil, apperrors.Unavailable("ticket lookup", err)
	}

	if ticket.IsOwnedBy(identity.UserID) || ticket.IsAssignedTo(identity.UserID) || identity.Role.IsStaff() {
		return ticket, nil
	}

	return nil, apperrors.ErrForbidden
}
