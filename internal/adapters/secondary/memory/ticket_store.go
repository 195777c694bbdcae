package memory

import (
	"context"
	"sync"
	"time"

	"github.com/lorrc/service-desk-collab/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-collab/internal/core/errors"
	"github.com/lorrc/service-desk-collab/internal/core/ports"
)

// TicketStore is an in-process ticket store for development mode and tests.
type TicketStore struct {
	mu       sync.RWMutex
	tickets  map[domain.TicketID]domain.TicketAccess
	activity map[domain.TicketID]time.Time
}

var (
	_ ports.TicketStore   = (*TicketStore)(nil)
	_ ports.TicketMirror  = (*TicketStore)(nil)
	_ ports.HealthChecker = (*TicketStore)(nil)
)

func NewTicketStore() *TicketStore {
	return &TicketStore{
		tickets:  make(map[domain.TicketID]domain.TicketAccess),
		activity: make(map[domain.TicketID]time.Time),
	}
}

// Put creates or replaces a ticket. Reassignment in tests goes through here.
func (s *TicketStore) Put(t domain.TicketAccess) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.AssigneeID != nil {
		assignee := *t.AssigneeID
		t.AssigneeID = &assignee
	}
	s.tickets[t.ID] = t
}

func (s *TicketStore) Upsert(ctx context.Context, t domain.TicketAccess) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Unavailable("upsert ticket", err)
	}
	s.Put(t)
	return nil
}

func (s *TicketStore) GetAccess(ctx context.Context, ticketID domain.TicketID) (*domain.TicketAccess, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Unavailable("get ticket", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tickets[ticketID]
	if !ok {
		return nil, apperrors.ErrTicketNotFound
	}
	return &t, nil
}

func (s *TicketStore) TouchActivity(ctx context.Context, ticketID domain.TicketID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tickets[ticketID]; !ok {
		return apperrors.ErrTicketNotFound
	}
	if at.After(s.activity[ticketID]) {
		s.activity[ticketID] = at
	}
	return nil
}

// LastActivity returns the recorded last-activity time of a ticket.
func (s *TicketStore) LastActivity(ticketID domain.TicketID) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.activity[ticketID]
	return at, ok
}

func (s *TicketStore) Ping(ctx context.Context) error {
	return ctx.Err()
}
