package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lorrc/service-desk-collab/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-collab/internal/core/errors"
	"github.com/lorrc/service-desk-collab/internal/core/ports"
)

type idempotencyKey struct {
	ticketID        domain.TicketID
	authorID        string
	clientMessageID string
}

// MessageStore keeps chat messages in memory, per ticket in append order.
type MessageStore struct {
	mu       sync.RWMutex
	byTicket map[domain.TicketID][]*domain.ChatMessage
	byID     map[uuid.UUID]*domain.ChatMessage
	byKey    map[idempotencyKey]*domain.ChatMessage
	now      func() time.Time
}

var _ ports.MessageStore = (*MessageStore)(nil)

func NewMessageStore() *MessageStore {
	return &MessageStore{
		byTicket: make(map[domain.TicketID][]*domain.ChatMessage),
		byID:     make(map[uuid.UUID]*domain.ChatMessage),
		byKey:    make(map[idempotencyKey]*domain.ChatMessage),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Append assigns the id and timestamp. A repeated client message id from the
// same author on the same ticket returns the stored copy.
func (s *MessageStore) Append(ctx context.Context, msg *domain.ChatMessage) (*domain.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Unavailable("append message", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var key idempotencyKey
	if msg.ClientMessageID != "" {
		key = idempotencyKey{msg.TicketID, msg.Author.UserID, msg.ClientMessageID}
		if existing, ok := s.byKey[key]; ok {
			return clone(existing), nil
		}
	}

	stored := clone(msg)
	stored.ID = uuid.New()
	stored.CreatedAt = s.now()
	if stored.ReadBy == nil {
		stored.ReadBy = make(domain.ReadReceipts)
	}

	s.byTicket[stored.TicketID] = append(s.byTicket[stored.TicketID], stored)
	s.byID[stored.ID] = stored
	if msg.ClientMessageID != "" {
		s.byKey[key] = stored
	}
	return clone(stored), nil
}

func (s *MessageStore) History(ctx context.Context, q ports.HistoryQuery) ([]*domain.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Unavailable("load history", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.byTicket[q.TicketID]
	out := make([]*domain.ChatMessage, 0, min(len(all), q.Limit))
	for i := len(all) - 1; i >= 0 && len(out) < q.Limit; i-- {
		if all[i].Internal && !q.IncludeInternal {
			continue
		}
		out = append(out, clone(all[i]))
	}

	// Collected newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *MessageStore) MergeReadReceipt(ctx context.Context, r ports.ReadReceiptUpdate) (*domain.ReadMark, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Unavailable("merge read receipt", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byID[r.MessageID]
	if !ok || msg.TicketID != r.TicketID || (msg.Internal && !r.IncludeInternal) {
		return nil, nil
	}
	msg.ReadBy.Merge(r.ReaderID, r.ReadAt)
	return &domain.ReadMark{MessageID: msg.ID, Internal: msg.Internal}, nil
}

func clone(m *domain.ChatMessage) *domain.ChatMessage {
	c := *m
	c.ReadBy = m.ReadBy.Clone()
	if m.Attachments != nil {
		c.Attachments = append([]domain.Attachment(nil), m.Attachments...)
	}
	return &c
}
