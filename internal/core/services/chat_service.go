package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lorrc/service-desk-collab/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-collab/internal/core/errors"
	"github.com/lorrc/service-desk-collab/internal/core/ports"
)

// ChatConfig tunes the chat pipeline.
type ChatConfig struct {
	HistoryLimit     int
	PersistTimeout   time.Duration
	StoreTimeout     time.Duration
	MaxContentLength int
}

// DefaultChatConfig returns the defaults used when config leaves a value unset.
func DefaultChatConfig() ChatConfig {
	return ChatConfig{
		HistoryLimit:     50,
		PersistTimeout:   5 * time.Second,
		StoreTimeout:     5 * time.Second,
		MaxContentLength: domain.MaxContentLength,
	}
}

// ChatService implements the business logic behind the realtime event router.
type ChatService struct {
	guard    ports.AccessGuard
	messages ports.MessageStore
	tickets  ports.TicketStore
	cfg      ChatConfig
	logger   *slog.Logger
}

// Ensure implementation matches the interface.
var _ ports.ChatService = (*ChatService)(nil)

// NewChatService creates a new chat service.
func NewChatService(
	guard ports.AccessGuard,
	messages ports.MessageStore,
	tickets ports.TicketStore,
	cfg ChatConfig,
	logger *slog.Logger,
) *ChatService {
	def := DefaultChatConfig()
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = def.MaxContentLength
	}

	return &ChatService{
		guard:    guard,
		messages: messages,
		tickets:  tickets,
		cfg:      cfg,
		logger:   logger.With("component", "chat_service"),
	}
}

// Join authorizes the identity for the ticket and loads the history snapshot.
func (s *ChatService) Join(ctx context.Context, identity domain.Identity, ticketID domain.TicketID, admit func()) ([]*domain.ChatMessage, error) {
	if _, err := s.guard.Authorize(ctx, identity, ticketID); err != nil {
		return nil, err
	}
	if admit != nil {
		admit()
	}

	historyCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	msgs, err := s.messages.History(historyCtx, ports.HistoryQuery{
		TicketID:        ticketID,
		Limit:           s.cfg.HistoryLimit,
		IncludeInternal: identity.Role.IsStaff(),
	})
	if err != nil {
		return nil, storeError("load history", err)
	}

	return msgs, nil
}

// Send runs validate -> authorize -> persist. Nothing is returned for
// broadcast unless the store acknowledged the write.
func (s *ChatService) Send(ctx context.Context, params ports.SendParams) (*domain.ChatMessage, error) {
	// 1. Validate before touching any store.
	msg, err := domain.NewChatMessage(domain.MessageParams{
		TicketID:        params.TicketID,
		Author:          params.Identity,
		Content:         params.Content,
		Internal:        params.Internal,
		Attachments:     params.Attachments,
		ClientMessageID: params.ClientMessageID,
		MaxLength:       s.cfg.MaxContentLength,
	})
	if err != nil {
		return nil, err
	}

	// 2. Membership is not proof of current access.
	if _, err := s.guard.Authorize(ctx, params.Identity, params.TicketID); err != nil {
		return nil, err
	}

	// 3. Persist. A retry is only safe when the store can de-duplicate.
	persisted, err := s.append(ctx, msg)
	if err != nil && msg.ClientMessageID != "" && isTransient(ctx, err) {
		s.logger.Warn("retrying message append",
			"ticket_id", msg.TicketID,
			"client_message_id", msg.ClientMessageID,
			"error", err,
		)
		persisted, err = s.append(ctx, msg)
	}
	if err != nil {
		return nil, storeError("append message", err)
	}

	return persisted, nil
}

func (s *ChatService) append(ctx context.Context, msg *domain.ChatMessage) (*domain.ChatMessage, error) {
	appendCtx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	defer cancel()
	return s.messages.Append(appendCtx, msg)
}

// MarkRead merges the reader's timestamp into each message's read map.
// Customers' receipts on internal notes are skipped like foreign ids.
func (s *ChatService) MarkRead(ctx context.Context, params ports.MarkReadParams) ([]domain.ReadMark, error) {
	if _, err := s.guard.Authorize(ctx, params.Identity, params.TicketID); err != nil {
		return nil, err
	}

	readAt := params.ReadAt
	if readAt.IsZero() {
		readAt = time.Now().UTC()
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	applied := make([]domain.ReadMark, 0, len(params.MessageIDs))
	seen := make(map[uuid.UUID]struct{}, len(params.MessageIDs))
	for _, id := range params.MessageIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		mark, err := s.messages.MergeReadReceipt(storeCtx, ports.ReadReceiptUpdate{
			TicketID:        params.TicketID,
			MessageID:       id,
			ReaderID:        params.Identity.UserID,
			ReadAt:          readAt,
			IncludeInternal: params.Identity.Role.IsStaff(),
		})
		if err != nil {
			return applied, storeError("merge read receipt", err)
		}
		if mark != nil {
			applied = append(applied, *mark)
		}
	}

	return applied, nil
}

// TouchActivity updates the ticket's last-activity timestamp. Failures are
// logged and never undo the message that triggered them.
func (s *ChatService) TouchActivity(ctx context.Context, ticketID domain.TicketID, at time.Time) {
	touchCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	if err := s.tickets.TouchActivity(touchCtx, ticketID, at); err != nil {
		s.logger.Warn("failed to touch ticket activity",
			"ticket_id", ticketID,
			"error", err,
		)
	}
}

// isTransient reports whether err is a store outage or a timeout of the
// attempt itself rather than of the caller's context.
func isTransient(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return errors.Is(err, apperrors.ErrStoreUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

func storeError(op string, err error) error {
	if errors.Is(err, apperrors.ErrStoreUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return apperrors.Unavailable(op, err)
}
