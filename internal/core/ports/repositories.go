package ports

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lorrc/service-desk-collab/internal/core/domain"
)

// TicketStore is the narrow view of the external ticket store.
type TicketStore interface {
	// GetAccess returns ownership/assignment for a ticket or ErrTicketNotFound.
	GetAccess(ctx context.Context, ticketID domain.TicketID) (*domain.TicketAccess, error)
	// TouchActivity bumps the ticket's last-activity timestamp.
	TouchActivity(ctx context.Context, ticketID domain.TicketID, at time.Time) error
}

// TicketMirror receives ownership updates from the ticket system of record.
type TicketMirror interface {
	Upsert(ctx context.Context, access domain.TicketAccess) error
}

// HistoryQuery selects the snapshot delivered on join.
type HistoryQuery struct {
	TicketID        domain.TicketID
	Limit           int
	IncludeInternal bool
}

// MessageStore persists chat messages and read receipts. Append is a durable
// write acknowledged before the message is broadcast. When the message
// carries a ClientMessageID, appending it twice returns the first copy.
type MessageStore interface {
	Append(ctx context.Context, msg *domain.ChatMessage) (*domain.ChatMessage, error)
	// History returns the most recent messages, ordered oldest to newest.
	History(ctx context.Context, q HistoryQuery) ([]*domain.ChatMessage, error)
	// MergeReadReceipt records the reader's read time for a message of the
	// given ticket. It never moves an existing entry backwards. It returns
	// nil when the message does not belong to the ticket, or is an internal
	// note and IncludeInternal is unset.
	MergeReadReceipt(ctx context.Context, r ReadReceiptUpdate) (*domain.ReadMark, error)
}

// ReadReceiptUpdate is one receipt to merge.
type ReadReceiptUpdate struct {
	TicketID        domain.TicketID
	MessageID       uuid.UUID
	ReaderID        string
	ReadAt          time.Time
	IncludeInternal bool
}

// HealthChecker is implemented by stores that can be probed for readiness.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
