package ports

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lorrc/service-desk-collab/internal/core/domain"
)

// IdentityVerifier turns a bearer credential into an authenticated identity.
type IdentityVerifier interface {
	Verify(ctx context.Context, credential string) (domain.Identity, error)
}

// AccessGuard decides whether an identity may join or act on a ticket's room.
// It returns ErrForbidden, ErrTicketNotFound, or a transient store error.
type AccessGuard interface {
	Authorize(ctx context.Context, identity domain.Identity, ticketID domain.TicketID) (*domain.TicketAccess, error)
}

// SendParams defines the input for posting a chat message.
type SendParams struct {
	Identity        domain.Identity
	TicketID        domain.TicketID
	Content         string
	Internal        bool
	Attachments     []domain.Attachment
	ClientMessageID string
}

// MarkReadParams defines the input for recording read receipts.
type MarkReadParams struct {
	Identity   domain.Identity
	TicketID   domain.TicketID
	MessageIDs []uuid.UUID
	ReadAt     time.Time
}

// ChatService holds the ticket chat use cases behind the event router.
type ChatService interface {
	// Join authorizes the identity and returns the bounded history snapshot,
	// oldest first. admit, when non-nil, runs after authorization and before
	// the snapshot is read, so membership added there misses no message
	// persisted after the snapshot.
	Join(ctx context.Context, identity domain.Identity, ticketID domain.TicketID, admit func()) ([]*domain.ChatMessage, error)
	// Send validates, authorizes and persists a message. The returned
	// message is authoritative and is what gets broadcast.
	Send(ctx context.Context, params SendParams) (*domain.ChatMessage, error)
	// MarkRead merges read receipts and returns the messages actually
	// recorded. Customers cannot mark internal notes.
	MarkRead(ctx context.Context, params MarkReadParams) ([]domain.ReadMark, error)
	// TouchActivity is the best-effort "last activity" side effect of a send.
	TouchActivity(ctx context.Context, ticketID domain.TicketID, at time.Time)
}

// RealtimeHub is the delivery surface the notification emitter pushes to.
// Every method returns the number of connections the event was queued for.
type RealtimeHub interface {
	BroadcastToRoom(ticketID domain.TicketID, event domain.Event, filter func(domain.Identity) bool) int
	SendToIdentity(identityID string, event domain.Event) int
	// SendToIdentityOutside skips the identity's connections already in
	// the ticket's room.
	SendToIdentityOutside(identityID string, ticketID domain.TicketID, event domain.Event) int
}

// NotificationEmitter pushes server-initiated events. Delivery is
// fire-and-forget; an empty target set is not an error.
type NotificationEmitter interface {
	EmitToRoom(ctx context.Context, ticketID domain.TicketID, n domain.OutboundNotification) int
	EmitToIdentity(ctx context.Context, identityID string, n domain.OutboundNotification) int

	TicketUpdated(ctx context.Context, ticketID domain.TicketID, field string, value any) int
	TicketAssigned(ctx context.Context, ticketID domain.TicketID, agentID, agentName string) int
	AITyping(ctx context.Context, ticketID domain.TicketID, isTyping bool) int
	HumanTakeover(ctx context.Context, p domain.HumanTakeoverPayload, agentID string) int
	Notify(ctx context.Context, identityID string, p domain.NotificationPayload) int
}

// OfflineNotification is handed to the offline fallback when a personal
// notification found no live connection.
type OfflineNotification struct {
	RecipientID string
	Subject     string
	Message     string
	TicketID    domain.TicketID
}

// OfflineNotifier is the durable fallback (email) for identities that are not online.
type OfflineNotifier interface {
	Notify(ctx context.Context, params OfflineNotification)
}
