package domain

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	apperrors "github.com/lorrc/service-desk-collab/internal/core/errors"
)

// MaxContentLength is the default upper bound on a chat message body, in runes.
const MaxContentLength = 10000

// Attachment references a file uploaded out of band.
type Attachment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// ChatMessage is a ticket-scoped chat entry. It is immutable once persisted
// except for ReadBy, which is merged per reader.
type ChatMessage struct {
	ID              uuid.UUID
	TicketID        TicketID
	Author          Identity
	Content         string
	Internal        bool
	Attachments     []Attachment
	ClientMessageID string
	CreatedAt       time.Time
	ReadBy          ReadReceipts
}

// MessageParams holds the input for a new chat message.
type MessageParams struct {
	TicketID        TicketID
	Author          Identity
	Content         string
	Internal        bool
	Attachments     []Attachment
	ClientMessageID string
	MaxLength       int
}

// NewChatMessage validates params and returns an unpersisted message.
// The store assigns ID and CreatedAt.
func NewChatMessage(p MessageParams) (*ChatMessage, error) {
	if !p.TicketID.Valid() {
		return nil, apperrors.ErrTicketIDRequired
	}
	content := strings.TrimSpace(p.Content)
	if content == "" && len(p.Attachments) == 0 {
		return nil, apperrors.ErrInvalidMessage
	}
	limit := p.MaxLength
	if limit <= 0 {
		limit = MaxContentLength
	}
	if utf8.RuneCountInString(content) > limit {
		return nil, apperrors.ErrContentTooLong
	}

	// Only staff can write notes hidden from the customer.
	internal := p.Internal && p.Author.Role.IsStaff()

	return &ChatMessage{
		TicketID:        p.TicketID,
		Author:          p.Author,
		Content:         content,
		Internal:        internal,
		Attachments:     p.Attachments,
		ClientMessageID: p.ClientMessageID,
		ReadBy:          ReadReceipts{},
	}, nil
}

// VisibleTo reports whether a reader with the given role may see the message.
func (m *ChatMessage) VisibleTo(role Role) bool {
	return !m.Internal || role.IsStaff()
}

// ReadReceipts maps reader identity ids to the time they read a message.
type ReadReceipts map[string]time.Time

// Merge records that userID read the message at ts. Entries only move
// forward in time and other readers' entries are left untouched.
// It reports whether the map changed.
func (r ReadReceipts) Merge(userID string, ts time.Time) bool {
	if prev, ok := r[userID]; ok && !ts.After(prev) {
		return false
	}
	r[userID] = ts
	return true
}

// Clone returns an independent copy.
func (r ReadReceipts) Clone() ReadReceipts {
	out := make(ReadReceipts, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// ReadMark identifies a message whose read receipt was recorded. Internal
// receipts may only be announced to staff.
type ReadMark struct {
	MessageID uuid.UUID
	Internal  bool
}

// VisibleTo reports whether a reader with the given role may learn of the mark.
func (m ReadMark) VisibleTo(role Role) bool {
	return !m.Internal || role.IsStaff()
}
