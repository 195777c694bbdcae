package domain

import "time"

// MessageSnapshot matches the wire shape of a chat message.
type MessageSnapshot struct {
	ID              string            `json:"id"`
	TicketID        TicketID          `json:"ticketId"`
	AuthorID        string            `json:"authorId"`
	AuthorName      string            `json:"authorName"`
	AuthorRole      Role              `json:"authorRole"`
	Content         string            `json:"content"`
	Internal        bool              `json:"internal"`
	Attachments     []Attachment      `json:"attachments,omitempty"`
	ClientMessageID string            `json:"clientMessageId,omitempty"`
	CreatedAt       string            `json:"createdAt"`
	ReadBy          map[string]string `json:"readBy,omitempty"`
}

// NewMessageSnapshot builds a snapshot from a persisted message.
func NewMessageSnapshot(m *ChatMessage) MessageSnapshot {
	var readBy map[string]string
	if len(m.ReadBy) > 0 {
		readBy = make(map[string]string, len(m.ReadBy))
		for userID, ts := range m.ReadBy {
			readBy[userID] = ts.UTC().Format(time.RFC3339Nano)
		}
	}

	return MessageSnapshot{
		ID:              m.ID.String(),
		TicketID:        m.TicketID,
		AuthorID:        m.Author.UserID,
		AuthorName:      m.Author.DisplayName,
		AuthorRole:      m.Author.Role,
		Content:         m.Content,
		Internal:        m.Internal,
		Attachments:     m.Attachments,
		ClientMessageID: m.ClientMessageID,
		CreatedAt:       m.CreatedAt.UTC().Format(time.RFC3339Nano),
		ReadBy:          readBy,
	}
}

// NewMessageSnapshots converts a slice, preserving order.
func NewMessageSnapshots(msgs []*ChatMessage) []MessageSnapshot {
	out := make([]MessageSnapshot, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, NewMessageSnapshot(m))
	}
	return out
}
