package domain

import "encoding/json"

// EventType names a frame on the realtime channel.
type EventType string

// Inbound (connection -> server).
const (
	EventAuth     EventType = "auth"
	EventJoin     EventType = "join"
	EventLeave    EventType = "leave"
	EventMessage  EventType = "message"
	EventTyping   EventType = "typing"
	EventRead     EventType = "read"
	EventPresence EventType = "presence"
	EventPing     EventType = "ping"
)

// Outbound (server -> connection). message, typing and read are reused
// for their broadcast counterparts.
const (
	EventConnected     EventType = "connected"
	EventHistory       EventType = "history"
	EventError         EventType = "error"
	EventPong          EventType = "pong"
	EventNotification  EventType = "notification"
	EventTicketUpdated EventType = "ticket-updated"
	EventAssigned      EventType = "ticket-assigned"
	EventAITyping      EventType = "ai-typing"
	EventHumanTakeover EventType = "human-takeover"
)

// Event is an outbound frame.
type Event struct {
	Type      EventType `json:"type"`
	RequestID string    `json:"requestId,omitempty"`
	Payload   any       `json:"payload,omitempty"`
}

// Envelope is the raw wire shape of a frame before its payload is decoded.
type Envelope struct {
	Type      EventType       `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ConnectedPayload acknowledges a verified connection.
type ConnectedPayload struct {
	ConnectionID string   `json:"connectionId"`
	Identity     Identity `json:"identity"`
}

// HistoryPayload is the bounded snapshot delivered to a joining connection.
type HistoryPayload struct {
	TicketID TicketID          `json:"ticketId"`
	Messages []MessageSnapshot `json:"messages"`
}

// TypingPayload is broadcast to the room minus the typist.
type TypingPayload struct {
	TicketID    TicketID `json:"ticketId"`
	IdentityID  string   `json:"identityId"`
	DisplayName string   `json:"displayName"`
	IsTyping    bool     `json:"isTyping"`
}

// ReadPayload is broadcast to the room minus the reader.
type ReadPayload struct {
	TicketID   TicketID `json:"ticketId"`
	IdentityID string   `json:"identityId"`
	MessageIDs []string `json:"messageIds"`
	ReadAt     string   `json:"readAt"`
}

// ErrorPayload is sent to the originating connection only.
type ErrorPayload struct {
	Code     string    `json:"code"`
	Message  string    `json:"message"`
	Event    EventType `json:"event,omitempty"`
	TicketID TicketID  `json:"ticketId,omitempty"`
}
