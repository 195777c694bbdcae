package domain

import "time"

// NotificationTargetKind says whether a notification goes to a room or
// to an identity's personal channel.
type NotificationTargetKind string

const (
	TargetRoom     NotificationTargetKind = "room"
	TargetIdentity NotificationTargetKind = "identity"
)

// OutboundNotification is a server-initiated push. It is transient: it is
// delivered to whoever is connected right now or dropped.
type OutboundNotification struct {
	Type    EventType
	Payload any
}

// Event converts the notification to a wire frame.
func (n OutboundNotification) Event() Event {
	return Event{Type: n.Type, Payload: n.Payload}
}

// TicketUpdatedPayload reports a single field change on a ticket.
type TicketUpdatedPayload struct {
	TicketID TicketID `json:"ticketId"`
	Field    string   `json:"field"`
	Value    any      `json:"value"`
}

// TicketAssignedPayload reports a (re)assignment.
type TicketAssignedPayload struct {
	TicketID  TicketID `json:"ticketId"`
	AgentID   string   `json:"agentId"`
	AgentName string   `json:"agentName"`
}

// AITypingPayload toggles the assistant's typing indicator.
type AITypingPayload struct {
	TicketID TicketID `json:"ticketId"`
	IsTyping bool     `json:"isTyping"`
}

// HumanTakeoverPayload alerts staff that a customer asked for a human.
type HumanTakeoverPayload struct {
	TicketID     TicketID `json:"ticketId"`
	TicketNumber string   `json:"ticketNumber"`
	CustomerName string   `json:"customerName"`
	Message      *string  `json:"message,omitempty"`
}

// NotificationPayload is a generic per-user alert.
type NotificationPayload struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Kind      string    `json:"kind,omitempty"`
	TicketID  TicketID  `json:"ticketId,omitempty"`
	Link      string    `json:"link,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
