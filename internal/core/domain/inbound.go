package domain

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/lorrc/service-desk-collab/internal/core/errors"
)

// MaxReadBatch bounds the number of message ids in one read frame.
const MaxReadBatch = 200

// Inbound is the closed set of frames a connection may send.
type Inbound interface {
	Kind() EventType
}

type (
	// AuthRequest carries the bearer credential when it was not supplied
	// on the upgrade request.
	AuthRequest struct {
		Token string `json:"token"`
	}

	JoinRequest struct {
		TicketID TicketID `json:"ticketId"`
	}

	LeaveRequest struct {
		TicketID TicketID `json:"ticketId"`
	}

	SendRequest struct {
		TicketID        TicketID     `json:"ticketId"`
		Content         string       `json:"content"`
		Internal        bool         `json:"internal,omitempty"`
		Attachments     []Attachment `json:"attachments,omitempty"`
		ClientMessageID string       `json:"clientMessageId,omitempty"`
	}

	TypingRequest struct {
		TicketID TicketID `json:"ticketId"`
		IsTyping bool     `json:"isTyping"`
	}

	ReadRequest struct {
		TicketID   TicketID `json:"ticketId"`
		MessageIDs []string `json:"messageIds"`
	}

	PresenceRequest struct {
		State string `json:"state"`
	}

	PingRequest struct{}
)

func (AuthRequest) Kind() EventType     { return EventAuth }
func (JoinRequest) Kind() EventType     { return EventJoin }
func (LeaveRequest) Kind() EventType    { return EventLeave }
func (SendRequest) Kind() EventType     { return EventMessage }
func (TypingRequest) Kind() EventType   { return EventTyping }
func (ReadRequest) Kind() EventType     { return EventRead }
func (PresenceRequest) Kind() EventType { return EventPresence }
func (PingRequest) Kind() EventType     { return EventPing }

// InboundFrame is a decoded frame together with its correlation id.
type InboundFrame struct {
	RequestID string
	Event     Inbound
}

// DecodeInbound parses a raw frame into its typed request.
func DecodeInbound(data []byte) (InboundFrame, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return InboundFrame{}, fmt.Errorf("%w: malformed frame", apperrors.ErrBadRequest)
	}

	frame := InboundFrame{RequestID: env.RequestID}

	var err error
	switch env.Type {
	case EventAuth:
		var req AuthRequest
		err = decodePayload(env.Payload, &req)
		frame.Event = req
	case EventJoin:
		var req JoinRequest
		if err = decodePayload(env.Payload, &req); err == nil {
			err = requireTicket(req.TicketID)
		}
		frame.Event = req
	case EventLeave:
		var req LeaveRequest
		if err = decodePayload(env.Payload, &req); err == nil {
			err = requireTicket(req.TicketID)
		}
		frame.Event = req
	case EventMessage:
		var req SendRequest
		if err = decodePayload(env.Payload, &req); err == nil {
			err = requireTicket(req.TicketID)
		}
		frame.Event = req
	case EventTyping:
		var req TypingRequest
		if err = decodePayload(env.Payload, &req); err == nil {
			err = requireTicket(req.TicketID)
		}
		frame.Event = req
	case EventRead:
		var req ReadRequest
		if err = decodePayload(env.Payload, &req); err == nil {
			err = requireTicket(req.TicketID)
		}
		if err == nil && (len(req.MessageIDs) == 0 || len(req.MessageIDs) > MaxReadBatch) {
			err = fmt.Errorf("%w: messageIds must contain between 1 and %d ids", apperrors.ErrBadRequest, MaxReadBatch)
		}
		frame.Event = req
	case EventPresence:
		var req PresenceRequest
		err = decodePayload(env.Payload, &req)
		frame.Event = req
	case EventPing:
		frame.Event = PingRequest{}
	default:
		return frame, fmt.Errorf("%w: %q", apperrors.ErrUnknownEvent, env.Type)
	}

	return frame, err
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: payload is required", apperrors.ErrBadRequest)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: invalid payload", apperrors.ErrBadRequest)
	}
	return nil
}

func requireTicket(id TicketID) error {
	if !id.Valid() {
		return apperrors.ErrTicketIDRequired
	}
	return nil
}
