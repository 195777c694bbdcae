package domain_test

import (
	"testing"

	"github.com/lorrc/service-desk-collab/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-collab/internal/core/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInbound(t *testing.T) {
	t.Run("join", func(t *testing.T) {
		frame, err := domain.DecodeInbound([]byte(`{"type":"join","requestId":"r1","payload":{"ticketId":"T1"}}`))
		require.NoError(t, err)
		assert.Equal(t, "r1", frame.RequestID)
		assert.Equal(t, domain.JoinRequest{TicketID: "T1"}, frame.Event)
	})

	t.Run("message", func(t *testing.T) {
		frame, err := domain.DecodeInbound([]byte(`{"type":"message","payload":{"ticketId":"T1","content":"hello","clientMessageId":"c-1"}}`))
		require.NoError(t, err)
		req, ok := frame.Event.(domain.SendRequest)
		require.True(t, ok)
		assert.Equal(t, "hello", req.Content)
		assert.Equal(t, "c-1", req.ClientMessageID)
	})

	t.Run("typing", func(t *testing.T) {
		frame, err := domain.DecodeInbound([]byte(`{"type":"typing","payload":{"ticketId":"T1","isTyping":true}}`))
		require.NoError(t, err)
		assert.Equal(t, domain.TypingRequest{TicketID: "T1", IsTyping: true}, frame.Event)
	})

	t.Run("ping without payload", func(t *testing.T) {
		frame, err := domain.DecodeInbound([]byte(`{"type":"ping"}`))
		require.NoError(t, err)
		assert.Equal(t, domain.EventPing, frame.Event.Kind())
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := domain.DecodeInbound([]byte(`{"type":"shout","payload":{}}`))
		assert.ErrorIs(t, err, apperrors.ErrUnknownEvent)
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := domain.DecodeInbound([]byte(`{"type":`))
		assert.ErrorIs(t, err, apperrors.ErrBadRequest)
	})

	t.Run("missing ticket", func(t *testing.T) {
		frame, err := domain.DecodeInbound([]byte(`{"type":"join","requestId":"r2","payload":{}}`))
		assert.ErrorIs(t, err, apperrors.ErrTicketIDRequired)
		assert.Equal(t, "r2", frame.RequestID)
	})

	t.Run("read requires ids", func(t *testing.T) {
		_, err := domain.DecodeInbound([]byte(`{"type":"read","payload":{"ticketId":"T1","messageIds":[]}}`))
		assert.ErrorIs(t, err, apperrors.ErrBadRequest)
	})
}
