package websocket

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/lorrc/service-desk-collab/internal/core/domain"
	"github.com/stretchr/testify/require"
)

var (
	customer42 = domain.Identity{UserID: "customer-42", DisplayName: "Cara", Role: domain.RoleCustomer}
	customer77 = domain.Identity{UserID: "customer-77", DisplayName: "Dan", Role: domain.RoleCustomer}
	agent7     = domain.Identity{UserID: "agent-7", DisplayName: "Alex", Role: domain.RoleAgent}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConnection builds a connection without a socket; frames queued for it
// are read straight from its send buffer.
func testConnection(identity domain.Identity) *Connection {
	return newConnection(nil, identity, "test", Config{SendBuffer: 64, EventBurst: 100}, discardLogger())
}

func nextEvent(t *testing.T, c *Connection) domain.Envelope {
	t.Helper()
	select {
	case frame := <-c.send:
		var env domain.Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		return env
	case <-time.After(time.Second):
		t.Fatalf("no frame queued for %s", c.identity.UserID)
	}
	return domain.Envelope{}
}

func assertNoEvent(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case frame := <-c.send:
		t.Fatalf("unexpected frame for %s: %s", c.identity.UserID, frame)
	default:
	}
}

func decodePayload[T any](t *testing.T, env domain.Envelope) T {
	t.Helper()
	var p T
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	return p
}
