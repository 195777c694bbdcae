package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lorrc/service-desk-collab/internal/adapters/secondary/memory"
	"github.com/lorrc/service-desk-collab/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-collab/internal/core/errors"
	"github.com/lorrc/service-desk-collab/internal/core/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tokenVerifier map[string]domain.Identity

func (v tokenVerifier) Verify(_ context.Context, credential string) (domain.Identity, error) {
	id, ok := v[credential]
	if !ok {
		return domain.Identity{}, apperrors.ErrAuthFailed
	}
	return id, nil
}

type gatewayFixture struct {
	registry *Registry
	server   *httptest.Server
}

func newGatewayFixture(t *testing.T, cfg Config) *gatewayFixture {
	t.Helper()
	tickets := memory.NewTicketStore()
	tickets.Put(domain.TicketAccess{ID: "T1", RequesterID: "customer-42"})
	tickets.Put(domain.TicketAccess{ID: "T9", RequesterID: "customer-77"})
	messages := memory.NewMessageStore()

	guard := services.NewAccessGuard(tickets, time.Second)
	chat := services.NewChatService(guard, messages, tickets, services.DefaultChatConfig(), discardLogger())
	registry := NewRegistry(nil, discardLogger())
	router := NewRouter(registry, chat, nil, discardLogger())
	verifier := tokenVerifier{"tok-customer": customer42, "tok-agent": agent7}
	gateway := NewGateway(registry, router, verifier, cfg, nil, discardLogger())

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		gateway.Serve(r.Context(), ws, r.URL.Query().Get("token"), r.RemoteAddr)
	}))
	t.Cleanup(func() {
		registry.Close()
		server.Close()
	})

	return &gatewayFixture{registry: registry, server: server}
}

func (f *gatewayFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	if token != "" {
		url += "?token=" + token
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) domain.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env domain.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	return env
}

func assertAuthClose(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, CloseAuthFailed, closeErr.Code)
	assert.Equal(t, apperrors.CodeAuthFailed, closeErr.Text)
}

func TestGateway_RejectsBadCredential(t *testing.T) {
	f := newGatewayFixture(t, DefaultConfig())

	ws := f.dial(t, "forged")
	assertAuthClose(t, ws)
	assert.Equal(t, 0, f.registry.Stats().Connections)
}

func TestGateway_HandshakeTimeoutIsAuthFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HandshakeTimeout = 100 * time.Millisecond
	f := newGatewayFixture(t, cfg)

	ws := f.dial(t, "")
	assertAuthClose(t, ws)
	assert.Equal(t, 0, f.registry.Stats().Connections)
}

func TestGateway_AuthFrame(t *testing.T) {
	f := newGatewayFixture(t, DefaultConfig())

	ws := f.dial(t, "")
	require.NoError(t, ws.WriteJSON(map[string]any{"type": "auth", "payload": map[string]string{"token": "tok-agent"}}))

	env := readEvent(t, ws)
	require.Equal(t, domain.EventConnected, env.Type)
	p := decodePayload[domain.ConnectedPayload](t, env)
	assert.NotEmpty(t, p.ConnectionID)
	assert.Equal(t, agent7, p.Identity)
	assert.True(t, f.registry.IsOnline("agent-7"))
}

func TestGateway_TwoConnectionsShareMessages(t *testing.T) {
	f := newGatewayFixture(t, DefaultConfig())

	a := f.dial(t, "tok-customer")
	b := f.dial(t, "tok-agent")
	for _, ws := range []*websocket.Conn{a, b} {
		require.Equal(t, domain.EventConnected, readEvent(t, ws).Type)
		require.NoError(t, ws.WriteJSON(map[string]any{"type": "join", "requestId": "j1", "payload": map[string]string{"ticketId": "T1"}}))
		env := readEvent(t, ws)
		require.Equal(t, domain.EventHistory, env.Type)
		assert.Equal(t, "j1", env.RequestID)
	}

	require.NoError(t, a.WriteJSON(map[string]any{"type": "message", "payload": map[string]string{"ticketId": "T1", "content": "hello"}}))

	fromA := decodePayload[domain.MessageSnapshot](t, readEvent(t, a))
	fromB := decodePayload[domain.MessageSnapshot](t, readEvent(t, b))
	assert.Equal(t, "hello", fromA.Content)
	assert.Equal(t, "hello", fromB.Content)
	assert.Equal(t, fromA.ID, fromB.ID)
}

func TestGateway_JoinWithoutAccess(t *testing.T) {
	f := newGatewayFixture(t, DefaultConfig())

	ws := f.dial(t, "tok-customer")
	readEvent(t, ws)
	require.NoError(t, ws.WriteJSON(map[string]any{"type": "join", "payload": map[string]string{"ticketId": "T9"}}))

	env := readEvent(t, ws)
	require.Equal(t, domain.EventError, env.Type)
	assert.Equal(t, apperrors.CodeForbidden, decodePayload[domain.ErrorPayload](t, env).Code)
	assert.Empty(t, f.registry.Members("T9"))
}

func TestGateway_DisconnectCleansUp(t *testing.T) {
	f := newGatewayFixture(t, DefaultConfig())

	ws := f.dial(t, "tok-customer")
	readEvent(t, ws)
	require.NoError(t, ws.WriteJSON(map[string]any{"type": "join", "payload": map[string]string{"ticketId": "T1"}}))
	readEvent(t, ws)
	require.Len(t, f.registry.Members("T1"), 1)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	require.Eventually(t, func() bool {
		return f.registry.Stats() == Stats{}
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, f.registry.IsOnline("customer-42"))
}
