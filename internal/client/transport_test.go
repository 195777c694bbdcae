package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGatewayStub(t *testing.T, handle func(*websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		handle(ws)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketTransport_RoundTrip(t *testing.T) {
	url := newGatewayStub(t, func(ws *websocket.Conn) {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		_ = ws.WriteMessage(websocket.TextMessage, data)
	})

	conn, err := NewWebSocketTransport().Dial(context.Background(), url, "good")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Write([]byte(`{"type":"ping"}`)))
	data, err := conn.Read()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping"}`, string(data))
}

func TestWebSocketTransport_RejectedUpgrade(t *testing.T) {
	url := newGatewayStub(t, func(*websocket.Conn) {})

	_, err := NewWebSocketTransport().Dial(context.Background(), url, "bad")
	assert.ErrorIs(t, err, ErrAuthRejected)
}

func TestWebSocketTransport_AuthCloseCode(t *testing.T) {
	url := newGatewayStub(t, func(ws *websocket.Conn) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeAuthFailed, "token expired"),
			time.Now().Add(time.Second))
	})

	conn, err := NewWebSocketTransport().Dial(context.Background(), url, "good")
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Read()
	assert.ErrorIs(t, err, ErrAuthRejected)
}
