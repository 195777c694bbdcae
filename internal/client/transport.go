package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// closeAuthFailed is the close code the gateway uses for rejected credentials.
const closeAuthFailed = 4001

// Conn is one established duplex connection.
type Conn interface {
	// Read blocks for the next server frame.
	Read() ([]byte, error)
	// Write sends one frame. It is safe to call from several goroutines.
	Write(frame []byte) error
	Close() error
}

// Transport opens connections to the gateway.
type Transport interface {
	Dial(ctx context.Context, url, credential string) (Conn, error)
}

// WebSocketTransport dials the gateway with gorilla/websocket and sends the
// credential as a bearer token on the upgrade request.
type WebSocketTransport struct {
	Dialer    *websocket.Dialer
	WriteWait time.Duration
}

// NewWebSocketTransport creates a transport with sensible timeouts.
func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		WriteWait: 10 * time.Second,
	}
}

// Dial opens a websocket to url.
func (t *WebSocketTransport) Dial(ctx context.Context, url, credential string) (Conn, error) {
	header := http.Header{}
	if credential != "" {
		header.Set("Authorization", "Bearer "+credential)
	}

	ws, resp, err := t.Dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: upgrade returned %d", ErrAuthRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &wsConn{ws: ws, writeWait: t.WriteWait}, nil
}

type wsConn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	writeWait time.Duration
}

func (c *wsConn) Read() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) && ce.Code == closeAuthFailed {
			return nil, fmt.Errorf("%w: %s", ErrAuthRejected, ce.Text)
		}
		return nil, err
	}
	return data, nil
}

func (c *wsConn) Write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeWait > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	}
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}
