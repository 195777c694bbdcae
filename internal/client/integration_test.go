package client_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorrc/service-desk-collab/internal/adapters/primary/websocket"
	"github.com/lorrc/service-desk-collab/internal/adapters/secondary/memory"
	"github.com/lorrc/service-desk-collab/internal/auth"
	"github.com/lorrc/service-desk-collab/internal/client"
	"github.com/lorrc/service-desk-collab/internal/core/domain"
	"github.com/lorrc/service-desk-collab/internal/core/services"
)

type instantClock struct{}

func (instantClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

// droppingTransport remembers the last connection so a test can cut it.
type droppingTransport struct {
	inner client.Transport
	mu    sync.Mutex
	last  client.Conn
}

func (d *droppingTransport) Dial(ctx context.Context, url, credential string) (client.Conn, error) {
	conn, err := d.inner.Dial(ctx, url, credential)
	if err == nil {
		d.mu.Lock()
		d.last = conn
		d.mu.Unlock()
	}
	return conn, err
}

func (d *droppingTransport) drop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	_ = d.last.Close()
}

func startGateway(t *testing.T, tokens *auth.TokenManager) string {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tickets := memory.NewTicketStore()
	tickets.Put(domain.TicketAccess{ID: "T1", Number: "SD-1", RequesterID: "customer-42"})

	guard := services.NewAccessGuard(tickets, time.Second)
	chat := services.NewChatService(guard, memory.NewMessageStore(), tickets, services.ChatConfig{}, logger)
	registry := websocket.NewRegistry(nil, logger)
	gateway := websocket.NewGateway(registry, websocket.NewRouter(registry, chat, nil, logger), tokens, websocket.Config{}, nil, logger)

	upgrader := gws.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		gateway.Serve(r.Context(), ws, credential, r.RemoteAddr)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(registry.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func nextOf(t *testing.T, events <-chan domain.Envelope, want domain.EventType) domain.Envelope {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case env, ok := <-events:
			require.True(t, ok, "events closed")
			if env.Type == want {
				return env
			}
		case <-deadline:
			t.Fatalf("no %s event", want)
		}
	}
}

func TestController_AgainstGateway(t *testing.T) {
	tokens := auth.NewTokenManager("integration-secret", time.Hour)
	url := startGateway(t, tokens)
	token, err := tokens.GenerateToken(domain.Identity{UserID: "customer-42", DisplayName: "Cara", Role: domain.RoleCustomer})
	require.NoError(t, err)

	transport := &droppingTransport{inner: client.NewWebSocketTransport()}
	cfg := client.DefaultConfig()
	cfg.URL = url
	cfg.Credential = token
	ctl := client.New(cfg, transport, client.WithClock(instantClock{}))
	defer ctl.Close()

	require.NoError(t, ctl.Join("T1"))
	for _, content := range []string{"one", "two", "three"} {
		_, err := ctl.Send("T1", content)
		require.NoError(t, err)
	}
	require.NoError(t, ctl.Connect(context.Background()))

	history := nextOf(t, ctl.Events(), domain.EventHistory)
	var snapshot domain.HistoryPayload
	require.NoError(t, json.Unmarshal(history.Payload, &snapshot))
	assert.Empty(t, snapshot.Messages)

	var ids []string
	for _, want := range []string{"one", "two", "three"} {
		var m domain.MessageSnapshot
		require.NoError(t, json.Unmarshal(nextOf(t, ctl.Events(), domain.EventMessage).Payload, &m))
		assert.Equal(t, want, m.Content)
		ids = append(ids, m.ID)
	}
	assert.Equal(t, "customer-42", ctl.Identity().UserID)

	transport.drop()

	// The rejoin after reconnect delivers the persisted messages once each.
	history = nextOf(t, ctl.Events(), domain.EventHistory)
	require.NoError(t, json.Unmarshal(history.Payload, &snapshot))
	require.Len(t, snapshot.Messages, 3)
	for i, m := range snapshot.Messages {
		assert.Equal(t, ids[i], m.ID)
	}

	require.Eventually(t, func() bool { return ctl.Status().State == client.StateConnected }, 3*time.Second, 10*time.Millisecond)
	_, err = ctl.Send("T1", "after")
	require.NoError(t, err)
	var m domain.MessageSnapshot
	require.NoError(t, json.Unmarshal(nextOf(t, ctl.Events(), domain.EventMessage).Payload, &m))
	assert.Equal(t, "after", m.Content)
}

func TestController_RejectedCredentialAgainstGateway(t *testing.T) {
	url := startGateway(t, auth.NewTokenManager("integration-secret", time.Hour))

	terminal := make(chan client.Status, 1)
	cfg := client.DefaultConfig()
	cfg.URL = url
	cfg.Credential = "not-a-jwt"
	ctl := client.New(cfg, client.NewWebSocketTransport(),
		client.WithClock(instantClock{}),
		client.WithStateHandler(func(st client.Status) {
			if st.Terminal() {
				select {
				case terminal <- st:
				default:
				}
			}
		}),
	)
	defer ctl.Close()

	require.NoError(t, ctl.Connect(context.Background()))
	select {
	case st := <-terminal:
		assert.ErrorIs(t, st.Err, client.ErrAuthRejected)
	case <-time.After(3 * time.Second):
		t.Fatal("controller kept retrying a rejected credential")
	}
}
