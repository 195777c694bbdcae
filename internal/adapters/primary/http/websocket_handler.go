package http

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	mw "github.com/lorrc/service-desk-collab/internal/adapters/primary/http/middleware"
	"github.com/lorrc/service-desk-collab/internal/config"
)

// ConnectionServer runs an upgraded connection until it closes.
type ConnectionServer interface {
	Serve(ctx context.Context, ws *websocket.Conn, credential, remoteAddr string)
}

// WebSocketHandler upgrades /ws requests and hands them to the gateway.
type WebSocketHandler struct {
	gateway  ConnectionServer
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(gateway ConnectionServer, cfg *config.Config, logger *slog.Logger) *WebSocketHandler {
	h := &WebSocketHandler{
		gateway: gateway,
		logger:  logger.With("component", "ws_upgrade"),
	}
	policy := newOriginPolicy(cfg.WebSocket.AllowedOrigins, cfg.IsDevelopment())
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   cfg.WebSocket.ReadBufferSize,
		WriteBufferSize:  cfg.WebSocket.WriteBufferSize,
		HandshakeTimeout: cfg.WebSocket.HandshakeTimeout,
		CheckOrigin: func(r *http.Request) bool {
			if policy.allows(r.Header.Get("Origin")) {
				return true
			}
			h.logger.WarnContext(r.Context(), "websocket origin rejected",
				"origin", r.Header.Get("Origin"),
				"client_ip", mw.ClientIP(r),
			)
			return false
		},
	}
	return h
}

// ServeHTTP upgrades the request and hands the socket to the gateway.
// The credential may come from the Authorization header or the "token"
// query parameter; when both are absent the gateway expects an auth frame.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	credential, ok := mw.BearerToken(r)
	if !ok {
		credential = r.URL.Query().Get("token")
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.DebugContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	h.gateway.Serve(r.Context(), conn, credential, mw.ClientIP(r))
}

// originPolicy decides which browser origins may open a socket. Requests
// without an Origin header come from non-browser clients and are allowed.
type originPolicy struct {
	any      bool
	exact    map[string]struct{}
	suffixes []string
}

func newOriginPolicy(allowed []string, development bool) originPolicy {
	p := originPolicy{any: development, exact: make(map[string]struct{})}
	for _, entry := range allowed {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if u, err := url.Parse(entry); err == nil && u.Host != "" {
			entry = u.Host
		}
		switch {
		case entry == "*":
			p.any = true
		case strings.HasPrefix(entry, "*."):
			p.suffixes = append(p.suffixes, entry[1:])
			p.exact[entry[2:]] = struct{}{}
		case entry != "":
			p.exact[entry] = struct{}{}
		}
	}
	return p
}

func (p originPolicy) allows(origin string) bool {
	if origin == "" || p.any {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Host)
	if _, ok := p.exact[host]; ok {
		return true
	}
	for _, suffix := range p.suffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}
