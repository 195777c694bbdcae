package websocket

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lorrc/service-desk-collab/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-collab/internal/core/errors"
	"github.com/lorrc/service-desk-collab/internal/core/ports"
	"github.com/lorrc/service-desk-collab/internal/infrastructure/logging"
	"github.com/lorrc/service-desk-collab/internal/infrastructure/metrics"
)

// CloseAuthFailed is the close code sent when the handshake is rejected.
const CloseAuthFailed = 4001

// Config tunes connection handling.
type Config struct {
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration
	SendBuffer       int
	MaxMessageBytes  int64
	EventsPerSecond  float64
	EventBurst       int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     54 * time.Second,
		PongWait:         60 * time.Second,
		WriteWait:        10 * time.Second,
		SendBuffer:       256,
		MaxMessageBytes:  64 * 1024,
		EventsPerSecond:  20,
		EventBurst:       40,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.PongWait <= 0 {
		c.PongWait = def.PongWait
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = (c.PongWait * 9) / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = def.WriteWait
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = def.SendBuffer
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = def.MaxMessageBytes
	}
	if c.EventBurst <= 0 {
		c.EventBurst = def.EventBurst
	}
	return c
}

// Gateway verifies upgraded connections and runs them until they close.
type Gateway struct {
	registry *Registry
	router   *Router
	verifier ports.IdentityVerifier
	cfg      Config
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewGateway creates a connection gateway.
func NewGateway(
	registry *Registry,
	router *Router,
	verifier ports.IdentityVerifier,
	cfg Config,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Gateway {
	return &Gateway{
		registry: registry,
		router:   router,
		verifier: verifier,
		cfg:      cfg.withDefaults(),
		metrics:  m,
		logger:   logger.With("component", "gateway"),
	}
}

// Serve owns ws until the connection ends. credential may be empty, in
// which case the first frame must be an auth frame. The caller's goroutine
// runs the read loop.
func (g *Gateway) Serve(ctx context.Context, ws *websocket.Conn, credential, remoteAddr string) {
	identity, err := g.handshake(ctx, ws, credential)
	if err != nil {
		g.reject(ws, remoteAddr, err)
		return
	}

	c := newConnection(ws, identity, remoteAddr, g.cfg, g.logger)
	if err := g.registry.Register(c); err != nil {
		g.logger.Warn("connection refused", "user_id", identity.UserID, "error", err)
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(g.cfg.WriteWait))
		_ = ws.Close()
		return
	}

	connCtx, cancel := context.WithCancel(logging.WithConnectionID(logging.WithUserID(ctx, identity.UserID), c.id))
	started := time.Now()
	defer func() {
		cancel()
		g.registry.Unregister(c)
		c.close(reasonTransport, websocket.CloseGoingAway)
		g.logger.Info("websocket disconnected",
			"connection_id", c.id,
			"user_id", identity.UserID,
			"remote_addr", remoteAddr,
			"reason", c.closeReason(),
			"duration", time.Since(started).String(),
		)
	}()

	g.logger.Info("websocket connected",
		"connection_id", c.id,
		"user_id", identity.UserID,
		"role", identity.Role,
		"remote_addr", remoteAddr,
	)

	c.sendEvent(domain.Event{
		Type:    domain.EventConnected,
		Payload: domain.ConnectedPayload{ConnectionID: c.id, Identity: identity},
	})

	go c.writePump(g.cfg)
	c.readPump(connCtx, g.cfg, func(ctx context.Context, raw []byte) {
		defer func() {
			if p := recover(); p != nil {
				logging.LogPanic(c.logger, p)
				c.sendError("", "", "", apperrors.ErrInternal)
			}
		}()
		g.router.Handle(ctx, c, raw)
	})
}

// handshake resolves the identity within the handshake timeout. A timeout
// counts as an authentication failure.
func (g *Gateway) handshake(ctx context.Context, ws *websocket.Conn, credential string) (domain.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.HandshakeTimeout)
	defer cancel()

	if credential == "" {
		token, err := g.readAuthFrame(ws)
		if err != nil {
			return domain.Identity{}, err
		}
		credential = token
	}

	identity, err := g.verifier.Verify(ctx, credential)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.Identity{}, errors.Join(apperrors.ErrAuthFailed, err)
		}
		return domain.Identity{}, err
	}
	return identity, nil
}

func (g *Gateway) readAuthFrame(ws *websocket.Conn) (string, error) {
	ws.SetReadLimit(g.cfg.MaxMessageBytes)
	if err := ws.SetReadDeadline(time.Now().Add(g.cfg.HandshakeTimeout)); err != nil {
		return "", errors.Join(apperrors.ErrAuthFailed, err)
	}

	_, raw, err := ws.ReadMessage()
	if err != nil {
		return "", errors.Join(apperrors.ErrAuthFailed, err)
	}

	frame, err := domain.DecodeInbound(raw)
	if err != nil {
		return "", errors.Join(apperrors.ErrAuthFailed, err)
	}
	auth, ok := frame.Event.(domain.AuthRequest)
	if !ok || auth.Token == "" {
		return "", apperrors.ErrAuthFailed
	}
	return auth.Token, nil
}

// reject closes an unverified connection; it never reaches the registry.
func (g *Gateway) reject(ws *websocket.Conn, remoteAddr string, err error) {
	g.metrics.RecordHandshakeFailure()
	g.logger.Warn("websocket handshake rejected",
		"remote_addr", remoteAddr,
		"error", err,
	)

	msg := websocket.FormatCloseMessage(CloseAuthFailed, apperrors.CodeAuthFailed)
	if werr := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(g.cfg.WriteWait)); werr != nil {
		g.logger.Debug("failed to send close message", "error", werr)
	}
	_ = ws.Close()
}
