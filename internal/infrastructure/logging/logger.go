package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"time"
)

// Config holds logger configuration
type Config struct {
	Level       string // debug, info, warn, error
	Format      string // json, text
	Output      io.Writer
	AddSource   bool
	ServiceName string
	Environment string
}

// DefaultConfig returns a default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:       "info",
		Format:      "json",
		Output:      os.Stdout,
		ServiceName: "service-desk-collab",
		Environment: "development",
	}
}

// Scope carries the correlation identifiers of one HTTP request or realtime
// connection. Empty fields are omitted from log records.
type Scope struct {
	RequestID    string
	UserID       string
	ConnectionID string
	TicketID     string
}

func (s Scope) attrs() []slog.Attr {
	out := make([]slog.Attr, 0, 4)
	for _, f := range [...]struct{ key, val string }{
		{"request_id", s.RequestID},
		{"user_id", s.UserID},
		{"connection_id", s.ConnectionID},
		{"ticket_id", s.TicketID},
	} {
		if f.val != "" {
			out = append(out, slog.String(f.key, f.val))
		}
	}
	return out
}

type scopeKey struct{}

// ScopeFrom returns the correlation scope stored in ctx, or the zero Scope.
func ScopeFrom(ctx context.Context) Scope {
	s, _ := ctx.Value(scopeKey{}).(Scope)
	return s
}

func withScope(ctx context.Context, edit func(*Scope)) context.Context {
	s := ScopeFrom(ctx)
	edit(&s)
	return context.WithValue(ctx, scopeKey{}, s)
}

// WithRequestID tags ctx with an HTTP request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withScope(ctx, func(s *Scope) { s.RequestID = id })
}

// WithUserID tags ctx with the authenticated principal.
func WithUserID(ctx context.Context, id string) context.Context {
	return withScope(ctx, func(s *Scope) { s.UserID = id })
}

// WithConnectionID tags ctx with a realtime connection id.
func WithConnectionID(ctx context.Context, id string) context.Context {
	return withScope(ctx, func(s *Scope) { s.ConnectionID = id })
}

// WithTicketID tags ctx with the ticket room an event targets.
func WithTicketID(ctx context.Context, id string) context.Context {
	return withScope(ctx, func(s *Scope) { s.TicketID = id })
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	return ScopeFrom(ctx).RequestID
}

// ParseLevel maps a configured level name to a slog level. Unknown names
// fall back to info.
func ParseLevel(name string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// NewLogger creates a new structured logger with the given configuration
func NewLogger(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:       ParseLevel(cfg.Level),
		AddSource:   cfg.AddSource,
		ReplaceAttr: rfc3339Time,
	}

	var base slog.Handler = slog.NewJSONHandler(out, opts)
	if strings.EqualFold(cfg.Format, "text") {
		base = slog.NewTextHandler(out, opts)
	}

	return slog.New(&scopeHandler{
		next: base.WithAttrs([]slog.Attr{
			slog.String("service", cfg.ServiceName),
			slog.String("environment", cfg.Environment),
		}),
	})
}

func rfc3339Time(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
		a.Value = slog.StringValue(a.Value.Time().Format(time.RFC3339Nano))
	}
	return a
}

// scopeHandler appends the context Scope to every record.
type scopeHandler struct {
	next slog.Handler
}

func (h *scopeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *scopeHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(ScopeFrom(ctx).attrs()...)
	return h.next.Handle(ctx, r)
}

func (h *scopeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &scopeHandler{next: h.next.WithAttrs(attrs)}
}

func (h *scopeHandler) WithGroup(name string) slog.Handler {
	return &scopeHandler{next: h.next.WithGroup(name)}
}

// LoggerFromContext binds the Scope in ctx to logger, for call sites that
// log without passing ctx.
func LoggerFromContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	attrs := ScopeFrom(ctx).attrs()
	if len(attrs) == 0 {
		return logger
	}
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return logger.With(args...)
}

// LogPanic records a recovered panic with the goroutine's stack.
func LogPanic(logger *slog.Logger, panicValue any) {
	logger.Error("panic recovered",
		"panic", panicValue,
		"stack_trace", string(debug.Stack()),
	)
}
