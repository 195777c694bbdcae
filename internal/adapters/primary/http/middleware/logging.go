package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	apperrors "github.com/lorrc/service-desk-collab/internal/core/errors"
	"github.com/lorrc/service-desk-collab/internal/infrastructure/logging"
)

// RequestLogger writes one record per request. Websocket upgrades are
// logged when the handshake completes; the connection's own lifetime is
// logged by the gateway.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			msg := "http request"
			if status == 0 && isUpgrade(r) {
				status, msg = http.StatusSwitchingProtocols, "websocket upgraded"
			} else if status == 0 {
				status = http.StatusOK
			}

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Duration("duration", time.Since(start)),
				slog.Int("bytes", ww.BytesWritten()),
				slog.String("client_ip", ClientIP(r)),
			}
			if route := routePattern(r); route != "" {
				attrs = append(attrs, slog.String("route", route))
			}

			level := slog.LevelInfo
			switch {
			case status >= 500:
				level = slog.LevelError
			case status >= 400:
				level = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), level, msg, attrs...)
		})
	}
}

// RecoveryLogger turns a handler panic into a 500 and logs the stack.
func RecoveryLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				if p == http.ErrAbortHandler {
					panic(p)
				}
				logging.LogPanic(logging.LoggerFromContext(r.Context(), logger).With(
					"method", r.Method,
					"path", r.URL.Path,
				), p)
				if !isUpgrade(r) {
					WriteProblem(w, r, http.StatusInternalServerError, Problem{
						Error: "An unexpected error occurred",
						Code:  apperrors.CodeInternal,
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}
