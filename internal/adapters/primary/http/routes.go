package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	mw "github.com/lorrc/service-desk-collab/internal/adapters/primary/http/middleware"
	"github.com/lorrc/service-desk-collab/internal/config"
	"github.com/lorrc/service-desk-collab/internal/core/domain"
	"github.com/lorrc/service-desk-collab/internal/core/ports"
)

// RouterDeps holds everything the HTTP surface is built from. Nil rate
// limiters disable the corresponding limit.
type RouterDeps struct {
	Config   *config.Config
	Logger   *slog.Logger
	Verifier ports.IdentityVerifier
	Gatherer prometheus.Gatherer

	Health        *HealthHandler
	WebSocket     *WebSocketHandler
	Notifications *NotificationHandler
	Presence      *PresenceHandler
	Tickets       *TicketHandler

	GeneralLimiter  *mw.KeyedLimiter
	UpgradeLimiter  *mw.KeyedLimiter
	IdentityLimiter *mw.KeyedLimiter
}

// NewRouter builds the chi router serving probes, metrics, the websocket
// upgrade and the REST API.
func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.RequestLogger(d.Logger))
	r.Use(mw.RecoveryLogger(d.Logger))
	// An empty origin list means "allow all" to cors, so skip it instead.
	if opts := corsOptions(d.Config); len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(opts))
	}

	// Health check endpoints (outside /api/v1 for standard probe paths)
	r.Get("/health", d.Health.HandleHealth)
	r.Get("/health/live", d.Health.HandleLiveness)
	r.Get("/health/ready", d.Health.HandleReadiness)

	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket route (authentication is part of the gateway handshake)
		r.Group(func(r chi.Router) {
			if d.UpgradeLimiter != nil {
				r.Use(d.UpgradeLimiter.Middleware)
			}
			r.Get("/ws", d.WebSocket.ServeHTTP)
		})

		// Protected REST routes
		r.Group(func(r chi.Router) {
			if d.GeneralLimiter != nil {
				r.Use(d.GeneralLimiter.Middleware)
			}
			r.Use(mw.JWTMiddleware(d.Verifier))
			if d.IdentityLimiter != nil {
				r.Use(d.IdentityLimiter.Middleware)
			}

			r.Get("/presence/{ticketID}", d.Presence.HandleRoom)

			// Emitter API for ticket-mutation code paths
			r.Group(func(r chi.Router) {
				r.Use(mw.RequireRole(domain.RoleAgent))
				r.Get("/presence/identities/{identityID}", d.Presence.HandleIdentity)
				r.Post("/tickets/{ticketID}/events", d.Notifications.HandleTicketEvent)
				r.Post("/identities/{identityID}/notifications", d.Notifications.HandleNotify)
			})

			// Ownership mirror fed by the ticket system
			r.Group(func(r chi.Router) {
				r.Use(mw.RequireRole(domain.RoleAdmin))
				r.Put("/tickets/{ticketID}", d.Tickets.HandleUpsert)
			})
		})
	})

	return r
}

func corsOptions(cfg *config.Config) cors.Options {
	origins := cfg.Server.CORSOrigins
	if len(origins) == 0 && cfg.IsDevelopment() {
		origins = []string{"*"}
	}
	return cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", mw.RequestIDHeader},
		ExposedHeaders:   []string{mw.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}
}
