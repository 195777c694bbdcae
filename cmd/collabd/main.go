package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	httpAdapter "github.com/lorrc/service-desk-collab/internal/adapters/primary/http"
	mw "github.com/lorrc/service-desk-collab/internal/adapters/primary/http/middleware"
	"github.com/lorrc/service-desk-collab/internal/adapters/primary/websocket"
	"github.com/lorrc/service-desk-collab/internal/adapters/secondary/email"
	"github.com/lorrc/service-desk-collab/internal/adapters/secondary/memory"
	"github.com/lorrc/service-desk-collab/internal/adapters/secondary/postgres"
	"github.com/lorrc/service-desk-collab/internal/auth"
	"github.com/lorrc/service-desk-collab/internal/config"
	"github.com/lorrc/service-desk-collab/internal/core/ports"
	"github.com/lorrc/service-desk-collab/internal/core/services"
	"github.com/lorrc/service-desk-collab/internal/infrastructure/logging"
	"github.com/lorrc/service-desk-collab/internal/infrastructure/metrics"
)

// stores bundles the secondary adapters selected by STORE_DRIVER.
type stores struct {
	tickets  ports.TicketStore
	mirror   ports.TicketMirror
	messages ports.MessageStore
	health   ports.HealthChecker
	close    func()
}

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize Structured Logger
	logger := logging.NewLogger(logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      os.Stdout,
		ServiceName: cfg.App.Name,
		Environment: cfg.App.Environment,
	})

	logger.Info("starting service",
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
		"config", cfg.String(),
	)

	// 3. Initialize Stores
	ctx := context.Background()
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize stores", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer st.close()

	// 4. Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 5. Dependency Injection (Wiring the Hexagon)
	tokenManager := auth.NewTokenManager(cfg.JWT.Secret, cfg.JWT.AccessTokenTTL,
		auth.WithIssuer(cfg.JWT.Issuer),
		auth.WithAudience(cfg.JWT.Audience),
		auth.WithLeeway(cfg.JWT.Leeway),
	)

	guard := services.NewAccessGuard(st.tickets, cfg.Chat.StoreTimeout)
	chat := services.NewChatService(guard, st.messages, st.tickets, services.ChatConfig{
		HistoryLimit:     cfg.Chat.HistoryLimit,
		PersistTimeout:   cfg.Chat.PersistTimeout,
		StoreTimeout:     cfg.Chat.StoreTimeout,
		MaxContentLength: cfg.Chat.MaxContentLength,
	}, logger)

	registry := websocket.NewRegistry(m, logger)
	router := websocket.NewRouter(registry, chat, m, logger)
	gateway := websocket.NewGateway(registry, router, tokenManager, websocket.Config{
		HandshakeTimeout: cfg.WebSocket.HandshakeTimeout,
		PingInterval:     cfg.WebSocket.PingInterval,
		PongWait:         cfg.WebSocket.PongWait,
		WriteWait:        cfg.WebSocket.WriteWait,
		SendBuffer:       cfg.WebSocket.SendBuffer,
		MaxMessageBytes:  cfg.WebSocket.MaxMessageBytes,
		EventsPerSecond:  cfg.WebSocket.EventsPerSecond,
		EventBurst:       cfg.WebSocket.EventBurst,
	}, m, logger)

	emitter := services.NewNotificationEmitter(registry, logger)
	offline := email.NewLogMailer(email.Config{From: cfg.Mail.From, DedupeWindow: cfg.Mail.DedupeWindow}, logger)

	// 6. Initialize Rate Limiters
	var generalLimiter, upgradeLimiter, identityLimiter *mw.KeyedLimiter
	if cfg.RateLimit.Enabled {
		general := mw.LimiterConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.BurstSize,
			IdleTTL:           3 * time.Minute,
		}
		generalLimiter = mw.NewKeyedLimiter(general, mw.ByClientIP)
		identityLimiter = mw.NewKeyedLimiter(general, mw.ByIdentity)
		upgradeLimiter = mw.NewKeyedLimiter(mw.LimiterConfig{
			RequestsPerSecond: cfg.RateLimit.UpgradeRPS,
			Burst:             cfg.RateLimit.UpgradeBurst,
		}, mw.ByClientIP)
	}

	// 7. Handlers and Router
	errorHandler := httpAdapter.NewErrorHandler(logger)
	handler := httpAdapter.NewRouter(httpAdapter.RouterDeps{
		Config:          cfg,
		Logger:          logger,
		Verifier:        tokenManager,
		Gatherer:        reg,
		Health:          httpAdapter.NewHealthHandler(st.health, registry, cfg.App.Version),
		WebSocket:       httpAdapter.NewWebSocketHandler(gateway, cfg, logger),
		Notifications:   httpAdapter.NewNotificationHandler(emitter, offline, m, errorHandler, logger),
		Presence:        httpAdapter.NewPresenceHandler(registry, guard, errorHandler),
		Tickets:         httpAdapter.NewTicketHandler(st.tickets, st.mirror, emitter, errorHandler, logger),
		GeneralLimiter:  generalLimiter,
		UpgradeLimiter:  upgradeLimiter,
		IdentityLimiter: identityLimiter,
	})

	// 8. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:        cfg.Server.Port,
		Handler:     handler,
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown.
	registry.Close()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, error) {
	if cfg.Store.Driver == config.StoreDriverMemory {
		logger.Warn("using in-memory stores; messages are lost on restart")
		tickets := memory.NewTicketStore()
		return &stores{
			tickets:  tickets,
			mirror:   tickets,
			messages: memory.NewMessageStore(),
			health:   tickets,
			close:    func() {},
		}, nil
	}

	if cfg.Store.AutoMigrate {
		if err := postgres.Migrate(cfg.Store.MigrationsPath, cfg.Database.URL, logger); err != nil {
			return nil, err
		}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	poolConfig.MaxConns = int32(cfg.Database.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.Database.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.Database.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("database connection established")

	tickets := postgres.NewTicketRepository(pool)
	return &stores{
		tickets:  tickets,
		mirror:   tickets,
		messages: postgres.NewMessageRepository(pool),
		health:   tickets,
		close:    pool.Close,
	}, nil
}
