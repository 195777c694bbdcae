package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Store selection and database configuration
	Store    StoreConfig
	Database DatabaseConfig

	// JWT configuration
	JWT JWTConfig

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// WebSocket configuration
	WebSocket WebSocketConfig

	// Ticket chat configuration
	Chat ChatConfig

	// Offline notification mail configuration
	Mail MailConfig

	// Logging configuration
	Logging LoggingConfig

	// Application metadata
	App AppConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string // Browser origins allowed to call the HTTP API
}

// Store drivers.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// StoreConfig selects the message and ticket store implementation
type StoreConfig struct {
	Driver         string // postgres, memory
	MigrationsPath string
	AutoMigrate    bool
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// MailConfig holds the offline notification fallback configuration
type MailConfig struct {
	From         string
	DedupeWindow time.Duration // Identical notices inside the window are sent once
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret         string
	AccessTokenTTL time.Duration
	Issuer         string // Required on verified tokens when set
	Audience       string // Required on verified tokens when set
	Leeway         time.Duration
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	BurstSize         int
	UpgradeRPS        float64 // Stricter limit for websocket upgrades
	UpgradeBurst      int
}

// WebSocketConfig holds WebSocket configuration
type WebSocketConfig struct {
	AllowedOrigins   []string
	ReadBufferSize   int
	WriteBufferSize  int
	PingInterval     time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration
	HandshakeTimeout time.Duration
	SendBuffer       int
	MaxMessageBytes  int64
	EventsPerSecond  float64 // Per-connection inbound event budget
	EventBurst       int
}

// ChatConfig holds ticket chat configuration
type ChatConfig struct {
	HistoryLimit     int
	PersistTimeout   time.Duration
	StoreTimeout     time.Duration
	MaxContentLength int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string
	Version     string
	Environment string
}

// Load reads configuration from the environment, after merging a .env file
// from the working directory when one exists. Malformed values are
// reported together with the validation failures.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read .env: %w", err)
	}

	var e env
	cfg := &Config{
		Server: ServerConfig{
			Port:            e.str("SERVER_PORT", ":8080"),
			ReadTimeout:     e.duration("SERVER_READ_TIMEOUT", 15*time.Second),
			IdleTimeout:     e.duration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: e.duration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			CORSOrigins:     e.list("CORS_ALLOWED_ORIGINS"),
		},
		Store: StoreConfig{
			Driver:         strings.ToLower(e.str("STORE_DRIVER", StoreDriverPostgres)),
			MigrationsPath: e.str("MIGRATIONS_PATH", "file://migrations"),
			AutoMigrate:    e.boolean("AUTO_MIGRATE", true),
		},
		Database: DatabaseConfig{
			URL:             e.str("DATABASE_URL", ""),
			MaxOpenConns:    e.integer("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    e.integer("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: e.duration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: e.duration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
		},
		JWT: JWTConfig{
			Secret:         e.str("JWT_SECRET", ""),
			AccessTokenTTL: e.duration("JWT_ACCESS_TOKEN_TTL", time.Hour),
			Issuer:         e.str("JWT_ISSUER", ""),
			Audience:       e.str("JWT_AUDIENCE", ""),
			Leeway:         e.duration("JWT_LEEWAY", 30*time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled:           e.boolean("RATE_LIMIT_ENABLED", true),
			RequestsPerSecond: e.float("RATE_LIMIT_RPS", 10),
			BurstSize:         e.integer("RATE_LIMIT_BURST", 20),
			UpgradeRPS:        e.float("RATE_LIMIT_UPGRADE_RPS", 1),
			UpgradeBurst:      e.integer("RATE_LIMIT_UPGRADE_BURST", 5),
		},
		WebSocket: WebSocketConfig{
			AllowedOrigins:   e.list("WS_ALLOWED_ORIGINS"),
			ReadBufferSize:   e.integer("WS_READ_BUFFER_SIZE", 1024),
			WriteBufferSize:  e.integer("WS_WRITE_BUFFER_SIZE", 1024),
			PingInterval:     e.duration("WS_PING_INTERVAL", 54*time.Second),
			PongWait:         e.duration("WS_PONG_WAIT", 60*time.Second),
			WriteWait:        e.duration("WS_WRITE_WAIT", 10*time.Second),
			HandshakeTimeout: e.duration("WS_HANDSHAKE_TIMEOUT", 10*time.Second),
			SendBuffer:       e.integer("WS_SEND_BUFFER", 256),
			MaxMessageBytes:  int64(e.integer("WS_MAX_MESSAGE_BYTES", 64*1024)),
			EventsPerSecond:  e.float("WS_EVENTS_PER_SECOND", 20),
			EventBurst:       e.integer("WS_EVENT_BURST", 40),
		},
		Chat: ChatConfig{
			HistoryLimit:     e.integer("CHAT_HISTORY_LIMIT", 50),
			PersistTimeout:   e.duration("CHAT_PERSIST_TIMEOUT", 5*time.Second),
			StoreTimeout:     e.duration("CHAT_STORE_TIMEOUT", 5*time.Second),
			MaxContentLength: e.integer("CHAT_MAX_CONTENT_LENGTH", 10000),
		},
		Mail: MailConfig{
			From:         e.str("MAIL_FROM", "Service Desk <no-reply@service-desk.local>"),
			DedupeWindow: e.duration("MAIL_DEDUPE_WINDOW", time.Minute),
		},
		Logging: LoggingConfig{
			Level:  e.str("LOG_LEVEL", "info"),
			Format: e.str("LOG_FORMAT", "json"),
		},
		App: AppConfig{
			Name:        e.str("APP_NAME", "service-desk-collab"),
			Version:     e.str("APP_VERSION", "dev"),
			Environment: e.str("APP_ENV", "development"),
		},
	}

	if err := errors.Join(e.err, cfg.Validate()); err != nil {
		return nil, fmt.Errorf("configuration errors:\n%w", err)
	}
	return cfg, nil
}

// Validate checks required settings and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Store.Driver {
	case StoreDriverPostgres:
		if c.Database.URL == "" {
			fail("DATABASE_URL is required")
		}
	case StoreDriverMemory:
		if c.IsProduction() {
			fail("STORE_DRIVER=memory is not allowed in production")
		}
	default:
		fail("STORE_DRIVER must be %q or %q", StoreDriverPostgres, StoreDriverMemory)
	}

	if c.JWT.Secret == "" {
		fail("JWT_SECRET is required")
	}
	if c.IsProduction() {
		if len(c.JWT.Secret) < 32 {
			fail("JWT_SECRET must be at least 32 characters in production")
		}
		if len(c.WebSocket.AllowedOrigins) == 0 {
			fail("WS_ALLOWED_ORIGINS must be set in production")
		}
	}

	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		fail("DB_MAX_IDLE_CONNS cannot be greater than DB_MAX_OPEN_CONNS")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.PongWait {
		fail("WS_PING_INTERVAL must be shorter than WS_PONG_WAIT")
	}
	if c.WebSocket.SendBuffer <= 0 {
		fail("WS_SEND_BUFFER must be positive")
	}
	if c.Chat.HistoryLimit <= 0 || c.Chat.HistoryLimit > 500 {
		fail("CHAT_HISTORY_LIMIT must be between 1 and 500")
	}
	if c.Chat.PersistTimeout <= 0 || c.Chat.StoreTimeout <= 0 {
		fail("CHAT_PERSIST_TIMEOUT and CHAT_STORE_TIMEOUT must be positive")
	}
	if c.Mail.DedupeWindow < 0 {
		fail("MAIL_DEDUPE_WINDOW must not be negative")
	}
	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// String is a log-safe summary with credentials removed.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Server: %s, Store: %s, DB: %s, JWT: [REDACTED], RateLimit: %v, Environment: %s}",
		c.Server.Port,
		c.Store.Driver,
		redactURL(c.Database.URL),
		c.RateLimit.Enabled,
		c.App.Environment,
	)
}

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "[REDACTED]"
	}
	return u.Redacted()
}

// env reads typed variables, keeping the first malformed value's error per
// key and falling back to the default for it.
type env struct {
	err error
}

func (e *env) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *env) str(key, def string) string {
	if v, ok := e.lookup(key); ok {
		return v
	}
	return def
}

func parse[T any](e *env, key string, def T, conv func(string) (T, error)) T {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	out, err := conv(v)
	if err != nil {
		e.err = errors.Join(e.err, fmt.Errorf("%s: invalid value %q", key, v))
		return def
	}
	return out
}

func (e *env) integer(key string, def int) int {
	return parse(e, key, def, strconv.Atoi)
}

func (e *env) float(key string, def float64) float64 {
	return parse(e, key, def, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

func (e *env) boolean(key string, def bool) bool {
	return parse(e, key, def, strconv.ParseBool)
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	return parse(e, key, def, time.ParseDuration)
}

func (e *env) list(key string) []string {
	v, _ := e.lookup(key)
	out := []string{}
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
