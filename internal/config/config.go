// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Redis-backed durable queue (optional, uses in-memory queue if not set)
	RedisURL string

	// Auth
	BearerTokens []string // accepted Authorization: Bearer tokens
	AdminSecret  string   // admin API secret, gates /dlq and /admin/dlq/*/replay

	// Webhook signing and subscription policy
	WebhookSigningSecret   string   // HMAC secret signing outbound X-Signature headers
	SubscriptionHMACSecret string   // HMAC secret required on inbound /zapier/hook registration, outside localhost
	AllowedWebhookHosts    []string // empty means any non-blocked host is allowed
	WebhookPathPrefix      string   // required path prefix for registered webhook URLs, e.g. "/hooks"

	RateLimitRPM int

	// Queue and fan-out tuning
	QueueBatchSize         int
	QueueVisibilityTimeout time.Duration
	QueueMaxRedeliveries   int
	QueueBaseBackoff       time.Duration

	FanoutMaxAttempts int
	FanoutTimeout     time.Duration
	FanoutWorkerCap   int

	DLQRetention time.Duration

	// Database pool settings
	DBMaxOpenConns     int
	DBMaxIdleConns     int
	DBConnMaxLifetime  time.Duration
	DBConnMaxIdleTime  time.Duration
	DBConnectTimeout   int // seconds, appended to Postgres DSN
	DBStatementTimeout int // milliseconds, appended to Postgres DSN

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RequestTimeout   time.Duration // global handler execution timeout

	// Observability
	OTLPEndpoint string // OpenTelemetry collector endpoint (e.g. "localhost:4317"), empty = disabled
}

const (
	DefaultPort        = "8080"
	DefaultEnv         = "development"
	DefaultLogLevel    = "info"
	DefaultRateLimit   = 100
	DefaultPathPrefix  = "/hooks"

	// Queue defaults (spec.md §4.2)
	DefaultQueueBatchSize         = 100
	DefaultQueueVisibilityTimeout = 30 * time.Second
	DefaultQueueMaxRedeliveries   = 5
	DefaultQueueBaseBackoff       = 2 * time.Second

	// Fan-out defaults (spec.md §4.4)
	DefaultFanoutMaxAttempts = 4
	DefaultFanoutTimeout     = 5 * time.Second
	DefaultFanoutWorkerCap   = 50

	DefaultDLQRetention = 7 * 24 * time.Hour

	// Database pool defaults
	DefaultDBMaxOpenConns     = 25
	DefaultDBMaxIdleConns     = 5
	DefaultDBConnMaxLifetime  = 5 * time.Minute
	DefaultDBConnMaxIdleTime  = 3 * time.Minute
	DefaultDBConnectTimeout   = 5     // seconds
	DefaultDBStatementTimeout = 30000 // milliseconds (30s)

	// HTTP server timeout defaults
	DefaultHTTPReadTimeout  = 10 * time.Second
	DefaultHTTPWriteTimeout = 30 * time.Second
	DefaultHTTPIdleTimeout  = 60 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RedisURL:    os.Getenv("REDIS_URL"),    // Optional, uses in-memory queue if not set

		BearerTokens: getEnvList("BEARER_TOKENS"),
		AdminSecret:  os.Getenv("ADMIN_SECRET"),

		WebhookSigningSecret:   os.Getenv("WEBHOOK_SIGNING_SECRET"),
		SubscriptionHMACSecret: os.Getenv("SUBSCRIPTION_HMAC_SECRET"),
		AllowedWebhookHosts:    getEnvList("ALLOWED_WEBHOOK_HOSTS"),
		WebhookPathPrefix:      getEnv("WEBHOOK_PATH_PREFIX", DefaultPathPrefix),

		RateLimitRPM: int(getEnvInt64("RATE_LIMIT_RPM", int64(DefaultRateLimit))),

		QueueBatchSize:         int(getEnvInt64("QUEUE_BATCH_SIZE", int64(DefaultQueueBatchSize))),
		QueueVisibilityTimeout: getEnvDuration("QUEUE_VISIBILITY_TIMEOUT", DefaultQueueVisibilityTimeout),
		QueueMaxRedeliveries:   int(getEnvInt64("QUEUE_MAX_REDELIVERIES", int64(DefaultQueueMaxRedeliveries))),
		QueueBaseBackoff:       getEnvDuration("QUEUE_BASE_BACKOFF", DefaultQueueBaseBackoff),

		FanoutMaxAttempts: int(getEnvInt64("FANOUT_MAX_ATTEMPTS", int64(DefaultFanoutMaxAttempts))),
		FanoutTimeout:     getEnvDuration("FANOUT_TIMEOUT", DefaultFanoutTimeout),
		FanoutWorkerCap:   int(getEnvInt64("FANOUT_WORKER_CAP", int64(DefaultFanoutWorkerCap))),

		DLQRetention: getEnvDuration("DLQ_RETENTION", DefaultDLQRetention),

		DBMaxOpenConns:     int(getEnvInt64("POSTGRES_MAX_OPEN_CONNS", int64(DefaultDBMaxOpenConns))),
		DBMaxIdleConns:     int(getEnvInt64("POSTGRES_MAX_IDLE_CONNS", int64(DefaultDBMaxIdleConns))),
		DBConnMaxLifetime:  getEnvDuration("POSTGRES_CONN_MAX_LIFETIME", DefaultDBConnMaxLifetime),
		DBConnMaxIdleTime:  getEnvDuration("POSTGRES_CONN_MAX_IDLE_TIME", DefaultDBConnMaxIdleTime),
		DBConnectTimeout:   int(getEnvInt64("POSTGRES_CONNECT_TIMEOUT", int64(DefaultDBConnectTimeout))),
		DBStatementTimeout: int(getEnvInt64("POSTGRES_STATEMENT_TIMEOUT", int64(DefaultDBStatementTimeout))),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", DefaultHTTPReadTimeout),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", DefaultHTTPWriteTimeout),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", DefaultHTTPIdleTimeout),
		RequestTimeout:   getEnvDuration("REQUEST_TIMEOUT", DefaultRequestTimeout),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	// Port range
	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", c.Port)
	}

	// Rate limit sanity
	if c.RateLimitRPM < 1 {
		return fmt.Errorf("RATE_LIMIT_RPM must be at least 1, got %d", c.RateLimitRPM)
	}

	// DB statement timeout sanity
	if c.DBStatementTimeout < 1000 {
		return fmt.Errorf("POSTGRES_STATEMENT_TIMEOUT must be at least 1000ms, got %d", c.DBStatementTimeout)
	}

	// Write timeout must exceed request timeout to avoid truncated responses
	if c.HTTPWriteTimeout > 0 && c.RequestTimeout > 0 && c.HTTPWriteTimeout < c.RequestTimeout {
		return fmt.Errorf("HTTP_WRITE_TIMEOUT (%v) must be >= REQUEST_TIMEOUT (%v)", c.HTTPWriteTimeout, c.RequestTimeout)
	}

	if c.QueueMaxRedeliveries < 1 {
		return fmt.Errorf("QUEUE_MAX_REDELIVERIES must be at least 1, got %d", c.QueueMaxRedeliveries)
	}

	if c.FanoutWorkerCap < 1 {
		return fmt.Errorf("FANOUT_WORKER_CAP must be at least 1, got %d", c.FanoutWorkerCap)
	}

	// Warnings (non-fatal)
	if c.IsProduction() && c.AdminSecret == "" {
		slog.Warn("ADMIN_SECRET not set — admin endpoints are disabled and answer 403")
	}
	if c.IsProduction() && len(c.BearerTokens) == 0 {
		slog.Warn("BEARER_TOKENS not set — ingress accepts no authenticated callers")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvList splits a comma-separated environment variable into a
// trimmed, non-empty slice of entries. Returns nil if unset.
func getEnvList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
