// Package server wires every domain component into one HTTP process:
// middleware chain, route groups, background queue consumer, and the
// signal-driven startup/shutdown lifecycle.
package server

import (
	"compress/gzip"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/eventgate/internal/apierr"
	"github.com/mbd888/eventgate/internal/auth"
	"github.com/mbd888/eventgate/internal/circuitbreaker"
	"github.com/mbd888/eventgate/internal/config"
	"github.com/mbd888/eventgate/internal/dlq"
	"github.com/mbd888/eventgate/internal/eventstore"
	"github.com/mbd888/eventgate/internal/fanout"
	"github.com/mbd888/eventgate/internal/health"
	"github.com/mbd888/eventgate/internal/ingress"
	"github.com/mbd888/eventgate/internal/logging"
	"github.com/mbd888/eventgate/internal/metrics"
	"github.com/mbd888/eventgate/internal/metricstore"
	"github.com/mbd888/eventgate/internal/opsapi"
	"github.com/mbd888/eventgate/internal/queue"
	"github.com/mbd888/eventgate/internal/ratelimit"
	"github.com/mbd888/eventgate/internal/schema"
	"github.com/mbd888/eventgate/internal/security"
	"github.com/mbd888/eventgate/internal/subapi"
	"github.com/mbd888/eventgate/internal/substore"
	"github.com/mbd888/eventgate/internal/traces"
	"github.com/mbd888/eventgate/internal/validation"
	"github.com/mbd888/eventgate/internal/workflow"
)

// Server wires config, every domain component, and the gin router into
// one process.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db *sql.DB

	events eventstore.Store
	subs   substore.Store
	mstore metricstore.Store
	dlqw   *dlq.MemoryStore
	q      queue.Queue

	runner *workflow.Runner
	fan    *fanout.Engine

	health *health.Registry

	router  *gin.Engine
	httpSrv *http.Server

	cancelRunCtx   context.CancelFunc
	tracerShutdown func(context.Context) error

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option customizes a Server at construction time.
type Option func(*Server)

// WithLogger overrides the default logger built from cfg.LogLevel.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New builds a Server: it connects to Postgres and Redis if configured
// (falling back to in-memory stores and queue otherwise, exactly as the
// component design allows for single-node deployments) and wires every
// domain package together.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, "json")
	}

	if cfg.DatabaseURL != "" {
		dsn := appendDSNParams(cfg.DatabaseURL, cfg.DBConnectTimeout, cfg.DBStatementTimeout)
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("server: open database: %w", err)
		}
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)
		s.db = db
		s.events = eventstore.NewPostgresStore(db)
		s.subs = substore.NewPostgresStore(db)
		s.logger.Info("server: using postgres-backed stores")
	} else {
		s.events = eventstore.NewMemoryStore()
		s.subs = substore.NewMemoryStore()
		s.logger.Info("server: DATABASE_URL not set, using in-memory stores")
	}

	s.mstore = metricstore.NewMemoryStore(s.logger)
	s.dlqw = dlq.NewMemoryStore(cfg.DLQRetention)

	breaker := circuitbreaker.New(5, 30*time.Second)
	validator := schema.New()

	s.fan = fanout.New(fanout.Config{
		MaxAttempts:   cfg.FanoutMaxAttempts,
		Backoffs:      []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second},
		Timeout:       cfg.FanoutTimeout,
		WorkerCap:     cfg.FanoutWorkerCap,
		UserAgent:     "eventgate/1.0",
		SigningSecret: cfg.WebhookSigningSecret,
	}, s.subs, s.dlqw, s.mstore, validator, breaker, s.logger)

	wfCfg := workflow.DefaultConfig()
	s.runner = workflow.New(wfCfg, s.events, s.mstore, s.dlqw, s.fan, validator, s.logger)

	qCfg := queue.Config{
		BatchSize:         cfg.QueueBatchSize,
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
		MaxRedeliveries:   cfg.QueueMaxRedeliveries,
		BaseBackoff:       cfg.QueueBaseBackoff,
	}
	onTerminal := func(ctx context.Context, msg queue.Message, lastErr error) {
		reason := "queue: redelivery budget exhausted"
		if lastErr != nil {
			reason += ": " + lastErr.Error()
		}
		if err := s.dlqw.PutWorkflow(ctx, dlq.WorkflowEntry{
			EventID:       msg.EventID,
			Reason:        reason,
			CorrelationID: msg.CorrelationID,
			FailedAt:      time.Now().UTC(),
		}); err != nil {
			s.logger.Error("server: failed to write terminal DLQ entry", "event_id", msg.EventID, "error", err)
		}
	}
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("server: parse REDIS_URL: %w", err)
		}
		s.q = queue.NewRedisQueue(redis.NewClient(opt), "eventgate:queue:events", qCfg, onTerminal)
		s.logger.Info("server: using redis-backed queue")
	} else {
		s.q = queue.NewMemQueue(qCfg, 10000, onTerminal)
		s.logger.Info("server: REDIS_URL not set, using in-memory queue")
	}

	s.health = health.NewRegistry()
	s.health.Register("queue", func(ctx context.Context) health.Status {
		if _, err := s.q.Depth(ctx); err != nil {
			return health.Status{Name: "queue", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "queue", Healthy: true}
	})
	if s.db != nil {
		s.health.Register("database", func(ctx context.Context) health.Status {
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}

	s.setupRouter(validator)

	return s, nil
}

func (s *Server) setupRouter(validator *schema.Validator) {
	if s.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(validator)
}

// setupMiddleware installs the request pipeline in a fixed order: a
// panic recovery layer must run first, the global rate limiter must run
// before anything does real work, and the timeout wrapper must run last
// so it wraps every other handler's execution.
func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		correlationID := c.GetHeader("X-Correlation-ID")
		s.logger.Error("server: panic recovered", "error", recovered, "path", c.Request.URL.Path)
		apierr.JSON(c, apierr.New(apierr.KindInternal, "INTERNAL_ERROR", "internal server error"), correlationID)
		c.Abort()
	}))
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(gzipMiddleware())
	s.router.Use(func(c *gin.Context) {
		// /zapier/hook has its own 10 MiB cap; one extra byte lets subapi
		// see an oversized body and answer 413 itself.
		limit := int64(validation.MaxRequestSize)
		if c.Request.URL.Path == "/zapier/hook" {
			limit = subapi.MaxBodySize + 1
		}
		validation.RequestSizeMiddleware(limit)(c)
	})

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(limiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.timeoutMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		c.Header("X-Request-ID", requestID)

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		log := logging.L(c.Request.Context())
		fields := []interface{}{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
			"client_ip", c.ClientIP(),
		}
		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

// timeoutMiddleware wraps the handler's context with the configured
// request timeout. Websocket upgrades never get a deadline: a long-lived
// connection outlives any sane request budget.
func (s *Server) timeoutMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.EqualFold(c.Request.Header.Get("Upgrade"), "websocket") {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) setupRoutes(validator *schema.Validator) {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)

	// The teacher's Prometheus exposition path moves to /debug/metrics:
	// spec.md reserves GET /metrics for opsapi's JSON snapshot.
	s.router.GET("/debug/metrics", metrics.Handler())

	bearer := auth.NewTokenSet(s.cfg.BearerTokens)
	ingressHandler := ingress.New(s.events, s.q, validator, s.logger)
	protected := s.router.Group("/")
	protected.Use(auth.RequireBearer(bearer))
	ingressHandler.RegisterRoutes(protected)

	registerRL := ratelimit.New(ratelimit.SubscriptionConfig())
	sampleRL := ratelimit.New(ratelimit.SampleConfig())
	subHandler := subapi.New(subapi.Config{
		AllowedHosts:   s.cfg.AllowedWebhookHosts,
		RequiredPrefix: s.cfg.WebhookPathPrefix,
		SigningSecret:  s.cfg.SubscriptionHMACSecret,
	}, s.subs, registerRL, sampleRL, validator, s.logger)
	subHandler.RegisterRoutes(s.router.Group("/"))

	opsHandler := opsapi.New(s.mstore, s.q, s.dlqw, s.dlqw, s.events, s.logger)
	admin := s.router.Group("/")
	admin.Use(auth.RequireAdmin())
	opsHandler.RegisterRoutes(s.router.Group("/"), admin)
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.health.CheckAll(c.Request.Context())
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"healthy": healthy, "checks": statuses})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if s.healthy.Load() {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	healthy, statuses := s.health.CheckAll(c.Request.Context())
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "checks": statuses})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Router exposes the underlying gin engine, primarily for tests.
func (s *Server) Router() *gin.Engine { return s.router }

// Run starts the HTTP listener and the queue consumer, and blocks until
// ctx is cancelled or a termination signal arrives, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return fmt.Errorf("server: init tracing: %w", err)
	}
	s.tracerShutdown = shutdown

	s.httpSrv = &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      s.router,
		ReadTimeout:  s.cfg.HTTPReadTimeout,
		WriteTimeout: s.cfg.HTTPWriteTimeout,
		IdleTimeout:  s.cfg.HTTPIdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("server: listening", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	go func() {
		if err := s.q.Run(runCtx, s.handleBatch); err != nil && runCtx.Err() == nil {
			s.logger.Error("server: queue consumer stopped unexpectedly", "error", err)
		}
	}()

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.healthy.Store(true)
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server: ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server: listener error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("server: received signal, shutting down", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("server: context cancelled, shutting down")
	}

	return s.Shutdown()
}

// handleBatch adapts the queue's batch-handler contract to one call to
// the workflow runner per message, re-reading the stored event so a
// replayed message (which may carry only identifying fields) still runs
// through the full pipeline with the original event_type.
func (s *Server) handleBatch(ctx context.Context, batch queue.Batch) ([]string, error) {
	var failed []string
	for _, msg := range batch {
		in := workflow.Input{
			EventID:       msg.EventID,
			Timestamp:     msg.Timestamp.UTC().Format(time.RFC3339),
			Payload:       msg.Payload,
			Metadata:      msg.Metadata,
			CreatedAt:     msg.Timestamp.UTC().Format(time.RFC3339),
			CorrelationID: msg.CorrelationID,
		}
		if event, err := s.events.Get(ctx, msg.EventID); err == nil {
			in.EventType = event.EventType
			in.CreatedAt = event.CreatedAt.UTC().Format(time.RFC3339)
		}
		if err := s.runner.Process(ctx, in); err != nil {
			failed = append(failed, msg.ID)
		}
	}
	return failed, nil
}

// Shutdown drains in-flight requests, stops the queue consumer, flushes
// tracing, and closes the database connection. The sleep before the HTTP
// server's own shutdown gives a fronting load balancer time to stop
// routing new traffic here.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("server: http shutdown error", "error", err)
		}
	}

	s.dlqw.Stop()

	if s.tracerShutdown != nil {
		if err := s.tracerShutdown(ctx); err != nil {
			s.logger.Error("server: tracer shutdown error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("server: database close error", "error", err)
		}
	}

	s.logger.Info("server: shutdown complete")
	return nil
}

// appendDSNParams adds connect_timeout and statement_timeout to a
// Postgres DSN, handling both URL-style (postgres://...) and
// key-value-style ("host=... user=...") connection strings.
func appendDSNParams(dsn string, connectTimeoutSec, statementTimeoutMs int) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return fmt.Sprintf("%s%sconnect_timeout=%d&options=-c statement_timeout=%d", dsn, sep, connectTimeoutSec, statementTimeoutMs)
	}
	return fmt.Sprintf("%s connect_timeout=%d options='-c statement_timeout=%d'", dsn, connectTimeoutSec, statementTimeoutMs)
}

// gzipWriter wraps gin.ResponseWriter to transparently compress the body.
type gzipWriter struct {
	gin.ResponseWriter
	writer io.Writer
}

func (g *gzipWriter) Write(data []byte) (int, error) {
	return g.writer.Write(data)
}

func (g *gzipWriter) WriteString(s string) (int, error) {
	return g.writer.Write([]byte(s))
}

// gzipMiddleware compresses responses for clients that accept it.
// Websocket upgrades and clients without Accept-Encoding: gzip pass
// through untouched.
func gzipMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.EqualFold(c.Request.Header.Get("Upgrade"), "websocket") {
			c.Next()
			return
		}
		if !strings.Contains(c.Request.Header.Get("Accept-Encoding"), "gzip") {
			c.Next()
			return
		}

		gz, err := gzip.NewWriterLevel(c.Writer, gzip.DefaultCompression)
		if err != nil {
			c.Next()
			return
		}
		defer gz.Close()

		c.Header("Content-Encoding", "gzip")
		c.Header("Vary", "Accept-Encoding")
		c.Writer.Header().Del("Content-Length")
		c.Writer = &gzipWriter{ResponseWriter: c.Writer, writer: gz}
		c.Next()
	}
}

// generateRequestID returns a random 16-byte hex request id, falling
// back to a timestamp if the system RNG is unavailable.
func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
