// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/walletrisk/internal/config"
	"github.com/mbd888/walletrisk/internal/health"
	"github.com/mbd888/walletrisk/internal/logging"
	"github.com/mbd888/walletrisk/internal/metrics"
	"github.com/mbd888/walletrisk/internal/pipeline"
	"github.com/mbd888/walletrisk/internal/ratelimit"
	"github.com/mbd888/walletrisk/internal/realtime"
	"github.com/mbd888/walletrisk/internal/riskapi"
	"github.com/mbd888/walletrisk/internal/security"
	"github.com/mbd888/walletrisk/internal/sink"
	"github.com/mbd888/walletrisk/internal/snapshot"
	"github.com/mbd888/walletrisk/internal/source"
	"github.com/mbd888/walletrisk/internal/validation"
	"github.com/mbd888/walletrisk/internal/walletlist"
)

// Version is reported by the info and health endpoints.
const Version = "0.3.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	store       snapshot.Store
	source      source.Source
	closeSource func()
	closeSinks  func() error
	runner      *pipeline.Runner
	scheduler   *pipeline.Scheduler
	realtimeHub *realtime.Hub
	rateLimiter *ratelimit.Limiter
	health      *health.Registry
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	// Background goroutines (hub, scheduled runs, DB stats) share runCtx.
	runCtx       context.Context
	cancelRunCtx context.CancelFunc

	shutdownGrace time.Duration

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithSource sets the transaction source instead of building one from config (for testing)
func WithSource(src source.Source) Option {
	return func(s *Server) {
		s.source = src
	}
}

// WithStore sets the snapshot store instead of opening DATABASE_URL (for testing)
func WithStore(store snapshot.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithShutdownGrace sets how long Shutdown waits for load balancers to drain.
func WithShutdownGrace(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownGrace = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:           cfg,
		logger:        logging.New(cfg.LogLevel, cfg.LogFormat),
		health:        health.NewRegistry(),
		closeSource:   func() {},
		shutdownGrace: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()
	s.runCtx, s.cancelRunCtx = context.WithCancel(ctx)

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if s.store == nil {
		store, db, err := snapshot.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.store, s.db = store, db
		if db != nil {
			s.health.Register(health.Database(db))
			s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		} else {
			s.logger.Info("using in-memory storage")
		}
	}

	if s.source == nil {
		src, closeSrc, err := source.FromConfig(ctx, cfg, s.logger)
		if err != nil {
			s.closeDB()
			return nil, fmt.Errorf("failed to build transaction source: %w", err)
		}
		s.source, s.closeSource = src, closeSrc
	}
	s.logger.Info("transaction source ready", "source", s.source.Name())

	sinks, closeSinks, err := sink.FromConfig(cfg, s.store, s.logger)
	if err != nil {
		s.closeSource()
		s.closeDB()
		return nil, fmt.Errorf("failed to build sinks: %w", err)
	}
	s.closeSinks = closeSinks

	// Realtime hub doubles as the run listener
	s.realtimeHub = realtime.NewHub(s.logger)

	s.runner = pipeline.NewRunner(s.source,
		pipeline.WithWorkers(cfg.Workers),
		pipeline.WithFetchTimeout(cfg.FetchTimeout),
		pipeline.WithSinks(sinks...),
		pipeline.WithListener(s.realtimeHub),
		pipeline.WithLogger(s.logger),
	)

	if cfg.RescoreCron != "" {
		s.scheduler = pipeline.NewScheduler(s.runCtx, s.runner, s.loadWallets, s.logger)
		if err := s.scheduler.Schedule(cfg.RescoreCron); err != nil {
			_ = s.closeSinks()
			s.closeSource()
			s.closeDB()
			return nil, err
		}
		// A run is stale once two scheduled runs have been missed.
		maxAge := 3 * s.scheduler.Interval(time.Now())
		s.health.Register(health.RunFreshness(s.lastRunAt, maxAge, time.Now))
		s.logger.Info("scheduled re-scoring enabled", "schedule", cfg.RescoreCron)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) loadWallets(context.Context) ([]string, error) {
	return walletlist.Load(s.cfg.WalletsPath)
}

func (s *Server) lastRunAt(ctx context.Context) time.Time {
	run, err := s.store.LatestRun(ctx)
	if err != nil {
		return time.Time{}
	}
	return run.FinishedAt
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	if s.cfg.RateLimitRPM > 0 {
		rl := ratelimit.DefaultConfig()
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
		s.rateLimiter = ratelimit.New(rl)
		s.router.Use(s.rateLimiter.Middleware())
	}

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

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
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// apiKeyMiddleware requires the configured key as a bearer token. Browsers
// cannot set headers on WebSocket upgrades, so ?api_key= is also accepted.
func (s *Server) apiKeyMiddleware() gin.HandlerFunc {
	want := []byte(s.cfg.APIKey)
	return func(c *gin.Context) {
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if got == "" {
			got = c.Query("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "A valid API key is required",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/", s.infoHandler)

	v1 := s.router.Group("/v1")
	if s.cfg.APIKey != "" {
		v1.Use(s.apiKeyMiddleware())
		s.logger.Info("API authentication enabled")
	}

	riskapi.NewHandler(s.store,
		riskapi.WithRunner(s.runner, s.loadWallets),
		riskapi.WithStream(s.realtimeHub.HandleWebSocket),
	).RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "runInProgress": s.runner.Busy()})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "walletrisk",
		"description": "Population-relative risk scores for lending-protocol wallets",
		"version":     Version,
		"source":      s.source.Name(),
		"chainId":     s.cfg.ChainID,
		"stream":      s.realtimeHub.Stats(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Synchronous POST /v1/runs can take as long as a whole batch.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "source", s.source.Name())
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(s.runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(s.runCtx, s.db, 15*time.Second)
	}

	if s.scheduler != nil {
		s.scheduler.Start()
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Stop scheduling new runs; waits for an in-flight scheduled run.
	if s.scheduler != nil {
		s.scheduler.Stop()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.shutdownGrace)

	var shutdownErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Cancel the context for background goroutines (hub, DB stats)
	s.cancelRunCtx()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.closeSinks != nil {
		if err := s.closeSinks(); err != nil {
			s.logger.Error("sink close error", "error", err)
		}
	}
	s.closeSource()
	s.closeDB()

	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	} else {
		s.logger.Info("database connection closed")
	}
	s.db = nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Hub returns the realtime hub for testing
func (s *Server) Hub() *realtime.Hub {
	return s.realtimeHub
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
