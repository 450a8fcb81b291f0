// Package server wires together all GiftPay components into an HTTP server.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"log/slog"

	"github.com/noivos/giftpay/internal/circuitbreaker"
	"github.com/noivos/giftpay/internal/config"
	"github.com/noivos/giftpay/internal/fees"
	"github.com/noivos/giftpay/internal/health"
	"github.com/noivos/giftpay/internal/logging"
	"github.com/noivos/giftpay/internal/metrics"
	"github.com/noivos/giftpay/internal/payments"
	"github.com/noivos/giftpay/internal/psp"
	"github.com/noivos/giftpay/internal/ratelimit"
	"github.com/noivos/giftpay/internal/realtime"
	"github.com/noivos/giftpay/internal/registry"
	"github.com/noivos/giftpay/internal/security"
	"github.com/noivos/giftpay/internal/validation"
	"github.com/noivos/giftpay/internal/webhook"
)

// Server is the main application server
type Server struct {
	cfg *config.Config

	gifts          registry.Store
	paymentsStore  payments.Store
	paymentService *payments.Service
	gateway        payments.GatewayClient
	breaker        *circuitbreaker.Breaker
	reconciler     *webhook.Reconciler
	realtimeHub    *realtime.Hub
	idemTimer      *payments.Timer
	rateLimiter    *ratelimit.Limiter
	checks         *health.Registry
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

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

// WithGateway sets a custom payment gateway client (for testing)
func WithGateway(g payments.GatewayClient) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		giftStore := registry.NewPostgresStore(db)
		if err := giftStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate gift store", "error", err)
		}
		s.gifts = giftStore

		txnStore := payments.NewPostgresStore(db)
		txnStore.SetKeyTTL(cfg.IdempotencyTTL)
		if err := txnStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate payments store", "error", err)
		}
		s.paymentsStore = txnStore
	} else {
		s.gifts = registry.NewMemoryStore()
		memStore := payments.NewMemoryStore(s.gifts)
		memStore.SetKeyTTL(cfg.IdempotencyTTL)
		s.paymentsStore = memStore
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Create gateway client if not injected
	if s.gateway == nil {
		gateway, err := s.buildGateway()
		if err != nil {
			return nil, err
		}
		s.gateway = gateway
	}

	// Circuit breaker protects the gateway from cascading failures
	s.breaker = circuitbreaker.New("gateway", 5, 30*time.Second)

	// Realtime hub streams transaction events over WebSocket
	s.realtimeHub = realtime.NewHub(s.logger)

	feeCfg := fees.Config{
		BPS:      cfg.FeeBPS,
		Modality: fees.Modality(cfg.FeeModality),
	}
	s.paymentService = payments.NewService(s.paymentsStore, s.gifts, s.gateway, s.breaker, feeCfg, s.realtimeHub)

	// Webhook reconciliation (HMAC verification + settlement)
	verifier := webhook.NewVerifier(cfg.WebhookSecret)
	if verifier == nil {
		s.logger.Warn("webhook secret not set, inbound webhooks will be rejected")
	}
	s.reconciler = webhook.NewReconciler(verifier, s.paymentService)

	// Periodic sweep of expired idempotency keys
	s.idemTimer = payments.NewTimer(s.paymentsStore, s.logger)

	// Health checks
	s.checks = health.NewRegistry()
	if s.db != nil {
		s.checks.Register("database", health.DatabaseChecker(s.db))
	}
	s.checks.Register("gateway", s.gatewayChecker())

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// buildGateway selects the PSP client from configuration.
func (s *Server) buildGateway() (payments.GatewayClient, error) {
	switch s.cfg.GatewayProvider {
	case "stripe":
		if s.cfg.StripeAPIKey == "" {
			return nil, errors.New("server: STRIPE_API_KEY is required for the stripe provider")
		}
		s.logger.Info("using Stripe payment gateway")
		return psp.NewStripeClient(s.cfg.StripeAPIKey), nil
	default:
		if s.cfg.GatewayBaseURL == "" {
			return nil, errors.New("server: GATEWAY_BASE_URL is required for the http provider")
		}
		if s.cfg.IsProduction() {
			if err := security.ValidateEndpointURL(s.cfg.GatewayBaseURL); err != nil {
				return nil, fmt.Errorf("invalid gateway base URL: %w", err)
			}
		}
		s.logger.Info("using HTTP payment gateway", "base_url", s.cfg.GatewayBaseURL)
		return psp.NewHTTPClient(s.cfg.GatewayBaseURL, s.cfg.GatewayAPIKey, s.cfg.GatewayTimeout), nil
	}
}

// gatewayChecker reports the circuit breaker state as gateway health.
func (s *Server) gatewayChecker() health.Checker {
	return func(_ context.Context) health.Status {
		state := s.breaker.State()
		if state == circuitbreaker.StateOpen {
			return health.Status{Name: "gateway", Healthy: false, Detail: "circuit open"}
		}
		return health.Status{Name: "gateway", Healthy: true, Detail: state.String()}
	}
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	limitCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		limitCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(limitCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		if tenant := c.GetHeader("X-Tenant-ID"); tenant != "" {
			ctx = logging.WithTenantID(ctx, tenant)
		}
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

		// Log level based on status code
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
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
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

	// API info
	s.router.GET("/api", s.infoHandler)

	// WebSocket for real-time transaction streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// V1 API group
	v1 := s.router.Group("/v1")

	registryHandler := registry.NewHandler(s.gifts)
	registryHandler.RegisterRoutes(v1)

	paymentsHandler := payments.NewHandler(s.paymentService)
	paymentsHandler.RegisterRoutes(v1)

	// Inbound gateway webhooks (HMAC-authenticated, not rate limited by tenant)
	webhooks := s.router.Group("/webhooks")
	webhookHandler := webhook.NewHandler(s.reconciler)
	webhookHandler.RegisterRoutes(webhooks)
}

// HealthResponse is the /health response body
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "GiftPay",
		"description": "Payment processing for gift registries",
		"version":     "0.1.0",
		"currency":    "BRL",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"provider", s.cfg.GatewayProvider,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start idempotency key sweeper
	go s.idemTimer.Start(runCtx)

	// Collect connection pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
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

	// Cancel the context for all background goroutines (hub, sweeper)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop idempotency sweeper
	if s.idemTimer != nil {
		s.idemTimer.Stop()
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
