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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/tradebay/tradebay/internal/config"
	"github.com/tradebay/tradebay/internal/dispute"
	"github.com/tradebay/tradebay/internal/escrow"
	"github.com/tradebay/tradebay/internal/health"
	"github.com/tradebay/tradebay/internal/logging"
	"github.com/tradebay/tradebay/internal/metrics"
	"github.com/tradebay/tradebay/internal/notify"
	"github.com/tradebay/tradebay/internal/pricing"
	"github.com/tradebay/tradebay/internal/ratelimit"
	"github.com/tradebay/tradebay/internal/realtime"
	"github.com/tradebay/tradebay/internal/reconciliation"
	"github.com/tradebay/tradebay/internal/security"
	"github.com/tradebay/tradebay/internal/traces"
	"github.com/tradebay/tradebay/internal/validation"
	"github.com/tradebay/tradebay/internal/wallet"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	wallets     *wallet.Service
	escrow      *escrow.Service
	disputes    *dispute.Service
	recon       *reconciliation.Service
	reconTimer  *reconciliation.Timer
	events      *notify.Webhook
	hub         *realtime.Hub
	healthReg   *health.Registry
	rateLimiter *ratelimit.Limiter

	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	stopTraces   func(context.Context) error
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	pricer, err := pricing.NewCalculator(cfg.RateCentis, cfg.FeePercent)
	if err != nil {
		return nil, fmt.Errorf("pricing: %w", err)
	}

	// Event webhook doubles as the ops alert channel. With no URL
	// configured it degrades to log-only. A URL that fails the SSRF check
	// is dropped rather than plumbed into deliveries.
	webhookURL := cfg.AlertWebhookURL
	if webhookURL != "" {
		if err := security.ValidateEndpointURL(webhookURL); err != nil {
			s.logger.Warn("rejecting unsafe webhook url", "error", err)
			webhookURL = ""
		}
	}
	s.events = notify.NewWebhook(webhookURL, s.logger)
	s.hub = realtime.NewHub(s.logger)

	var (
		walletStore  wallet.Store
		escrowStore  escrow.Store
		disputeStore dispute.Store
		runStore     reconciliation.RunStore
	)

	// Initialize storage (Postgres if POSTGRES_URL set, otherwise in-memory)
	if cfg.PostgresURL != "" {
		db, err := sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		walletStore = wallet.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db, cfg.TreasuryUserID)
		disputeStore = dispute.NewPostgresStore(db)
		runStore = reconciliation.NewPostgresRunStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.PostgresURL))
	} else {
		wm := wallet.NewMemoryStore()
		walletStore = wm
		escrowStore = escrow.NewMemoryStore(wm, cfg.TreasuryUserID)
		disputeStore = dispute.NewMemoryStore()
		runStore = reconciliation.NewMemoryRunStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.wallets = wallet.NewService(walletStore, wallet.Limits{
		TopUpMax:         cfg.TopUpMax,
		TopUpDailyAmount: cfg.TopUpDailyAmount,
		TopUpDailyOps:    cfg.TopUpDailyOps,
	}, cfg.TreasuryUserID).WithAlerter(s.events)

	if _, err := s.wallets.EnsureTreasury(ctx); err != nil {
		return nil, fmt.Errorf("treasury wallet: %w", err)
	}

	s.escrow = escrow.NewService(escrowStore, walletStore, pricer, cfg.Currency, cfg.EscrowTTL).
		WithLimits(escrow.Limits{
			PurchaseDailyAmount: cfg.PurchaseDailyAmount,
			PurchaseDailyOps:    cfg.PurchaseDailyOps,
		}).
		WithEvents(eventFanout{s.events, s.hub})

	s.disputes = dispute.NewService(disputeStore, s.escrow, cfg.DisputeSLA)

	s.recon = reconciliation.NewService(runStore, s.escrow, walletStore, cfg.ReconcileBatch, cfg.ReconcileMaxDelay).
		WithAlerter(s.events).
		WithDisputes(s.disputes)
	s.reconTimer = reconciliation.NewTimer(s.recon, cfg.ReconcileInterval, s.logger)

	s.healthReg = health.NewRegistry()
	if s.db != nil {
		s.healthReg.Register("database", health.DBChecker(s.db))
	}
	s.healthReg.Register("escrow_sweep", s.sweepChecker())

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

// eventFanout forwards deal events to every configured sink: webhook
// deliveries and connected WebSocket clients see the same stream.
type eventFanout []escrow.EventSink

func (f eventFanout) Publish(ctx context.Context, event string, payload map[string]any) {
	for _, sink := range f {
		sink.Publish(ctx, event, payload)
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

// sweepChecker reports the reconciliation job as unhealthy once the last
// sweep is older than the configured max delay.
func (s *Server) sweepChecker() health.Checker {
	return func(ctx context.Context) health.Status {
		h, err := s.recon.SweepHealth(ctx)
		if err != nil {
			return health.Status{Name: "escrow_sweep", Healthy: false, Detail: err.Error()}
		}
		if h.Stale && h.LastRun != nil {
			return health.Status{Name: "escrow_sweep", Healthy: false, Detail: "sweep overdue"}
		}
		return health.Status{Name: "escrow_sweep", Healthy: true}
	}
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

	// CORS. The API sits behind the platform gateway, which terminates
	// browser traffic, so origins stay permissive here.
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Identity before rate limiting so authenticated users get per-user buckets
	s.router.Use(s.identityMiddleware())

	// Rate limiting
	limiterCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		limiterCfg.BurstSize = s.cfg.RateLimitRPS
	}
	s.rateLimiter = ratelimit.New(limiterCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

// identityMiddleware reads the verified user id injected by the platform
// gateway. The gateway strips the header from external traffic, so its
// presence is proof of authentication.
func (s *Server) identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if userID := c.GetHeader("X-User-ID"); validation.IsValidUserID(userID) {
			c.Set("userID", userID)
		}
		c.Next()
	}
}

// requireUser rejects requests that arrived without a verified identity.
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString("userID") == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Missing or invalid user identity",
			})
			return
		}
		c.Next()
	}
}

// requireAdmin allows only user ids from ADMIN_USER_IDS.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		if userID == "" || !s.cfg.IsAdmin(userID) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin access required",
			})
			return
		}
		c.Next()
	}
}

// requireSecret guards machine-to-machine routes with a shared secret
// header. An empty configured secret closes the route entirely outside
// development.
func (s *Server) requireSecret(header, secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			if s.cfg.IsDevelopment() {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Endpoint is not configured",
			})
			return
		}
		got := c.GetHeader(header)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid secret",
			})
			return
		}
		c.Next()
	}
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

	s.router.GET("/api", s.infoHandler)

	walletHandler := wallet.NewHandler(s.wallets, s.logger)
	escrowHandler := escrow.NewHandler(s.escrow, s.logger)
	disputeHandler := dispute.NewHandler(s.disputes, s.logger)
	reconHandler := reconciliation.NewHandler(s.recon, s.logger)

	// V1 API group
	v1 := s.router.Group("/v1")

	// USER ROUTES (verified identity required)
	user := v1.Group("")
	user.Use(requireUser())
	walletHandler.RegisterRoutes(user)
	escrowHandler.RegisterRoutes(user)
	disputeHandler.RegisterRoutes(user)
	user.GET("/events/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// PROVIDER CALLBACK (shared secret, no user identity)
	provider := v1.Group("")
	provider.Use(s.requireSecret("X-Provider-Secret", s.cfg.ProviderSecret))
	walletHandler.RegisterProviderRoutes(provider)

	// ADMIN ROUTES
	admin := v1.Group("/admin")
	admin.Use(requireUser(), s.requireAdmin())
	disputeHandler.RegisterAdminRoutes(admin)
	reconHandler.RegisterAdminRoutes(admin)
	admin.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})

	// INTERNAL CRON ROUTES (scheduler-to-service)
	internal := s.router.Group("/internal")
	internal.Use(s.requireSecret("X-Internal-Secret", s.cfg.InternalSecret))
	reconHandler.RegisterCronRoutes(internal)
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

	healthy, checks := s.healthReg.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Tradebay",
		"description": "Marketplace escrow and wallet ledger",
		"version":     "0.1.0",
		"currency":    s.cfg.Currency,
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

	stopTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.stopTraces = stopTraces
	}

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
			"currency", s.cfg.Currency,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start reservation timeout sweeper
	go s.reconTimer.Start(runCtx)

	// Start WebSocket event hub
	go s.hub.Run(runCtx)

	// Start DB stats collector
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for all background goroutines
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop reconciliation timer
	if s.reconTimer != nil {
		s.reconTimer.Stop()
		s.logger.Info("reconciliation timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Drain in-flight event deliveries
	if s.events != nil {
		s.events.Flush()
		s.logger.Info("event webhook drained")
	}

	if s.stopTraces != nil {
		if err := s.stopTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
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
