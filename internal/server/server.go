// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
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
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/halcyonchat/halcyon/internal/auth"
	"github.com/halcyonchat/halcyon/internal/billing"
	"github.com/halcyonchat/halcyon/internal/circuitbreaker"
	"github.com/halcyonchat/halcyon/internal/config"
	"github.com/halcyonchat/halcyon/internal/entitlement"
	"github.com/halcyonchat/halcyon/internal/gate"
	"github.com/halcyonchat/halcyon/internal/health"
	"github.com/halcyonchat/halcyon/internal/logging"
	"github.com/halcyonchat/halcyon/internal/metrics"
	"github.com/halcyonchat/halcyon/internal/provider"
	"github.com/halcyonchat/halcyon/internal/ratelimit"
	"github.com/halcyonchat/halcyon/internal/reset"
	"github.com/halcyonchat/halcyon/internal/security"
	"github.com/halcyonchat/halcyon/internal/user"
	"github.com/halcyonchat/halcyon/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	users         user.Store
	authMgr       *auth.Manager
	events        *entitlement.Events
	cache         entitlement.Cache
	entitlements  *entitlement.CachedResolver
	resetCoord    *reset.Coordinator
	resetTimer    *reset.Timer
	gate          *gate.Gate
	bypass        *gate.BypassResolver
	guard         *gate.CreditGuard
	billing       *billing.Service
	stripeWebhook *billing.WebhookHandler
	limiter       *ratelimit.Limiter
	completer     provider.ChatCompleter
	checks        *health.Registry
	redis         *redis.Client
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

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

// WithUserStore sets a custom user store (for testing)
func WithUserStore(store user.Store) Option {
	return func(s *Server) {
		s.users = store
	}
}

// WithCompleter sets a custom chat provider (for testing)
func WithCompleter(c provider.ChatCompleter) Option {
	return func(s *Server) {
		s.completer = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set stores/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		features  entitlement.FeatureStore
		rlStore   ratelimit.Store
		authStore auth.Store
	)
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

		userStore := user.NewPostgresStore(db)
		if err := userStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate user store", "error", err)
		}
		s.users = userStore

		featureStore := entitlement.NewPostgresFeatureStore(db)
		if err := featureStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate feature store", "error", err)
		}
		features = featureStore

		rlPG := ratelimit.NewPostgresStore(db)
		if err := rlPG.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate rate limit store", "error", err)
		}
		rlStore = rlPG

		authPG := auth.NewPostgresStore(db)
		if err := authPG.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate session store", "error", err)
		}
		authStore = authPG
	} else {
		if s.users == nil {
			s.users = user.NewMemoryStore()
		}
		features = entitlement.NewSeededMemoryFeatureStore()
		rlStore = ratelimit.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Entitlement cache (Redis if REDIS_URL set, otherwise in-process)
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opt)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		s.cache = entitlement.NewRedisCache(client, cfg.EntitlementCacheTTL)
		s.logger.Info("using redis entitlement cache", "ttl", cfg.EntitlementCacheTTL)
	} else {
		s.cache = entitlement.NewMemoryCache(cfg.EntitlementCacheTTL)
		s.logger.Info("using in-process entitlement cache", "ttl", cfg.EntitlementCacheTTL)
	}

	// Entitlement pipeline: events -> reset coordinator -> resolver -> cache
	s.events = entitlement.NewEvents()
	s.resetCoord = reset.NewCoordinator(s.users, s.cache, s.events)
	resolver := entitlement.NewResolver(s.users, features, s.resetCoord)
	s.entitlements = entitlement.NewCachedResolver(resolver, s.cache)

	// Every entitlement-affecting mutation invalidates through this one subscriber.
	s.events.Subscribe(func(ctx context.Context, userID string) {
		s.entitlements.Invalidate(ctx, userID)
	})

	s.gate = gate.NewGate(s.users, s.entitlements, cfg.UpgradeURL, cfg.PurchaseURL)
	s.bypass = gate.NewBypassResolver(s.users, cfg.LocalProvider)
	s.guard = gate.NewCreditGuard(cfg.PurchaseURL)
	s.billing = billing.NewService(s.users, s.events)
	s.stripeWebhook = billing.NewWebhookHandler(s.users, s.billing, s.events, cfg.StripeWebhookSecret)
	s.authMgr = auth.NewManager(authStore)
	s.resetTimer = reset.NewTimer(s.resetCoord, s.logger)

	rlCfg := ratelimit.DefaultConfig()
	rlCfg.Window = cfg.RateLimitWindow
	s.limiter = ratelimit.New(rlStore, rlCfg)

	if s.completer == nil {
		s.completer = provider.NewLocal(cfg.LocalProvider)
	}
	// Cut off a flapping provider backend instead of timing out every request.
	s.completer = provider.WithBreaker(s.completer, circuitbreaker.New(5, 30*time.Second))

	// Health checks for the dependencies this instance actually has.
	s.checks = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.checks.Register("database", func(ctx context.Context) health.Status {
			st := health.Status{Name: "database", Healthy: true}
			if err := db.PingContext(ctx); err != nil {
				st.Healthy = false
				st.Detail = err.Error()
			}
			return st
		})
	}
	if s.redis != nil {
		client := s.redis
		s.checks.Register("redis", func(ctx context.Context) health.Status {
			st := health.Status{Name: "redis", Healthy: true}
			if err := client.Ping(ctx).Err(); err != nil {
				st.Healthy = false
				st.Detail = err.Error()
			}
			return st
		})
	}

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
			"error":   "INTERNAL",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for development - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())

	// Soft session auth: resolves the session when present, never rejects.
	// Routes that need a user opt in with auth.RequireAuth.
	s.router.Use(auth.Middleware(s.authMgr))
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
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

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	authHandler := auth.NewHandler(s.authMgr)

	// PUBLIC ROUTES (no session required)
	v1.GET("/auth/info", authHandler.Info)

	// Registration (public but returns a session token). Anonymous traffic is
	// rate limited by client IP at the freemium limit.
	v1.POST("/users", ratelimit.Middleware(s.limiter, ratelimit.IPKeyFunc), s.registerUser)

	// Stripe webhooks authenticate by signature, not by session.
	v1.POST("/webhooks/stripe", s.stripeWebhook.Handle)

	// PROTECTED ROUTES (require a session)
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	{
		protected.POST("/chat/completions", s.chatCompletions)
		protected.GET("/entitlement", s.getEntitlement)

		// Session management
		protected.GET("/auth/me", authHandler.Me)
		protected.GET("/auth/sessions", authHandler.ListSessions)
		protected.DELETE("/auth/sessions/:sessionId", authHandler.RevokeSession)
	}

	// ADMIN ROUTES (operator tooling, X-Admin-Secret header)
	admin := v1.Group("/admin")
	// Validate :id URL params on all admin routes (no-op when param absent)
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret), validation.UserIDParamMiddleware())
	{
		admin.POST("/users/:id/override", s.grantOverride)
		admin.DELETE("/users/:id/override", s.revokeOverride)
		admin.POST("/users/:id/credits", s.grantCredits)
		admin.POST("/reset-sweep", s.runResetSweep)
	}
}

// registerUser handles POST /v1/users
// Creates a freemium account and issues its first session token.
func (s *Server) registerUser(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		Email string `json:"email" binding:"required,email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A valid email is required",
		})
		return
	}

	u := &user.User{
		ID:              "usr_" + uuid.NewString(),
		Email:           req.Email,
		Tier:            user.TierFreemium,
		Status:          user.StatusFreemium,
		MessagesResetAt: user.StartOfMonth(time.Now()),
	}

	if err := s.users.Create(ctx, u); err != nil {
		if errors.Is(err, user.ErrExists) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "user_exists",
				"message": "An account with this id already exists",
			})
			return
		}
		s.logger.Error("failed to create user", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "INTERNAL",
			"message": "Failed to create account",
		})
		return
	}

	rawToken, sess, err := s.authMgr.IssueSession(ctx, u.ID, 30*24*time.Hour)
	if err != nil {
		s.logger.Error("failed to issue session", "error", err)
		// Account was created but session issuance failed
		c.JSON(http.StatusCreated, gin.H{
			"user":    u,
			"warning": "Account created but session issuance failed. Sign in again.",
		})
		return
	}

	s.logger.Info("user registered",
		"user_id", u.ID,
		"session_id", sess.ID,
	)

	c.JSON(http.StatusCreated, gin.H{
		"user":         u,
		"sessionToken": rawToken,
		"sessionId":    sess.ID,
		"warning":      "Store this session token securely. It will not be shown again.",
		"usage":        "Include 'Authorization: Bearer <sessionToken>' header in requests.",
	})
}

// getEntitlement handles GET /v1/entitlement
// Returns the cached effective entitlement so clients can render quota UI.
func (s *Server) getEntitlement(c *gin.Context) {
	ent, err := s.entitlements.Resolve(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		s.renderGateError(c, err)
		return
	}
	c.JSON(http.StatusOK, ent)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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
		"name":        "Halcyon",
		"description": "Entitlement and credit gating for AI chat",
		"version":     "0.1.0",
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start monthly reset sweep timer
	go s.resetTimer.Start(runCtx)

	// Start rate limit window purger
	go s.limiter.StartPurger(runCtx)

	// Start DB pool stats collector
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

	// Cancel the context for all background goroutines (timers, purger)
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

	// Stop reset sweep timer
	if s.resetTimer != nil {
		s.resetTimer.Stop()
		s.logger.Info("reset timer stopped")
	}

	// Stop rate limiter purge goroutine
	if s.limiter != nil {
		s.limiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close redis client
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
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
