// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
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
	"golang.org/x/sync/errgroup"

	"github.com/PlayraLive/h-ai-sub005/internal/auth"
	"github.com/PlayraLive/h-ai-sub005/internal/chain"
	"github.com/PlayraLive/h-ai-sub005/internal/config"
	"github.com/PlayraLive/h-ai-sub005/internal/dispute"
	"github.com/PlayraLive/h-ai-sub005/internal/escalation"
	"github.com/PlayraLive/h-ai-sub005/internal/escrow"
	"github.com/PlayraLive/h-ai-sub005/internal/health"
	"github.com/PlayraLive/h-ai-sub005/internal/logging"
	"github.com/PlayraLive/h-ai-sub005/internal/metrics"
	"github.com/PlayraLive/h-ai-sub005/internal/ratelimit"
	"github.com/PlayraLive/h-ai-sub005/internal/realtime"
	"github.com/PlayraLive/h-ai-sub005/internal/reconciliation"
	"github.com/PlayraLive/h-ai-sub005/internal/retry"
	"github.com/PlayraLive/h-ai-sub005/internal/security"
	"github.com/PlayraLive/h-ai-sub005/internal/settlement"
	"github.com/PlayraLive/h-ai-sub005/internal/traces"
	"github.com/PlayraLive/h-ai-sub005/internal/validation"
)

const version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// ChainAdapter is the chain client the server wires into the escrow service
// and the settlement engine.
type ChainAdapter interface {
	chain.Adapter
	Ping(ctx context.Context) error
}

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	chain          ChainAdapter
	escrowService  *escrow.Service
	engine         *settlement.Engine
	disputes       *dispute.Manager
	webhookSink    *escalation.WebhookSink
	slaMonitor     *dispute.SLAMonitor
	reconcileTimer *reconciliation.Timer
	realtimeHub    *realtime.Hub
	rateLimiter    *ratelimit.Limiter
	health         *health.Registry
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	stopTracing    func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	background     *errgroup.Group

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

// WithChain sets a custom chain adapter (for testing)
func WithChain(c ChainAdapter) Option {
	return func(s *Server) {
		s.chain = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	// Apply options first (may set chain/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		escrowStore     escrow.Store
		settlementStore settlement.Store
		disputeStore    dispute.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		escrowStore = escrow.NewPostgresStore(db)
		settlementStore = settlement.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		s.health.Register("database", health.Database(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		escrowStore = escrow.NewMemoryStore()
		settlementStore = settlement.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Chain adapter if not injected
	if s.chain == nil {
		if cfg.UseChain() {
			evm, err := chain.NewEVMAdapter(chain.EVMConfig{
				RPCURL:         cfg.RPCURL,
				PrivateKey:     cfg.PrivateKey,
				ChainID:        cfg.ChainID,
				EscrowContract: cfg.EscrowContract,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create chain adapter: %w", err)
			}
			s.chain = evm
			s.logger.Info("using EVM chain adapter",
				"chain_id", cfg.ChainID,
				"escrow_contract", cfg.EscrowContract,
				"operator", evm.Address(),
			)
		} else {
			s.chain = chain.NewMemoryAdapter()
			s.logger.Warn("using in-memory chain adapter (no funds move)")
		}
	}
	s.health.Register("chain", health.Probe("chain", s.chain.Ping))

	// Realtime hub receives escrow and dispute events
	s.realtimeHub = realtime.NewHub(s.logger)

	s.escrowService = escrow.NewService(escrowStore).
		WithChain(s.chain).
		WithLogger(s.logger).
		WithEventPublisher(s.realtimeHub)

	engineCfg := settlement.DefaultConfig()
	if cfg.ChainTimeout > 0 {
		engineCfg.ChainTimeout = cfg.ChainTimeout
	}
	if cfg.ChainConfirmWindow > 0 {
		engineCfg.ConfirmWindow = cfg.ChainConfirmWindow
	}
	if cfg.ChainPendingMaxAge > 0 {
		engineCfg.PendingMaxAge = cfg.ChainPendingMaxAge
	}
	if cfg.ChainMaxAttempts > 0 {
		engineCfg.Retry = retry.DefaultPolicy
		engineCfg.Retry.MaxAttempts = cfg.ChainMaxAttempts
	}
	s.engine = settlement.NewEngine(settlementStore, s.escrowService, s.chain, engineCfg).
		WithLogger(s.logger)

	// Admin escalation: always logged, optionally posted to a webhook
	sinks := escalation.Multi{escalation.NewLogSink(s.logger)}
	if cfg.AdminWebhookURL != "" {
		wh, err := escalation.NewWebhookSink(escalation.WebhookConfig{
			URL:          cfg.AdminWebhookURL,
			Secret:       cfg.AdminWebhookSecret,
			AllowPrivate: cfg.IsDevelopment(),
		}, s.logger)
		if err != nil {
			return nil, err
		}
		s.webhookSink = wh
		sinks = append(sinks, wh)
		s.logger.Info("admin webhook escalation enabled")
	}

	s.disputes = dispute.NewManager(disputeStore, s.escrowService, s.engine).
		WithEscalationSink(sinks).
		WithEventPublisher(s.realtimeHub).
		WithLogger(s.logger)

	s.slaMonitor = dispute.NewSLAMonitor(s.disputes, cfg.SLASchedule, s.logger)

	reconciler := reconciliation.NewReconciler(s.engine, s.disputes, reconciliation.DefaultConfig(), s.logger)
	s.reconcileTimer = reconciliation.NewTimer(reconciler, cfg.ReconcileInterval, s.logger)

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
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(security.CORSMiddleware(origins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerSecond = s.cfg.RateLimitRPS
	}
	if s.cfg.RateLimitBurst > 0 {
		rlCfg.BurstSize = s.cfg.RateLimitBurst
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Actor identity from gateway headers; enforced per route group
	s.router.Use(auth.Middleware())
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
			logger.Debug("request completed",
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for escrow and dispute events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	s.router.GET("/api", s.infoHandler)

	v1 := s.router.Group("/v1")
	v1.Use(validation.ContractParamMiddleware())
	protected := v1.Group("")
	protected.Use(auth.RequireActor())

	escrowHandler := escrow.NewHandler(s.escrowService)
	escrowHandler.RegisterRoutes(v1)
	escrowHandler.RegisterProtectedRoutes(protected)

	settlementHandler := settlement.NewHandler(s.engine)
	settlementHandler.RegisterRoutes(v1)
	settlementHandler.RegisterProtectedRoutes(protected)

	disputeHandler := dispute.NewHandler(s.disputes)
	disputeHandler.RegisterRoutes(v1)
	disputeHandler.RegisterProtectedRoutes(protected)

	admin := v1.Group("/admin")
	admin.Use(auth.RequireActor(), auth.RequireRole(auth.RoleAdmin))
	admin.POST("/reconcile", s.reconcileHandler)
	admin.POST("/disputes/escalate-overdue", s.escalateOverdueHandler)
	admin.GET("/realtime", s.realtimeStatsHandler)
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

	healthy, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   version,
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
		"name":        "escrowcore",
		"description": "Escrow settlement and dispute arbitration",
		"version":     version,
		"chainId":     s.cfg.ChainID,
		"onChain":     s.cfg.UseChain(),
	})
}

// reconcileHandler runs one reconciliation pass on demand.
func (s *Server) reconcileHandler(c *gin.Context) {
	report, err := s.reconcileTimer.RunNow(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("manual reconciliation failed", logging.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconciliation_failed",
			"message": "reconciliation run failed",
		})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) escalateOverdueHandler(c *gin.Context) {
	n, err := s.slaMonitor.RunOnce(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("overdue escalation failed", logging.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "escalation_failed",
			"message": "failed to escalate overdue admin calls",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"escalated": n})
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

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

// startBackground launches the hub, timers and workers under one errgroup.
func (s *Server) startBackground(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	s.background = g

	g.Go(func() error {
		s.realtimeHub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		s.reconcileTimer.Start(gctx)
		return nil
	})

	if s.webhookSink != nil {
		g.Go(func() error { return s.webhookSink.Run(gctx) })
	}

	if err := s.slaMonitor.Start(); err != nil {
		s.logger.Error("failed to start dispute SLA monitor", "error", err)
	}

	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				s.rateLimiter.Sweep()
			}
		}
	})

	if s.db != nil {
		g.Go(func() error {
			metrics.StartDBStatsCollector(gctx, s.db, 15*time.Second)
			return nil
		})
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.slaMonitor.Stop(ctx)
	s.reconcileTimer.Stop()

	// Cancel the context for all background goroutines (hub, timers, webhook)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.background != nil {
		if err := s.background.Wait(); err != nil {
			s.logger.Error("background worker error", "error", err)
		}
	}

	if closer, ok := s.chain.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			s.logger.Error("chain adapter close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
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
