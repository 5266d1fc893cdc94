// Package server wires the coverpool engine, ledger host and HTTP surface.
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
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/coverpool/internal/admin"
	"github.com/mbd888/coverpool/internal/auth"
	"github.com/mbd888/coverpool/internal/config"
	"github.com/mbd888/coverpool/internal/engine"
	"github.com/mbd888/coverpool/internal/health"
	"github.com/mbd888/coverpool/internal/ledger"
	"github.com/mbd888/coverpool/internal/logging"
	"github.com/mbd888/coverpool/internal/metrics"
	"github.com/mbd888/coverpool/internal/ratelimit"
	"github.com/mbd888/coverpool/internal/realtime"
	"github.com/mbd888/coverpool/internal/reconciliation"
	"github.com/mbd888/coverpool/internal/retry"
	"github.com/mbd888/coverpool/internal/security"
	"github.com/mbd888/coverpool/internal/traces"
	"github.com/mbd888/coverpool/internal/validation"
	"github.com/mbd888/coverpool/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	version      string
	db           *sql.DB // nil if using in-memory
	engine       *engine.Engine
	ledger       *ledger.Ledger
	clock        *ledger.BlockClock
	authMgr      *auth.Manager
	realtimeHub  *realtime.Hub
	expirer      *engine.Expirer
	reconciler   *reconciliation.Service
	reconTimer   *reconciliation.Timer
	rateLimiter  *ratelimit.Limiter
	health       *health.Registry
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	drainDelay   time.Duration
	cancelRunCtx context.CancelFunc

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

// WithVersion sets the build version reported by /health and traces.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a new server instance. The protocol state is bootstrapped
// from configuration if the store holds none.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
		health:     health.NewRegistry(0),
	}
	for _, opt := range opts {
		opt(s)
	}

	var (
		engineStore engine.Store
		ledgerStore ledger.Store
		authStore   auth.Store
	)

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	if cfg.DatabaseURL != "" {
		db, err := s.openDB(ctx)
		if err != nil {
			return nil, err
		}
		s.db = db
		if cfg.AutoMigrate {
			applied, err := migrations.Up(ctx, db)
			if err != nil {
				s.closeDB()
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
			s.logger.Info("migrations applied", "versions", applied)
		}
		engineStore = engine.NewPostgresStore(db)
		ledgerStore = ledger.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		s.health.Register("database", health.Ping(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		engineStore = engine.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.ledger = ledger.New(ledgerStore)
	s.authMgr = auth.NewManager(authStore, auth.WithKeyTTL(cfg.APIKeyTTL))

	s.clock = ledger.NewBlockClock(cfg.BlockInterval, s.logger)
	if cfg.StartHeight > 1 {
		s.clock.Advance(cfg.StartHeight - 1)
	}

	s.realtimeHub = realtime.NewHub(s.logger).WithAllowedOrigins(cfg.CORSOrigins)

	s.engine = engine.New(engineStore, s.ledger,
		engine.WithNotifier(s.realtimeHub),
		engine.WithLogger(s.logger),
		engine.WithClock(s.clock),
	)

	state, err := s.engine.Bootstrap(ctx, engine.BootstrapConfig{
		Owner:       cfg.OwnerAddress,
		Custody:     cfg.CustodyAddress,
		Params:      cfg.Params(),
		SeedCatalog: cfg.SeedDefaultTiers,
	})
	if err != nil {
		s.closeDB()
		return nil, fmt.Errorf("bootstrap protocol: %w", err)
	}
	s.logger.Info("protocol ready",
		"owner", state.Owner,
		"custody", state.Custody,
		"height", s.clock.Now(),
		"policies", state.TotalPolicies,
	)
	if state.Owner != cfg.OwnerAddress {
		s.logger.Warn("stored owner differs from OWNER_ADDRESS; stored state wins",
			"stored", state.Owner, "configured", cfg.OwnerAddress)
	}

	s.health.Register("protocol", health.Func(func(ctx context.Context) error {
		_, err := s.engine.Owner(ctx)
		return err
	}))

	s.expirer = engine.NewExpirer(s.engine, s.clock, s.logger).WithInterval(cfg.ExpireInterval)
	s.reconciler = reconciliation.NewService(s.engine, s.ledger, s.logger)
	s.reconTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// openDB connects to Postgres, retrying while the database comes up.
func (s *Server) openDB(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	policy := retry.DefaultPolicy()
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		s.logger.Warn("database not reachable, retrying",
			"attempt", attempt, "wait", wait.String(), "error", err)
	}
	err = policy.Do(ctx, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
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
	// Request ID and request log first so every later rejection is logged.
	s.router.Use(logging.Middleware(s.logger))

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

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())

	// Auth never aborts; it only identifies the caller so the limiter can
	// key by account.
	s.router.Use(auth.Middleware(s.authMgr))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerSecond: s.cfg.RateLimitRPS,
		AccountKey:        auth.GetAuthenticatedAccount,
	})
	s.router.Use(s.rateLimiter.Middleware())
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	v1.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
	v1.GET("/info", s.infoHandler)

	engineHandler := engine.NewHandler(s.engine, s.clock, s.logger)
	engineHandler.RegisterRoutes(v1)

	ledgerHandler := ledger.NewHandler(s.ledger, s.clock, s.logger)
	ledgerHandler.RegisterRoutes(v1)
	if !s.cfg.IsProduction() {
		ledgerHandler.RegisterDevRoutes(v1)
		s.logger.Warn("dev routes enabled (faucet, manual blocks)")
	}

	authHandler := auth.NewHandler(s.authMgr, s.engine, s.cfg.AdminSecret, s.logger)
	authHandler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	engineHandler.RegisterProtectedRoutes(protected)

	adminHandler := admin.NewHandler(s.engine, s.clock, s.logger).
		WithReconciler(s.reconciler).
		WithSweeper(s.expirer)
	adminHandler.RegisterRoutes(protected)

	ops := v1.Group("")
	ops.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	adminHandler.RegisterOpsRoutes(ops)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Height    uint64          `json:"height"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status, httpStatus := "healthy", http.StatusOK
	if !ok {
		status, httpStatus = "degraded", http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Height:    s.clock.Now(),
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
	if ok, checks := s.health.CheckAll(c.Request.Context()); !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":     "coverpool",
		"version":  s.version,
		"env":      s.cfg.Env,
		"height":   s.clock.Now(),
		"realtime": s.realtimeHub.Stats(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background jobs, then blocks until a
// signal arrives, ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without export", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer tcancel()
		if err := shutdownTracing(tctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}()

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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.clock.Start(runCtx)
	go s.expirer.Start(runCtx)
	go s.reconTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready", "height", s.clock.Now())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		s.stopBackground()
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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.stopBackground()
	s.closeDB()

	s.logger.Info("server stopped", "height", s.clock.Now())
	return shutdownErr
}

func (s *Server) stopBackground() {
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.expirer.Stop()
	s.reconTimer.Stop()
	s.clock.Stop()
	s.rateLimiter.Stop()
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Clock returns the block clock, for tests and dev tooling.
func (s *Server) Clock() *ledger.BlockClock {
	return s.clock
}
