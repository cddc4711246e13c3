// Package server wires the escrow service together: ledger store, provider
// webhook, party and operator API, realtime push and operational endpoints.
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
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/trustwork/escrowd/internal/auth"
	"github.com/trustwork/escrowd/internal/config"
	"github.com/trustwork/escrowd/internal/dispute"
	"github.com/trustwork/escrowd/internal/escrow"
	"github.com/trustwork/escrowd/internal/health"
	"github.com/trustwork/escrowd/internal/ledger"
	"github.com/trustwork/escrowd/internal/logging"
	"github.com/trustwork/escrowd/internal/metrics"
	"github.com/trustwork/escrowd/internal/payfast"
	"github.com/trustwork/escrowd/internal/ratelimit"
	"github.com/trustwork/escrowd/internal/reconciliation"
	"github.com/trustwork/escrowd/internal/realtime"
	"github.com/trustwork/escrowd/internal/security"
	"github.com/trustwork/escrowd/internal/signature"
	"github.com/trustwork/escrowd/internal/validation"
	"github.com/trustwork/escrowd/internal/webhook"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	store        ledger.Store
	ledger       *ledger.Ledger
	escrows      *escrow.Service
	disputes     *dispute.Service
	reconciler   *webhook.Reconciler
	deadLetters  *webhook.DeadLetters
	audit        *reconciliation.Timer
	origin       payfast.OriginVerifier
	realtimeHub  *realtime.Hub
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	drainDelay   time.Duration
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the server logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore uses store instead of opening one from DATABASE_URL.
func WithStore(store ledger.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithOriginVerifier overrides the provider origin check.
func WithOriginVerifier(v payfast.OriginVerifier) Option {
	return func(s *Server) {
		s.origin = v
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to notice
// the failing readiness probe before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// notifierSetter is implemented by both ledger stores.
type notifierSetter interface {
	SetNotifier(n ledger.Notifier)
}

// New creates a new server
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.store == nil {
		if err := s.openStore(); err != nil {
			return nil, err
		}
	}

	s.realtimeHub = realtime.NewHub(s.logger)
	if ns, ok := s.store.(notifierSetter); ok {
		ns.SetNotifier(s.realtimeHub)
	}

	s.ledger = ledger.New(s.store)
	s.escrows = escrow.NewService(s.store, escrow.RatePolicy{Rate: cfg.PlatformFeeRate}, cfg.MaxRevisions).
		WithLogger(s.logger)
	s.disputes = dispute.NewService(s.store, cfg.DisputeGraceWindow).WithLogger(s.logger)
	s.reconciler = webhook.NewReconciler(s.store, s.escrows).WithLogger(s.logger)
	s.deadLetters = webhook.NewDeadLetters(s.store, s.reconciler).WithLogger(s.logger)
	if s.origin == nil {
		s.origin = payfast.NewOriginVerifier(cfg)
	}
	s.audit = reconciliation.NewTimer(
		reconciliation.NewAuditor(s.store).WithLogger(s.logger),
		cfg.ReconcileInterval,
		s.logger,
	)

	s.health = health.NewRegistry()
	s.health.Register("ledger", health.PingChecker("ledger", s.store))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	// gin trusts every proxy unless told otherwise, which would let any
	// caller choose its ClientIP and pass the origin check.
	if err := s.router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
	}
	s.setupMiddleware()
	s.setupRoutes()

	s.logger.Info("server configured",
		"mode", cfg.Mode,
		"feeRate", cfg.PlatformFeeRate.String(),
		"disputeGrace", cfg.DisputeGraceWindow.String(),
		"webhookTimeout", cfg.WebhookTimeout.String(),
	)
	return s, nil
}

// openStore opens Postgres when DATABASE_URL is set, otherwise the
// in-memory store.
func (s *Server) openStore() error {
	if s.cfg.DatabaseURL == "" {
		s.logger.Warn("DATABASE_URL not set, using in-memory ledger; state is lost on restart")
		s.store = ledger.NewMemoryStore()
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	s.db = db
	s.store = ledger.NewPostgresStore(db)
	s.logger.Info("connected to PostgreSQL", "dsn", maskDSN(s.cfg.DatabaseURL))
	return nil
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
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.health.RegisterRoutes(s.router)
	s.router.GET("/metrics", metrics.Handler())

	// Provider callback: authenticated by signature and origin, not by actor.
	webhook.NewHandler(s.reconciler, s.deadLetters, signature.NewSigner(s.cfg.Passphrase), s.origin, s.cfg.WebhookTimeout).
		WithMerchantID(s.cfg.MerchantID).
		WithLogger(s.logger).
		RegisterRoutes(s.router)

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())

	v1 := s.router.Group("/v1",
		auth.Middleware(auth.New(s.cfg.AdminSecret, s.cfg.ServiceKey)),
		s.rateLimiter.Middleware(),
		validation.IDParamMiddleware(),
	)
	ledger.NewHandler(s.ledger).RegisterRoutes(v1)
	escrow.NewHandler(s.escrows).RegisterRoutes(v1)
	dispute.NewHandler(s.disputes).RegisterRoutes(v1)
	v1.GET("/ws", s.realtimeHub.HandleWebSocket)
	v1.GET("/realtime/stats", auth.RequireRole(ledger.RoleOperator), func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})

	admin := v1.Group("", auth.RequireRole(ledger.RoleOperator))
	webhook.NewAdminHandler(s.deadLetters).RegisterRoutes(admin)
	reconciliation.NewHandler(s.audit).RegisterRoutes(admin)
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
		WriteTimeout:      s.cfg.WebhookTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	if s.cfg.ReconcileInterval > 0 {
		go s.audit.Start(runCtx)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
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
	s.health.Drain()
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	// In-flight webhooks get their full budget to commit or roll back.
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WebhookTimeout+15*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Stop the hub after the listener so no new sockets are accepted.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Hub returns the realtime hub. Tests drive it directly.
func (s *Server) Hub() *realtime.Hub {
	return s.realtimeHub
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
