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

	"github.com/karroolabs/karroo/internal/admin"
	"github.com/karroolabs/karroo/internal/auth"
	"github.com/karroolabs/karroo/internal/chat"
	"github.com/karroolabs/karroo/internal/chatguard"
	"github.com/karroolabs/karroo/internal/config"
	"github.com/karroolabs/karroo/internal/escrow"
	"github.com/karroolabs/karroo/internal/fees"
	"github.com/karroolabs/karroo/internal/health"
	"github.com/karroolabs/karroo/internal/idgen"
	"github.com/karroolabs/karroo/internal/listings"
	"github.com/karroolabs/karroo/internal/logging"
	"github.com/karroolabs/karroo/internal/metrics"
	"github.com/karroolabs/karroo/internal/offers"
	"github.com/karroolabs/karroo/internal/orders"
	"github.com/karroolabs/karroo/internal/payments"
	"github.com/karroolabs/karroo/internal/ratelimit"
	"github.com/karroolabs/karroo/internal/realtime"
	"github.com/karroolabs/karroo/internal/reconciliation"
	"github.com/karroolabs/karroo/internal/security"
	"github.com/karroolabs/karroo/internal/syncer"
	"github.com/karroolabs/karroo/internal/traces"
	"github.com/karroolabs/karroo/internal/validation"
	"github.com/karroolabs/karroo/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	authMgr     *auth.Manager
	listingsSvc *listings.Service
	offersSvc   *offers.Service
	ordersSvc   *orders.Service
	escrowSvc   *escrow.Service
	chatSvc     *chat.Service
	paymentsSvc *payments.Service
	webhookSub  webhooks.Store
	dispatcher  *webhooks.Dispatcher
	emitter     *webhooks.Emitter
	hub         *realtime.Hub
	escrowTimer *escrow.Timer
	reconRunner *reconciliation.Runner
	reconTimer  *reconciliation.Timer
	rateLimiter *ratelimit.Limiter
	healthReg   *health.Registry
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	tracesShutdown func(context.Context) error

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

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		listingStore listings.Store
		offerStore   offers.Store
		orderStore   orders.Store
		escrowStore  escrow.Store
		chatStore    chat.Store
		authStore    auth.Store
	)

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		listingStore = listings.NewPostgresStore(db)
		offerStore = offers.NewPostgresStore(db)
		orderStore = orders.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		chatStore = chat.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		s.webhookSub = webhooks.NewPostgresStore(db)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		listingStore = listings.NewMemoryStore()
		offerStore = offers.NewMemoryStore()
		escrowMem := escrow.NewMemoryStore()
		escrowStore = escrowMem
		orderStore = orders.NewMemoryStore().WithHoldCheck(escrowMem.HasHoldForOrder)
		chatStore = chat.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		s.webhookSub = webhooks.NewMemoryStore()
	}

	s.authMgr = auth.NewManager(authStore)

	// Realtime hub for WebSocket streaming
	s.hub = realtime.NewHub(s.logger)

	// Webhook delivery
	s.dispatcher = webhooks.NewDispatcher(s.webhookSub)
	s.emitter = webhooks.NewEmitter(s.dispatcher, s.logger)

	// Services
	schedule := fees.Default()

	s.listingsSvc = listings.NewService(listingStore)

	s.ordersSvc = orders.NewService(orderStore, schedule)

	s.offersSvc = offers.NewService(offerStore, &listingProviderAdapter{s.listingsSvc}).
		WithMaterializer(&materializerAdapter{s.ordersSvc}).
		WithNotifier(&offerNotifier{hub: s.hub, emitter: s.emitter})

	s.escrowSvc = escrow.NewService(escrowStore, schedule, cfg.HoldWindow).
		WithOrders(&refundMarkerAdapter{s.ordersSvc})
	s.escrowSvc.WithNotifier(&escrowNotifier{
		hub:     s.hub,
		emitter: s.emitter,
		holds:   s.escrowSvc,
	})

	s.ordersSvc.
		WithEscrow(&holdStarterAdapter{s.escrowSvc}).
		WithListings(s.listingsSvc).
		WithNotifier(&orderNotifier{hub: s.hub, emitter: s.emitter, holdWindow: cfg.HoldWindow})

	guard := chatguard.New(cfg.ChatWindowLimit)
	s.chatSvc = chat.NewService(chatStore, guard, s.offersSvc).
		WithNotifier(&chatNotifier{hub: s.hub})

	s.paymentsSvc = payments.NewService(s.ordersSvc, cfg.StripeSecretKey, cfg.StripeWebhookSecret)
	if cfg.StripeSecretKey != "" {
		s.logger.Info("Stripe payments enabled")
	} else {
		s.logger.Info("Stripe payments disabled (no STRIPE_SECRET_KEY set)")
	}

	// Background sweeps: escrow auto-release plus the repair pass
	s.escrowTimer = escrow.NewTimer(s.escrowSvc, cfg.SweepInterval, s.logger)
	s.reconRunner = reconciliation.NewRunner(s.offersSvc, s.ordersSvc, s.escrowSvc)
	s.reconTimer = reconciliation.NewTimer(s.reconRunner, s.logger)

	s.healthReg = health.NewRegistry()
	s.healthReg.Register("database", func(ctx context.Context) health.Status {
		if s.db == nil {
			return health.Status{Name: "database", Healthy: true, Detail: "in-memory"}
		}
		if err := s.db.PingContext(ctx); err != nil {
			return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "database", Healthy: true}
	})
	s.healthReg.Register("escrow_timer", func(ctx context.Context) health.Status {
		if s.ready.Load() && !s.escrowTimer.Running() {
			return health.Status{Name: "escrow_timer", Healthy: false, Detail: "stopped"}
		}
		return health.Status{Name: "escrow_timer", Healthy: true}
	})
	s.healthReg.Register("reconciliation_timer", func(ctx context.Context) health.Status {
		if s.ready.Load() && !s.reconTimer.Running() {
			return health.Status{Name: "reconciliation_timer", Healthy: false, Detail: "stopped"}
		}
		return health.Status{Name: "reconciliation_timer", Healthy: true}
	})

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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rlCfg)
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

	// WebSocket for real-time streaming (authenticated)
	s.router.GET("/ws", auth.Middleware(s.authMgr), auth.RequireAuth(s.authMgr), func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request, auth.GetAuthenticatedUser(c))
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	v1.Use(validation.IDParamMiddleware())

	// PUBLIC ROUTES (no auth required)
	listingHandler := listings.NewHandler(s.listingsSvc)
	listingHandler.RegisterRoutes(v1)

	// REGISTRATION (public but returns API key)
	v1.POST("/users", s.registerUserWithAPIKey)

	// Stripe webhook (public, authenticated by signature)
	paymentHandler := payments.NewHandler(s.paymentsSvc)
	paymentHandler.RegisterRoutes(v1)

	// AUTH INFO (public)
	authHandler := auth.NewHandler(s.authMgr)
	v1.GET("/auth/info", authHandler.Info)

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth(s.authMgr))
	{
		listingHandler.RegisterProtectedRoutes(protected)

		offerHandler := offers.NewHandler(s.offersSvc)
		offerHandler.RegisterProtectedRoutes(protected)

		orderHandler := orders.NewHandler(s.ordersSvc)
		orderHandler.RegisterProtectedRoutes(protected)

		escrowHandler := escrow.NewHandler(s.escrowSvc)
		escrowHandler.RegisterProtectedRoutes(protected)

		chatHandler := chat.NewHandler(s.chatSvc)
		chatHandler.RegisterProtectedRoutes(protected)

		paymentHandler.RegisterProtectedRoutes(protected)

		webhookHandler := webhooks.NewHandler(s.webhookSub)
		webhookHandler.RegisterProtectedRoutes(protected)

		// Full-state snapshot for reconnecting clients
		protected.GET("/sync", s.syncHandler)

		// Key management
		protected.GET("/auth/keys", authHandler.ListKeys)
		protected.POST("/auth/keys", authHandler.CreateKey)
		protected.DELETE("/auth/keys/:keyId", authHandler.RevokeKey)
		protected.POST("/auth/keys/:keyId/regenerate", authHandler.RegenerateKey)
		protected.GET("/auth/me", authHandler.Me)
	}

	// ADMIN ROUTES (X-Admin-Secret in production, any auth in demo)
	adminGroup := v1.Group("")
	adminGroup.Use(auth.Middleware(s.authMgr), auth.RequireAdmin())
	{
		escrowHandler := escrow.NewHandler(s.escrowSvc)
		escrowHandler.RegisterAdminRoutes(adminGroup)

		adminHandler := admin.NewHandler().
			WithReconciler(s.reconRunner).
			WithEscrowSweeper(s.escrowSvc).
			WithStats(&serverStats{s})
		adminHandler.RegisterRoutes(adminGroup)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse is the health check response
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthReg.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
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
		"name":        "Karroo",
		"description": "Peer-to-peer marketplace with negotiated offers and escrowed payouts",
		"version":     "0.1.0",
		"currency":    "ZAR",
	})
}

// registerUserWithAPIKey handles POST /v1/users
// Registration mints a user ID and returns its first API key
func (s *Server) registerUserWithAPIKey(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	req.Name = validation.SanitizeString(req.Name, 200)
	userID := idgen.WithPrefix("usr_")

	rawKey, keyInfo, err := s.authMgr.GenerateKey(ctx, userID, "Primary key")
	if err != nil {
		s.logger.Error("failed to generate API key", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to register user",
		})
		return
	}

	s.logger.Info("user registered with API key",
		"userId", userID,
		"name", req.Name,
		"keyId", keyInfo.ID,
	)

	c.JSON(http.StatusCreated, gin.H{
		"userId":  userID,
		"name":    req.Name,
		"apiKey":  rawKey,
		"keyId":   keyInfo.ID,
		"warning": "Store this API key securely. It will not be shown again.",
		"usage":   "Include 'Authorization: Bearer <apiKey>' header in requests.",
	})
}

// syncHandler returns the caller's full marketplace state in one shot.
// Reconnecting clients replace their local copy with this snapshot.
func (s *Server) syncHandler(c *gin.Context) {
	userID := auth.GetAuthenticatedUser(c)

	fetcher := &snapshotFetcher{
		offers: s.offersSvc,
		orders: s.ordersSvc,
		escrow: s.escrowSvc,
		chat:   s.chatSvc,
	}

	snapshot, err := fetcher.FetchAll(c.Request.Context(), userID)
	if err != nil {
		logging.L(c.Request.Context()).Error("sync snapshot failed", "error", err, "userId", userID)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to build sync snapshot",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entities": snapshot,
		"syncedAt": time.Now().UTC(),
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

	// Tracing (no-op when no OTLP endpoint configured)
	shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracesShutdown = shutdown
	}

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

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Start escrow auto-release timer
	go s.escrowTimer.Start(runCtx)

	// Start reconciliation timer
	go s.reconTimer.Start(runCtx)

	// DB pool stats for Prometheus
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

	// Cancel the context for all background goroutines (hub, timers)
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

	if s.escrowTimer != nil {
		s.escrowTimer.Stop()
		s.logger.Info("escrow timer stopped")
	}

	if s.reconTimer != nil {
		s.reconTimer.Stop()
		s.logger.Info("reconciliation timer stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
		}
	}

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

// -----------------------------------------------------------------------------
// Adapters
// -----------------------------------------------------------------------------

// listingProviderAdapter adapts listings.Service to offers.ListingProvider
type listingProviderAdapter struct {
	svc *listings.Service
}

func (a *listingProviderAdapter) GetListingInfo(ctx context.Context, listingID string) (*offers.ListingInfo, error) {
	l, err := a.svc.Get(ctx, listingID)
	if err != nil {
		return nil, err
	}
	return &offers.ListingInfo{
		ID:          l.ID,
		SellerID:    l.SellerID,
		AskingPrice: l.AskingPrice,
		Active:      l.Status == listings.StatusActive,
	}, nil
}

// materializerAdapter adapts orders.Service to offers.OrderMaterializer
type materializerAdapter struct {
	svc *orders.Service
}

func (a *materializerAdapter) MaterializeOrder(ctx context.Context, o *offers.Offer) (string, error) {
	ord, err := a.svc.Materialize(ctx, orders.MaterializeRequest{
		OfferID:   o.ID,
		ListingID: o.ListingID,
		BuyerID:   o.BuyerID,
		SellerID:  o.SellerID,
		Amount:    o.AgreedAmount(),
	})
	if err != nil {
		return "", err
	}
	return ord.ID, nil
}

// holdStarterAdapter adapts escrow.Service to orders.HoldStarter
type holdStarterAdapter struct {
	svc *escrow.Service
}

func (a *holdStarterAdapter) StartHold(ctx context.Context, o *orders.Order, deliveredAt time.Time) error {
	_, err := a.svc.StartHold(ctx, escrow.StartHoldRequest{
		OrderID:     o.ID,
		BuyerID:     o.BuyerID,
		SellerID:    o.SellerID,
		Amount:      o.Amount,
		DeliveredAt: deliveredAt,
	})
	return err
}

// refundMarkerAdapter adapts orders.Service to escrow.RefundMarker
type refundMarkerAdapter struct {
	svc *orders.Service
}

func (a *refundMarkerAdapter) MarkRefunded(ctx context.Context, orderID string) error {
	_, err := a.svc.MarkRefunded(ctx, orderID)
	return err
}

// offerNotifier fans offer changes out to the realtime hub and webhooks
type offerNotifier struct {
	hub     *realtime.Hub
	emitter *webhooks.Emitter
}

func (n *offerNotifier) OfferChanged(o *offers.Offer) {
	kind := realtime.KindUpdate
	if o.Status == offers.StatusPending && o.CreatedAt.Equal(o.UpdatedAt) {
		kind = realtime.KindInsert
	}
	n.hub.BroadcastRow(kind, realtime.EntityOffer, o, o.BuyerID, o.SellerID)

	if n.emitter == nil {
		return
	}
	switch o.Status {
	case offers.StatusPending:
		n.emitter.EmitOfferReceived(o.SellerID, o.ID, o.ListingID, o.Amount)
	case offers.StatusCountered:
		if o.CounterAmount != nil {
			n.emitter.EmitOfferCountered(o.BuyerID, o.ID, *o.CounterAmount)
		}
	case offers.StatusAccepted:
		n.emitter.EmitOfferAccepted(o.BuyerID, o.ID, o.OrderID, o.AgreedAmount())
		n.emitter.EmitOfferAccepted(o.SellerID, o.ID, o.OrderID, o.AgreedAmount())
	case offers.StatusDeclined:
		n.emitter.EmitOfferDeclined(o.BuyerID, o.ID)
	}
}

// orderNotifier fans order changes out to the realtime hub and webhooks
type orderNotifier struct {
	hub        *realtime.Hub
	emitter    *webhooks.Emitter
	holdWindow time.Duration
}

func (n *orderNotifier) OrderChanged(o *orders.Order) {
	kind := realtime.KindUpdate
	if o.Status == orders.StatusPendingPayment && o.CreatedAt.Equal(o.UpdatedAt) {
		kind = realtime.KindInsert
	}
	n.hub.BroadcastRow(kind, realtime.EntityOrder, o, o.BuyerID, o.SellerID)

	if n.emitter == nil {
		return
	}
	switch o.Status {
	case orders.StatusPendingPayment:
		n.emitter.EmitOrderCreated(o.BuyerID, o.ID, o.OfferID, o.Total)
		n.emitter.EmitOrderCreated(o.SellerID, o.ID, o.OfferID, o.Total)
	case orders.StatusPaid:
		n.emitter.EmitOrderPaid(o.SellerID, o.ID)
	case orders.StatusShipped:
		n.emitter.EmitOrderShipped(o.BuyerID, o.ID, o.Carrier, o.TrackingNumber)
	case orders.StatusDelivered:
		if o.DeliveredAt != nil {
			n.emitter.EmitOrderDelivered(o.SellerID, o.ID, o.DeliveredAt.Add(n.holdWindow))
		}
	}
}

// escrowNotifier fans hold and dispute changes out to the realtime hub
// and webhooks
type escrowNotifier struct {
	hub     *realtime.Hub
	emitter *webhooks.Emitter
	holds   *escrow.Service
}

func (n *escrowNotifier) HoldChanged(h *escrow.Hold) {
	kind := realtime.KindUpdate
	if h.Status == escrow.HoldPending && h.CreatedAt.Equal(h.UpdatedAt) {
		kind = realtime.KindInsert
	}
	n.hub.BroadcastRow(kind, realtime.EntityHold, h, h.BuyerID, h.SellerID)

	if n.emitter != nil && h.Status == escrow.HoldReleased {
		n.emitter.EmitHoldReleased(h.SellerID, h.ID, h.OrderID, h.NetPayout)
	}
}

func (n *escrowNotifier) DisputeChanged(d *escrow.Dispute) {
	// Dispute records don't carry both parties; resolve them from the hold.
	audience := []string{d.OpenedBy}
	hold, err := n.holds.HoldForOrder(context.Background(), d.OrderID)
	if err == nil {
		audience = []string{hold.BuyerID, hold.SellerID}
	}

	kind := realtime.KindUpdate
	if d.Status == escrow.DisputeOpen && d.CreatedAt.Equal(d.UpdatedAt) {
		kind = realtime.KindInsert
	}
	n.hub.BroadcastRow(kind, realtime.EntityDispute, d, audience...)

	if n.emitter == nil {
		return
	}
	switch d.Status {
	case escrow.DisputeOpen:
		if err == nil {
			n.emitter.EmitHoldDisputed(hold.SellerID, d.ID, d.OrderID, d.Reason)
		}
	case escrow.DisputeResolvedRefund, escrow.DisputeResolvedPartial, escrow.DisputeResolvedNone:
		for _, userID := range audience {
			n.emitter.EmitDisputeResolved(userID, d.ID, d.OrderID, string(d.Status))
		}
	}
}

// chatNotifier pushes new messages to both thread parties
type chatNotifier struct {
	hub *realtime.Hub
}

func (n *chatNotifier) MessageSent(m *chat.Message, recipientID string) {
	n.hub.BroadcastRow(realtime.KindInsert, realtime.EntityMessage, m, m.SenderID, recipientID)
}

// snapshotFetcher builds the authoritative per-user state for /v1/sync
// and for client-side resyncs
type snapshotFetcher struct {
	offers *offers.Service
	orders *orders.Service
	escrow *escrow.Service
	chat   *chat.Service
}

var _ syncer.Fetcher = (*snapshotFetcher)(nil)

func (f *snapshotFetcher) FetchAll(ctx context.Context, userID string) (map[realtime.Entity][]syncer.Row, error) {
	out := make(map[realtime.Entity][]syncer.Row)

	offerList, err := f.offers.ListForUser(ctx, userID, 100)
	if err != nil {
		return nil, fmt.Errorf("fetch offers: %w", err)
	}
	for _, o := range offerList {
		out[realtime.EntityOffer] = append(out[realtime.EntityOffer], syncer.Row{
			ID: o.ID, UpdatedAt: o.UpdatedAt, Payload: o,
		})
	}

	orderList, err := f.orders.ListForUser(ctx, userID, 100)
	if err != nil {
		return nil, fmt.Errorf("fetch orders: %w", err)
	}
	for _, o := range orderList {
		out[realtime.EntityOrder] = append(out[realtime.EntityOrder], syncer.Row{
			ID: o.ID, UpdatedAt: o.UpdatedAt, Payload: o,
		})

		hold, err := f.escrow.HoldForOrder(ctx, o.ID)
		if err != nil {
			continue // no hold yet
		}
		out[realtime.EntityHold] = append(out[realtime.EntityHold], syncer.Row{
			ID: hold.ID, UpdatedAt: hold.UpdatedAt, Payload: hold,
		})
	}

	for _, o := range offerList {
		msgs, err := f.chat.History(ctx, o.ID, userID, 100)
		if err != nil {
			continue
		}
		for _, m := range msgs {
			out[realtime.EntityMessage] = append(out[realtime.EntityMessage], syncer.Row{
				ID: m.ID, UpdatedAt: m.CreatedAt, Payload: m,
			})
		}
	}

	return out, nil
}

// serverStats exposes operational counters for the admin stats endpoint
type serverStats struct {
	s *Server
}

func (st *serverStats) PlatformStats(ctx context.Context) (map[string]any, error) {
	return map[string]any{
		"realtime":              st.s.hub.Stats(),
		"escrowTimerRunning":    st.s.escrowTimer.Running(),
		"reconcileTimerRunning": st.s.reconTimer.Running(),
		"storage": func() string {
			if st.s.db != nil {
				return "postgres"
			}
			return "memory"
		}(),
	}, nil
}
