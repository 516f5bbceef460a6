// Package server exposes the leaderboard, settlement and signed-action APIs
// over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/kolboard/internal/domain"
	"github.com/alanyoungcy/kolboard/internal/server/handler"
	"github.com/alanyoungcy/kolboard/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// AdminKey guards /api/admin routes; empty disables the check.
	AdminKey string
	// ActionLimit caps signed account actions per client per minute.
	ActionLimit int
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health    *handler.HealthHandler
	Ingest    *handler.IngestHandler
	Snapshots *handler.SnapshotHandler
	Markets   *handler.MarketHandler
	Payouts   *handler.PayoutHandler
	Accounts  *handler.AccountHandler
	Wallets   *handler.WalletHandler
	// Metrics serves the Prometheus registry; nil leaves /metrics unrouted.
	Metrics http.Handler
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with every route registered. limiter may be nil.
func NewServer(cfg Config, h Handlers, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))
	if cfg.AdminKey == "" {
		logger.Warn("admin key not set: /api/admin routes are unauthenticated")
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           Routes(cfg, h, limiter, logger),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      5 * time.Minute,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Routes builds the full handler tree. It is separate from NewServer so tests
// can drive it through httptest.
func Routes(cfg Config, h Handlers, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	admin := middleware.Auth(cfg.AdminKey)
	actions := middleware.RateLimit(limiter, "actions", cfg.ActionLimit, time.Minute)
	adminFunc := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, admin(fn))
	}
	actionFunc := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, actions(fn))
	}

	// Health checks.
	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	mux.HandleFunc("GET /api/ready", h.Health.Ready)
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}

	// Ingestion. The webhook authenticates with its body HMAC.
	mux.HandleFunc("POST /api/webhooks/events", h.Ingest.Webhook)
	adminFunc("POST /api/admin/backfill", h.Ingest.Backfill)

	// Leaderboard snapshots.
	mux.HandleFunc("GET /api/snapshots/{window}/latest", h.Snapshots.Latest)
	mux.HandleFunc("GET /api/snapshots/{window}/{end}", h.Snapshots.Get)
	mux.HandleFunc("GET /api/snapshots/{window}/{end}/verify", h.Snapshots.Verify)
	adminFunc("POST /api/admin/snapshots/{window}", h.Snapshots.Build)

	// Markets and settlement.
	mux.HandleFunc("GET /api/markets/{id}", h.Markets.GetMarket)
	mux.HandleFunc("GET /api/markets/{id}/positions", h.Markets.Positions)
	mux.HandleFunc("GET /api/markets/{id}/payouts", h.Payouts.ListByMarket)
	adminFunc("POST /api/admin/markets", h.Markets.CreateMarket)
	adminFunc("POST /api/admin/markets/settle-due", h.Markets.SettleDue)
	adminFunc("POST /api/admin/markets/{id}/positions", h.Markets.AddPosition)
	adminFunc("POST /api/admin/markets/{id}/settle", h.Markets.Settle)

	// Payouts.
	mux.HandleFunc("GET /api/payouts/{id}", h.Payouts.GetPayout)
	adminFunc("POST /api/admin/payouts/process", h.Payouts.ProcessBatch)
	adminFunc("POST /api/admin/payouts/reconcile", h.Payouts.Reconcile)
	adminFunc("POST /api/admin/payouts/{id}/process", h.Payouts.ProcessOne)

	// Signed account actions.
	actionFunc("POST /api/account/withdraw", h.Accounts.Withdraw)
	actionFunc("POST /api/account/deposit", h.Accounts.Deposit)
	actionFunc("POST /api/account/orders", h.Accounts.PlaceOrder)
	actionFunc("POST /api/account/orders/cancel", h.Accounts.CancelOrder)
	mux.HandleFunc("GET /api/account/{wallet}/balance", h.Accounts.Balance)

	// Tracked cohort and audit log.
	mux.HandleFunc("GET /api/wallets", h.Wallets.ListWallets)
	adminFunc("POST /api/admin/wallets", h.Wallets.TrackWallet)
	adminFunc("DELETE /api/admin/wallets/{id}", h.Wallets.UntrackWallet)
	adminFunc("GET /api/admin/audit", h.Wallets.ListAudit)

	var out http.Handler = mux
	out = middleware.Logging(logger)(out)
	out = middleware.CORS(cfg.CORSOrigins)(out)
	return out
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
