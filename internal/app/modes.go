package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/kolboard/internal/crypto"
	"github.com/alanyoungcy/kolboard/internal/server"
	"github.com/alanyoungcy/kolboard/internal/server/handler"
)

// Operating modes.
const (
	ModeServer    = "server"
	ModeScheduler = "scheduler"
	ModeFull      = "full"
	ModeMigrate   = "migrate"
)

// ServerMode serves the HTTP API only. Payout endpoints answer 501 when no
// funder key is configured.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")
	svc, err := BuildServices(ctx, a.cfg, deps, false, a.logger)
	if err != nil {
		return fmt.Errorf("server mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, svc)
	return g.Wait()
}

// SchedulerMode runs the cron jobs only.
func (a *App) SchedulerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting scheduler mode")
	svc, err := BuildServices(ctx, a.cfg, deps, true, a.logger)
	if err != nil {
		return fmt.Errorf("scheduler mode: %w", err)
	}
	sched, err := NewScheduler(a.cfg, svc, deps.Metrics, a.logger)
	if err != nil {
		return fmt.Errorf("scheduler mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(ctx)
	})
	return g.Wait()
}

// FullMode runs the scheduler and, when enabled, the HTTP API in one
// process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	svc, err := BuildServices(ctx, a.cfg, deps, true, a.logger)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	sched, err := NewScheduler(a.cfg, svc, deps.Metrics, a.logger)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(ctx)
	})
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, svc)
	}
	return g.Wait()
}

// MigrateMode applies the schema and exits. Wire has already run the
// migrations by the time it is called.
func (a *App) MigrateMode(ctx context.Context, _ *Dependencies) error {
	a.logger.InfoContext(ctx, "migrations applied", slog.String("driver", a.cfg.Store.Driver))
	return nil
}

// Handlers builds every HTTP handler from the services.
func Handlers(cfg HandlerConfig, deps *Dependencies, svc *Services, logger *slog.Logger) server.Handlers {
	st := deps.Stores
	// A nil *payout.Processor must stay a nil interface.
	var proc handler.PayoutProcessor
	if svc.Payouts != nil {
		proc = svc.Payouts
	}
	return server.Handlers{
		Health:    handler.NewHealthHandler(cfg.Mode, deps.Checks, logger),
		Ingest:    handler.NewIngestHandler(svc.Ingest, crypto.WebhookAuth{Secret: cfg.WebhookSecret}, cfg.MaxBodyBytes, logger),
		Snapshots: handler.NewSnapshotHandler(st.Snapshots, svc.Builder, svc.Verifier, logger),
		Markets:   handler.NewMarketHandler(st.Markets, svc.Settlement, logger),
		Payouts:   handler.NewPayoutHandler(st.Payouts, proc, logger),
		Accounts:  handler.NewAccountHandler(svc.Accounts, logger),
		Wallets:   handler.NewWalletHandler(st.Wallets, st.Audit, logger),
		Metrics:   deps.Metrics.Handler(),
	}
}

// HandlerConfig is the slice of configuration the HTTP handlers need.
type HandlerConfig struct {
	Mode          string
	WebhookSecret string
	MaxBodyBytes  int64
}

// startHTTPServer adds an HTTP server goroutine to the given errgroup. The
// server is shut down gracefully when the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *Services) {
	h := Handlers(HandlerConfig{
		Mode:          a.cfg.Mode,
		WebhookSecret: a.cfg.Ingest.WebhookSecret,
		MaxBodyBytes:  a.cfg.Ingest.MaxBodyBytes,
	}, deps, svc, a.logger)

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		AdminKey:    a.cfg.Server.AdminKey,
		ActionLimit: a.cfg.Server.ActionRateLimit,
	}, h, deps.Limiter, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
