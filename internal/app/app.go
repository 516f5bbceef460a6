// Package app assembles kolboard from its configuration: it wires the stores
// and optional backends, builds the domain services and runs the selected
// mode until the context ends.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/kolboard/internal/config"
)

// App runs one process mode. Resources acquired by Run are released by Close.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger.With(slog.String("component", "app"))}
}

type modeFunc func(*App, context.Context, *Dependencies) error

var modes = map[string]modeFunc{
	ModeServer:    (*App).ServerMode,
	ModeScheduler: (*App).SchedulerMode,
	ModeFull:      (*App).FullMode,
	ModeMigrate:   (*App).MigrateMode,
}

// Run blocks until ctx is cancelled or the mode fails.
func (a *App) Run(ctx context.Context) error {
	a.cfg.Mode = strings.ToLower(strings.TrimSpace(a.cfg.Mode))
	run, ok := modes[a.cfg.Mode]
	if !ok {
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
	a.logger.InfoContext(ctx, "kolboard starting",
		slog.String("mode", a.cfg.Mode),
		slog.String("store", a.cfg.Store.Driver),
		slog.Bool("redis", a.cfg.Redis.Enabled),
		slog.Bool("archive", a.cfg.S3.Enabled),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire: %w", err)
	}
	a.closers = append(a.closers, cleanup)
	return run(a, ctx, deps)
}

// Close may be called more than once.
func (a *App) Close() {
	if len(a.closers) == 0 {
		return
	}
	a.logger.Info("releasing resources")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
