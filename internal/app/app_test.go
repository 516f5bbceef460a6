package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alanyoungcy/kolboard/internal/config"
	"github.com/alanyoungcy/kolboard/internal/domain"
	"github.com/alanyoungcy/kolboard/internal/server"
)

func testConfig(t *testing.T, mode string) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Mode = mode
	cfg.Store.Driver = "sqlite"
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "kolboard.db")
	cfg.Redis.Enabled = false
	cfg.Price.CoinGeckoURLs = nil
	cfg.Price.BinanceURLs = nil
	cfg.Price.Fallback = "2500"
	cfg.Ingest.IndexerURLs = nil
	cfg.Snapshot.Windows = []string{"daily"}
	return &cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wire(t *testing.T, cfg *config.Config) *Dependencies {
	t.Helper()
	deps, cleanup, err := Wire(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(cleanup)
	return deps
}

func TestMigrateModeWithSQLite(t *testing.T) {
	cfg := testConfig(t, "MIGRATE")
	a := New(cfg, quietLogger())
	defer a.Close()
	if err := a.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestServicesWithoutFunders(t *testing.T) {
	cfg := testConfig(t, ModeServer)
	deps := wire(t, cfg)

	if _, err := BuildServices(context.Background(), cfg, deps, true, quietLogger()); err == nil {
		t.Fatal("scheduler services built without funder keys")
	}
	svc, err := BuildServices(context.Background(), cfg, deps, false, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if svc.Payouts != nil {
		t.Fatal("payout processor built without funder keys")
	}

	h := Handlers(HandlerConfig{Mode: cfg.Mode, WebhookSecret: "s"}, deps, svc, quietLogger())
	routes := server.Routes(server.Config{}, h, nil, quietLogger())
	for path, want := range map[string]int{
		"/api/ready":   http.StatusOK,
		"/metrics":     http.StatusOK,
		"/api/wallets": http.StatusOK,
	} {
		rec := httptest.NewRecorder()
		routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != want {
			t.Fatalf("GET %s status=%d want=%d", path, rec.Code, want)
		}
	}
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/admin/payouts/process", nil))
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("payout trigger status=%d", rec.Code)
	}
}

func TestSchedulerJobs(t *testing.T) {
	cfg := testConfig(t, ModeScheduler)
	deps := wire(t, cfg)
	svc, err := BuildServices(context.Background(), cfg, deps, false, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	sched, err := NewScheduler(cfg, svc, deps.Metrics, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if n := len(sched.cron.Entries()); n != 2 {
		t.Fatalf("registered %d jobs, want snapshot and settle only", n)
	}

	now := time.Date(2026, 3, 2, 7, 30, 0, 0, time.UTC)
	sched.now = func() time.Time { return now }
	ctx := context.Background()
	if err := sched.RunSnapshots(ctx); err != nil {
		t.Fatal(err)
	}
	snap, err := deps.Stores.Snapshots.Latest(ctx, domain.WindowDaily)
	if err != nil {
		t.Fatal(err)
	}
	if !snap.WindowEnd.Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("window end=%v", snap.WindowEnd)
	}
	if err := sched.RunSnapshots(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if err := sched.RunSettle(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestSchedulerRejectsUnknownWindow(t *testing.T) {
	cfg := testConfig(t, ModeScheduler)
	cfg.Snapshot.Windows = []string{"hourly"}
	if _, err := NewScheduler(cfg, &Services{}, nil, quietLogger()); err == nil {
		t.Fatal("unknown window accepted")
	}
}

func TestSchedulerCursorWrapsAtEnd(t *testing.T) {
	s := &Scheduler{}
	s.advance(&s.payoutCursor, 3, "p04")
	if got := s.cursor(&s.payoutCursor); got != "p04" {
		t.Fatalf("cursor=%q want p04", got)
	}
	s.advance(&s.payoutCursor, 0, "p09")
	if got := s.cursor(&s.payoutCursor); got != "" {
		t.Fatalf("cursor=%q want wrap to start", got)
	}
}
