package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/kolboard/internal/config"
	"github.com/alanyoungcy/kolboard/internal/domain"
	"github.com/alanyoungcy/kolboard/internal/metrics"
	"github.com/alanyoungcy/kolboard/internal/snapshot"
)

// Job names, also used as metric labels.
const (
	JobSnapshot  = "snapshot"
	JobSettle    = "settle"
	JobPayout    = "payout"
	JobReconcile = "reconcile"
	JobBackfill  = "backfill"
)

// Scheduler runs the periodic snapshot, settlement, payout and backfill jobs.
// Every job is idempotent, so overlapping schedulers on several replicas
// converge on the same state.
type Scheduler struct {
	cron    *cron.Cron
	cfg     config.SchedulerConfig
	payout  config.PayoutConfig
	windows []domain.WindowKey
	svc     *Services
	metrics *metrics.Metrics
	now     func() time.Time
	logger  *slog.Logger

	mu             sync.Mutex
	base           context.Context
	backfillCursor string
	settleCursor   string
	payoutCursor   string
}

type job struct {
	name string
	spec string
	run  func(context.Context) error
}

// NewScheduler registers every job whose cron spec is non-empty. The payout
// jobs are skipped when svc has no processor.
func NewScheduler(cfg *config.Config, svc *Services, m *metrics.Metrics, logger *slog.Logger) (*Scheduler, error) {
	logger = logger.With(slog.String("component", "scheduler"))
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger})),
		),
		cfg:     cfg.Scheduler,
		payout:  cfg.Payout,
		svc:     svc,
		metrics: m,
		now:     time.Now,
		logger:  logger,
	}
	for _, w := range cfg.Snapshot.Windows {
		key, err := domain.ParseWindowKey(w)
		if err != nil {
			return nil, fmt.Errorf("scheduler: %w", err)
		}
		s.windows = append(s.windows, key)
	}

	jobs := []job{
		{JobSnapshot, s.cfg.SnapshotCron, s.RunSnapshots},
		{JobSettle, s.cfg.SettleCron, s.RunSettle},
	}
	if len(cfg.Ingest.IndexerURLs) > 0 {
		jobs = append(jobs, job{JobBackfill, s.cfg.BackfillCron, s.RunBackfill})
	}
	if svc.Payouts != nil {
		jobs = append(jobs,
			job{JobPayout, s.cfg.PayoutCron, s.RunPayouts},
			job{JobReconcile, s.cfg.ReconcileCron, s.RunReconcile},
		)
	}
	for _, j := range jobs {
		if j.spec == "" {
			logger.Info("job disabled", slog.String("job", j.name))
			continue
		}
		if _, err := s.cron.AddFunc(j.spec, s.wrap(j.name, j.run)); err != nil {
			return nil, fmt.Errorf("scheduler: register %s job: %w", j.name, err)
		}
		logger.Info("job registered", slog.String("job", j.name), slog.String("spec", j.spec))
	}
	return s, nil
}

// Run starts the cron loop and blocks until ctx is cancelled, then waits for
// running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.InfoContext(ctx, "scheduler started", slog.Int("jobs", len(s.cron.Entries())))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

// wrap adapts a job to cron, bounding it by the job budget plus a grace
// period for the work already started.
func (s *Scheduler) wrap(name string, run func(context.Context) error) func() {
	return func() {
		s.mu.Lock()
		ctx := s.base
		s.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}
		timeout := 2 * s.cfg.JobBudget.Duration
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		started := s.now()
		err := run(ctx)
		result := "ok"
		if err != nil {
			result = "error"
			s.logger.ErrorContext(ctx, "job failed",
				slog.String("job", name),
				slog.Duration("elapsed", s.now().Sub(started)),
				slog.String("error", err.Error()),
			)
		}
		if s.metrics != nil {
			s.metrics.JobRuns.WithLabelValues(name, result).Inc()
		}
	}
}

// RunSnapshots ensures the snapshot of every configured window ending at
// the latest closed boundary.
func (s *Scheduler) RunSnapshots(ctx context.Context) error {
	end := snapshot.AlignEnd(s.now())
	var firstErr error
	for _, key := range s.windows {
		snap, created, err := s.svc.Builder.Ensure(ctx, key, end)
		if err != nil {
			s.logger.ErrorContext(ctx, "snapshot ensure failed",
				slog.String("window", string(key)),
				slog.Time("window_end", end),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.logger.InfoContext(ctx, "snapshot ensured",
			slog.String("window", string(key)),
			slog.Time("window_end", end),
			slog.Bool("created", created),
			slog.Int("entries", len(snap.Entries)),
			slog.String("content_hash", snap.ContentHash),
		)
	}
	return firstErr
}

// advance stores the resume point of a paged job, wrapping to the start once
// a run reaches the end.
func (s *Scheduler) advance(cursor *string, remaining int, next string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if remaining > 0 {
		*cursor = next
	} else {
		*cursor = ""
	}
}

func (s *Scheduler) cursor(c *string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *c
}

// RunSettle settles markets whose window has closed, one page per run.
func (s *Scheduler) RunSettle(ctx context.Context) error {
	res, err := s.svc.Settlement.SettleDue(ctx, s.cursor(&s.settleCursor), s.cfg.SettleBatch, s.cfg.JobBudget.Duration)
	s.advance(&s.settleCursor, res.Remaining, res.Cursor)
	if err != nil {
		return err
	}
	if res.Settled+res.Failed+res.Remaining > 0 {
		s.logger.InfoContext(ctx, "settle run",
			slog.Int("settled", res.Settled),
			slog.Int("skipped", res.Skipped),
			slog.Int("failed", res.Failed),
			slog.Int("remaining", res.Remaining),
		)
	}
	return nil
}

// RunPayouts executes one page of claimable payouts. Paging keeps payouts
// that keep failing from holding back the ones after them.
func (s *Scheduler) RunPayouts(ctx context.Context) error {
	budget := s.payout.Budget.Duration
	if budget <= 0 {
		budget = s.cfg.JobBudget.Duration
	}
	res, err := s.svc.Payouts.ProcessBatch(ctx, s.cursor(&s.payoutCursor), s.payout.BatchSize, budget)
	s.advance(&s.payoutCursor, res.Remaining, res.Cursor)
	if err != nil {
		return err
	}
	if res.Processed > 0 {
		s.logger.InfoContext(ctx, "payout run",
			slog.Int("sent", res.Sent),
			slog.Int("failed", res.Failed),
			slog.Int("skipped", res.Skipped),
			slog.Int("unknown", res.Unknown),
			slog.Int("remaining", res.Remaining),
		)
	}
	return nil
}

// RunReconcile resolves payouts whose outcome was never recorded.
func (s *Scheduler) RunReconcile(ctx context.Context) error {
	res, err := s.svc.Payouts.Reconcile(ctx, s.payout.BatchSize)
	if err != nil {
		return err
	}
	if res.Checked > 0 {
		s.logger.InfoContext(ctx, "reconcile run",
			slog.Int("checked", res.Checked),
			slog.Int("sent", res.Sent),
			slog.Int("reopened", res.Reopened),
			slog.Int("pending", res.Pending),
		)
	}
	return nil
}

// RunBackfill pulls indexer history, resuming after the last wallet the
// previous run finished.
func (s *Scheduler) RunBackfill(ctx context.Context) error {
	res, err := s.svc.Ingest.Backfill(ctx, s.cursor(&s.backfillCursor), s.cfg.JobBudget.Duration)
	if err != nil {
		return err
	}
	s.advance(&s.backfillCursor, res.Remaining, res.Cursor)

	s.logger.InfoContext(ctx, "backfill run",
		slog.Int("wallets", res.Wallets),
		slog.Int("inserted", res.Inserted),
		slog.Int("remaining", res.Remaining),
	)
	return nil
}

// cronLogger routes cron's own messages to slog.
type cronLogger struct{ logger *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err.Error())...)
}
