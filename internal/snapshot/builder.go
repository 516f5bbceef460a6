// Package snapshot builds, freezes and verifies ranked leaderboard snapshots.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/kolboard/internal/classify"
	"github.com/alanyoungcy/kolboard/internal/domain"
	"github.com/alanyoungcy/kolboard/internal/eligibility"
	"github.com/alanyoungcy/kolboard/internal/ledger"
	"github.com/alanyoungcy/kolboard/internal/metrics"
	"github.com/alanyoungcy/kolboard/internal/price"
)

// PriceSource supplies the reference price frozen into a new snapshot.
type PriceSource interface {
	Price(ctx context.Context) (price.Quote, error)
}

// ThresholdSource supplies the current eligibility thresholds.
type ThresholdSource interface {
	Eligibility(ctx context.Context) domain.EligibilityThresholds
}

// Deps are the collaborators of a Builder. Archive, Locks, Bus and Metrics
// are optional.
type Deps struct {
	Wallets    domain.WalletStore
	Events     domain.EventStore
	Snapshots  domain.SnapshotStore
	Classifier *classify.Classifier
	Extractor  *ledger.Extractor
	Prices     PriceSource
	Thresholds ThresholdSource
	Archive    domain.SnapshotArchive
	Locks      domain.LockManager
	Bus        domain.SignalBus
	Metrics    *metrics.Metrics
}

// Builder computes snapshots and persists them create-if-absent.
type Builder struct {
	deps        Deps
	concurrency int
	now         func() time.Time
	logger      *slog.Logger
}

// NewBuilder creates a Builder. concurrency bounds per-wallet work.
func NewBuilder(deps Deps, concurrency int, logger *slog.Logger) *Builder {
	if concurrency < 1 {
		concurrency = 4
	}
	return &Builder{
		deps:        deps,
		concurrency: concurrency,
		now:         time.Now,
		logger:      logger.With(slog.String("component", "snapshot_builder")),
	}
}

// AlignEnd truncates t to the UTC day boundary that closes a window.
func AlignEnd(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// Ensure returns the stored snapshot for (key, end), building and persisting
// it first when none exists. created reports whether this call wrote it.
func (b *Builder) Ensure(ctx context.Context, key domain.WindowKey, end time.Time) (domain.Snapshot, bool, error) {
	end = end.UTC().Truncate(time.Second)

	if snap, err := b.deps.Snapshots.Get(ctx, key, end); err == nil {
		b.count(key, "reused")
		return snap, false, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Snapshot{}, false, fmt.Errorf("snapshot: get %s@%d: %w", key, end.Unix(), err)
	}

	if b.deps.Locks != nil {
		unlock, err := b.deps.Locks.Acquire(ctx, lockKey(key, end), 2*time.Minute)
		switch {
		case err == nil:
			defer unlock()
			if snap, err := b.deps.Snapshots.Get(ctx, key, end); err == nil {
				b.count(key, "reused")
				return snap, false, nil
			}
		case errors.Is(err, domain.ErrLockHeld):
			b.logger.DebugContext(ctx, "snapshot build lock held elsewhere, building anyway",
				slog.String("window", string(key)),
			)
		default:
			b.logger.WarnContext(ctx, "snapshot build lock unavailable",
				slog.String("error", err.Error()),
			)
		}
	}

	quote, err := b.deps.Prices.Price(ctx)
	if err != nil {
		return domain.Snapshot{}, false, fmt.Errorf("snapshot: reference price: %w", err)
	}
	th := b.deps.Thresholds.Eligibility(ctx)

	started := time.Now()
	snap, err := b.Compute(ctx, key, end, quote.Value, th)
	if err != nil {
		return domain.Snapshot{}, false, err
	}
	if b.deps.Metrics != nil {
		b.deps.Metrics.SnapshotLatency.Observe(time.Since(started).Seconds())
	}

	stored, created, err := b.deps.Snapshots.CreateIfAbsent(ctx, snap)
	if err != nil {
		return domain.Snapshot{}, false, fmt.Errorf("snapshot: persist %s@%d: %w", key, end.Unix(), err)
	}
	if !created {
		b.count(key, "raced")
		return stored, false, nil
	}
	b.count(key, "created")
	b.logger.InfoContext(ctx, "snapshot persisted",
		slog.String("window", string(key)),
		slog.Time("window_end", end),
		slog.String("content_hash", stored.ContentHash),
		slog.Int("entries", len(stored.Entries)),
	)
	b.afterCreate(ctx, stored)
	return stored, true, nil
}

// Compute builds the snapshot for (key, end) without persisting it. The
// result depends only on store contents, refPrice and th.
func (b *Builder) Compute(ctx context.Context, key domain.WindowKey, end time.Time, refPrice decimal.Decimal, th domain.EligibilityThresholds) (domain.Snapshot, error) {
	if key.Length() == 0 {
		return domain.Snapshot{}, fmt.Errorf("snapshot: %w: window %q", domain.ErrInvalidInput, key)
	}
	end = end.UTC().Truncate(time.Second)
	start := key.Start(end)

	wallets, err := b.deps.Wallets.ListActiveAt(ctx, end)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("snapshot: list wallets: %w", err)
	}
	sort.Slice(wallets, func(i, j int) bool { return wallets[i].ID < wallets[j].ID })

	ref, _ := refPrice.Float64()
	entries := make([]domain.RankedEntry, len(wallets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for i, w := range wallets {
		g.Go(func() error {
			events, err := b.deps.Events.ListForWallet(gctx, w.ID, start, end)
			if err != nil {
				return fmt.Errorf("snapshot: events for %s: %w", w.ID, err)
			}
			entries[i] = b.walletEntry(w, events, end, ref, refPrice, th)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.Snapshot{}, err
	}

	Rank(entries)
	return domain.Snapshot{
		WindowKey:   key,
		WindowEnd:   end,
		CreatedAt:   b.now().UTC(),
		ContentHash: ContentHash(entries),
		RefPrice:    refPrice,
		Entries:     entries,
	}, nil
}

func (b *Builder) walletEntry(w domain.TrackedWallet, events []domain.TransactionEvent, end time.Time, ref float64, refPrice decimal.Decimal, th domain.EligibilityThresholds) domain.RankedEntry {
	events = dedupe(events)

	var legs []domain.TradeLeg
	for _, ev := range events {
		if !b.deps.Classifier.IsTrade(ev, w.ID) {
			continue
		}
		if leg, ok := b.deps.Extractor.ExtractTradeLeg(ev, w.ID, ref); ok {
			legs = append(legs, leg)
		}
	}
	res := ledger.ComputeRealizedTradePnL(legs)
	act := eligibility.CollectActivity(w.ID, events)
	verdict := eligibility.Evaluate(th, w.TrackedSince, act, end)

	return domain.RankedEntry{
		WalletID:             domain.NormalizeAccount(w.ID),
		ProfitNative:         res.ProfitNative,
		ProfitDisplay:        b.display(res.ProfitNative, refPrice),
		Wins:                 res.Wins,
		Losses:               res.Losses,
		VolumeNative:         res.VolumeNative,
		TradeCount:           res.TradeCount,
		TxCount:              act.TxCount,
		SelfTransfers:        act.SelfTransfers,
		UniqueCounterparties: act.Counterparties,
		WalletAgeDays:        verdict.AgeDays,
		Eligible:             verdict.Eligible,
		Reasons:              verdict.Reasons,
	}
}

// display converts native units to the stable display currency.
func (b *Builder) display(native int64, refPrice decimal.Decimal) decimal.Decimal {
	units := decimal.NewFromFloat(b.deps.Extractor.UnitsPerNative)
	if units.IsZero() {
		return decimal.Zero
	}
	return decimal.NewFromInt(native).Div(units).Mul(refPrice).Round(2)
}

// dedupe drops repeated signatures and orders events by time, then signature.
func dedupe(events []domain.TransactionEvent) []domain.TransactionEvent {
	seen := make(map[string]struct{}, len(events))
	out := make([]domain.TransactionEvent, 0, len(events))
	for _, ev := range events {
		if ev.Signature == "" {
			continue
		}
		if _, ok := seen[ev.Signature]; ok {
			continue
		}
		seen[ev.Signature] = struct{}{}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].Signature < out[j].Signature
	})
	return out
}

func (b *Builder) afterCreate(ctx context.Context, snap domain.Snapshot) {
	if b.deps.Archive != nil {
		path, err := b.deps.Archive.Put(ctx, snap)
		if err != nil {
			b.logger.WarnContext(ctx, "snapshot archive failed",
				slog.String("window", string(snap.WindowKey)),
				slog.String("error", err.Error()),
			)
		} else {
			b.logger.DebugContext(ctx, "snapshot archived", slog.String("path", path))
		}
	}
	if b.deps.Bus != nil {
		payload, _ := json.Marshal(map[string]any{
			"window":       snap.WindowKey,
			"window_end":   snap.WindowEnd.Unix(),
			"content_hash": snap.ContentHash,
		})
		if err := b.deps.Bus.Publish(ctx, "snapshots", payload); err != nil {
			b.logger.WarnContext(ctx, "snapshot publish failed", slog.String("error", err.Error()))
		}
	}
}

func (b *Builder) count(key domain.WindowKey, outcome string) {
	if b.deps.Metrics != nil {
		b.deps.Metrics.SnapshotBuilds.WithLabelValues(string(key), outcome).Inc()
	}
}

func lockKey(key domain.WindowKey, end time.Time) string {
	return "snapshot:" + string(key) + ":" + strconv.FormatInt(end.Unix(), 10)
}
