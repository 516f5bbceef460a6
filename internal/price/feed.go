// Package price serves the reference price of the native coin used to value
// stable-token trades and to display profit. Lookups go local cache, shared
// cache, providers in order, then a fixed fallback.
package price

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/kolboard/internal/domain"
	"github.com/alanyoungcy/kolboard/internal/metrics"
)

// DefaultTTL is how long a fetched price is reused.
const DefaultTTL = 60 * time.Second

// Quote is a price together with where and when it was obtained.
type Quote struct {
	Value     decimal.Decimal
	Source    string
	FetchedAt time.Time
}

// Float returns the value as float64 for ledger arithmetic.
func (q Quote) Float() float64 {
	f, _ := q.Value.Float64()
	return f
}

// Config configures a Feed.
type Config struct {
	AssetID  string
	TTL      time.Duration
	Fallback decimal.Decimal
	Now      func() time.Time
}

// Feed is safe for concurrent use.
type Feed struct {
	providers []Provider
	shared    domain.PriceCache
	assetID   string
	ttl       time.Duration
	fallback  decimal.Decimal
	now       func() time.Time
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu     sync.Mutex
	cached Quote
	valid  bool
}

// NewFeed creates a Feed. shared and m may be nil.
func NewFeed(cfg Config, providers []Provider, shared domain.PriceCache, m *metrics.Metrics, logger *slog.Logger) *Feed {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.AssetID == "" {
		cfg.AssetID = "native"
	}
	return &Feed{
		providers: providers,
		shared:    shared,
		assetID:   cfg.AssetID,
		ttl:       cfg.TTL,
		fallback:  cfg.Fallback,
		now:       cfg.Now,
		metrics:   m,
		logger:    logger.With(slog.String("component", "price_feed")),
	}
}

// Price returns a fresh-enough quote. It only errors when every source,
// including the fallback, is unavailable.
func (f *Feed) Price(ctx context.Context) (Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	if f.valid && now.Sub(f.cached.FetchedAt) < f.ttl {
		f.observe("memory")
		return f.cached, nil
	}

	if f.shared != nil {
		p, ts, err := f.shared.GetPrice(ctx, f.assetID)
		if err == nil && p > 0 && now.Sub(ts) < f.ttl {
			q := Quote{Value: decimal.NewFromFloat(p), Source: "shared", FetchedAt: ts}
			f.store(q)
			f.observe("shared")
			return q, nil
		}
	}

	for _, p := range f.providers {
		v, err := p.Fetch(ctx)
		if err != nil {
			f.logger.WarnContext(ctx, "price provider failed",
				slog.String("provider", p.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		q := Quote{Value: v, Source: p.Name(), FetchedAt: now}
		f.store(q)
		f.publish(ctx, q)
		f.observe(p.Name())
		return q, nil
	}

	if f.fallback.IsPositive() {
		f.logger.WarnContext(ctx, "all price providers failed, using fallback",
			slog.String("fallback", f.fallback.String()),
		)
		f.observe("fallback")
		// Not cached: the next call should try the providers again.
		return Quote{Value: f.fallback, Source: "fallback", FetchedAt: now}, nil
	}
	return Quote{}, fmt.Errorf("price: no provider answered and no fallback configured")
}

func (f *Feed) store(q Quote) {
	f.cached = q
	f.valid = true
}

func (f *Feed) publish(ctx context.Context, q Quote) {
	if f.shared == nil {
		return
	}
	v, _ := q.Value.Float64()
	if err := f.shared.SetPrice(ctx, f.assetID, v, q.FetchedAt); err != nil {
		f.logger.WarnContext(ctx, "shared price cache write failed",
			slog.String("error", err.Error()),
		)
	}
}

func (f *Feed) observe(source string) {
	if f.metrics != nil {
		f.metrics.PriceSource.WithLabelValues(source).Inc()
	}
}
