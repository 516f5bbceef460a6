package featurecfg

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/kolboard/internal/domain"
)

type memStore struct {
	rows map[string]domain.FeatureConfig
	gets int
	fail bool
}

func (m *memStore) Get(_ context.Context, name string) (domain.FeatureConfig, error) {
	m.gets++
	if m.fail {
		return domain.FeatureConfig{}, errors.New("db down")
	}
	r, ok := m.rows[name]
	if !ok {
		return domain.FeatureConfig{}, domain.ErrNotFound
	}
	return r, nil
}

func (m *memStore) Upsert(_ context.Context, cfg domain.FeatureConfig) error {
	m.rows[cfg.Name] = cfg
	return nil
}

func (m *memStore) List(context.Context) ([]domain.FeatureConfig, error) { return nil, nil }

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestCache(st *memStore, clk *clock) *Cache {
	return New(st, 10*time.Second, clk.now, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEligibilityDefaultsWhenMissing(t *testing.T) {
	st := &memStore{rows: map[string]domain.FeatureConfig{}}
	c := newTestCache(st, &clock{t: time.Unix(0, 0)})
	if got := c.Eligibility(context.Background()); got != domain.DefaultEligibility() {
		t.Fatalf("got=%+v", got)
	}
}

func TestEligibilityMergesOverDefaultsAndCaches(t *testing.T) {
	st := &memStore{rows: map[string]domain.FeatureConfig{
		EligibilityName: {Name: EligibilityName, Enabled: true, Config: map[string]any{"min_wallet_age_days": 14}},
	}}
	clk := &clock{t: time.Unix(1000, 0)}
	c := newTestCache(st, clk)
	ctx := context.Background()

	got := c.Eligibility(ctx)
	if got.MinWalletAgeDays != 14 || got.MinUniqueCounterparties != 3 {
		t.Fatalf("got=%+v", got)
	}
	st.rows[EligibilityName] = domain.FeatureConfig{Name: EligibilityName, Enabled: true, Config: map[string]any{"min_wallet_age_days": 1}}

	clk.t = clk.t.Add(9 * time.Second)
	if got := c.Eligibility(ctx); got.MinWalletAgeDays != 14 || st.gets != 1 {
		t.Fatalf("cached read: got=%+v gets=%d", got, st.gets)
	}
	clk.t = clk.t.Add(2 * time.Second)
	if got := c.Eligibility(ctx); got.MinWalletAgeDays != 1 || st.gets != 2 {
		t.Fatalf("expired read: got=%+v gets=%d", got, st.gets)
	}
}

func TestEligibilityKeepsLastGoodOnError(t *testing.T) {
	st := &memStore{rows: map[string]domain.FeatureConfig{
		EligibilityName: {Name: EligibilityName, Enabled: true, Config: map[string]any{"max_self_transfer_ratio": 0.2}},
	}}
	clk := &clock{t: time.Unix(0, 0)}
	c := newTestCache(st, clk)
	ctx := context.Background()
	_ = c.Eligibility(ctx)

	st.fail = true
	clk.t = clk.t.Add(time.Minute)
	if got := c.Eligibility(ctx); got.MaxSelfTransferRatio != 0.2 {
		t.Fatalf("got=%+v", got)
	}
}

func TestSetEligibilityInvalidates(t *testing.T) {
	st := &memStore{rows: map[string]domain.FeatureConfig{}}
	clk := &clock{t: time.Unix(0, 0)}
	c := newTestCache(st, clk)
	ctx := context.Background()
	_ = c.Eligibility(ctx)

	th := domain.DefaultEligibility()
	th.MinTxForDiversity = 42
	if err := c.SetEligibility(ctx, th); err != nil {
		t.Fatalf("SetEligibility: %v", err)
	}
	if got := c.Eligibility(ctx); got.MinTxForDiversity != 42 {
		t.Fatalf("got=%+v", got)
	}
}
