package snapshot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/kolboard/internal/classify"
	"github.com/alanyoungcy/kolboard/internal/domain"
	"github.com/alanyoungcy/kolboard/internal/ledger"
	"github.com/alanyoungcy/kolboard/internal/price"
)

const (
	walletA = "0xaaaa000000000000000000000000000000000001"
	walletB = "0xbbbb000000000000000000000000000000000002"
	walletC = "0xcccc000000000000000000000000000000000003"
	pool    = "0x9999000000000000000000000000000000000009"
	token   = "0x1111111111111111111111111111111111111111"
)

var windowEnd = time.Date(2026, 6, 2, 0, 0, 0, 0, time.UTC)

type fakeStores struct {
	mu        sync.Mutex
	wallets   []domain.TrackedWallet
	events    map[string][]domain.TransactionEvent
	snapshots map[string]domain.Snapshot
	creates   int
}

func newFakeStores() *fakeStores {
	return &fakeStores{events: map[string][]domain.TransactionEvent{}, snapshots: map[string]domain.Snapshot{}}
}

func (f *fakeStores) Upsert(context.Context, domain.TrackedWallet) error   { return nil }
func (f *fakeStores) Remove(context.Context, string, time.Time) error      { return nil }
func (f *fakeStores) Get(context.Context, string) (domain.TrackedWallet, error) {
	return domain.TrackedWallet{}, domain.ErrNotFound
}
func (f *fakeStores) List(context.Context) ([]domain.TrackedWallet, error) { return f.wallets, nil }
func (f *fakeStores) ListActiveAt(_ context.Context, at time.Time) ([]domain.TrackedWallet, error) {
	var out []domain.TrackedWallet
	for _, w := range f.wallets {
		if w.ActiveAt(at) {
			out = append(out, w)
		}
	}
	return out, nil
}

type fakeEvents struct{ *fakeStores }

func (f fakeEvents) Upsert(context.Context, domain.TransactionEvent, []string) (bool, error) {
	return false, nil
}
func (f fakeEvents) Has(context.Context, string) (bool, error) { return false, nil }
func (f fakeEvents) ListForWallet(_ context.Context, wallet string, from, to time.Time) ([]domain.TransactionEvent, error) {
	var out []domain.TransactionEvent
	for _, ev := range f.events[wallet] {
		if !ev.Time().Before(from) && ev.Time().Before(to) {
			out = append(out, ev)
		}
	}
	return out, nil
}

type fakeSnapshots struct{ *fakeStores }

func snapKey(k domain.WindowKey, end time.Time) string { return string(k) + end.String() }

func (f fakeSnapshots) CreateIfAbsent(_ context.Context, s domain.Snapshot) (domain.Snapshot, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if got, ok := f.snapshots[snapKey(s.WindowKey, s.WindowEnd)]; ok {
		return got, false, nil
	}
	f.creates++
	f.snapshots[snapKey(s.WindowKey, s.WindowEnd)] = s
	return s, true, nil
}
func (f fakeSnapshots) Get(_ context.Context, k domain.WindowKey, end time.Time) (domain.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if got, ok := f.snapshots[snapKey(k, end)]; ok {
		return got, nil
	}
	return domain.Snapshot{}, domain.ErrNotFound
}
func (f fakeSnapshots) Latest(context.Context, domain.WindowKey) (domain.Snapshot, error) {
	return domain.Snapshot{}, domain.ErrNotFound
}

type fixedPrice struct{ v decimal.Decimal }

func (p fixedPrice) Price(context.Context) (price.Quote, error) {
	return price.Quote{Value: p.v, Source: "test"}, nil
}

type fixedThresholds struct{}

func (fixedThresholds) Eligibility(context.Context) domain.EligibilityThresholds {
	return domain.DefaultEligibility()
}

func strp(s string) *string { return &s }

// roundTrip returns a buy and a sell that realize profit native units.
func roundTrip(wallet string, sigPrefix string, at time.Time, profit int64) []domain.TransactionEvent {
	buy := domain.TransactionEvent{
		Signature:       sigPrefix + "-buy",
		Timestamp:       domain.FlexInt(at.Unix()),
		Type:            strp("SWAP"),
		NativeTransfers: []domain.NativeTransfer{{FromUserAccount: wallet, ToUserAccount: pool, Amount: 1_000_000_000}},
		TokenTransfers:  []domain.TokenTransfer{{FromUserAccount: pool, ToUserAccount: wallet, Mint: token, TokenAmount: 10}},
	}
	sell := domain.TransactionEvent{
		Signature:       sigPrefix + "-sell",
		Timestamp:       domain.FlexInt(at.Add(time.Hour).Unix()),
		Type:            strp("SWAP"),
		NativeTransfers: []domain.NativeTransfer{{FromUserAccount: pool, ToUserAccount: wallet, Amount: domain.FlexInt(1_000_000_000 + profit)}},
		TokenTransfers:  []domain.TokenTransfer{{FromUserAccount: wallet, ToUserAccount: pool, Mint: token, TokenAmount: 10}},
	}
	return []domain.TransactionEvent{buy, sell}
}

func newTestBuilder(fs *fakeStores) *Builder {
	tokens := classify.NewTokenSet("0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2", nil)
	return NewBuilder(Deps{
		Wallets:    fs,
		Events:     fakeEvents{fs},
		Snapshots:  fakeSnapshots{fs},
		Classifier: classify.New(classify.DefaultConfig(), tokens),
		Extractor:  ledger.NewExtractor(tokens, 0),
		Prices:     fixedPrice{v: decimal.NewFromInt(2000)},
		Thresholds: fixedThresholds{},
	}, 2, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// scenario: A profit 5.0 eligible, B profit 9.0 but tracked for two days,
// C profit 3.0 eligible.
func scenario() *fakeStores {
	fs := newFakeStores()
	old := windowEnd.Add(-90 * 24 * time.Hour)
	fs.wallets = []domain.TrackedWallet{
		{ID: walletB, TrackedSince: windowEnd.Add(-2 * 24 * time.Hour)},
		{ID: walletC, TrackedSince: old},
		{ID: walletA, TrackedSince: old},
	}
	at := windowEnd.Add(-10 * time.Hour)
	fs.events[walletA] = roundTrip(walletA, "a", at, 5_000_000_000)
	fs.events[walletB] = roundTrip(walletB, "b", at, 9_000_000_000)
	fs.events[walletC] = append(roundTrip(walletC, "c", at, 3_000_000_000), roundTrip(walletC, "c", at, 3_000_000_000)...)
	return fs
}

func TestRankingScenario(t *testing.T) {
	b := newTestBuilder(scenario())
	snap, err := b.Compute(context.Background(), domain.WindowDaily, windowEnd, decimal.NewFromInt(2000), domain.DefaultEligibility())
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	want := []string{walletA, walletC, walletB}
	if len(snap.Entries) != 3 {
		t.Fatalf("entries=%d", len(snap.Entries))
	}
	for i, w := range want {
		e := snap.Entries[i]
		if e.WalletID != w || e.Rank != i+1 {
			t.Fatalf("entry %d = %s rank %d, want %s rank %d", i, e.WalletID, e.Rank, w, i+1)
		}
	}
	if snap.Entries[2].Eligible || len(snap.Entries[2].Reasons) != 1 || snap.Entries[2].Reasons[0] != "wallet_age" {
		t.Fatalf("B entry=%+v", snap.Entries[2])
	}
	if snap.Entries[0].ProfitNative != 5_000_000_000 {
		t.Fatalf("A profit=%d", snap.Entries[0].ProfitNative)
	}
	if !snap.Entries[0].ProfitDisplay.Equal(decimal.NewFromInt(10_000)) {
		t.Fatalf("A display=%s", snap.Entries[0].ProfitDisplay)
	}
	if snap.Entries[1].TradeCount != 2 {
		t.Fatalf("duplicate events were not deduped: trades=%d", snap.Entries[1].TradeCount)
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	fs := scenario()
	b := newTestBuilder(fs)
	ctx := context.Background()
	first, err := b.Compute(ctx, domain.WindowDaily, windowEnd, decimal.NewFromInt(2000), domain.DefaultEligibility())
	if err != nil {
		t.Fatal(err)
	}
	// Reverse wallet and event order; the hash must not move.
	fs.wallets[0], fs.wallets[2] = fs.wallets[2], fs.wallets[0]
	evs := fs.events[walletA]
	evs[0], evs[1] = evs[1], evs[0]
	second, err := b.Compute(ctx, domain.WindowDaily, windowEnd, decimal.NewFromInt(2000), domain.DefaultEligibility())
	if err != nil {
		t.Fatal(err)
	}
	if first.ContentHash != second.ContentHash {
		t.Fatalf("hash changed: %s vs %s", first.ContentHash, second.ContentHash)
	}
	if first.ContentHash != ContentHash(first.Entries) {
		t.Fatal("hash does not match entries")
	}
}

func TestRankingInvariant(t *testing.T) {
	entries := []domain.RankedEntry{
		{WalletID: "e", ProfitNative: 10, Eligible: false},
		{WalletID: "d", ProfitNative: 1, Wins: 1, Eligible: true},
		{WalletID: "c", ProfitNative: 1, Wins: 2, Eligible: true},
		{WalletID: "b", ProfitNative: 1, Wins: 2, Eligible: true},
		{WalletID: "a", ProfitNative: -5, Eligible: false},
		{WalletID: "f", ProfitNative: 7, Eligible: true},
	}
	Rank(entries)
	got := ""
	for _, e := range entries {
		got += e.WalletID
	}
	if got != "fbcdea" {
		t.Fatalf("order=%s want=fbcdea", got)
	}
	for i := 1; i < len(entries); i++ {
		if !entries[i-1].Eligible && entries[i].Eligible {
			t.Fatalf("ineligible before eligible at %d", i)
		}
	}
}

func TestEnsureCreatesOnceAndReuses(t *testing.T) {
	fs := scenario()
	b := newTestBuilder(fs)
	ctx := context.Background()

	first, created, err := b.Ensure(ctx, domain.WindowDaily, windowEnd)
	if err != nil || !created {
		t.Fatalf("created=%v err=%v", created, err)
	}
	// Late-arriving data must not change the frozen snapshot.
	fs.events[walletC] = append(fs.events[walletC], roundTrip(walletC, "late", windowEnd.Add(-time.Hour), 50_000_000_000)...)
	again, created, err := b.Ensure(ctx, domain.WindowDaily, windowEnd)
	if err != nil || created {
		t.Fatalf("created=%v err=%v", created, err)
	}
	if again.ContentHash != first.ContentHash || fs.creates != 1 {
		t.Fatalf("snapshot recomputed: %s vs %s creates=%d", again.ContentHash, first.ContentHash, fs.creates)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	fs := scenario()
	b := newTestBuilder(fs)
	ctx := context.Background()
	if _, _, err := b.Ensure(ctx, domain.WindowDaily, windowEnd); err != nil {
		t.Fatal(err)
	}
	v := NewVerifier(fakeSnapshots{fs}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := v.Verify(ctx, domain.WindowDaily, windowEnd); err != nil {
		t.Fatalf("clean verify: %v", err)
	}

	k := snapKey(domain.WindowDaily, windowEnd)
	s := fs.snapshots[k]
	entries := append([]domain.RankedEntry(nil), s.Entries...)
	entries[1].ProfitNative += 1
	s.Entries = entries
	fs.snapshots[k] = s
	if _, err := v.Verify(ctx, domain.WindowDaily, windowEnd); !errors.Is(err, domain.ErrIntegrity) {
		t.Fatalf("err=%v want ErrIntegrity", err)
	}
}
