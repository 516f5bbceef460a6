package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/alanyoungcy/kolboard/internal/domain"
	"github.com/alanyoungcy/kolboard/internal/snapshot"
	"github.com/alanyoungcy/kolboard/internal/store/sqlite"
)

var windowEnd = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

const (
	kolA    = "0x00000000000000000000000000000000000000aa"
	kolB    = "0x00000000000000000000000000000000000000bb"
	holderX = "0x00000000000000000000000000000000000000c1"
	holderY = "0x00000000000000000000000000000000000000c2"
)

// storedSnapshots persists a fixed snapshot on first Ensure.
type storedSnapshots struct {
	store domain.SnapshotStore
	snap  domain.Snapshot
	calls int
}

func (s *storedSnapshots) Ensure(ctx context.Context, key domain.WindowKey, end time.Time) (domain.Snapshot, bool, error) {
	s.calls++
	snap := s.snap
	snap.WindowKey, snap.WindowEnd = key, end
	return s.store.CreateIfAbsent(ctx, snap)
}

func rankedSnapshot() domain.Snapshot {
	entries := []domain.RankedEntry{
		{WalletID: kolA, ProfitNative: 5_000, Eligible: true},
		{WalletID: kolB, ProfitNative: 9_000, Eligible: false, Reasons: []string{"wallet_age"}},
	}
	snapshot.Rank(entries)
	return domain.Snapshot{ContentHash: snapshot.ContentHash(entries), Entries: entries}
}

func newService(t *testing.T, snap domain.Snapshot) (*Service, domain.Stores, *storedSnapshots) {
	t.Helper()
	db, err := sqlite.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	st := db.Stores()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	snaps := &storedSnapshots{store: st.Snapshots, snap: snap}
	svc := NewService(Deps{
		Markets:   st.Markets,
		Payouts:   st.Payouts,
		Snapshots: snaps,
		Verifier:  snapshot.NewVerifier(st.Snapshots, nil, logger),
		Audit:     st.Audit,
	}, logger)
	return svc, st, snaps
}

func openMarket(t *testing.T, st domain.Stores, id string, kind domain.MarketKind, subject string) {
	t.Helper()
	ctx := context.Background()
	err := st.Markets.Create(ctx, domain.Market{
		ID: id, WindowKey: domain.WindowDaily, WindowEnd: windowEnd,
		Kind: kind, SubjectWallet: subject, PayoutPerShare: 1_000,
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range []domain.Position{
		{MarketID: id, Holder: holderX, Side: domain.OutcomeYes, Shares: 3},
		{MarketID: id, Holder: holderY, Side: domain.OutcomeNo, Shares: 2},
		{MarketID: id, Holder: holderX, Side: domain.OutcomeYes, Shares: 1},
	} {
		if err := st.Markets.AddPosition(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSettleIsNonceIdempotent(t *testing.T) {
	svc, st, snaps := newService(t, rankedSnapshot())
	openMarket(t, st, "m1", domain.MarketTop1, kolA)
	ctx := context.Background()

	first, err := svc.Settle(ctx, "m1", "n1")
	if err != nil {
		t.Fatal(err)
	}
	if !first.Applied || first.Settlement.Outcome != domain.OutcomeYes || first.PayoutsCreated != 1 {
		t.Fatalf("first=%+v", first)
	}

	again, err := svc.Settle(ctx, "m1", "n1")
	if err != nil {
		t.Fatal(err)
	}
	if again.Applied || again.PayoutsCreated != 0 || again.Settlement.Nonce != "n1" || again.Settlement.SnapshotHash != first.Settlement.SnapshotHash {
		t.Fatalf("again=%+v", again)
	}
	if snaps.calls != 1 {
		t.Fatalf("snapshot ensured %d times", snaps.calls)
	}

	payouts, err := st.Payouts.ListByMarket(ctx, "m1")
	if err != nil || len(payouts) != 1 {
		t.Fatalf("payouts=%+v err=%v", payouts, err)
	}
	p := payouts[0]
	if p.ID != PayoutID("m1", holderX) || p.Amount != 4_000 || p.Destination != holderX || p.State != domain.PayoutUnclaimed {
		t.Fatalf("payout=%+v", p)
	}

	openMarket(t, st, "m2", domain.MarketTop1, kolA)
	if _, err := svc.Settle(ctx, "m2", "n1"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("reused nonce err=%v", err)
	}
}

func TestSettleHealsMissingPayouts(t *testing.T) {
	svc, st, _ := newService(t, rankedSnapshot())
	openMarket(t, st, "m1", domain.MarketTop1, kolB)
	ctx := context.Background()

	// A worker that died after applying the settlement.
	_, applied, err := st.Markets.ApplySettlement(ctx, domain.Settlement{
		MarketID: "m1", Nonce: "n1", Outcome: domain.OutcomeNo, SnapshotHash: "0x", SettledAt: windowEnd,
	})
	if err != nil || !applied {
		t.Fatalf("applied=%v err=%v", applied, err)
	}

	res, err := svc.Settle(ctx, "m1", "n1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Applied || res.PayoutsCreated != 1 {
		t.Fatalf("res=%+v", res)
	}
	payouts, _ := st.Payouts.ListByMarket(ctx, "m1")
	if len(payouts) != 1 || payouts[0].Destination != holderY || payouts[0].Amount != 2_000 {
		t.Fatalf("payouts=%+v", payouts)
	}
}

func TestSettleRejectsTamperedSnapshot(t *testing.T) {
	snap := rankedSnapshot()
	snap.Entries[0].ProfitNative = 1
	svc, st, _ := newService(t, snap)
	openMarket(t, st, "m1", domain.MarketTop1, kolA)

	if _, err := svc.Settle(context.Background(), "m1", "n1"); !errors.Is(err, domain.ErrIntegrity) {
		t.Fatalf("err=%v want ErrIntegrity", err)
	}
	m, _ := st.Markets.Get(context.Background(), "m1")
	if m.Status != domain.MarketStatusOpen {
		t.Fatalf("market settled from a tampered snapshot: %+v", m)
	}
}

func TestSettleBeforeWindowCloses(t *testing.T) {
	svc, st, _ := newService(t, rankedSnapshot())
	openMarket(t, st, "m1", domain.MarketTop1, kolA)
	svc.now = func() time.Time { return windowEnd.Add(-time.Hour) }

	if _, err := svc.Settle(context.Background(), "m1", "n1"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("err=%v", err)
	}
	if _, err := svc.Settle(context.Background(), "m1", ""); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("empty nonce err=%v", err)
	}
}

func TestSettleDue(t *testing.T) {
	svc, st, _ := newService(t, rankedSnapshot())
	openMarket(t, st, "m1", domain.MarketTop1, kolA)
	openMarket(t, st, "m2", domain.MarketProfitAbove, kolA)

	res, err := svc.SettleDue(context.Background(), "", 10, time.Minute)
	if err != nil || res.Settled != 2 {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	res, err = svc.SettleDue(context.Background(), "", 10, time.Minute)
	if err != nil || res.Settled != 0 {
		t.Fatalf("second run=%+v err=%v", res, err)
	}
}

// failingWindow refuses to build one window and delegates the rest.
type failingWindow struct {
	*storedSnapshots
	window domain.WindowKey
}

func (f failingWindow) Ensure(ctx context.Context, key domain.WindowKey, end time.Time) (domain.Snapshot, bool, error) {
	if key == f.window {
		return domain.Snapshot{}, false, errors.New("indexer unavailable")
	}
	return f.storedSnapshots.Ensure(ctx, key, end)
}

func TestSettleDuePagesPastFailingMarkets(t *testing.T) {
	svc, st, snaps := newService(t, rankedSnapshot())
	svc.deps.Snapshots = failingWindow{storedSnapshots: snaps, window: domain.WindowWeekly}
	ctx := context.Background()
	for _, id := range []string{"a1", "a2"} {
		if err := st.Markets.Create(ctx, domain.Market{
			ID: id, WindowKey: domain.WindowWeekly, WindowEnd: windowEnd,
			Kind: domain.MarketTop1, SubjectWallet: kolA, PayoutPerShare: 1_000,
		}); err != nil {
			t.Fatal(err)
		}
	}
	openMarket(t, st, "m1", domain.MarketTop1, kolA)

	first, err := svc.SettleDue(ctx, "", 2, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if first.Failed != 2 || first.Remaining != 1 || first.Cursor != "a2" {
		t.Fatalf("first page=%+v", first)
	}
	second, err := svc.SettleDue(ctx, first.Cursor, 2, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if second.Settled != 1 || second.Remaining != 0 || second.Cursor != "" {
		t.Fatalf("second page=%+v", second)
	}
	if m, _ := st.Markets.Get(ctx, "m1"); m.Status != domain.MarketStatusSettled {
		t.Fatalf("m1 status=%s", m.Status)
	}
}

func TestSettleRejectsOverflowingPayout(t *testing.T) {
	svc, st, _ := newService(t, rankedSnapshot())
	ctx := context.Background()
	if err := st.Markets.Create(ctx, domain.Market{
		ID: "big", WindowKey: domain.WindowDaily, WindowEnd: windowEnd,
		Kind: domain.MarketTop1, SubjectWallet: kolA, PayoutPerShare: math.MaxInt64 / 2,
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.Markets.AddPosition(ctx, domain.Position{MarketID: "big", Holder: holderX, Side: domain.OutcomeYes, Shares: 3}); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Settle(ctx, "big", "n1"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("err=%v", err)
	}
	if m, _ := st.Markets.Get(ctx, "big"); m.Status == domain.MarketStatusSettled {
		t.Fatal("overflowing market was settled")
	}
	if ps, _ := st.Payouts.ListByMarket(ctx, "big"); len(ps) != 0 {
		t.Fatalf("payouts=%+v", ps)
	}
}

func TestResolve(t *testing.T) {
	snap := rankedSnapshot()
	tests := []struct {
		name   string
		market domain.Market
		want   domain.Outcome
	}{
		{"top1 winner", domain.Market{Kind: domain.MarketTop1, SubjectWallet: kolA}, domain.OutcomeYes},
		{"top1 ineligible with higher profit", domain.Market{Kind: domain.MarketTop1, SubjectWallet: kolB}, domain.OutcomeNo},
		{"top_n within", domain.Market{Kind: domain.MarketTopN, SubjectWallet: kolA, TopN: 3}, domain.OutcomeYes},
		{"top_n ineligible", domain.Market{Kind: domain.MarketTopN, SubjectWallet: kolB, TopN: 3}, domain.OutcomeNo},
		{"profit reached", domain.Market{Kind: domain.MarketProfitAbove, SubjectWallet: kolA, ProfitThreshold: 5_000}, domain.OutcomeYes},
		{"profit short", domain.Market{Kind: domain.MarketProfitAbove, SubjectWallet: kolA, ProfitThreshold: 5_001}, domain.OutcomeNo},
		{"unknown wallet", domain.Market{Kind: domain.MarketTop1, SubjectWallet: holderX}, domain.OutcomeNo},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Resolve(tc.market, snap); got != tc.want {
				t.Fatalf("got=%s want=%s", got, tc.want)
			}
		})
	}
}
