package payout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/kolboard/internal/chain"
	"github.com/alanyoungcy/kolboard/internal/crypto"
	"github.com/alanyoungcy/kolboard/internal/domain"
	"github.com/alanyoungcy/kolboard/internal/store/sqlite"
)

type fakeChain struct {
	mu       sync.Mutex
	balances map[string]int64
	nonce    uint64
	sent     []string
	sendErr  error
	waitErr  error
	receipt  chain.TxStatus
	statuses map[string]chain.TxStatus
	mined    map[string]uint64
}

func (f *fakeChain) Balance(_ context.Context, addr string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[addr], nil
}

func (f *fakeChain) SignTransfer(_ context.Context, key chain.KeySource, to string, amount int64) (*types.Transaction, error) {
	f.mu.Lock()
	f.nonce++
	n := f.nonce
	f.mu.Unlock()
	dest := common.HexToAddress(to)
	return types.SignNewTx(key.PrivateKey(), types.LatestSignerForChainID(big.NewInt(1)), &types.DynamicFeeTx{
		ChainID:   big.NewInt(1),
		Nonce:     n,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       21_000,
		To:        &dest,
		Value:     big.NewInt(amount),
	})
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx.Hash().Hex())
	return nil
}

func (f *fakeChain) WaitReceipt(context.Context, string) (chain.TxStatus, error) {
	if f.waitErr != nil {
		return chain.TxUnknown, f.waitErr
	}
	if f.receipt == "" {
		return chain.TxSucceeded, nil
	}
	return f.receipt, nil
}

func (f *fakeChain) TransactionStatus(_ context.Context, hash string) (chain.TxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.statuses[hash]; ok {
		return s, nil
	}
	return chain.TxUnknown, nil
}

func (f *fakeChain) ConfirmedNonce(_ context.Context, addr string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mined[addr], nil
}

func (f *fakeChain) sends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type harness struct {
	stores domain.Stores
	chain  *fakeChain
	funder *crypto.Signer
	proc   *Processor
}

func newHarness(t *testing.T, funderBalance int64) *harness {
	t.Helper()
	db, err := sqlite.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	funder, err := crypto.GenerateSigner()
	if err != nil {
		t.Fatal(err)
	}
	fc := &fakeChain{
		balances: map[string]int64{funder.Address().Hex(): funderBalance},
		statuses: map[string]chain.TxStatus{},
		mined:    map[string]uint64{},
	}
	st := db.Stores()
	proc := NewProcessor(Deps{
		Payouts: st.Payouts,
		Chain:   fc,
		Funders: []chain.KeySource{funder},
		Audit:   st.Audit,
	}, Config{FeeReserve: 10, ReconcileAfter: time.Millisecond}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	proc.now = func() time.Time { return time.Now().Add(time.Minute) }
	return &harness{stores: st, chain: fc, funder: funder, proc: proc}
}

func (h *harness) seed(t *testing.T, amounts ...int64) []string {
	t.Helper()
	var reqs []domain.PayoutRequest
	var ids []string
	for i, a := range amounts {
		id := fmt.Sprintf("p%02d", i)
		ids = append(ids, id)
		reqs = append(reqs, domain.PayoutRequest{
			ID:          id,
			Kind:        domain.PayoutSettlement,
			MarketID:    "m1",
			Wallet:      "0x00000000000000000000000000000000000000a1",
			Destination: "0x00000000000000000000000000000000000000a1",
			Amount:      a,
		})
	}
	if n, err := h.stores.Payouts.CreateBatch(context.Background(), reqs); err != nil || n != len(reqs) {
		t.Fatalf("seed: n=%d err=%v", n, err)
	}
	return ids
}

func (h *harness) get(t *testing.T, id string) domain.PayoutRequest {
	t.Helper()
	p, err := h.stores.Payouts.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestSelectFunder(t *testing.T) {
	cands := []Candidate{{"0xbb", 50}, {"0xaa", 500}, {"0xcc", 1000}}

	first, err := SelectFunder("payout-1", cands, 100)
	if err != nil {
		t.Fatal(err)
	}
	if first.Balance < 100 {
		t.Fatalf("picked underfunded %+v", first)
	}
	for i := 0; i < 5; i++ {
		again, _ := SelectFunder("payout-1", []Candidate{cands[2], cands[0], cands[1]}, 100)
		if again != first {
			t.Fatalf("selection not deterministic: %+v vs %+v", again, first)
		}
	}

	only, err := SelectFunder("x", cands, 900)
	if err != nil || only.Address != "0xcc" {
		t.Fatalf("got=%+v err=%v", only, err)
	}
	if _, err := SelectFunder("x", cands, 5000); !errors.Is(err, ErrNoFundingSource) {
		t.Fatalf("err=%v want ErrNoFundingSource", err)
	}
	if _, err := SelectFunder("x", nil, 1); !errors.Is(err, ErrNoFundingSource) {
		t.Fatalf("err=%v want ErrNoFundingSource", err)
	}
}

func TestProcessBatchSends(t *testing.T) {
	h := newHarness(t, 1_000_000)
	ids := h.seed(t, 100, 200, 300)

	res, err := h.proc.ProcessBatch(context.Background(), "", 10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 3 || res.Sent != 3 || res.Remaining != 0 {
		t.Fatalf("result=%+v", res)
	}
	for _, id := range ids {
		p := h.get(t, id)
		if p.State != domain.PayoutSent || p.TxHash == "" || p.Attempts != 1 {
			t.Fatalf("payout %s = %+v", id, p)
		}
	}

	again, err := h.proc.ProcessBatch(context.Background(), "", 10, time.Minute)
	if err != nil || again.Processed != 0 {
		t.Fatalf("second batch=%+v err=%v", again, err)
	}
	if h.chain.sends() != 3 {
		t.Fatalf("sends=%d want 3", h.chain.sends())
	}
}

func TestNoFundingSourceIsolatedToOnePayout(t *testing.T) {
	h := newHarness(t, 1_000)
	ids := h.seed(t, 100, 5_000, 200)

	res, err := h.proc.ProcessBatch(context.Background(), "", 10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if res.Sent != 2 || res.Failed != 1 {
		t.Fatalf("result=%+v", res)
	}
	under := h.get(t, ids[1])
	if under.State != domain.PayoutFailed || !strings.Contains(under.Error, "no funding source") || under.TxHash != "" {
		t.Fatalf("underfunded payout=%+v", under)
	}
	if !under.Claimable() {
		t.Fatal("underfunded payout should be retryable")
	}
}

func TestRevertClearsHashForRetry(t *testing.T) {
	h := newHarness(t, 1_000_000)
	ids := h.seed(t, 100)
	h.chain.receipt = chain.TxReverted

	if _, err := h.proc.ProcessBatch(context.Background(), "", 10, time.Minute); err != nil {
		t.Fatal(err)
	}
	p := h.get(t, ids[0])
	if p.State != domain.PayoutFailed || p.TxHash != "" || !p.Claimable() {
		t.Fatalf("reverted payout=%+v", p)
	}

	h.chain.receipt = chain.TxSucceeded
	if _, err := h.proc.ProcessBatch(context.Background(), "", 10, time.Minute); err != nil {
		t.Fatal(err)
	}
	if p := h.get(t, ids[0]); p.State != domain.PayoutSent || p.Attempts != 2 {
		t.Fatalf("retried payout=%+v", p)
	}
}

func TestUnknownOutcomeWaitsForReconcile(t *testing.T) {
	h := newHarness(t, 1_000_000)
	ids := h.seed(t, 100, 200)
	h.chain.waitErr = chain.ErrReceiptTimeout

	res, err := h.proc.ProcessBatch(context.Background(), "", 10, time.Minute)
	if err != nil || res.Unknown != 2 {
		t.Fatalf("result=%+v err=%v", res, err)
	}
	first, second := h.get(t, ids[0]), h.get(t, ids[1])
	if first.TxHash == "" || first.Claimable() {
		t.Fatalf("payout with unknown outcome must keep its hash: %+v", first)
	}

	res, err = h.proc.ProcessBatch(context.Background(), "", 10, time.Minute)
	if err != nil || res.Processed != 0 {
		t.Fatalf("unknown payouts were re-claimed: %+v err=%v", res, err)
	}

	h.chain.statuses[first.TxHash] = chain.TxSucceeded
	h.chain.statuses[second.TxHash] = chain.TxPending
	rec, err := h.proc.Reconcile(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Checked != 2 || rec.Sent != 1 || rec.Pending != 1 {
		t.Fatalf("reconcile=%+v", rec)
	}
	if p := h.get(t, ids[0]); p.State != domain.PayoutSent {
		t.Fatalf("landed payout=%+v", p)
	}

	delete(h.chain.statuses, second.TxHash)
	h.chain.mined[second.Funder] = *second.TxNonce + 1
	rec, err = h.proc.Reconcile(context.Background(), 10)
	if err != nil || rec.Reopened != 1 {
		t.Fatalf("reconcile=%+v err=%v", rec, err)
	}
	if p := h.get(t, ids[1]); !p.Claimable() || p.Error != "transaction dropped" {
		t.Fatalf("dropped payout=%+v", p)
	}
	if h.chain.sends() != 2 {
		t.Fatalf("sends=%d", h.chain.sends())
	}
}

func TestUnknownHashStaysOpenUntilNonceIsSpent(t *testing.T) {
	h := newHarness(t, 1_000_000)
	ids := h.seed(t, 100)
	h.chain.waitErr = chain.ErrReceiptTimeout
	if _, err := h.proc.ProcessBatch(context.Background(), "", 10, time.Minute); err != nil {
		t.Fatal(err)
	}
	p := h.get(t, ids[0])
	if p.TxNonce == nil || p.Funder == "" {
		t.Fatalf("submission did not record its nonce: %+v", p)
	}

	h.chain.mined[p.Funder] = *p.TxNonce
	rec, err := h.proc.Reconcile(context.Background(), 10)
	if err != nil || rec.Pending != 1 || rec.Reopened != 0 {
		t.Fatalf("reconcile=%+v err=%v", rec, err)
	}
	if got := h.get(t, ids[0]); got.Claimable() || got.TxHash != p.TxHash {
		t.Fatalf("payout reopened while its nonce is unspent: %+v", got)
	}

	h.chain.mined[p.Funder] = *p.TxNonce + 1
	rec, err = h.proc.Reconcile(context.Background(), 10)
	if err != nil || rec.Reopened != 1 {
		t.Fatalf("reconcile=%+v err=%v", rec, err)
	}
	if got := h.get(t, ids[0]); !got.Claimable() || got.TxNonce != nil {
		t.Fatalf("dropped payout=%+v", got)
	}
}

func TestReconcileReopensAbandonedClaim(t *testing.T) {
	h := newHarness(t, 1_000_000)
	ids := h.seed(t, 100)
	if err := h.stores.Payouts.Claim(context.Background(), ids[0], "crashed-worker"); err != nil {
		t.Fatal(err)
	}

	rec, err := h.proc.Reconcile(context.Background(), 10)
	if err != nil || rec.Reopened != 1 {
		t.Fatalf("reconcile=%+v err=%v", rec, err)
	}
	if p := h.get(t, ids[0]); !p.Claimable() {
		t.Fatalf("abandoned payout=%+v", p)
	}
}

func TestBudgetStopsNewPayouts(t *testing.T) {
	h := newHarness(t, 1_000_000)
	ids := h.seed(t, 100, 200, 300)

	t0 := time.Now()
	var calls int
	h.proc.now = func() time.Time {
		calls++
		return t0.Add(time.Duration(calls-1) * time.Minute)
	}

	res, err := h.proc.ProcessBatch(context.Background(), "", 10, 90*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 1 || res.Remaining != 2 || res.Cursor != ids[0] {
		t.Fatalf("result=%+v", res)
	}
	if p := h.get(t, ids[1]); p.State != domain.PayoutUnclaimed {
		t.Fatalf("payout past budget was started: %+v", p)
	}
}

func TestFailingPayoutsDoNotStarveLaterOnes(t *testing.T) {
	h := newHarness(t, 1_000)
	ids := h.seed(t, 5_000, 5_000, 100)
	ctx := context.Background()

	first, err := h.proc.ProcessBatch(ctx, "", 2, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if first.Failed != 2 || first.Remaining != 1 || first.Cursor != ids[1] {
		t.Fatalf("first page=%+v", first)
	}

	second, err := h.proc.ProcessBatch(ctx, first.Cursor, 2, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if second.Sent != 1 || second.Remaining != 0 || second.Cursor != "" {
		t.Fatalf("second page=%+v", second)
	}
	if p := h.get(t, ids[2]); p.State != domain.PayoutSent {
		t.Fatalf("fundable payout=%+v", p)
	}

	// The wrapped cursor retries the unfundable head again.
	third, err := h.proc.ProcessBatch(ctx, second.Cursor, 2, time.Minute)
	if err != nil || third.Failed != 2 {
		t.Fatalf("third page=%+v err=%v", third, err)
	}
}

func TestConcurrentProcessorsPayOnce(t *testing.T) {
	h := newHarness(t, 1_000_000)
	ids := h.seed(t, 100, 200, 300, 400, 500)

	other := NewProcessor(h.proc.deps, h.proc.cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	var wg sync.WaitGroup
	for _, p := range []*Processor{h.proc, other} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.ProcessBatch(context.Background(), "", 10, time.Minute); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if h.chain.sends() != len(ids) {
		t.Fatalf("sends=%d want %d", h.chain.sends(), len(ids))
	}
	for _, id := range ids {
		if p := h.get(t, id); p.State != domain.PayoutSent || p.Attempts != 1 {
			t.Fatalf("payout %s = %+v", id, p)
		}
	}
}
