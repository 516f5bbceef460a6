package account

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/alanyoungcy/kolboard/internal/crypto"
	"github.com/alanyoungcy/kolboard/internal/domain"
	"github.com/alanyoungcy/kolboard/internal/store/sqlite"
)

const dest = "0x00000000000000000000000000000000000000d1"

type fixedDeposits struct{ amount int64 }

func (f fixedDeposits) VerifyDeposit(_ context.Context, txHash, wallet string) (domain.Deposit, error) {
	if txHash == "0xbad" {
		return domain.Deposit{}, domain.ErrInvalidInput
	}
	return domain.Deposit{TxHash: txHash, Wallet: domain.NormalizeAccount(wallet), Amount: f.amount}, nil
}

func setup(t *testing.T) (*Service, domain.Stores, *crypto.Signer) {
	t.Helper()
	db, err := sqlite.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	st := db.Stores()
	user, err := crypto.GenerateSigner()
	if err != nil {
		t.Fatal(err)
	}
	svc := NewService(st.Accounts, fixedDeposits{amount: 1_000}, st.Audit, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return svc, st, user
}

func sign(t *testing.T, s *crypto.Signer, nonce, message string) Signed {
	t.Helper()
	sig, err := s.SignPersonal(message)
	if err != nil {
		t.Fatal(err)
	}
	return Signed{Wallet: s.Address().Hex(), Nonce: nonce, Signature: sig}
}

func deposit(t *testing.T, svc *Service, user *crypto.Signer, nonce, txHash string) (bool, error) {
	t.Helper()
	r := DepositRequest{Signed: Signed{Nonce: nonce}, TxHash: txHash}
	r.Signed = sign(t, user, nonce, DepositMessage(r))
	_, credited, err := svc.CreditDeposit(context.Background(), r)
	return credited, err
}

func TestDepositThenWithdraw(t *testing.T) {
	svc, st, user := setup(t)
	ctx := context.Background()

	if ok, err := deposit(t, svc, user, "n1", "0xd1"); err != nil || !ok {
		t.Fatalf("credited=%v err=%v", ok, err)
	}
	if ok, err := deposit(t, svc, user, "n2", "0xd1"); err != nil || ok {
		t.Fatalf("second credit=%v err=%v", ok, err)
	}
	if _, err := deposit(t, svc, user, "n3", "0xbad"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("unverified deposit err=%v", err)
	}

	w := WithdrawRequest{Signed: Signed{Nonce: "n4"}, Destination: dest, Amount: 400}
	w.Signed = sign(t, user, "n4", WithdrawMessage(w))
	p, err := svc.Withdraw(ctx, w)
	if err != nil {
		t.Fatal(err)
	}
	stored, err := st.Payouts.Get(ctx, p.ID)
	if err != nil || stored.Kind != domain.PayoutWithdrawal || stored.Amount != 400 || stored.Destination != dest {
		t.Fatalf("payout=%+v err=%v", stored, err)
	}
	bal, _ := svc.Balance(ctx, user.Address().Hex())
	if bal.Available != 600 {
		t.Fatalf("available=%d want 600", bal.Available)
	}

	if _, err := svc.Withdraw(ctx, w); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("replayed withdrawal err=%v", err)
	}

	over := WithdrawRequest{Signed: Signed{Nonce: "n5"}, Destination: dest, Amount: 10_000}
	over.Signed = sign(t, user, "n5", WithdrawMessage(over))
	if _, err := svc.Withdraw(ctx, over); !errors.Is(err, domain.ErrInsufficientFund) {
		t.Fatalf("overdraw err=%v", err)
	}
}

func TestSignatureMustMatchRequest(t *testing.T) {
	svc, _, user := setup(t)
	ctx := context.Background()

	w := WithdrawRequest{Signed: Signed{Nonce: "n1"}, Destination: dest, Amount: 10}
	w.Signed = sign(t, user, "n1", WithdrawMessage(w))
	w.Amount = 10_000
	if _, err := svc.Withdraw(ctx, w); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("altered amount err=%v", err)
	}

	mallory, _ := crypto.GenerateSigner()
	c := CancelRequest{Signed: Signed{Nonce: "n2"}, OrderID: "o1"}
	c.Signed = sign(t, mallory, "n2", CancelMessage(c))
	c.Wallet = user.Address().Hex()
	if err := svc.CancelOrder(ctx, c); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("foreign signer err=%v", err)
	}
}

func TestOrdersNeedTheOrderBook(t *testing.T) {
	svc, _, user := setup(t)
	o := OrderRequest{Signed: Signed{Nonce: "n1"}, MarketID: "m1", Side: domain.OutcomeYes, Shares: 2, LimitPrice: 400}
	o.Signed = sign(t, user, "n1", OrderMessage(o))
	if _, err := svc.PlaceOrder(context.Background(), o); !errors.Is(err, domain.ErrUnsupported) {
		t.Fatalf("err=%v", err)
	}
	bad := o
	bad.Side = "maybe"
	if _, err := svc.PlaceOrder(context.Background(), bad); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("bad side err=%v", err)
	}
}
