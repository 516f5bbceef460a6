package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/kolboard/internal/domain"
)

// AccountStore implements domain.AccountStore on top of the credit_deposit,
// request_withdrawal, place_order and cancel_order SQL functions.
type AccountStore struct {
	pool *pgxpool.Pool
}

var _ domain.AccountStore = (*AccountStore)(nil)

// NewAccountStore creates a new AccountStore backed by the given connection pool.
func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

// ConsumeNonce records nonce as used by wallet. A replay returns ErrConflict.
func (s *AccountStore) ConsumeNonce(ctx context.Context, wallet, nonce string) error {
	const query = `INSERT INTO action_nonces (wallet, nonce) VALUES ($1, $2) ON CONFLICT DO NOTHING`

	tag, err := s.pool.Exec(ctx, query, domain.NormalizeAccount(wallet), nonce)
	if err != nil {
		return fmt.Errorf("postgres: consume nonce: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: nonce %s for %s: %w", nonce, wallet, domain.ErrConflict)
	}
	return nil
}

// CreditDeposit credits a verified deposit once per transaction hash. It
// reports false when the hash was already credited.
func (s *AccountStore) CreditDeposit(ctx context.Context, d domain.Deposit) (bool, error) {
	var credited bool
	err := s.pool.QueryRow(ctx, `SELECT credit_deposit($1, $2, $3)`,
		d.TxHash, domain.NormalizeAccount(d.Wallet), d.Amount,
	).Scan(&credited)
	if err != nil {
		return false, mapError("credit deposit "+d.TxHash, err)
	}
	return credited, nil
}

// RequestWithdrawal debits the balance and queues a withdrawal payout.
func (s *AccountStore) RequestWithdrawal(ctx context.Context, req domain.PayoutRequest) error {
	_, err := s.pool.Exec(ctx, `SELECT request_withdrawal($1, $2, $3, $4)`,
		req.ID, domain.NormalizeAccount(req.Wallet), domain.NormalizeAccount(req.Destination), req.Amount,
	)
	return mapError("request withdrawal for "+req.Wallet, err)
}

// Balance returns the wallet's available escrow balance. Unknown wallets have
// a zero balance.
func (s *AccountStore) Balance(ctx context.Context, wallet string) (domain.Balance, error) {
	const query = `SELECT wallet, available, updated_at FROM balances WHERE wallet = $1`

	wallet = domain.NormalizeAccount(wallet)
	var b domain.Balance
	err := s.pool.QueryRow(ctx, query, wallet).Scan(&b.Wallet, &b.Available, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Balance{Wallet: wallet}, nil
	}
	if err != nil {
		return domain.Balance{}, fmt.Errorf("postgres: balance for %s: %w", wallet, err)
	}
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

// PlaceOrder reserves funds and crosses the order against the book. o.ID is
// generated by the caller.
func (s *AccountStore) PlaceOrder(ctx context.Context, o domain.OrderRequest) (domain.OrderResult, error) {
	const query = `SELECT o_order_id, o_status, o_filled FROM place_order($1, $2, $3, $4, $5, $6)`

	var res domain.OrderResult
	err := s.pool.QueryRow(ctx, query,
		o.ID, o.MarketID, domain.NormalizeAccount(o.Wallet), string(o.Side), o.Shares, o.LimitPrice,
	).Scan(&res.OrderID, &res.Status, &res.Filled)
	if err != nil {
		return domain.OrderResult{}, mapError("place order on "+o.MarketID, err)
	}
	return res, nil
}

// CancelOrder cancels an open order owned by wallet and refunds its unfilled
// reservation.
func (s *AccountStore) CancelOrder(ctx context.Context, id, wallet string) error {
	var refund int64
	err := s.pool.QueryRow(ctx, `SELECT cancel_order($1, $2)`, id, domain.NormalizeAccount(wallet)).Scan(&refund)
	return mapError("cancel order "+id, err)
}
