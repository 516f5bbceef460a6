// Package account authorizes wallet-signed actions (withdrawals, deposit
// credits, orders) and forwards them to the atomic store operations.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/kolboard/internal/crypto"
	"github.com/alanyoungcy/kolboard/internal/domain"
)

// Action names that appear in signed messages.
const (
	ActionWithdraw = "withdraw"
	ActionDeposit  = "deposit"
	ActionOrder    = "order"
	ActionCancel   = "cancel"
)

// DepositVerifier proves an on-chain deposit.
type DepositVerifier interface {
	VerifyDeposit(ctx context.Context, txHash, wallet string) (domain.Deposit, error)
}

// Signed carries the proof that Wallet authorized a request.
type Signed struct {
	Wallet    string `json:"wallet"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// WithdrawRequest asks to move Amount from the escrow balance to Destination.
type WithdrawRequest struct {
	Signed
	Destination string `json:"destination"`
	Amount      int64  `json:"amount"`
}

// DepositRequest asks to credit the deposit made in TxHash.
type DepositRequest struct {
	Signed
	TxHash string `json:"tx_hash"`
}

// OrderRequest asks to buy shares on one side of a market.
type OrderRequest struct {
	Signed
	MarketID   string         `json:"market_id"`
	Side       domain.Outcome `json:"side"`
	Shares     int64          `json:"shares"`
	LimitPrice int64          `json:"limit_price"`
}

// CancelRequest asks to cancel a resting order.
type CancelRequest struct {
	Signed
	OrderID string `json:"order_id"`
}

// Service authorizes and executes signed account actions.
type Service struct {
	accounts domain.AccountStore
	deposits DepositVerifier
	audit    domain.AuditStore
	logger   *slog.Logger
}

// NewService creates a Service. deposits and audit may be nil; without a
// verifier deposit credits are refused.
func NewService(accounts domain.AccountStore, deposits DepositVerifier, audit domain.AuditStore, logger *slog.Logger) *Service {
	return &Service{
		accounts: accounts,
		deposits: deposits,
		audit:    audit,
		logger:   logger.With(slog.String("component", "account")),
	}
}

// WithdrawMessage is the text a wallet signs to authorize a withdrawal.
func WithdrawMessage(r WithdrawRequest) string {
	return crypto.ActionMessage(ActionWithdraw, r.Nonce, domain.NormalizeAccount(r.Destination), strconv.FormatInt(r.Amount, 10))
}

// DepositMessage is the text a wallet signs to claim a deposit.
func DepositMessage(r DepositRequest) string {
	return crypto.ActionMessage(ActionDeposit, r.Nonce, strings.ToLower(r.TxHash))
}

// OrderMessage is the text a wallet signs to place an order.
func OrderMessage(r OrderRequest) string {
	return crypto.ActionMessage(ActionOrder, r.Nonce, r.MarketID, string(r.Side),
		strconv.FormatInt(r.Shares, 10), strconv.FormatInt(r.LimitPrice, 10))
}

// CancelMessage is the text a wallet signs to cancel an order.
func CancelMessage(r CancelRequest) string {
	return crypto.ActionMessage(ActionCancel, r.Nonce, r.OrderID)
}

// authorize checks the signature and burns the nonce. A replayed nonce
// wraps domain.ErrConflict.
func (s *Service) authorize(ctx context.Context, sig Signed, message string) error {
	if strings.TrimSpace(sig.Nonce) == "" {
		return fmt.Errorf("account: %w: empty nonce", domain.ErrInvalidInput)
	}
	if err := crypto.VerifyPersonalSign(sig.Wallet, message, sig.Signature); err != nil {
		return fmt.Errorf("account: %w", err)
	}
	if err := s.accounts.ConsumeNonce(ctx, sig.Wallet, sig.Nonce); err != nil {
		return fmt.Errorf("account: consume nonce: %w", err)
	}
	return nil
}

// Withdraw debits the balance and queues a withdrawal payout.
func (s *Service) Withdraw(ctx context.Context, r WithdrawRequest) (domain.PayoutRequest, error) {
	if r.Amount <= 0 {
		return domain.PayoutRequest{}, fmt.Errorf("account: %w: amount must be positive", domain.ErrInvalidInput)
	}
	if !common.IsHexAddress(r.Destination) {
		return domain.PayoutRequest{}, fmt.Errorf("account: %w: destination %q", domain.ErrInvalidInput, r.Destination)
	}
	if err := s.authorize(ctx, r.Signed, WithdrawMessage(r)); err != nil {
		return domain.PayoutRequest{}, err
	}

	req := domain.PayoutRequest{
		ID:          uuid.NewString(),
		Kind:        domain.PayoutWithdrawal,
		Wallet:      domain.NormalizeAccount(r.Wallet),
		Destination: domain.NormalizeAccount(r.Destination),
		Amount:      r.Amount,
		State:       domain.PayoutUnclaimed,
	}
	if err := s.accounts.RequestWithdrawal(ctx, req); err != nil {
		return domain.PayoutRequest{}, fmt.Errorf("account: withdraw: %w", err)
	}
	s.logger.InfoContext(ctx, "withdrawal queued",
		slog.String("payout_id", req.ID),
		slog.String("wallet", req.Wallet),
		slog.Int64("amount", req.Amount),
	)
	s.record(ctx, "withdrawal_requested", map[string]any{"payout_id": req.ID, "wallet": req.Wallet, "amount": req.Amount})
	return req, nil
}

// CreditDeposit verifies the deposit on chain and credits it once. credited
// is false when the deposit was already credited.
func (s *Service) CreditDeposit(ctx context.Context, r DepositRequest) (domain.Deposit, bool, error) {
	if s.deposits == nil {
		return domain.Deposit{}, false, fmt.Errorf("account: %w: deposits disabled", domain.ErrUnsupported)
	}
	if err := s.authorize(ctx, r.Signed, DepositMessage(r)); err != nil {
		return domain.Deposit{}, false, err
	}
	dep, err := s.deposits.VerifyDeposit(ctx, r.TxHash, r.Wallet)
	if err != nil {
		return domain.Deposit{}, false, fmt.Errorf("account: verify deposit: %w", err)
	}
	credited, err := s.accounts.CreditDeposit(ctx, dep)
	if err != nil {
		return domain.Deposit{}, false, fmt.Errorf("account: credit deposit: %w", err)
	}
	if credited {
		s.logger.InfoContext(ctx, "deposit credited",
			slog.String("tx_hash", dep.TxHash),
			slog.String("wallet", dep.Wallet),
			slog.Int64("amount", dep.Amount),
		)
		s.record(ctx, "deposit_credited", map[string]any{"tx_hash": dep.TxHash, "wallet": dep.Wallet, "amount": dep.Amount})
	}
	return dep, credited, nil
}

// PlaceOrder forwards a signed order to the order book.
func (s *Service) PlaceOrder(ctx context.Context, r OrderRequest) (domain.OrderResult, error) {
	if r.Side != domain.OutcomeYes && r.Side != domain.OutcomeNo {
		return domain.OrderResult{}, fmt.Errorf("account: %w: side %q", domain.ErrInvalidInput, r.Side)
	}
	if r.Shares <= 0 || r.LimitPrice <= 0 {
		return domain.OrderResult{}, fmt.Errorf("account: %w: shares and limit price must be positive", domain.ErrInvalidInput)
	}
	if err := s.authorize(ctx, r.Signed, OrderMessage(r)); err != nil {
		return domain.OrderResult{}, err
	}
	res, err := s.accounts.PlaceOrder(ctx, domain.OrderRequest{
		ID:         uuid.NewString(),
		MarketID:   r.MarketID,
		Wallet:     domain.NormalizeAccount(r.Wallet),
		Side:       r.Side,
		Shares:     r.Shares,
		LimitPrice: r.LimitPrice,
	})
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("account: place order: %w", err)
	}
	return res, nil
}

// CancelOrder cancels one of the signer's resting orders.
func (s *Service) CancelOrder(ctx context.Context, r CancelRequest) error {
	if r.OrderID == "" {
		return fmt.Errorf("account: %w: empty order id", domain.ErrInvalidInput)
	}
	if err := s.authorize(ctx, r.Signed, CancelMessage(r)); err != nil {
		return err
	}
	if err := s.accounts.CancelOrder(ctx, r.OrderID, domain.NormalizeAccount(r.Wallet)); err != nil {
		return fmt.Errorf("account: cancel order: %w", err)
	}
	return nil
}

// Balance returns the wallet's escrow balance.
func (s *Service) Balance(ctx context.Context, wallet string) (domain.Balance, error) {
	if !common.IsHexAddress(wallet) {
		return domain.Balance{}, fmt.Errorf("account: %w: wallet %q", domain.ErrInvalidInput, wallet)
	}
	return s.accounts.Balance(ctx, wallet)
}

func (s *Service) record(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.WarnContext(ctx, "audit log write failed", slog.String("error", err.Error()))
	}
}
