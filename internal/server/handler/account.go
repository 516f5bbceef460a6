package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/kolboard/internal/account"
	"github.com/alanyoungcy/kolboard/internal/domain"
)

// AccountService is the part of account.Service the handler needs.
type AccountService interface {
	Withdraw(ctx context.Context, r account.WithdrawRequest) (domain.PayoutRequest, error)
	CreditDeposit(ctx context.Context, r account.DepositRequest) (domain.Deposit, bool, error)
	PlaceOrder(ctx context.Context, r account.OrderRequest) (domain.OrderResult, error)
	CancelOrder(ctx context.Context, r account.CancelRequest) error
	Balance(ctx context.Context, wallet string) (domain.Balance, error)
}

// AccountHandler serves wallet-signed actions.
type AccountHandler struct {
	svc    AccountService
	logger *slog.Logger
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(svc AccountService, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{svc: svc, logger: logHandler(logger, "account")}
}

// Withdraw queues a withdrawal of escrow balance.
// POST /api/account/withdraw
func (h *AccountHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req account.WithdrawRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, h.logger, "withdraw", err)
		return
	}
	p, err := h.svc.Withdraw(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, "withdraw", err)
		return
	}
	writeJSON(w, http.StatusAccepted, p)
}

// Deposit credits an on-chain deposit to the signer's balance.
// POST /api/account/deposit
func (h *AccountHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req account.DepositRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, h.logger, "deposit", err)
		return
	}
	dep, credited, err := h.svc.CreditDeposit(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, "deposit", err)
		return
	}
	status := http.StatusOK
	if credited {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"deposit": dep, "credited": credited})
}

// PlaceOrder forwards a signed order to the order book.
// POST /api/account/orders
func (h *AccountHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req account.OrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, h.logger, "place order", err)
		return
	}
	res, err := h.svc.PlaceOrder(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, "place order", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// CancelOrder cancels one of the signer's orders.
// POST /api/account/orders/cancel
func (h *AccountHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req account.CancelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, h.logger, "cancel order", err)
		return
	}
	if err := h.svc.CancelOrder(r.Context(), req); err != nil {
		writeServiceError(w, r, h.logger, "cancel order", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "order_id": req.OrderID})
}

// Balance returns a wallet's escrow balance.
// GET /api/account/{wallet}/balance
func (h *AccountHandler) Balance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.svc.Balance(r.Context(), pathParam(r, "wallet"))
	if err != nil {
		writeServiceError(w, r, h.logger, "balance", err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}
