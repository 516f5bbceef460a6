package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/kolboard/internal/domain"
	"github.com/alanyoungcy/kolboard/internal/settlement"
)

// Settler is the part of settlement.Service the handler needs.
type Settler interface {
	Settle(ctx context.Context, marketID, nonce string) (settlement.Result, error)
	SettleDue(ctx context.Context, afterID string, limit int, budget time.Duration) (settlement.DueResult, error)
}

// MarketHandler serves wager markets and their settlement.
type MarketHandler struct {
	markets domain.MarketStore
	settler Settler
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given store, settler and
// logger.
func NewMarketHandler(markets domain.MarketStore, settler Settler, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{markets: markets, settler: settler, logger: logHandler(logger, "market")}
}

type marketResponse struct {
	domain.Market
	Settlement *domain.Settlement `json:"settlement,omitempty"`
}

// GetMarket returns a single market by its ID, with its settlement once
// settled.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	m, err := h.markets.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get market", err)
		return
	}
	resp := marketResponse{Market: m}
	if m.Status == domain.MarketStatusSettled {
		s, err := h.markets.GetSettlement(r.Context(), id)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			writeServiceError(w, r, h.logger, "get settlement", err)
			return
		}
		if err == nil {
			resp.Settlement = &s
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Positions lists the stakes held in a market.
// GET /api/markets/{id}/positions
func (h *MarketHandler) Positions(w http.ResponseWriter, r *http.Request) {
	ps, err := h.markets.Positions(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "list positions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": ps})
}

// CreateMarket opens a new wager market.
// POST /api/admin/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var m domain.Market
	if err := decodeJSON(r, &m); err != nil {
		writeServiceError(w, r, h.logger, "create market", err)
		return
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if err := validateMarket(&m); err != nil {
		writeServiceError(w, r, h.logger, "create market", err)
		return
	}
	if err := h.markets.Create(r.Context(), m); err != nil {
		writeServiceError(w, r, h.logger, "create market", err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func validateMarket(m *domain.Market) error {
	if m.WindowKey.Length() == 0 {
		return fmt.Errorf("%w: unknown window %q", domain.ErrInvalidInput, m.WindowKey)
	}
	if m.WindowEnd.IsZero() {
		return fmt.Errorf("%w: window_end is required", domain.ErrInvalidInput)
	}
	if !common.IsHexAddress(m.SubjectWallet) {
		return fmt.Errorf("%w: subject_wallet %q", domain.ErrInvalidInput, m.SubjectWallet)
	}
	switch m.Kind {
	case domain.MarketTop1:
	case domain.MarketTopN:
		if m.TopN < 1 {
			return fmt.Errorf("%w: top_n must be >= 1", domain.ErrInvalidInput)
		}
	case domain.MarketProfitAbove:
	default:
		return fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidInput, m.Kind)
	}
	if m.PayoutPerShare <= 0 {
		return fmt.Errorf("%w: payout_per_share must be positive", domain.ErrInvalidInput)
	}
	m.SubjectWallet = domain.NormalizeAccount(m.SubjectWallet)
	m.WindowEnd = m.WindowEnd.UTC()
	m.Status = domain.MarketStatusOpen
	m.Outcome = nil
	return nil
}

// AddPosition records a stake taken outside the order book.
// POST /api/admin/markets/{id}/positions
func (h *MarketHandler) AddPosition(w http.ResponseWriter, r *http.Request) {
	var p domain.Position
	if err := decodeJSON(r, &p); err != nil {
		writeServiceError(w, r, h.logger, "add position", err)
		return
	}
	p.MarketID = pathParam(r, "id")
	if p.Side != domain.OutcomeYes && p.Side != domain.OutcomeNo {
		writeError(w, http.StatusBadRequest, "side must be yes or no")
		return
	}
	if p.Shares <= 0 || !common.IsHexAddress(p.Holder) {
		writeError(w, http.StatusBadRequest, "holder must be an address and shares positive")
		return
	}
	p.Holder = domain.NormalizeAccount(p.Holder)
	if err := h.markets.AddPosition(r.Context(), p); err != nil {
		writeServiceError(w, r, h.logger, "add position", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

type settleRequest struct {
	Nonce string `json:"nonce"`
}

// Settle resolves a market. Repeating the same nonce returns the stored
// settlement with applied=false.
// POST /api/admin/markets/{id}/settle
func (h *MarketHandler) Settle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, h.logger, "settle", err)
		return
	}
	if strings.TrimSpace(req.Nonce) == "" {
		req.Nonce = r.Header.Get("Idempotency-Key")
	}
	res, err := h.settler.Settle(r.Context(), pathParam(r, "id"), req.Nonce)
	if err != nil {
		writeServiceError(w, r, h.logger, "settle", err)
		return
	}
	status := http.StatusOK
	if res.Applied {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

// SettleDue settles one page of open markets whose window has closed.
// POST /api/admin/markets/settle-due?after=&limit=100&budget=30s
func (h *MarketHandler) SettleDue(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100, 1000)
	budget := queryDuration(r, "budget", 30*time.Second, 5*time.Minute)
	res, err := h.settler.SettleDue(r.Context(), r.URL.Query().Get("after"), limit, budget)
	if err != nil {
		writeJSON(w, statusFor(err), map[string]any{"result": res, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}
