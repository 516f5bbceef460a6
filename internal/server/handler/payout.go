package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/kolboard/internal/domain"
	"github.com/alanyoungcy/kolboard/internal/payout"
)

// PayoutProcessor is the part of payout.Processor the handler needs.
type PayoutProcessor interface {
	ProcessBatch(ctx context.Context, afterID string, limit int, budget time.Duration) (payout.BatchResult, error)
	Process(ctx context.Context, id string) (payout.Outcome, error)
	Reconcile(ctx context.Context, limit int) (payout.ReconcileResult, error)
}

// PayoutHandler exposes payout state and manual processing triggers.
type PayoutHandler struct {
	payouts domain.PayoutStore
	proc    PayoutProcessor
	logger  *slog.Logger
}

// NewPayoutHandler creates a PayoutHandler. proc may be nil on instances
// without funder keys; triggers then answer 501.
func NewPayoutHandler(payouts domain.PayoutStore, proc PayoutProcessor, logger *slog.Logger) *PayoutHandler {
	return &PayoutHandler{payouts: payouts, proc: proc, logger: logHandler(logger, "payout")}
}

// GetPayout returns one payout request.
// GET /api/payouts/{id}
func (h *PayoutHandler) GetPayout(w http.ResponseWriter, r *http.Request) {
	p, err := h.payouts.Get(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get payout", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListByMarket returns the payouts created by a market's settlement.
// GET /api/markets/{id}/payouts
func (h *PayoutHandler) ListByMarket(w http.ResponseWriter, r *http.Request) {
	ps, err := h.payouts.ListByMarket(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "list payouts", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payouts": ps})
}

// ProcessBatch runs one claim-and-send batch.
// POST /api/admin/payouts/process?after=&limit=50&budget=30s
func (h *PayoutHandler) ProcessBatch(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w) {
		return
	}
	limit := queryInt(r, "limit", 50, 500)
	budget := queryDuration(r, "budget", 30*time.Second, 5*time.Minute)
	res, err := h.proc.ProcessBatch(r.Context(), r.URL.Query().Get("after"), limit, budget)
	if err != nil {
		writeServiceError(w, r, h.logger, "process payouts", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ProcessOne claims and sends a single payout.
// POST /api/admin/payouts/{id}/process
func (h *PayoutHandler) ProcessOne(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w) {
		return
	}
	out, err := h.proc.Process(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "process payout", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcome": out})
}

// Reconcile resolves payouts whose transfer outcome is unknown.
// POST /api/admin/payouts/reconcile?limit=100
func (h *PayoutHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w) {
		return
	}
	res, err := h.proc.Reconcile(r.Context(), queryInt(r, "limit", 100, 1000))
	if err != nil {
		writeServiceError(w, r, h.logger, "reconcile payouts", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *PayoutHandler) enabled(w http.ResponseWriter) bool {
	if h.proc == nil {
		writeError(w, http.StatusNotImplemented, "payout processing is not configured")
		return false
	}
	return true
}
