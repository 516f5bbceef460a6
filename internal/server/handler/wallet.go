package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/kolboard/internal/domain"
)

// WalletHandler manages the tracked KOL cohort and the audit log.
type WalletHandler struct {
	wallets domain.WalletStore
	audit   domain.AuditStore
	now     func() time.Time
	logger  *slog.Logger
}

// NewWalletHandler creates a WalletHandler.
func NewWalletHandler(wallets domain.WalletStore, audit domain.AuditStore, logger *slog.Logger) *WalletHandler {
	return &WalletHandler{wallets: wallets, audit: audit, now: time.Now, logger: logHandler(logger, "wallet")}
}

// ListWallets returns every tracked wallet, removed ones included.
// GET /api/wallets
func (h *WalletHandler) ListWallets(w http.ResponseWriter, r *http.Request) {
	ws, err := h.wallets.List(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "list wallets", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"wallets": ws})
}

type trackRequest struct {
	ID           string     `json:"id"`
	Label        string     `json:"label"`
	TrackedSince *time.Time `json:"tracked_since"`
}

// TrackWallet adds a wallet to the cohort, or relabels it.
// POST /api/admin/wallets
func (h *WalletHandler) TrackWallet(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, h.logger, "track wallet", err)
		return
	}
	if !common.IsHexAddress(req.ID) {
		writeError(w, http.StatusBadRequest, "id must be an address")
		return
	}
	tw := domain.TrackedWallet{
		ID:           domain.NormalizeAccount(req.ID),
		Label:        req.Label,
		TrackedSince: h.now().UTC(),
	}
	if req.TrackedSince != nil {
		tw.TrackedSince = req.TrackedSince.UTC()
	}
	if err := h.wallets.Upsert(r.Context(), tw); err != nil {
		writeServiceError(w, r, h.logger, "track wallet", err)
		return
	}
	h.record(r, "wallet_tracked", map[string]any{"wallet": tw.ID, "label": tw.Label})
	writeJSON(w, http.StatusCreated, tw)
}

// UntrackWallet removes a wallet from future windows. Past snapshots keep it.
// DELETE /api/admin/wallets/{id}
func (h *WalletHandler) UntrackWallet(w http.ResponseWriter, r *http.Request) {
	id := domain.NormalizeAccount(pathParam(r, "id"))
	if err := h.wallets.Remove(r.Context(), id, h.now().UTC()); err != nil {
		writeServiceError(w, r, h.logger, "untrack wallet", err)
		return
	}
	h.record(r, "wallet_untracked", map[string]any{"wallet": id})
	w.WriteHeader(http.StatusNoContent)
}

// ListAudit returns recent audit log entries.
// GET /api/admin/audit?limit=50&offset=0
func (h *WalletHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	opts := domain.ListOpts{Limit: queryInt(r, "limit", 50, 500), Offset: queryInt(r, "offset", 0, 0)}
	entries, err := h.audit.List(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list audit", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "limit": opts.Limit, "offset": opts.Offset})
}

func (h *WalletHandler) record(r *http.Request, event string, detail map[string]any) {
	if h.audit == nil {
		return
	}
	if err := h.audit.Log(r.Context(), event, detail); err != nil {
		h.logger.WarnContext(r.Context(), "audit log write failed", slog.String("error", err.Error()))
	}
}
