package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/kolboard/internal/crypto"
	"github.com/alanyoungcy/kolboard/internal/ingest"
)

// Ingester is the part of ingest.Service the handler needs.
type Ingester interface {
	Ingest(ctx context.Context, raw []byte) (ingest.Result, error)
	Backfill(ctx context.Context, cursor string, budget time.Duration) (ingest.BackfillResult, error)
}

// IngestHandler accepts signed webhook deliveries and backfill triggers.
type IngestHandler struct {
	svc     Ingester
	auth    crypto.WebhookAuth
	maxBody int64
	logger  *slog.Logger
}

// NewIngestHandler creates an IngestHandler. maxBody <= 0 selects 8 MiB.
func NewIngestHandler(svc Ingester, auth crypto.WebhookAuth, maxBody int64, logger *slog.Logger) *IngestHandler {
	if maxBody <= 0 {
		maxBody = 8 << 20
	}
	return &IngestHandler{svc: svc, auth: auth, maxBody: maxBody, logger: logHandler(logger, "ingest")}
}

// Webhook ingests a JSON array or object of transaction events. The body
// must carry a valid HMAC in the X-Webhook-Signature header.
// POST /api/webhooks/events
func (h *IngestHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	if !h.auth.Verify(body, r.Header.Get(crypto.WebhookHeader)) {
		h.logger.WarnContext(r.Context(), "webhook signature rejected",
			slog.String("remote_addr", r.RemoteAddr),
			slog.Int("bytes", len(body)),
		)
		writeError(w, http.StatusUnauthorized, "invalid webhook signature")
		return
	}

	res, err := h.svc.Ingest(r.Context(), body)
	if err != nil {
		writeServiceError(w, r, h.logger, "ingest", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Backfill pulls indexer history for tracked wallets.
// POST /api/admin/backfill?cursor=&budget=30s
func (h *IngestHandler) Backfill(w http.ResponseWriter, r *http.Request) {
	budget := queryDuration(r, "budget", 30*time.Second, 5*time.Minute)
	res, err := h.svc.Backfill(r.Context(), r.URL.Query().Get("cursor"), budget)
	if err != nil {
		writeServiceError(w, r, h.logger, "backfill", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
