package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/kolboard/internal/domain"
	"github.com/alanyoungcy/kolboard/internal/snapshot"
)

// SnapshotBuilder ensures a window's snapshot exists.
type SnapshotBuilder interface {
	Ensure(ctx context.Context, key domain.WindowKey, end time.Time) (domain.Snapshot, bool, error)
}

// SnapshotVerifier recomputes a stored snapshot's hash.
type SnapshotVerifier interface {
	Verify(ctx context.Context, key domain.WindowKey, end time.Time) (snapshot.Report, error)
}

// SnapshotHandler serves frozen leaderboards.
type SnapshotHandler struct {
	snapshots domain.SnapshotStore
	builder   SnapshotBuilder
	verifier  SnapshotVerifier
	now       func() time.Time
	logger    *slog.Logger
}

// NewSnapshotHandler creates a SnapshotHandler.
func NewSnapshotHandler(snapshots domain.SnapshotStore, builder SnapshotBuilder, verifier SnapshotVerifier, logger *slog.Logger) *SnapshotHandler {
	return &SnapshotHandler{
		snapshots: snapshots,
		builder:   builder,
		verifier:  verifier,
		now:       time.Now,
		logger:    logHandler(logger, "snapshot"),
	}
}

// Latest returns the most recent snapshot of a window.
// GET /api/snapshots/{window}/latest
func (h *SnapshotHandler) Latest(w http.ResponseWriter, r *http.Request) {
	key, _, err := windowParams(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "latest snapshot", err)
		return
	}
	snap, err := h.snapshots.Latest(r.Context(), key)
	if err != nil {
		writeServiceError(w, r, h.logger, "latest snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Get returns one snapshot.
// GET /api/snapshots/{window}/{end}
func (h *SnapshotHandler) Get(w http.ResponseWriter, r *http.Request) {
	key, end, err := windowParams(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "get snapshot", err)
		return
	}
	snap, err := h.snapshots.Get(r.Context(), key, end)
	if err != nil {
		writeServiceError(w, r, h.logger, "get snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Verify recomputes a snapshot's content hash against the database and the
// archive.
// GET /api/snapshots/{window}/{end}/verify
func (h *SnapshotHandler) Verify(w http.ResponseWriter, r *http.Request) {
	key, end, err := windowParams(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "verify snapshot", err)
		return
	}
	rep, err := h.verifier.Verify(r.Context(), key, end)
	if err != nil {
		writeJSON(w, statusFor(err), map[string]any{"report": rep, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": rep, "ok": true})
}

// Build ensures the snapshot for a window end (default: the last closed day
// boundary) and returns it.
// POST /api/admin/snapshots/{window}?end=unix
func (h *SnapshotHandler) Build(w http.ResponseWriter, r *http.Request) {
	key, err := domain.ParseWindowKey(pathParam(r, "window"))
	if err != nil {
		writeServiceError(w, r, h.logger, "build snapshot", err)
		return
	}
	end := snapshot.AlignEnd(h.now())
	if v := int64(queryInt(r, "end", 0, 0)); v > 0 {
		end = time.Unix(v, 0).UTC()
	}
	if end.After(h.now()) {
		writeError(w, http.StatusBadRequest, "window has not closed yet")
		return
	}
	snap, created, err := h.builder.Ensure(r.Context(), key, end)
	if err != nil {
		writeServiceError(w, r, h.logger, "build snapshot", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, snap)
}
