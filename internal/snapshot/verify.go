package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/kolboard/internal/domain"
)

// Report is the outcome of verifying one stored snapshot.
type Report struct {
	WindowKey      domain.WindowKey `json:"window_key"`
	WindowEnd      time.Time        `json:"window_end"`
	StoredHash     string           `json:"stored_hash"`
	RecomputedHash string           `json:"recomputed_hash"`
	ArchivedHash   string           `json:"archived_hash,omitempty"`
	ArchiveMissing bool             `json:"archive_missing,omitempty"`
}

// Verifier checks that stored snapshots still hash to their recorded value,
// and that the archived copy agrees with the database copy.
type Verifier struct {
	snapshots domain.SnapshotStore
	archive   domain.SnapshotArchive
	logger    *slog.Logger
}

// NewVerifier creates a Verifier. archive may be nil.
func NewVerifier(snapshots domain.SnapshotStore, archive domain.SnapshotArchive, logger *slog.Logger) *Verifier {
	return &Verifier{
		snapshots: snapshots,
		archive:   archive,
		logger:    logger.With(slog.String("component", "snapshot_verifier")),
	}
}

// Verify loads the snapshot for (key, end) and checks its hash. Any mismatch
// returns an error wrapping domain.ErrIntegrity.
func (v *Verifier) Verify(ctx context.Context, key domain.WindowKey, end time.Time) (Report, error) {
	end = end.UTC().Truncate(time.Second)
	snap, err := v.snapshots.Get(ctx, key, end)
	if err != nil {
		return Report{}, fmt.Errorf("snapshot: load %s@%d: %w", key, end.Unix(), err)
	}
	rep := Report{
		WindowKey:      key,
		WindowEnd:      end,
		StoredHash:     snap.ContentHash,
		RecomputedHash: ContentHash(snap.Entries),
	}
	if err := CheckIntegrity(snap); err != nil {
		v.logger.ErrorContext(ctx, "stored snapshot failed integrity check",
			slog.String("window", string(key)),
			slog.Time("window_end", end),
			slog.String("stored", rep.StoredHash),
			slog.String("recomputed", rep.RecomputedHash),
		)
		return rep, err
	}

	if v.archive == nil {
		return rep, nil
	}
	archived, err := v.archive.Get(ctx, key, end)
	if errors.Is(err, domain.ErrNotFound) {
		rep.ArchiveMissing = true
		return rep, nil
	}
	if err != nil {
		return rep, fmt.Errorf("snapshot: load archive %s@%d: %w", key, end.Unix(), err)
	}
	rep.ArchivedHash = archived.ContentHash
	if err := CheckIntegrity(archived); err != nil {
		return rep, fmt.Errorf("snapshot: archived copy: %w", err)
	}
	if archived.ContentHash != snap.ContentHash {
		v.logger.ErrorContext(ctx, "archived snapshot differs from stored snapshot",
			slog.String("window", string(key)),
			slog.String("stored", snap.ContentHash),
			slog.String("archived", archived.ContentHash),
		)
		return rep, fmt.Errorf("snapshot: %w: archive hash %s != stored %s", domain.ErrIntegrity, archived.ContentHash, snap.ContentHash)
	}
	return rep, nil
}

// CheckIntegrity recomputes the content hash of snap and compares it with
// the recorded one. Ranks must also be the contiguous sequence 1..n.
func CheckIntegrity(snap domain.Snapshot) error {
	for i, e := range snap.Entries {
		if e.Rank != i+1 {
			return fmt.Errorf("snapshot: %w: entry %d has rank %d", domain.ErrIntegrity, i, e.Rank)
		}
	}
	if got := ContentHash(snap.Entries); got != snap.ContentHash {
		return fmt.Errorf("snapshot: %w: recomputed %s != stored %s", domain.ErrIntegrity, got, snap.ContentHash)
	}
	return nil
}
