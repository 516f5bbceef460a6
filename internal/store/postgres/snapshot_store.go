package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/kolboard/internal/domain"
)

// SnapshotStore implements domain.SnapshotStore using PostgreSQL. Rows are
// insert-only; (window_key, window_end) is the primary key.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

var _ domain.SnapshotStore = (*SnapshotStore)(nil)

// NewSnapshotStore creates a new SnapshotStore backed by the given connection pool.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

const snapshotColumns = `window_key, window_end, created_at, content_hash, ref_price, entries`

// CreateIfAbsent inserts snap unless its window already has a snapshot, in
// which case the existing row is returned.
func (s *SnapshotStore) CreateIfAbsent(ctx context.Context, snap domain.Snapshot) (domain.Snapshot, bool, error) {
	entries, err := json.Marshal(snap.Entries)
	if err != nil {
		return domain.Snapshot{}, false, fmt.Errorf("postgres: marshal snapshot entries: %w", err)
	}

	const query = `
		INSERT INTO snapshots (` + snapshotColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (window_key, window_end) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		string(snap.WindowKey), snap.WindowEnd.UTC(), snap.CreatedAt.UTC(),
		snap.ContentHash, snap.RefPrice.String(), entries,
	)
	if err != nil {
		return domain.Snapshot{}, false, fmt.Errorf("postgres: insert snapshot %s: %w", snap.WindowKey, err)
	}
	if tag.RowsAffected() == 1 {
		return snap, true, nil
	}
	stored, err := s.Get(ctx, snap.WindowKey, snap.WindowEnd)
	if err != nil {
		return domain.Snapshot{}, false, err
	}
	return stored, false, nil
}

// Get returns the snapshot for key ending at end.
func (s *SnapshotStore) Get(ctx context.Context, key domain.WindowKey, end time.Time) (domain.Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM snapshots WHERE window_key = $1 AND window_end = $2`
	snap, err := scanSnapshot(s.pool.QueryRow(ctx, query, string(key), end.UTC()))
	if err != nil {
		return domain.Snapshot{}, mapError(fmt.Sprintf("get snapshot %s@%d", key, end.Unix()), err)
	}
	return snap, nil
}

// Latest returns the most recent snapshot for key.
func (s *SnapshotStore) Latest(ctx context.Context, key domain.WindowKey) (domain.Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM snapshots WHERE window_key = $1 ORDER BY window_end DESC LIMIT 1`
	snap, err := scanSnapshot(s.pool.QueryRow(ctx, query, string(key)))
	if err != nil {
		return domain.Snapshot{}, mapError("latest snapshot "+string(key), err)
	}
	return snap, nil
}

func scanSnapshot(row pgx.Row) (domain.Snapshot, error) {
	var (
		snap     domain.Snapshot
		key      string
		refPrice string
		entries  []byte
	)
	if err := row.Scan(&key, &snap.WindowEnd, &snap.CreatedAt, &snap.ContentHash, &refPrice, &entries); err != nil {
		return domain.Snapshot{}, err
	}
	snap.WindowKey = domain.WindowKey(key)
	snap.WindowEnd = snap.WindowEnd.UTC()
	snap.CreatedAt = snap.CreatedAt.UTC()

	price, err := decimal.NewFromString(refPrice)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("parse ref price %q: %w", refPrice, err)
	}
	snap.RefPrice = price
	if err := json.Unmarshal(entries, &snap.Entries); err != nil {
		return domain.Snapshot{}, fmt.Errorf("unmarshal entries: %w", err)
	}
	return snap, nil
}
