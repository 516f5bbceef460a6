package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/kolboard/internal/domain"
)

// WalletStore implements domain.WalletStore.
type WalletStore struct{ db *sql.DB }

var _ domain.WalletStore = (*WalletStore)(nil)

// Upsert tracks w, restoring it if it was removed.
func (s *WalletStore) Upsert(ctx context.Context, w domain.TrackedWallet) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tracked_wallets (id, label, tracked_since, removed_at) VALUES (?, ?, ?, NULL)
		ON CONFLICT (id) DO UPDATE SET label = excluded.label, removed_at = NULL`,
		domain.NormalizeAccount(w.ID), w.Label, toNanos(w.TrackedSince),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert wallet %s: %w", w.ID, err)
	}
	return nil
}

// Remove stops tracking id as of at.
func (s *WalletStore) Remove(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tracked_wallets SET removed_at = ? WHERE id = ? AND removed_at IS NULL`,
		toNanos(at), domain.NormalizeAccount(id),
	)
	if err != nil {
		return fmt.Errorf("sqlite: remove wallet %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: remove wallet %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// Get returns the tracked wallet with id or domain.ErrNotFound.
func (s *WalletStore) Get(ctx context.Context, id string) (domain.TrackedWallet, error) {
	rows, err := s.query(ctx, `WHERE id = ?`, domain.NormalizeAccount(id))
	if err != nil {
		return domain.TrackedWallet{}, err
	}
	if len(rows) == 0 {
		return domain.TrackedWallet{}, fmt.Errorf("sqlite: wallet %s: %w", id, domain.ErrNotFound)
	}
	return rows[0], nil
}

// List returns every wallet ever tracked, removed ones included.
func (s *WalletStore) List(ctx context.Context) ([]domain.TrackedWallet, error) {
	return s.query(ctx, ``)
}

// ListActiveAt returns the wallets that were tracked at the instant at.
func (s *WalletStore) ListActiveAt(ctx context.Context, at time.Time) ([]domain.TrackedWallet, error) {
	n := toNanos(at)
	return s.query(ctx, `WHERE tracked_since <= ? AND (removed_at IS NULL OR removed_at > ?)`, n, n)
}

func (s *WalletStore) query(ctx context.Context, where string, args ...any) ([]domain.TrackedWallet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, label, tracked_since, removed_at FROM tracked_wallets `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list wallets: %w", err)
	}
	defer rows.Close()

	var out []domain.TrackedWallet
	for rows.Next() {
		var (
			w       domain.TrackedWallet
			since   int64
			removed sql.NullInt64
		)
		if err := rows.Scan(&w.ID, &w.Label, &since, &removed); err != nil {
			return nil, fmt.Errorf("sqlite: scan wallet: %w", err)
		}
		w.TrackedSince = fromNanos(since)
		w.RemovedAt = nullNanos(removed)
		out = append(out, w)
	}
	return out, rows.Err()
}

// EventStore implements domain.EventStore.
type EventStore struct{ db *sql.DB }

var _ domain.EventStore = (*EventStore)(nil)

// Upsert stores ev and links it to wallets. It reports whether ev was new.
func (s *EventStore) Upsert(ctx context.Context, ev domain.TransactionEvent, wallets []string) (bool, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("sqlite: marshal event %s: %w", ev.Signature, err)
	}
	at := toNanos(ev.Time())

	var inserted bool
	err = inTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO events (signature, block_time, payload) VALUES (?, ?, ?) ON CONFLICT (signature) DO NOTHING`,
			ev.Signature, at, string(payload),
		)
		if err != nil {
			return fmt.Errorf("sqlite: insert event %s: %w", ev.Signature, err)
		}
		n, _ := res.RowsAffected()
		inserted = n == 1
		for _, w := range wallets {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO event_wallets (signature, wallet, block_time) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
				ev.Signature, domain.NormalizeAccount(w), at,
			); err != nil {
				return fmt.Errorf("sqlite: link event %s: %w", ev.Signature, err)
			}
		}
		return nil
	})
	return inserted, err
}

// Has reports whether an event with signature is stored.
func (s *EventStore) Has(ctx context.Context, signature string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM events WHERE signature = ?`, signature).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlite: check event %s: %w", signature, err)
	}
	return n > 0, nil
}

// ListForWallet returns wallet's events in [from, to), oldest first.
func (s *EventStore) ListForWallet(ctx context.Context, wallet string, from, to time.Time) ([]domain.TransactionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.payload FROM event_wallets ew
		JOIN events e ON e.signature = ew.signature
		WHERE ew.wallet = ? AND ew.block_time >= ? AND ew.block_time < ?
		ORDER BY ew.block_time, ew.signature`,
		domain.NormalizeAccount(wallet), toNanos(from), toNanos(to),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list events for %s: %w", wallet, err)
	}
	defer rows.Close()

	var out []domain.TransactionEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("sqlite: scan event: %w", err)
		}
		var ev domain.TransactionEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SnapshotStore implements domain.SnapshotStore.
type SnapshotStore struct{ db *sql.DB }

var _ domain.SnapshotStore = (*SnapshotStore)(nil)

// CreateIfAbsent stores snap unless its window already has one, and returns
// the stored snapshot with whether it was created.
func (s *SnapshotStore) CreateIfAbsent(ctx context.Context, snap domain.Snapshot) (domain.Snapshot, bool, error) {
	entries, err := json.Marshal(snap.Entries)
	if err != nil {
		return domain.Snapshot{}, false, fmt.Errorf("sqlite: marshal snapshot entries: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (window_key, window_end, created_at, content_hash, ref_price, entries)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (window_key, window_end) DO NOTHING`,
		string(snap.WindowKey), toNanos(snap.WindowEnd), toNanos(snap.CreatedAt),
		snap.ContentHash, snap.RefPrice.String(), string(entries),
	)
	if err != nil {
		return domain.Snapshot{}, false, fmt.Errorf("sqlite: insert snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return snap, true, nil
	}
	stored, err := s.Get(ctx, snap.WindowKey, snap.WindowEnd)
	return stored, false, err
}

// Get returns the snapshot of key ending at end.
func (s *SnapshotStore) Get(ctx context.Context, key domain.WindowKey, end time.Time) (domain.Snapshot, error) {
	return s.one(ctx, `WHERE window_key = ? AND window_end = ?`, string(key), toNanos(end))
}

// Latest returns the most recent snapshot of key.
func (s *SnapshotStore) Latest(ctx context.Context, key domain.WindowKey) (domain.Snapshot, error) {
	return s.one(ctx, `WHERE window_key = ? ORDER BY window_end DESC LIMIT 1`, string(key))
}

func (s *SnapshotStore) one(ctx context.Context, tail string, args ...any) (domain.Snapshot, error) {
	var (
		snap             domain.Snapshot
		key, price, body string
		end, created     int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT window_key, window_end, created_at, content_hash, ref_price, entries FROM snapshots `+tail, args...,
	).Scan(&key, &end, &created, &snap.ContentHash, &price, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Snapshot{}, fmt.Errorf("sqlite: snapshot: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("sqlite: get snapshot: %w", err)
	}
	snap.WindowKey = domain.WindowKey(key)
	snap.WindowEnd = fromNanos(end)
	snap.CreatedAt = fromNanos(created)
	if snap.RefPrice, err = decimal.NewFromString(price); err != nil {
		return domain.Snapshot{}, fmt.Errorf("sqlite: parse ref price: %w", err)
	}
	if err := json.Unmarshal([]byte(body), &snap.Entries); err != nil {
		return domain.Snapshot{}, fmt.Errorf("sqlite: unmarshal entries: %w", err)
	}
	return snap, nil
}
