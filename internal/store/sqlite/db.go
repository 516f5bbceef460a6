// Package sqlite implements the domain stores on an embedded SQLite database
// (modernc.org/sqlite, no cgo). It backs local single-process runs and tests.
// Multi-row operations run in transactions on a single connection; the order
// book is not available and reports domain.ErrUnsupported.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alanyoungcy/kolboard/internal/domain"
)

// DB wraps the SQLite handle shared by every store in this package.
type DB struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema. ":memory:"
// opens a private in-memory database.
func Open(ctx context.Context, path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{`PRAGMA foreign_keys=ON`, `PRAGMA busy_timeout=5000`}
	if path != ":memory:" {
		pragmas = append(pragmas, `PRAGMA journal_mode=WAL`)
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}

	d := &DB{db: db}
	if err := d.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks the database is reachable.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Stores returns every domain store backed by this database.
func (d *DB) Stores() domain.Stores {
	return domain.Stores{
		Wallets:   &WalletStore{db: d.db},
		Events:    &EventStore{db: d.db},
		Snapshots: &SnapshotStore{db: d.db},
		Markets:   &MarketStore{db: d.db},
		Payouts:   &PayoutStore{db: d.db},
		Accounts:  &AccountStore{db: d.db},
		Audit:     &AuditStore{db: d.db},
		Features:  &FeatureConfigStore{db: d.db},
	}
}

func (d *DB) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: apply schema: %w", err)
		}
	}
	return nil
}

// Timestamps are stored as INTEGER unix nanoseconds.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func inTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tracked_wallets (
		id            TEXT PRIMARY KEY,
		label         TEXT NOT NULL DEFAULT '',
		tracked_since INTEGER NOT NULL,
		removed_at    INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		signature  TEXT PRIMARY KEY,
		block_time INTEGER NOT NULL,
		payload    TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS event_wallets (
		signature  TEXT NOT NULL REFERENCES events(signature),
		wallet     TEXT NOT NULL,
		block_time INTEGER NOT NULL,
		PRIMARY KEY (signature, wallet)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_event_wallets_wallet_time ON event_wallets(wallet, block_time)`,
	`CREATE TABLE IF NOT EXISTS snapshots (
		window_key   TEXT NOT NULL,
		window_end   INTEGER NOT NULL,
		created_at   INTEGER NOT NULL,
		content_hash TEXT NOT NULL,
		ref_price    TEXT NOT NULL,
		entries      TEXT NOT NULL,
		PRIMARY KEY (window_key, window_end)
	)`,
	`CREATE TABLE IF NOT EXISTS markets (
		id               TEXT PRIMARY KEY,
		title            TEXT NOT NULL DEFAULT '',
		window_key       TEXT NOT NULL,
		window_end       INTEGER NOT NULL,
		kind             TEXT NOT NULL,
		subject_wallet   TEXT NOT NULL,
		top_n            INTEGER NOT NULL DEFAULT 0,
		profit_threshold INTEGER NOT NULL DEFAULT 0,
		payout_per_share INTEGER NOT NULL CHECK (payout_per_share > 0),
		status           TEXT NOT NULL DEFAULT 'open',
		outcome          TEXT,
		created_at       INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS positions (
		market_id TEXT NOT NULL REFERENCES markets(id),
		holder    TEXT NOT NULL,
		side      TEXT NOT NULL,
		shares    INTEGER NOT NULL CHECK (shares >= 0),
		PRIMARY KEY (market_id, holder, side)
	)`,
	`CREATE TABLE IF NOT EXISTS settlements (
		market_id     TEXT PRIMARY KEY REFERENCES markets(id),
		nonce         TEXT NOT NULL UNIQUE,
		outcome       TEXT NOT NULL,
		snapshot_hash TEXT NOT NULL,
		settled_at    INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS payouts (
		id               TEXT PRIMARY KEY,
		kind             TEXT NOT NULL,
		market_id        TEXT,
		wallet           TEXT NOT NULL,
		destination      TEXT NOT NULL,
		amount           INTEGER NOT NULL CHECK (amount > 0),
		state            TEXT NOT NULL DEFAULT 'unclaimed',
		processing_token TEXT,
		tx_hash          TEXT,
		funder           TEXT,
		tx_nonce         INTEGER,
		error            TEXT,
		attempts         INTEGER NOT NULL DEFAULT 0,
		created_at       INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payouts_market ON payouts(market_id)`,
	`CREATE TABLE IF NOT EXISTS action_nonces (
		wallet  TEXT NOT NULL,
		nonce   TEXT NOT NULL,
		used_at INTEGER NOT NULL,
		PRIMARY KEY (wallet, nonce)
	)`,
	`CREATE TABLE IF NOT EXISTS deposits (
		tx_hash     TEXT PRIMARY KEY,
		wallet      TEXT NOT NULL,
		amount      INTEGER NOT NULL CHECK (amount > 0),
		credited_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS balances (
		wallet     TEXT PRIMARY KEY,
		available  INTEGER NOT NULL DEFAULT 0 CHECK (available >= 0),
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		event      TEXT NOT NULL,
		detail     TEXT,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS feature_configs (
		name        TEXT PRIMARY KEY,
		config_json TEXT NOT NULL DEFAULT '{}',
		enabled     INTEGER NOT NULL DEFAULT 1,
		updated_at  INTEGER NOT NULL
	)`,
}
