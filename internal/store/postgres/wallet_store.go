package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/kolboard/internal/domain"
)

// WalletStore implements domain.WalletStore using PostgreSQL.
type WalletStore struct {
	pool *pgxpool.Pool
}

var _ domain.WalletStore = (*WalletStore)(nil)

// NewWalletStore creates a new WalletStore backed by the given connection pool.
func NewWalletStore(pool *pgxpool.Pool) *WalletStore {
	return &WalletStore{pool: pool}
}

const walletColumns = `id, label, tracked_since, removed_at`

// Upsert adds a wallet to the cohort or updates its label. Re-adding a removed
// wallet clears its removal time but keeps the original tracked_since.
func (s *WalletStore) Upsert(ctx context.Context, w domain.TrackedWallet) error {
	const query = `
		INSERT INTO tracked_wallets (id, label, tracked_since, removed_at)
		VALUES ($1, $2, $3, NULL)
		ON CONFLICT (id) DO UPDATE SET
			label      = EXCLUDED.label,
			removed_at = NULL`

	id := domain.NormalizeAccount(w.ID)
	if _, err := s.pool.Exec(ctx, query, id, w.Label, w.TrackedSince.UTC()); err != nil {
		return fmt.Errorf("postgres: upsert wallet %s: %w", id, err)
	}
	return nil
}

// Remove marks a wallet as no longer tracked from at onwards.
func (s *WalletStore) Remove(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE tracked_wallets SET removed_at = $2 WHERE id = $1 AND removed_at IS NULL`

	tag, err := s.pool.Exec(ctx, query, domain.NormalizeAccount(id), at.UTC())
	if err != nil {
		return fmt.Errorf("postgres: remove wallet %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: remove wallet %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// Get returns a single wallet by id.
func (s *WalletStore) Get(ctx context.Context, id string) (domain.TrackedWallet, error) {
	query := `SELECT ` + walletColumns + ` FROM tracked_wallets WHERE id = $1`
	w, err := scanWallet(s.pool.QueryRow(ctx, query, domain.NormalizeAccount(id)))
	if err != nil {
		return domain.TrackedWallet{}, mapError("get wallet "+id, err)
	}
	return w, nil
}

// List returns every wallet ever tracked, including removed ones.
func (s *WalletStore) List(ctx context.Context) ([]domain.TrackedWallet, error) {
	return s.query(ctx, `SELECT `+walletColumns+` FROM tracked_wallets ORDER BY id`)
}

// ListActiveAt returns the wallets tracked at the given instant.
func (s *WalletStore) ListActiveAt(ctx context.Context, at time.Time) ([]domain.TrackedWallet, error) {
	return s.query(ctx, `
		SELECT `+walletColumns+` FROM tracked_wallets
		WHERE tracked_since <= $1 AND (removed_at IS NULL OR removed_at > $1)
		ORDER BY id`, at.UTC())
}

func (s *WalletStore) query(ctx context.Context, query string, args ...any) ([]domain.TrackedWallet, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list wallets: %w", err)
	}
	defer rows.Close()

	var wallets []domain.TrackedWallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan wallet: %w", err)
		}
		wallets = append(wallets, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list wallets rows: %w", err)
	}
	return wallets, nil
}

func scanWallet(row pgx.Row) (domain.TrackedWallet, error) {
	var w domain.TrackedWallet
	if err := row.Scan(&w.ID, &w.Label, &w.TrackedSince, &w.RemovedAt); err != nil {
		return domain.TrackedWallet{}, err
	}
	w.TrackedSince = w.TrackedSince.UTC()
	return w, nil
}
