package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/kolboard/internal/domain"
)

// AccountStore implements the escrow balance half of domain.AccountStore.
// The order book lives only in PostgreSQL.
type AccountStore struct{ db *sql.DB }

var _ domain.AccountStore = (*AccountStore)(nil)

func (s *AccountStore) ConsumeNonce(ctx context.Context, wallet, nonce string) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO action_nonces (wallet, nonce, used_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		domain.NormalizeAccount(wallet), nonce, toNanos(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("sqlite: consume nonce: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: nonce %s for %s: %w", nonce, wallet, domain.ErrConflict)
	}
	return nil
}

func (s *AccountStore) CreditDeposit(ctx context.Context, d domain.Deposit) (bool, error) {
	if d.Amount <= 0 {
		return false, fmt.Errorf("sqlite: credit deposit: %w: amount must be positive", domain.ErrInvalidInput)
	}
	wallet := domain.NormalizeAccount(d.Wallet)
	credited := false
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		now := toNanos(time.Now())
		res, err := tx.ExecContext(ctx,
			`INSERT INTO deposits (tx_hash, wallet, amount, credited_at) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`,
			d.TxHash, wallet, d.Amount, now,
		)
		if err != nil {
			return fmt.Errorf("sqlite: insert deposit: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO balances (wallet, available, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (wallet) DO UPDATE SET available = available + excluded.available, updated_at = excluded.updated_at`,
			wallet, d.Amount, now,
		); err != nil {
			return fmt.Errorf("sqlite: credit balance: %w", err)
		}
		credited = true
		return nil
	})
	return credited, err
}

func (s *AccountStore) RequestWithdrawal(ctx context.Context, req domain.PayoutRequest) error {
	if req.Amount <= 0 {
		return fmt.Errorf("sqlite: request withdrawal: %w: amount must be positive", domain.ErrInvalidInput)
	}
	wallet := domain.NormalizeAccount(req.Wallet)
	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		now := toNanos(time.Now())
		res, err := tx.ExecContext(ctx,
			`UPDATE balances SET available = available - ?, updated_at = ? WHERE wallet = ? AND available >= ?`,
			req.Amount, now, wallet, req.Amount,
		)
		if err != nil {
			return fmt.Errorf("sqlite: debit balance: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("sqlite: request withdrawal for %s: %w", wallet, domain.ErrInsufficientFund)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO payouts (id, kind, wallet, destination, amount, state, created_at, updated_at)
			VALUES (?, 'withdrawal', ?, ?, ?, 'unclaimed', ?, ?)`,
			req.ID, wallet, domain.NormalizeAccount(req.Destination), req.Amount, now, now,
		); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("sqlite: request withdrawal %s: %w", req.ID, domain.ErrAlreadyExists)
			}
			return fmt.Errorf("sqlite: insert withdrawal: %w", err)
		}
		return nil
	})
}

func (s *AccountStore) Balance(ctx context.Context, wallet string) (domain.Balance, error) {
	wallet = domain.NormalizeAccount(wallet)
	b := domain.Balance{Wallet: wallet}
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT available, updated_at FROM balances WHERE wallet = ?`, wallet,
	).Scan(&b.Available, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return domain.Balance{}, fmt.Errorf("sqlite: balance for %s: %w", wallet, err)
	}
	b.UpdatedAt = fromNanos(updated)
	return b, nil
}

func (s *AccountStore) PlaceOrder(context.Context, domain.OrderRequest) (domain.OrderResult, error) {
	return domain.OrderResult{}, fmt.Errorf("sqlite: place order: %w", domain.ErrUnsupported)
}

func (s *AccountStore) CancelOrder(context.Context, string, string) error {
	return fmt.Errorf("sqlite: cancel order: %w", domain.ErrUnsupported)
}

// AuditStore implements domain.AuditStore.
type AuditStore struct{ db *sql.DB }

var _ domain.AuditStore = (*AuditStore)(nil)

func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	body, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("sqlite: marshal audit detail: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (event, detail, created_at) VALUES (?, ?, ?)`,
		event, string(body), toNanos(time.Now()),
	); err != nil {
		return fmt.Errorf("sqlite: log audit event %s: %w", event, err)
	}
	return nil
}

func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query := `SELECT id, event, detail, created_at FROM audit_log WHERE 1=1`
	var args []any
	if opts.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, toNanos(*opts.Since))
	}
	if opts.Until != nil {
		query += ` AND created_at <= ?`
		args = append(args, toNanos(*opts.Until))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var (
			e       domain.AuditEntry
			detail  sql.NullString
			created int64
		)
		if err := rows.Scan(&e.ID, &e.Event, &detail, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit entry: %w", err)
		}
		if detail.Valid && detail.String != "" {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("sqlite: unmarshal audit detail: %w", err)
			}
		}
		e.CreatedAt = fromNanos(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// FeatureConfigStore implements domain.FeatureConfigStore.
type FeatureConfigStore struct{ db *sql.DB }

var _ domain.FeatureConfigStore = (*FeatureConfigStore)(nil)

func (s *FeatureConfigStore) Get(ctx context.Context, name string) (domain.FeatureConfig, error) {
	cfgs, err := s.query(ctx, `WHERE name = ?`, name)
	if err != nil {
		return domain.FeatureConfig{}, err
	}
	if len(cfgs) == 0 {
		return domain.FeatureConfig{}, fmt.Errorf("sqlite: feature config %s: %w", name, domain.ErrNotFound)
	}
	return cfgs[0], nil
}

func (s *FeatureConfigStore) Upsert(ctx context.Context, cfg domain.FeatureConfig) error {
	body, err := json.Marshal(cfg.Config)
	if err != nil {
		return fmt.Errorf("sqlite: marshal feature config %s: %w", cfg.Name, err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO feature_configs (name, config_json, enabled, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			config_json = excluded.config_json,
			enabled     = excluded.enabled,
			updated_at  = excluded.updated_at`,
		cfg.Name, string(body), cfg.Enabled, toNanos(time.Now()),
	); err != nil {
		return fmt.Errorf("sqlite: upsert feature config %s: %w", cfg.Name, err)
	}
	return nil
}

func (s *FeatureConfigStore) List(ctx context.Context) ([]domain.FeatureConfig, error) {
	return s.query(ctx, ``)
}

func (s *FeatureConfigStore) query(ctx context.Context, where string, args ...any) ([]domain.FeatureConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, config_json, enabled, updated_at FROM feature_configs `+where+` ORDER BY name`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list feature configs: %w", err)
	}
	defer rows.Close()

	var out []domain.FeatureConfig
	for rows.Next() {
		var (
			cfg     domain.FeatureConfig
			body    string
			updated int64
		)
		if err := rows.Scan(&cfg.Name, &body, &cfg.Enabled, &updated); err != nil {
			return nil, fmt.Errorf("sqlite: scan feature config: %w", err)
		}
		if err := json.Unmarshal([]byte(body), &cfg.Config); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal feature config %s: %w", cfg.Name, err)
		}
		cfg.UpdatedAt = fromNanos(updated)
		out = append(out, cfg)
	}
	return out, rows.Err()
}
