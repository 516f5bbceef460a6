package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/kolboard/internal/domain"
)

// MarketStore implements domain.MarketStore.
type MarketStore struct{ db *sql.DB }

var _ domain.MarketStore = (*MarketStore)(nil)

const marketSelect = `SELECT id, title, window_key, window_end, kind, subject_wallet,
	top_n, profit_threshold, payout_per_share, status, outcome, created_at FROM markets `

// Create inserts a new open market.
func (s *MarketStore) Create(ctx context.Context, m domain.Market) error {
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO markets (id, title, window_key, window_end, kind, subject_wallet,
			top_n, profit_threshold, payout_per_share, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'open', ?)`,
		m.ID, m.Title, string(m.WindowKey), toNanos(m.WindowEnd), string(m.Kind),
		domain.NormalizeAccount(m.SubjectWallet), m.TopN, m.ProfitThreshold, m.PayoutPerShare, toNanos(created),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("sqlite: create market %s: %w", m.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("sqlite: create market %s: %w", m.ID, err)
	}
	return nil
}

// Get returns the market with id or domain.ErrNotFound.
func (s *MarketStore) Get(ctx context.Context, id string) (domain.Market, error) {
	m, err := scanMarket(s.db.QueryRowContext(ctx, marketSelect+`WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Market{}, fmt.Errorf("sqlite: market %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Market{}, fmt.Errorf("sqlite: get market %s: %w", id, err)
	}
	return m, nil
}

// ListDue pages through open markets whose window has closed by now, ordered
// by id and starting after afterID.
func (s *MarketStore) ListDue(ctx context.Context, now time.Time, afterID string, limit int) ([]domain.Market, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		marketSelect+`WHERE status = 'open' AND window_end <= ? AND id > ? ORDER BY id LIMIT ?`,
		toNanos(now), afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list due markets: %w", err)
	}
	defer rows.Close()

	var out []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan market: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AddPosition credits shares to a holder's side of an open market.
func (s *MarketStore) AddPosition(ctx context.Context, p domain.Position) error {
	if p.Shares <= 0 {
		return fmt.Errorf("sqlite: add position: %w: shares must be positive", domain.ErrInvalidInput)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (market_id, holder, side, shares)
		SELECT ?1, ?2, ?3, ?4
		WHERE EXISTS (SELECT 1 FROM markets WHERE id = ?1 AND status = 'open')
		ON CONFLICT (market_id, holder, side) DO UPDATE SET shares = shares + excluded.shares`,
		p.MarketID, domain.NormalizeAccount(p.Holder), string(p.Side), p.Shares,
	)
	if err != nil {
		return fmt.Errorf("sqlite: add position: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: add position to %s: %w: market not open", p.MarketID, domain.ErrConflict)
	}
	return nil
}

// Positions returns every non-empty position in a market.
func (s *MarketStore) Positions(ctx context.Context, marketID string) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT market_id, holder, side, shares FROM positions WHERE market_id = ? AND shares > 0 ORDER BY holder, side`,
		marketID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var p domain.Position
		var side string
		if err := rows.Scan(&p.MarketID, &p.Holder, &side, &p.Shares); err != nil {
			return nil, fmt.Errorf("sqlite: scan position: %w", err)
		}
		p.Side = domain.Outcome(side)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ApplySettlement records st and settles the market in one transaction. An
// existing settlement wins and is returned with applied=false.
func (s *MarketStore) ApplySettlement(ctx context.Context, st domain.Settlement) (domain.Settlement, bool, error) {
	var (
		out     domain.Settlement
		applied bool
	)
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM markets WHERE id = ?`, st.MarketID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sqlite: apply settlement: market %s: %w", st.MarketID, domain.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("sqlite: apply settlement: %w", err)
		}

		existing, err := getSettlement(ctx, tx, st.MarketID)
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		var used int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM settlements WHERE nonce = ?`, st.Nonce).Scan(&used); err != nil {
			return fmt.Errorf("sqlite: apply settlement: %w", err)
		}
		if used > 0 {
			return fmt.Errorf("sqlite: settlement nonce %s already used: %w", st.Nonce, domain.ErrConflict)
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO settlements (market_id, nonce, outcome, snapshot_hash, settled_at) VALUES (?, ?, ?, ?, ?)`,
			st.MarketID, st.Nonce, string(st.Outcome), st.SnapshotHash, toNanos(now),
		); err != nil {
			return fmt.Errorf("sqlite: insert settlement: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE markets SET status = 'settled', outcome = ? WHERE id = ?`, string(st.Outcome), st.MarketID,
		); err != nil {
			return fmt.Errorf("sqlite: settle market: %w", err)
		}
		out = st
		out.SettledAt = fromNanos(toNanos(now))
		applied = true
		return nil
	})
	if err != nil {
		return domain.Settlement{}, false, err
	}
	return out, applied, nil
}

// GetSettlement returns the recorded settlement of a market.
func (s *MarketStore) GetSettlement(ctx context.Context, marketID string) (domain.Settlement, error) {
	return getSettlement(ctx, s.db, marketID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getSettlement(ctx context.Context, q queryRower, marketID string) (domain.Settlement, error) {
	var (
		st      domain.Settlement
		outcome string
		at      int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT market_id, nonce, outcome, snapshot_hash, settled_at FROM settlements WHERE market_id = ?`, marketID,
	).Scan(&st.MarketID, &st.Nonce, &outcome, &st.SnapshotHash, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Settlement{}, fmt.Errorf("sqlite: settlement %s: %w", marketID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("sqlite: get settlement: %w", err)
	}
	st.Outcome = domain.Outcome(outcome)
	st.SettledAt = fromNanos(at)
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMarket(row rowScanner) (domain.Market, error) {
	var (
		m                    domain.Market
		key, kind, status    string
		outcome              sql.NullString
		windowEnd, createdAt int64
	)
	err := row.Scan(&m.ID, &m.Title, &key, &windowEnd, &kind, &m.SubjectWallet,
		&m.TopN, &m.ProfitThreshold, &m.PayoutPerShare, &status, &outcome, &createdAt)
	if err != nil {
		return domain.Market{}, err
	}
	m.WindowKey = domain.WindowKey(key)
	m.WindowEnd = fromNanos(windowEnd)
	m.CreatedAt = fromNanos(createdAt)
	m.Kind = domain.MarketKind(kind)
	m.Status = domain.MarketStatus(status)
	if outcome.Valid {
		o := domain.Outcome(outcome.String)
		m.Outcome = &o
	}
	return m, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
