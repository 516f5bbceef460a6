package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/kolboard/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

var _ domain.MarketStore = (*MarketStore)(nil)

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketColumns = `id, title, window_key, window_end, kind, subject_wallet,
	top_n, profit_threshold, payout_per_share, status, outcome, created_at`

// Create inserts a new open market.
func (s *MarketStore) Create(ctx context.Context, m domain.Market) error {
	const query = `
		INSERT INTO markets (
			id, title, window_key, window_end, kind, subject_wallet,
			top_n, profit_threshold, payout_per_share, status, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, 'open', $10
		)`

	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.pool.Exec(ctx, query,
		m.ID, m.Title, string(m.WindowKey), m.WindowEnd.UTC(), string(m.Kind),
		domain.NormalizeAccount(m.SubjectWallet),
		m.TopN, m.ProfitThreshold, m.PayoutPerShare, created.UTC(),
	)
	return mapError("create market "+m.ID, err)
}

// Get retrieves a single market by ID.
func (s *MarketStore) Get(ctx context.Context, id string) (domain.Market, error) {
	query := `SELECT ` + marketColumns + ` FROM markets WHERE id = $1`
	m, err := scanMarket(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return domain.Market{}, mapError("get market "+id, err)
	}
	return m, nil
}

// ListDue pages through open markets whose window has closed by now, ordered
// by id and starting after afterID.
func (s *MarketStore) ListDue(ctx context.Context, now time.Time, afterID string, limit int) ([]domain.Market, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + marketColumns + ` FROM markets
		WHERE status = 'open' AND window_end <= $1 AND id > $2
		ORDER BY id
		LIMIT $3`

	rows, err := s.pool.Query(ctx, query, now.UTC(), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list due markets: %w", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list due markets rows: %w", err)
	}
	return markets, nil
}

// AddPosition credits shares to a holder's side of an open market.
func (s *MarketStore) AddPosition(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (market_id, holder, side, shares)
		SELECT $1, $2, $3, $4
		WHERE EXISTS (SELECT 1 FROM markets WHERE id = $1 AND status = 'open')
		ON CONFLICT (market_id, holder, side) DO UPDATE SET
			shares = positions.shares + EXCLUDED.shares`

	if p.Shares <= 0 {
		return fmt.Errorf("postgres: add position: %w: shares must be positive", domain.ErrInvalidInput)
	}
	tag, err := s.pool.Exec(ctx, query, p.MarketID, domain.NormalizeAccount(p.Holder), string(p.Side), p.Shares)
	if err != nil {
		return mapError("add position", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: add position to %s: %w: market not open", p.MarketID, domain.ErrConflict)
	}
	return nil
}

// Positions returns every non-empty position in a market.
func (s *MarketStore) Positions(ctx context.Context, marketID string) ([]domain.Position, error) {
	const query = `
		SELECT market_id, holder, side, shares FROM positions
		WHERE market_id = $1 AND shares > 0
		ORDER BY holder, side`

	rows, err := s.pool.Query(ctx, query, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions for %s: %w", marketID, err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var p domain.Position
		var side string
		if err := rows.Scan(&p.MarketID, &p.Holder, &side, &p.Shares); err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		p.Side = domain.Outcome(side)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list positions rows: %w", err)
	}
	return out, nil
}

// ApplySettlement calls apply_settlement, which locks the market row, records
// the settlement and flips the market to settled in one transaction.
func (s *MarketStore) ApplySettlement(ctx context.Context, st domain.Settlement) (domain.Settlement, bool, error) {
	const query = `SELECT s_market_id, s_nonce, s_outcome, s_snapshot_hash, s_settled_at, s_applied
		FROM apply_settlement($1, $2, $3, $4)`

	var (
		out     domain.Settlement
		outcome string
		applied bool
	)
	err := s.pool.QueryRow(ctx, query, st.MarketID, st.Nonce, string(st.Outcome), st.SnapshotHash).
		Scan(&out.MarketID, &out.Nonce, &outcome, &out.SnapshotHash, &out.SettledAt, &applied)
	if err != nil {
		return domain.Settlement{}, false, mapError("apply settlement "+st.MarketID, err)
	}
	out.Outcome = domain.Outcome(outcome)
	out.SettledAt = out.SettledAt.UTC()
	return out, applied, nil
}

// GetSettlement returns the recorded settlement of a market.
func (s *MarketStore) GetSettlement(ctx context.Context, marketID string) (domain.Settlement, error) {
	const query = `SELECT market_id, nonce, outcome, snapshot_hash, settled_at FROM settlements WHERE market_id = $1`

	var out domain.Settlement
	var outcome string
	err := s.pool.QueryRow(ctx, query, marketID).
		Scan(&out.MarketID, &out.Nonce, &outcome, &out.SnapshotHash, &out.SettledAt)
	if err != nil {
		return domain.Settlement{}, mapError("get settlement "+marketID, err)
	}
	out.Outcome = domain.Outcome(outcome)
	out.SettledAt = out.SettledAt.UTC()
	return out, nil
}

func scanMarket(row pgx.Row) (domain.Market, error) {
	var (
		m       domain.Market
		key     string
		kind    string
		status  string
		outcome *string
	)
	err := row.Scan(
		&m.ID, &m.Title, &key, &m.WindowEnd, &kind, &m.SubjectWallet,
		&m.TopN, &m.ProfitThreshold, &m.PayoutPerShare, &status, &outcome, &m.CreatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.WindowKey = domain.WindowKey(key)
	m.WindowEnd = m.WindowEnd.UTC()
	m.CreatedAt = m.CreatedAt.UTC()
	m.Kind = domain.MarketKind(kind)
	m.Status = domain.MarketStatus(status)
	if outcome != nil {
		o := domain.Outcome(*outcome)
		m.Outcome = &o
	}
	return m, nil
}
