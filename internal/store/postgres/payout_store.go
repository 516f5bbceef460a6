package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/kolboard/internal/domain"
)

// PayoutStore implements domain.PayoutStore using PostgreSQL. Every state
// transition is a single conditional UPDATE; zero affected rows means another
// worker got there first and is reported as domain.ErrConflict.
type PayoutStore struct {
	pool *pgxpool.Pool
}

var _ domain.PayoutStore = (*PayoutStore)(nil)

// NewPayoutStore creates a new PayoutStore backed by the given connection pool.
func NewPayoutStore(pool *pgxpool.Pool) *PayoutStore {
	return &PayoutStore{pool: pool}
}

const payoutColumns = `id, kind, market_id, wallet, destination, amount, state,
	processing_token, tx_hash, funder, tx_nonce, error, attempts, created_at, updated_at`

// CreateBatch inserts requests, skipping ids already present.
func (s *PayoutStore) CreateBatch(ctx context.Context, reqs []domain.PayoutRequest) (int, error) {
	if len(reqs) == 0 {
		return 0, nil
	}
	const query = `
		INSERT INTO payouts (id, kind, market_id, wallet, destination, amount, state)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, 'unclaimed')
		ON CONFLICT (id) DO NOTHING`

	batch := &pgx.Batch{}
	for _, r := range reqs {
		batch.Queue(query, r.ID, string(r.Kind), r.MarketID,
			domain.NormalizeAccount(r.Wallet), domain.NormalizeAccount(r.Destination), r.Amount)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	created := 0
	for range reqs {
		tag, err := br.Exec()
		if err != nil {
			return created, fmt.Errorf("postgres: insert payout batch: %w", err)
		}
		created += int(tag.RowsAffected())
	}
	return created, nil
}

// Get retrieves a single payout request.
func (s *PayoutStore) Get(ctx context.Context, id string) (domain.PayoutRequest, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE id = $1`
	p, err := scanPayout(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return domain.PayoutRequest{}, mapError("get payout "+id, err)
	}
	return p, nil
}

// ListClaimable pages through requests a worker may claim, ordered by id.
func (s *PayoutStore) ListClaimable(ctx context.Context, afterID string, limit int) ([]domain.PayoutRequest, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts
		WHERE state IN ('unclaimed', 'failed') AND tx_hash IS NULL AND id > $1
		ORDER BY id
		LIMIT $2`
	return s.list(ctx, "list claimable payouts", query, afterID, limit)
}

// ListByMarket returns every payout created for a market.
func (s *PayoutStore) ListByMarket(ctx context.Context, marketID string) ([]domain.PayoutRequest, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE market_id = $1 ORDER BY id`
	return s.list(ctx, "list market payouts", query, marketID)
}

// Claim moves a claimable request to processing under token.
func (s *PayoutStore) Claim(ctx context.Context, id, token string) error {
	const query = `
		UPDATE payouts SET
			state            = 'processing',
			processing_token = $2,
			attempts         = attempts + 1,
			updated_at       = NOW()
		WHERE id = $1 AND state IN ('unclaimed', 'failed') AND tx_hash IS NULL`
	return s.transition(ctx, "claim", id, query, id, token)
}

// RecordSubmission stores the signed transaction hash and nonce before
// broadcast.
func (s *PayoutStore) RecordSubmission(ctx context.Context, id, token, txHash, funder string, nonce uint64) error {
	const query = `
		UPDATE payouts SET tx_hash = $3, funder = $4, tx_nonce = $5, updated_at = NOW()
		WHERE id = $1 AND state = 'processing' AND processing_token = $2 AND tx_hash IS NULL`
	return s.transition(ctx, "record submission", id, query, id, token, txHash, funder, int64(nonce))
}

// MarkSent completes a processing request held by token.
func (s *PayoutStore) MarkSent(ctx context.Context, id, token string) error {
	const query = `
		UPDATE payouts SET state = 'sent', processing_token = NULL, error = NULL, updated_at = NOW()
		WHERE id = $1 AND state = 'processing' AND processing_token = $2`
	return s.transition(ctx, "mark sent", id, query, id, token)
}

// MarkFailed fails a processing request held by token. clearTx drops the
// recorded hash, which is only safe when the transfer provably did not land.
func (s *PayoutStore) MarkFailed(ctx context.Context, id, token, reason string, clearTx bool) error {
	const query = `
		UPDATE payouts SET
			state            = 'failed',
			processing_token = NULL,
			error            = $3,
			tx_hash          = CASE WHEN $4 THEN NULL ELSE tx_hash END,
			funder           = CASE WHEN $4 THEN NULL ELSE funder END,
			tx_nonce         = CASE WHEN $4 THEN NULL ELSE tx_nonce END,
			updated_at       = NOW()
		WHERE id = $1 AND state = 'processing' AND processing_token = $2`
	return s.transition(ctx, "mark failed", id, query, id, token, reason, clearTx)
}

// ListUnresolved returns requests stuck in processing, or failed with a hash
// whose fate is unknown, untouched since olderThan.
func (s *PayoutStore) ListUnresolved(ctx context.Context, olderThan time.Time, limit int) ([]domain.PayoutRequest, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts
		WHERE (state = 'processing' OR (state = 'failed' AND tx_hash IS NOT NULL))
		  AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`
	return s.list(ctx, "list unresolved payouts", query, olderThan.UTC(), limit)
}

// Resolve settles an unresolved request from chain evidence. txHash must match
// the recorded hash ("" for requests that never recorded one).
func (s *PayoutStore) Resolve(ctx context.Context, id, txHash string, sent bool, reason string) error {
	const query = `
		UPDATE payouts SET
			state            = CASE WHEN $3 THEN 'sent' ELSE 'failed' END,
			processing_token = NULL,
			tx_hash          = CASE WHEN $3 THEN tx_hash ELSE NULL END,
			funder           = CASE WHEN $3 THEN funder ELSE NULL END,
			tx_nonce         = CASE WHEN $3 THEN tx_nonce ELSE NULL END,
			error            = NULLIF($4, ''),
			updated_at       = NOW()
		WHERE id = $1
		  AND state IN ('processing', 'failed')
		  AND tx_hash IS NOT DISTINCT FROM NULLIF($2, '')`
	return s.transition(ctx, "resolve", id, query, id, txHash, sent, reason)
}

func (s *PayoutStore) transition(ctx context.Context, op, id, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: %s payout %s: %w", op, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: %s payout %s: %w", op, id, domain.ErrConflict)
	}
	return nil
}

func (s *PayoutStore) list(ctx context.Context, op, query string, args ...any) ([]domain.PayoutRequest, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.PayoutRequest
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan payout: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return out, nil
}

func scanPayout(row pgx.Row) (domain.PayoutRequest, error) {
	var (
		p                                       domain.PayoutRequest
		kind, state                             string
		marketID, token, txHash, funder, reason *string
		txNonce                                 *int64
	)
	err := row.Scan(
		&p.ID, &kind, &marketID, &p.Wallet, &p.Destination, &p.Amount, &state,
		&token, &txHash, &funder, &txNonce, &reason, &p.Attempts, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.PayoutRequest{}, err
	}
	p.Kind = domain.PayoutKind(kind)
	p.State = domain.PayoutState(state)
	p.MarketID = deref(marketID)
	p.ProcessingToken = deref(token)
	p.TxHash = deref(txHash)
	p.Funder = deref(funder)
	if txNonce != nil {
		n := uint64(*txNonce)
		p.TxNonce = &n
	}
	p.Error = deref(reason)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
