package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/kolboard/internal/domain"
)

// PayoutStore implements domain.PayoutStore with conditional UPDATEs, the same
// guards the PostgreSQL store uses.
type PayoutStore struct{ db *sql.DB }

var _ domain.PayoutStore = (*PayoutStore)(nil)

const payoutSelect = `SELECT id, kind, market_id, wallet, destination, amount, state,
	processing_token, tx_hash, funder, tx_nonce, error, attempts, created_at, updated_at FROM payouts `

// CreateBatch inserts reqs, skipping ids that already exist, and reports how
// many rows were new.
func (s *PayoutStore) CreateBatch(ctx context.Context, reqs []domain.PayoutRequest) (int, error) {
	created := 0
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		now := toNanos(time.Now())
		for _, r := range reqs {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO payouts (id, kind, market_id, wallet, destination, amount, state, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, 'unclaimed', ?, ?)
				ON CONFLICT (id) DO NOTHING`,
				r.ID, string(r.Kind), nullString(r.MarketID), domain.NormalizeAccount(r.Wallet),
				domain.NormalizeAccount(r.Destination), r.Amount, now, now,
			)
			if err != nil {
				return fmt.Errorf("sqlite: insert payout %s: %w", r.ID, err)
			}
			n, _ := res.RowsAffected()
			created += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

// Get returns the request with id or domain.ErrNotFound.
func (s *PayoutStore) Get(ctx context.Context, id string) (domain.PayoutRequest, error) {
	p, err := scanPayout(s.db.QueryRowContext(ctx, payoutSelect+`WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PayoutRequest{}, fmt.Errorf("sqlite: payout %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.PayoutRequest{}, fmt.Errorf("sqlite: get payout %s: %w", id, err)
	}
	return p, nil
}

// ListClaimable pages through requests a worker may claim, ordered by id.
func (s *PayoutStore) ListClaimable(ctx context.Context, afterID string, limit int) ([]domain.PayoutRequest, error) {
	return s.list(ctx, `WHERE state IN ('unclaimed', 'failed') AND tx_hash IS NULL AND id > ? ORDER BY id LIMIT ?`, afterID, limit)
}

// ListByMarket returns every request created for marketID.
func (s *PayoutStore) ListByMarket(ctx context.Context, marketID string) ([]domain.PayoutRequest, error) {
	return s.list(ctx, `WHERE market_id = ? ORDER BY id`, marketID)
}

// Claim moves a claimable request to processing under token.
func (s *PayoutStore) Claim(ctx context.Context, id, token string) error {
	return s.transition(ctx, "claim", id, `
		UPDATE payouts SET state = 'processing', processing_token = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND state IN ('unclaimed', 'failed') AND tx_hash IS NULL`,
		token, toNanos(time.Now()), id)
}

// RecordSubmission stores the signed transfer's hash, funder and nonce before
// it is broadcast.
func (s *PayoutStore) RecordSubmission(ctx context.Context, id, token, txHash, funder string, nonce uint64) error {
	return s.transition(ctx, "record submission", id, `
		UPDATE payouts SET tx_hash = ?, funder = ?, tx_nonce = ?, updated_at = ?
		WHERE id = ? AND state = 'processing' AND processing_token = ? AND tx_hash IS NULL`,
		txHash, funder, int64(nonce), toNanos(time.Now()), id, token)
}

// MarkSent completes a processing request held by token.
func (s *PayoutStore) MarkSent(ctx context.Context, id, token string) error {
	return s.transition(ctx, "mark sent", id, `
		UPDATE payouts SET state = 'sent', processing_token = NULL, error = NULL, updated_at = ?
		WHERE id = ? AND state = 'processing' AND processing_token = ?`,
		toNanos(time.Now()), id, token)
}

// MarkFailed releases a processing request held by token. The transfer hash is
// dropped only when clearTx is set.
func (s *PayoutStore) MarkFailed(ctx context.Context, id, token, reason string, clearTx bool) error {
	return s.transition(ctx, "mark failed", id, `
		UPDATE payouts SET
			state = 'failed',
			processing_token = NULL,
			error = ?,
			tx_hash = CASE WHEN ? THEN NULL ELSE tx_hash END,
			funder = CASE WHEN ? THEN NULL ELSE funder END,
			tx_nonce = CASE WHEN ? THEN NULL ELSE tx_nonce END,
			updated_at = ?
		WHERE id = ? AND state = 'processing' AND processing_token = ?`,
		reason, clearTx, clearTx, clearTx, toNanos(time.Now()), id, token)
}

// ListUnresolved returns requests untouched since olderThan whose outcome is
// still open: abandoned claims and failures that kept their hash.
func (s *PayoutStore) ListUnresolved(ctx context.Context, olderThan time.Time, limit int) ([]domain.PayoutRequest, error) {
	return s.list(ctx, `
		WHERE (state = 'processing' OR (state = 'failed' AND tx_hash IS NOT NULL)) AND updated_at < ?
		ORDER BY updated_at LIMIT ?`, toNanos(olderThan), limit)
}

// Resolve settles an unresolved request from chain evidence, guarded on the
// hash the caller observed.
func (s *PayoutStore) Resolve(ctx context.Context, id, txHash string, sent bool, reason string) error {
	return s.transition(ctx, "resolve", id, `
		UPDATE payouts SET
			state = CASE WHEN ?1 THEN 'sent' ELSE 'failed' END,
			processing_token = NULL,
			tx_hash = CASE WHEN ?1 THEN tx_hash ELSE NULL END,
			funder = CASE WHEN ?1 THEN funder ELSE NULL END,
			tx_nonce = CASE WHEN ?1 THEN tx_nonce ELSE NULL END,
			error = NULLIF(?2, ''),
			updated_at = ?3
		WHERE id = ?4
		  AND state IN ('processing', 'failed')
		  AND tx_hash IS NULLIF(?5, '')`,
		sent, reason, toNanos(time.Now()), id, txHash)
}

func (s *PayoutStore) transition(ctx context.Context, op, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sqlite: %s payout %s: %w", op, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: %s payout %s: %w", op, id, domain.ErrConflict)
	}
	return nil
}

func (s *PayoutStore) list(ctx context.Context, tail string, args ...any) ([]domain.PayoutRequest, error) {
	rows, err := s.db.QueryContext(ctx, payoutSelect+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list payouts: %w", err)
	}
	defer rows.Close()

	var out []domain.PayoutRequest
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan payout: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPayout(row rowScanner) (domain.PayoutRequest, error) {
	var (
		p                                       domain.PayoutRequest
		kind, state                             string
		marketID, token, txHash, funder, reason sql.NullString
		created, updated                        int64
		txNonce                                 sql.NullInt64
	)
	err := row.Scan(&p.ID, &kind, &marketID, &p.Wallet, &p.Destination, &p.Amount, &state,
		&token, &txHash, &funder, &txNonce, &reason, &p.Attempts, &created, &updated)
	if err != nil {
		return domain.PayoutRequest{}, err
	}
	p.Kind = domain.PayoutKind(kind)
	p.State = domain.PayoutState(state)
	p.MarketID = marketID.String
	p.ProcessingToken = token.String
	p.TxHash = txHash.String
	p.Funder = funder.String
	if txNonce.Valid {
		n := uint64(txNonce.Int64)
		p.TxNonce = &n
	}
	p.Error = reason.String
	p.CreatedAt = fromNanos(created)
	p.UpdatedAt = fromNanos(updated)
	return p, nil
}
