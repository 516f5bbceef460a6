package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/kolboard/internal/domain"
)

// EventStore implements domain.EventStore using PostgreSQL. Events are stored
// as their JSON payload and linked to tracked wallets through event_wallets.
type EventStore struct {
	pool *pgxpool.Pool
}

var _ domain.EventStore = (*EventStore)(nil)

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Upsert stores ev if its signature is new and links it to wallets. Links are
// added even when the event already existed, so a wallet tracked later still
// sees history that was ingested for someone else.
func (s *EventStore) Upsert(ctx context.Context, ev domain.TransactionEvent, wallets []string) (bool, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("postgres: marshal event %s: %w", ev.Signature, err)
	}
	at := ev.Time()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("postgres: begin event upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO events (signature, block_time, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (signature) DO NOTHING`,
		ev.Signature, at, payload,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: insert event %s: %w", ev.Signature, err)
	}
	inserted := tag.RowsAffected() == 1

	batch := &pgx.Batch{}
	for _, w := range wallets {
		batch.Queue(`
			INSERT INTO event_wallets (signature, wallet, block_time)
			VALUES ($1, $2, $3)
			ON CONFLICT (signature, wallet) DO NOTHING`,
			ev.Signature, domain.NormalizeAccount(w), at,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return false, fmt.Errorf("postgres: link event %s: %w", ev.Signature, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("postgres: commit event %s: %w", ev.Signature, err)
	}
	return inserted, nil
}

// Has reports whether an event with the signature is stored.
func (s *EventStore) Has(ctx context.Context, signature string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM events WHERE signature = $1)`, signature,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: check event %s: %w", signature, err)
	}
	return exists, nil
}

// ListForWallet returns the wallet's events with from <= block_time < to,
// ordered by time then signature.
func (s *EventStore) ListForWallet(ctx context.Context, wallet string, from, to time.Time) ([]domain.TransactionEvent, error) {
	const query = `
		SELECT e.payload
		FROM event_wallets ew
		JOIN events e ON e.signature = ew.signature
		WHERE ew.wallet = $1 AND ew.block_time >= $2 AND ew.block_time < $3
		ORDER BY ew.block_time, ew.signature`

	rows, err := s.pool.Query(ctx, query, domain.NormalizeAccount(wallet), from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("postgres: list events for %s: %w", wallet, err)
	}
	defer rows.Close()

	var events []domain.TransactionEvent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		var ev domain.TransactionEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list events rows: %w", err)
	}
	return events, nil
}
