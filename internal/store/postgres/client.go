// Package postgres implements the domain stores on PostgreSQL via pgx. The
// atomic multi-row operations (settlement, deposits, withdrawals, orders) are
// SQL functions installed by the embedded migrations.
package postgres

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/kolboard/internal/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ClientConfig holds connection parameters. A non-empty DSN wins over the
// discrete fields.
type ClientConfig struct {
	DSN      string
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
	MaxConns int
	MinConns int
}

// DSN renders cfg as a postgres:// URL, escaping the credentials.
func DSN(cfg ClientConfig) string {
	if dsn := strings.TrimSpace(cfg.DSN); dsn != "" {
		return dsn
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	ssl := cfg.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     cfg.Host + ":" + strconv.Itoa(port),
		Path:     "/" + cfg.Database,
		RawQuery: url.Values{"sslmode": {ssl}}.Encode(),
	}
	return u.String()
}

// Client owns the pgx pool shared by every store.
type Client struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	pc, err := pgxpool.ParseConfig(DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		pc.MinConns = int32(cfg.MinConns)
	}
	pc.MaxConnIdleTime = 5 * time.Minute
	pc.HealthCheckPeriod = 30 * time.Second
	pc.ConnConfig.RuntimeParams["application_name"] = "kolboard"

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping %s: %w", pc.ConnConfig.Host, err)
	}
	return &Client{pool: pool}, nil
}

func (c *Client) Pool() *pgxpool.Pool { return c.pool }

func (c *Client) Close() { c.pool.Close() }

// Stores returns every domain store backed by the pool.
func (c *Client) Stores() domain.Stores {
	return domain.Stores{
		Wallets:   NewWalletStore(c.pool),
		Events:    NewEventStore(c.pool),
		Snapshots: NewSnapshotStore(c.pool),
		Markets:   NewMarketStore(c.pool),
		Payouts:   NewPayoutStore(c.pool),
		Accounts:  NewAccountStore(c.pool),
		Audit:     NewAuditStore(c.pool),
		Features:  NewFeatureConfigStore(c.pool),
	}
}

// migrationLock is the advisory lock key replicas serialize migrations on.
const migrationLock = 7_311_020

// RunMigrations applies the embedded migrations in name order. Each file runs
// in its own transaction and is recorded with its checksum; a recorded file
// whose content has since changed is an error rather than a silent skip.
func (c *Client) RunMigrations(ctx context.Context) error {
	const tracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			checksum   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`
	if _, err := c.pool.Exec(ctx, tracker); err != nil {
		return fmt.Errorf("postgres: migrations tracker: %w", err)
	}

	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("postgres: list migrations: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("postgres: read %s: %w", name, err)
		}
		if err := c.migrate(ctx, path.Base(name), body); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) migrate(ctx context.Context, name string, body []byte) error {
	sum := sha256.Sum256(body)
	checksum := hex.EncodeToString(sum[:])

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: migrate %s: begin: %w", name, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLock); err != nil {
		return fmt.Errorf("postgres: migrate %s: lock: %w", name, err)
	}

	var applied string
	err = tx.QueryRow(ctx, `SELECT checksum FROM schema_migrations WHERE filename = $1`, name).Scan(&applied)
	switch {
	case err == nil && applied == checksum:
		return nil
	case err == nil:
		return fmt.Errorf("postgres: migration %s changed after it was applied", name)
	case !isNoRows(err):
		return fmt.Errorf("postgres: migrate %s: lookup: %w", name, err)
	}

	if _, err := tx.Exec(ctx, string(body)); err != nil {
		return fmt.Errorf("postgres: migrate %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (filename, checksum) VALUES ($1, $2)`, name, checksum); err != nil {
		return fmt.Errorf("postgres: migrate %s: record: %w", name, err)
	}
	return tx.Commit(ctx)
}
