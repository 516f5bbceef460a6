// Package config defines the top-level configuration for kolboard and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by KOLBOARD_* environment variables.
type Config struct {
	Store      StoreConfig      `toml:"store"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	RPC        RPCConfig        `toml:"rpc"`
	Chain      ChainConfig      `toml:"chain"`
	Funders    []FunderConfig   `toml:"funders"`
	Price      PriceConfig      `toml:"price"`
	Classifier ClassifierConfig `toml:"classifier"`
	Ingest     IngestConfig     `toml:"ingest"`
	Snapshot   SnapshotConfig   `toml:"snapshot"`
	Payout     PayoutConfig     `toml:"payout"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver     string `toml:"driver"`
	SQLitePath string `toml:"sqlite_path"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Redis is optional; without
// it locks, the shared price cache and rate limiting are skipped.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters for the snapshot
// archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// RPCConfig bounds retries for every outbound call.
type RPCConfig struct {
	MaxAttempts int      `toml:"max_attempts"`
	BaseBackoff duration `toml:"base_backoff"`
	MaxBackoff  duration `toml:"max_backoff"`
}

// ChainConfig holds the settlement chain parameters.
type ChainConfig struct {
	Endpoints      []string `toml:"endpoints"`
	ChainID        int64    `toml:"chain_id"`
	UnitWei        int64    `toml:"unit_wei"`
	GasLimit       uint64   `toml:"gas_limit"`
	EscrowAddress  string   `toml:"escrow_address"`
	ReceiptPoll    duration `toml:"receipt_poll"`
	ReceiptTimeout duration `toml:"receipt_timeout"`
}

// FunderConfig names one payout funding key: raw hex or an encrypted file.
type FunderConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PriceConfig configures the reference price feed.
type PriceConfig struct {
	AssetID        string   `toml:"asset_id"`
	TTL            duration `toml:"ttl"`
	SharedTTL      duration `toml:"shared_ttl"`
	Fallback       string   `toml:"fallback"`
	CoinGeckoURLs  []string `toml:"coingecko_urls"`
	CoinGeckoID    string   `toml:"coingecko_id"`
	Currency       string   `toml:"currency"`
	BinanceURLs    []string `toml:"binance_urls"`
	BinanceSymbol  string   `toml:"binance_symbol"`
	FeatureTTL     duration `toml:"feature_ttl"`
	UnitsPerNative float64  `toml:"units_per_native"`
}

// ClassifierConfig lists the tokens and tags trade classification uses.
type ClassifierConfig struct {
	WrappedNative       string   `toml:"wrapped_native"`
	Stables             []string `toml:"stables"`
	SwapTypes           []string `toml:"swap_types"`
	PlainTransferSource string   `toml:"plain_transfer_source"`
	VenueSources        []string `toml:"venue_sources"`
}

// IngestConfig configures the webhook and history backfill.
type IngestConfig struct {
	WebhookSecret string   `toml:"webhook_secret"`
	IndexerURLs   []string `toml:"indexer_urls"`
	IndexerAPIKey string   `toml:"indexer_api_key"`
	PageSize      int      `toml:"page_size"`
	MaxPages      int      `toml:"max_pages"`
	Lookback      duration `toml:"lookback"`
	MaxBodyBytes  int64    `toml:"max_body_bytes"`
}

// SnapshotConfig configures snapshot building.
type SnapshotConfig struct {
	Windows     []string `toml:"windows"`
	Concurrency int      `toml:"concurrency"`
}

// PayoutConfig configures payout processing.
type PayoutConfig struct {
	FeeReserve     int64    `toml:"fee_reserve"`
	BatchSize      int      `toml:"batch_size"`
	Budget         duration `toml:"budget"`
	ReconcileAfter duration `toml:"reconcile_after"`
	FunderLockTTL  duration `toml:"funder_lock_ttl"`
}

// SchedulerConfig holds the cron specs for scheduler mode. An empty spec
// disables the job.
type SchedulerConfig struct {
	SnapshotCron  string   `toml:"snapshot_cron"`
	SettleCron    string   `toml:"settle_cron"`
	PayoutCron    string   `toml:"payout_cron"`
	ReconcileCron string   `toml:"reconcile_cron"`
	BackfillCron  string   `toml:"backfill_cron"`
	SettleBatch   int      `toml:"settle_batch"`
	JobBudget     duration `toml:"job_budget"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// AdminKey guards operator endpoints (settle, payouts, wallets).
	AdminKey string `toml:"admin_key"`
	// ActionRateLimit caps signed actions per wallet per minute; 0 disables.
	ActionRateLimit int `toml:"action_rate_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	QuietPeriod       duration `toml:"quiet_period"`
}

// Defaults returns the configuration a file and the environment are layered
// over. Funder keys and secrets have no defaults.
func Defaults() Config {
	return Config{
		Store: StoreConfig{
			Driver:     "postgres",
			SQLitePath: "kolboard.db",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "kolboard",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "kolboard",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "kolboard-snapshots",
			ForcePathStyle: true,
		},
		RPC: RPCConfig{
			MaxAttempts: 3,
			BaseBackoff: duration{250 * time.Millisecond},
			MaxBackoff:  duration{5 * time.Second},
		},
		Chain: ChainConfig{
			Endpoints:      []string{"http://localhost:8545"},
			ChainID:        1,
			UnitWei:        1_000_000_000,
			GasLimit:       21_000,
			ReceiptPoll:    duration{2 * time.Second},
			ReceiptTimeout: duration{2 * time.Minute},
		},
		Price: PriceConfig{
			AssetID:        "native",
			TTL:            duration{60 * time.Second},
			SharedTTL:      duration{5 * time.Minute},
			CoinGeckoURLs:  []string{"https://api.coingecko.com"},
			CoinGeckoID:    "ethereum",
			Currency:       "usd",
			BinanceURLs:    []string{"https://api.binance.com"},
			BinanceSymbol:  "ETHUSDT",
			FeatureTTL:     duration{30 * time.Second},
			UnitsPerNative: 1e9,
		},
		Ingest: IngestConfig{
			IndexerURLs:  []string{"https://api.helius.xyz"},
			PageSize:     100,
			MaxPages:     10,
			Lookback:     duration{30 * 24 * time.Hour},
			MaxBodyBytes: 8 << 20,
		},
		Snapshot: SnapshotConfig{
			Windows:     []string{"daily", "weekly", "monthly"},
			Concurrency: 8,
		},
		Payout: PayoutConfig{
			FeeReserve:     1_000_000,
			BatchSize:      50,
			Budget:         duration{45 * time.Second},
			ReconcileAfter: duration{10 * time.Minute},
			FunderLockTTL:  duration{3 * time.Minute},
		},
		Scheduler: SchedulerConfig{
			SnapshotCron:  "5 0 * * *",
			SettleCron:    "*/10 * * * *",
			PayoutCron:    "* * * * *",
			ReconcileCron: "*/5 * * * *",
			BackfillCron:  "30 */6 * * *",
			SettleBatch:   100,
			JobBudget:     duration{50 * time.Second},
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			ActionRateLimit: 30,
		},
		Notify: NotifyConfig{
			Events:      []string{"payout_failed", "market_settled", "integrity_failure"},
			QuietPeriod: duration{10 * time.Minute},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":    true,
	"scheduler": true,
	"full":      true,
	"migrate":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, scheduler, full, migrate)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Store
	switch c.Store.Driver {
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store: sqlite_path must not be empty")
		}
	default:
		errs = append(errs, fmt.Sprintf("store: unknown driver %q (valid: postgres, sqlite)", c.Store.Driver))
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	if c.RPC.MaxAttempts < 1 {
		errs = append(errs, "rpc: max_attempts must be >= 1")
	}

	// Chain
	if len(c.Chain.Endpoints) == 0 {
		errs = append(errs, "chain: at least one endpoint is required")
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, "chain: chain_id must be positive")
	}
	if c.Chain.UnitWei <= 0 {
		errs = append(errs, "chain: unit_wei must be positive")
	}
	if c.Chain.EscrowAddress != "" && !common.IsHexAddress(c.Chain.EscrowAddress) {
		errs = append(errs, fmt.Sprintf("chain: escrow_address %q is not an address", c.Chain.EscrowAddress))
	}

	// Funders are only needed where payouts are sent.
	if mode == "scheduler" || mode == "full" {
		if len(c.Funders) == 0 {
			errs = append(errs, "funders: at least one funder key is required for mode "+mode)
		}
	}
	for i, f := range c.Funders {
		if f.PrivateKey == "" && f.EncryptedKeyPath == "" {
			errs = append(errs, fmt.Sprintf("funders[%d]: either private_key or encrypted_key_path must be set", i))
		}
		if f.EncryptedKeyPath != "" && f.KeyPassword == "" {
			errs = append(errs, fmt.Sprintf("funders[%d]: key_password is required when encrypted_key_path is set", i))
		}
	}

	// Price
	if c.Price.Fallback != "" {
		if _, err := decimal.NewFromString(c.Price.Fallback); err != nil {
			errs = append(errs, fmt.Sprintf("price: fallback %q is not a decimal", c.Price.Fallback))
		}
	}
	if c.Price.UnitsPerNative < 0 {
		errs = append(errs, "price: units_per_native must not be negative")
	}

	// Ingest
	if c.Server.Enabled && c.Ingest.WebhookSecret == "" && mode != "migrate" && mode != "scheduler" {
		errs = append(errs, "ingest: webhook_secret is required when the server is enabled")
	}
	if c.Ingest.PageSize < 1 || c.Ingest.MaxPages < 1 {
		errs = append(errs, "ingest: page_size and max_pages must be >= 1")
	}

	for _, w := range c.Snapshot.Windows {
		switch strings.ToLower(w) {
		case "daily", "weekly", "monthly":
		default:
			errs = append(errs, fmt.Sprintf("snapshot: unknown window %q", w))
		}
	}

	if c.Payout.FeeReserve < 0 {
		errs = append(errs, "payout: fee_reserve must not be negative")
	}
	if c.Payout.BatchSize < 1 {
		errs = append(errs, "payout: batch_size must be >= 1")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for _, job := range []struct{ name, spec string }{
		{"snapshot_cron", c.Scheduler.SnapshotCron},
		{"settle_cron", c.Scheduler.SettleCron},
		{"payout_cron", c.Scheduler.PayoutCron},
		{"reconcile_cron", c.Scheduler.ReconcileCron},
		{"backfill_cron", c.Scheduler.BackfillCron},
	} {
		if job.spec == "" {
			continue
		}
		if _, err := parser.Parse(job.spec); err != nil {
			errs = append(errs, fmt.Sprintf("scheduler: %s %q: %v", job.name, job.spec, err))
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// FallbackPrice parses Price.Fallback; an empty value yields zero.
func (c *Config) FallbackPrice() decimal.Decimal {
	d, err := decimal.NewFromString(c.Price.Fallback)
	if err != nil {
		return decimal.Zero
	}
	return d
}
