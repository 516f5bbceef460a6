package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies KOLBOARD_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known KOLBOARD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). Secrets are meant to arrive this way rather than in the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Store ──
	setStr(&cfg.Store.Driver, "KOLBOARD_STORE_DRIVER")
	setStr(&cfg.Store.SQLitePath, "KOLBOARD_STORE_SQLITE_PATH")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "KOLBOARD_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // platform alias
	setStr(&cfg.Postgres.Host, "KOLBOARD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "KOLBOARD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "KOLBOARD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "KOLBOARD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "KOLBOARD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "KOLBOARD_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "KOLBOARD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "KOLBOARD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "KOLBOARD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "KOLBOARD_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "KOLBOARD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "KOLBOARD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "KOLBOARD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "KOLBOARD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "KOLBOARD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "KOLBOARD_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "KOLBOARD_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "KOLBOARD_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "KOLBOARD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "KOLBOARD_S3_REGION")
	setStr(&cfg.S3.Bucket, "KOLBOARD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "KOLBOARD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "KOLBOARD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "KOLBOARD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "KOLBOARD_S3_FORCE_PATH_STYLE")

	// ── RPC ──
	setInt(&cfg.RPC.MaxAttempts, "KOLBOARD_RPC_MAX_ATTEMPTS")
	setDuration(&cfg.RPC.BaseBackoff, "KOLBOARD_RPC_BASE_BACKOFF")
	setDuration(&cfg.RPC.MaxBackoff, "KOLBOARD_RPC_MAX_BACKOFF")

	// ── Chain ──
	setStringSlice(&cfg.Chain.Endpoints, "KOLBOARD_CHAIN_ENDPOINTS")
	setInt64(&cfg.Chain.ChainID, "KOLBOARD_CHAIN_ID")
	setInt64(&cfg.Chain.UnitWei, "KOLBOARD_CHAIN_UNIT_WEI")
	setStr(&cfg.Chain.EscrowAddress, "KOLBOARD_CHAIN_ESCROW_ADDRESS")
	setDuration(&cfg.Chain.ReceiptTimeout, "KOLBOARD_CHAIN_RECEIPT_TIMEOUT")

	// ── Funders ──
	// KOLBOARD_FUNDER_KEYS is a comma-separated list of hex keys and
	// replaces any configured funders.
	if keys := splitList(os.Getenv("KOLBOARD_FUNDER_KEYS")); len(keys) > 0 {
		cfg.Funders = make([]FunderConfig, 0, len(keys))
		for _, k := range keys {
			cfg.Funders = append(cfg.Funders, FunderConfig{PrivateKey: k})
		}
	}
	setStr(&firstFunder(cfg).KeyPassword, "KOLBOARD_FUNDER_KEY_PASSWORD")

	// ── Price ──
	setStr(&cfg.Price.Fallback, "KOLBOARD_PRICE_FALLBACK")
	setDuration(&cfg.Price.TTL, "KOLBOARD_PRICE_TTL")
	setStr(&cfg.Price.CoinGeckoID, "KOLBOARD_PRICE_COINGECKO_ID")
	setStr(&cfg.Price.BinanceSymbol, "KOLBOARD_PRICE_BINANCE_SYMBOL")
	setFloat64(&cfg.Price.UnitsPerNative, "KOLBOARD_PRICE_UNITS_PER_NATIVE")

	// ── Classifier ──
	setStr(&cfg.Classifier.WrappedNative, "KOLBOARD_CLASSIFIER_WRAPPED_NATIVE")
	setStringSlice(&cfg.Classifier.Stables, "KOLBOARD_CLASSIFIER_STABLES")

	// ── Ingest ──
	setStr(&cfg.Ingest.WebhookSecret, "KOLBOARD_INGEST_WEBHOOK_SECRET")
	setStringSlice(&cfg.Ingest.IndexerURLs, "KOLBOARD_INGEST_INDEXER_URLS")
	setStr(&cfg.Ingest.IndexerAPIKey, "KOLBOARD_INGEST_INDEXER_API_KEY")
	setDuration(&cfg.Ingest.Lookback, "KOLBOARD_INGEST_LOOKBACK")

	// ── Snapshot ──
	setStringSlice(&cfg.Snapshot.Windows, "KOLBOARD_SNAPSHOT_WINDOWS")
	setInt(&cfg.Snapshot.Concurrency, "KOLBOARD_SNAPSHOT_CONCURRENCY")

	// ── Payout ──
	setInt64(&cfg.Payout.FeeReserve, "KOLBOARD_PAYOUT_FEE_RESERVE")
	setInt(&cfg.Payout.BatchSize, "KOLBOARD_PAYOUT_BATCH_SIZE")
	setDuration(&cfg.Payout.Budget, "KOLBOARD_PAYOUT_BUDGET")
	setDuration(&cfg.Payout.ReconcileAfter, "KOLBOARD_PAYOUT_RECONCILE_AFTER")

	// ── Scheduler ──
	setStr(&cfg.Scheduler.SnapshotCron, "KOLBOARD_SCHEDULER_SNAPSHOT_CRON")
	setStr(&cfg.Scheduler.SettleCron, "KOLBOARD_SCHEDULER_SETTLE_CRON")
	setStr(&cfg.Scheduler.PayoutCron, "KOLBOARD_SCHEDULER_PAYOUT_CRON")
	setStr(&cfg.Scheduler.ReconcileCron, "KOLBOARD_SCHEDULER_RECONCILE_CRON")
	setStr(&cfg.Scheduler.BackfillCron, "KOLBOARD_SCHEDULER_BACKFILL_CRON")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "KOLBOARD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "KOLBOARD_SERVER_PORT")
	setInt(&cfg.Server.Port, "PORT") // platform alias
	setStringSlice(&cfg.Server.CORSOrigins, "KOLBOARD_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.AdminKey, "KOLBOARD_SERVER_ADMIN_KEY")
	setInt(&cfg.Server.ActionRateLimit, "KOLBOARD_SERVER_ACTION_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "KOLBOARD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "KOLBOARD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "KOLBOARD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "KOLBOARD_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "KOLBOARD_MODE")
	setStr(&cfg.LogLevel, "KOLBOARD_LOG_LEVEL")
}

// firstFunder returns the first configured funder, or a throwaway value when
// there is none so the caller can assign unconditionally.
func firstFunder(cfg *Config) *FunderConfig {
	if len(cfg.Funders) == 0 {
		return &FunderConfig{}
	}
	return &cfg.Funders[0]
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if cleaned := splitList(os.Getenv(key)); len(cleaned) > 0 {
		*dst = cleaned
	}
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return cleaned
}
