package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/kolboard/internal/blob/s3"
	"github.com/alanyoungcy/kolboard/internal/cache/redis"
	"github.com/alanyoungcy/kolboard/internal/config"
	"github.com/alanyoungcy/kolboard/internal/domain"
	"github.com/alanyoungcy/kolboard/internal/metrics"
	"github.com/alanyoungcy/kolboard/internal/notify"
	"github.com/alanyoungcy/kolboard/internal/server/handler"
	"github.com/alanyoungcy/kolboard/internal/store/postgres"
	"github.com/alanyoungcy/kolboard/internal/store/sqlite"
)

// Dependencies bundles the infrastructure every mode builds on. Locks, Bus,
// Limiter, SharedPrices and Archive stay nil when their backend is disabled.
type Dependencies struct {
	Stores domain.Stores

	// Redis
	Locks        domain.LockManager
	Bus          domain.SignalBus
	Limiter      domain.RateLimiter
	SharedPrices domain.PriceCache

	// Blob storage
	Archive domain.SnapshotArchive

	Notifier *notify.Notifier
	Metrics  *metrics.Metrics

	// Checks feed the readiness endpoint.
	Checks map[string]handler.Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Metrics: metrics.New(),
		Checks:  make(map[string]handler.Check),
	}

	// --- Relational store ---
	switch cfg.Store.Driver {
	case "sqlite":
		db, err := sqlite.Open(ctx, cfg.Store.SQLitePath)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: sqlite: %w", err)
		}
		closers = append(closers, func() { _ = db.Close() })
		deps.Stores = db.Stores()
		deps.Checks["store"] = db.Ping
		logger.InfoContext(ctx, "store ready", slog.String("driver", "sqlite"), slog.String("path", cfg.Store.SQLitePath))

	default:
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations || cfg.Mode == ModeMigrate {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}
		deps.Stores = pgClient.Stores()
		deps.Checks["store"] = pgClient.Pool().Ping
		logger.InfoContext(ctx, "store ready", slog.String("driver", "postgres"))
	}

	if cfg.Mode == ModeMigrate {
		return deps, cleanup, nil
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Locks = redis.NewLockManager(redisClient)
		deps.Bus = redis.NewSignalBus(redisClient)
		deps.Limiter = redis.NewRateLimiter(redisClient)
		deps.SharedPrices = redis.NewPriceCache(redisClient, cfg.Price.SharedTTL.Duration)
		deps.Checks["redis"] = redisClient.Ping
	} else {
		logger.WarnContext(ctx, "redis disabled: no funder locks, shared price cache or rate limiting")
	}

	// --- S3 snapshot archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		bucket := s3blob.NewBucket(s3Client)
		deps.Archive = s3blob.NewSnapshotArchive(bucket, bucket)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		tg, err := notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID)
		if err != nil {
			// Alerts are best effort.
			logger.WarnContext(ctx, "telegram notifications disabled", slog.String("error", err.Error()))
		} else {
			senders = append(senders, tg)
		}
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.QuietPeriod.Duration, logger)

	return deps, cleanup, nil
}
