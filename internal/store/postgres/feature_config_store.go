package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/kolboard/internal/domain"
)

// FeatureConfigStore implements domain.FeatureConfigStore using PostgreSQL.
type FeatureConfigStore struct {
	pool *pgxpool.Pool
}

var _ domain.FeatureConfigStore = (*FeatureConfigStore)(nil)

// NewFeatureConfigStore creates a new FeatureConfigStore backed by the given connection pool.
func NewFeatureConfigStore(pool *pgxpool.Pool) *FeatureConfigStore {
	return &FeatureConfigStore{pool: pool}
}

// Get retrieves a single feature configuration by name. Missing names return
// domain.ErrNotFound so callers can fall back to defaults.
func (s *FeatureConfigStore) Get(ctx context.Context, name string) (domain.FeatureConfig, error) {
	const query = `SELECT name, config_json, enabled, updated_at FROM feature_configs WHERE name = $1`

	var cfg domain.FeatureConfig
	var configJSON []byte

	err := s.pool.QueryRow(ctx, query, name).Scan(
		&cfg.Name, &configJSON, &cfg.Enabled, &cfg.UpdatedAt,
	)
	if err != nil {
		return domain.FeatureConfig{}, mapError("get feature config "+name, err)
	}

	if configJSON != nil {
		if err := json.Unmarshal(configJSON, &cfg.Config); err != nil {
			return domain.FeatureConfig{}, fmt.Errorf("postgres: unmarshal feature config %s: %w", name, err)
		}
	}

	return cfg, nil
}

// Upsert inserts or updates a feature configuration. The Config map is stored as JSONB.
func (s *FeatureConfigStore) Upsert(ctx context.Context, cfg domain.FeatureConfig) error {
	configJSON, err := json.Marshal(cfg.Config)
	if err != nil {
		return fmt.Errorf("postgres: marshal feature config %s: %w", cfg.Name, err)
	}

	const query = `
		INSERT INTO feature_configs (name, config_json, enabled, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (name) DO UPDATE SET
			config_json = EXCLUDED.config_json,
			enabled     = EXCLUDED.enabled,
			updated_at  = NOW()`

	_, err = s.pool.Exec(ctx, query, cfg.Name, configJSON, cfg.Enabled)
	if err != nil {
		return fmt.Errorf("postgres: upsert feature config %s: %w", cfg.Name, err)
	}
	return nil
}

// List returns all feature configurations.
func (s *FeatureConfigStore) List(ctx context.Context) ([]domain.FeatureConfig, error) {
	const query = `SELECT name, config_json, enabled, updated_at FROM feature_configs ORDER BY name`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list feature configs: %w", err)
	}
	defer rows.Close()

	var configs []domain.FeatureConfig
	for rows.Next() {
		var cfg domain.FeatureConfig
		var configJSON []byte

		if err := rows.Scan(&cfg.Name, &configJSON, &cfg.Enabled, &cfg.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan feature config: %w", err)
		}

		if configJSON != nil {
			if err := json.Unmarshal(configJSON, &cfg.Config); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal feature config: %w", err)
			}
		}

		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list feature configs rows: %w", err)
	}
	return configs, nil
}
