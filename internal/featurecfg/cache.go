// Package featurecfg serves hot-reloadable feature configuration from the
// store through a short-lived in-process cache.
package featurecfg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/kolboard/internal/domain"
)

// EligibilityName is the feature config row holding eligibility thresholds.
const EligibilityName = "eligibility"

// DefaultTTL bounds how stale a cached config may be.
const DefaultTTL = 30 * time.Second

// Cache reads feature configs through a TTL cache. The clock is injectable so
// expiry can be tested without sleeping.
type Cache struct {
	store  domain.FeatureConfigStore
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	elig    domain.EligibilityThresholds
	fetched time.Time
	valid   bool
}

// New creates a Cache. ttl <= 0 selects DefaultTTL; now nil selects time.Now.
func New(store domain.FeatureConfigStore, ttl time.Duration, now func() time.Time, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{
		store:  store,
		ttl:    ttl,
		now:    now,
		logger: logger.With(slog.String("component", "featurecfg")),
	}
}

// Eligibility returns the current thresholds. Store failures fall back to the
// last good value, or to the defaults when nothing was ever loaded.
func (c *Cache) Eligibility(ctx context.Context) domain.EligibilityThresholds {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.valid && c.now().Sub(c.fetched) < c.ttl {
		return c.elig
	}

	th, err := c.load(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "eligibility config load failed, using previous value",
			slog.String("error", err.Error()),
		)
		if !c.valid {
			return domain.DefaultEligibility()
		}
		return c.elig
	}
	c.elig = th
	c.fetched = c.now()
	c.valid = true
	return th
}

// Invalidate drops the cached value so the next read hits the store.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}

// SetEligibility stores new thresholds and invalidates the cache.
func (c *Cache) SetEligibility(ctx context.Context, th domain.EligibilityThresholds) error {
	raw, err := json.Marshal(th)
	if err != nil {
		return fmt.Errorf("featurecfg: marshal eligibility: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("featurecfg: encode eligibility: %w", err)
	}
	if err := c.store.Upsert(ctx, domain.FeatureConfig{
		Name:      EligibilityName,
		Config:    m,
		Enabled:   true,
		UpdatedAt: c.now().UTC(),
	}); err != nil {
		return fmt.Errorf("featurecfg: store eligibility: %w", err)
	}
	c.Invalidate()
	return nil
}

func (c *Cache) load(ctx context.Context) (domain.EligibilityThresholds, error) {
	th := domain.DefaultEligibility()
	fc, err := c.store.Get(ctx, EligibilityName)
	if errors.Is(err, domain.ErrNotFound) {
		return th, nil
	}
	if err != nil {
		return th, fmt.Errorf("featurecfg: get %s: %w", EligibilityName, err)
	}
	if !fc.Enabled || len(fc.Config) == 0 {
		return th, nil
	}
	// Round-trip through JSON so missing keys keep their defaults.
	raw, err := json.Marshal(fc.Config)
	if err != nil {
		return th, fmt.Errorf("featurecfg: marshal %s: %w", EligibilityName, err)
	}
	if err := json.Unmarshal(raw, &th); err != nil {
		return th, fmt.Errorf("featurecfg: decode %s: %w", EligibilityName, err)
	}
	return th, nil
}
