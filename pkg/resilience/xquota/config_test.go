package xquota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omeyang/xquota/pkg/config/xconf"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, time.Minute, cfg.Categories[CategoryTrading].Window)
	assert.Equal(t, time.Hour, cfg.Categories[CategoryGeneral].Window)
	assert.Equal(t, 5, cfg.Quotas[TierFree][CategoryTrading].Limit)
	assert.Equal(t, StoreFailClosed, cfg.StorePolicy)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no tiers", func(c *Config) { c.Tiers = nil }, "tiers is required"},
		{"duplicate tier", func(c *Config) { c.Tiers = append(c.Tiers, TierFree) }, "duplicate tier"},
		{"no categories", func(c *Config) { c.Categories = nil }, "categories is required"},
		{"zero window", func(c *Config) { c.Categories[CategoryStaking] = CategoryConfig{} }, "window must be positive"},
		{"missing entry", func(c *Config) { delete(c.Quotas[Tier3], CategoryStaking) }, "missing quota for (TIER_3, staking)"},
		{"quota for unknown tier", func(c *Config) {
			c.Quotas["TIER_9"] = map[Category]QuotaEntry{CategoryGeneral: {Limit: 1}}
		}, "not in tiers"},
		{"quota for unknown category", func(c *Config) {
			c.Quotas[TierFree]["casino"] = QuotaEntry{Limit: 1}
		}, "not in categories"},
		{"decreasing limit", func(c *Config) {
			c.Quotas[Tier4][CategoryTrading] = QuotaEntry{Limit: 10}
		}, "lower than (TIER_3, trading)"},
		{"decreasing capacity", func(c *Config) {
			c.Quotas[Tier4][CategoryTrading] = QuotaEntry{Limit: 60, Burst: 0}
		}, "lower than"},
		{"non-positive limit", func(c *Config) {
			c.Quotas[TierFree][CategoryGeneral] = QuotaEntry{Limit: 0}
		}, "limit must be positive"},
		{"negative burst", func(c *Config) {
			c.Quotas[TierFree][CategoryGeneral] = QuotaEntry{Limit: 100, Burst: -1}
		}, "burst cannot be negative"},
		{"plan to unknown tier", func(c *Config) { c.Plans["gold"] = "GOLD" }, "unknown tier"},
		{"empty plan", func(c *Config) { c.Plans["  "] = TierFree }, "empty plan"},
		{"plans collide after normalization", func(c *Config) {
			c.Plans["Pro"] = Tier3
			c.Plans["pro "] = Tier2
		}, `normalize to "pro"`},
		{"referenced category without entry", func(c *Config) {
			c.ReferencedCategories = append(c.ReferencedCategories, "casino")
		}, `referenced category "casino"`},
		{"bad store policy", func(c *Config) { c.StorePolicy = "maybe" }, "invalid store policy"},
		{"zero lookup timeout", func(c *Config) { c.LookupTimeout = 0 }, "lookup_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{LookupTimeout: time.Second}.WithDefaults()
	assert.Equal(t, time.Second, cfg.LookupTimeout)
	assert.Equal(t, DefaultCacheTTL, cfg.CacheTTL)
	assert.Equal(t, DefaultNegativeTTL, cfg.NegativeTTL)
	assert.Equal(t, DefaultAnonymousIdentity, cfg.AnonymousIdentity)
	assert.Equal(t, StoreFailClosed, cfg.StorePolicy)
	assert.Equal(t, uint32(5), cfg.Breaker.ConsecutiveFailures)
	assert.Empty(t, cfg.Quotas, "quota table is never defaulted")
}

const testQuotaYAML = `
xquota:
  store_policy: fail_open
  lookup_timeout: 100ms
  plans:
    Basic: FREE
    Premium: TIER_2
  tiers: [FREE, TIER_2]
  categories:
    trading:
      window: 1m
    general:
      window: 1h
  quotas:
    FREE:
      trading: {limit: 5}
      general: {limit: 100}
    TIER_2:
      trading: {limit: 20, burst: 5}
      general: {limit: 1000}
`

func TestLoadConfig(t *testing.T) {
	xc, err := xconf.NewFromBytes([]byte(testQuotaYAML), xconf.FormatYAML)
	require.NoError(t, err)

	cfg, err := LoadConfig(xc, "xquota")
	require.NoError(t, err)

	assert.Equal(t, StoreFailOpen, cfg.StorePolicy)
	assert.Equal(t, 100*time.Millisecond, cfg.LookupTimeout)
	assert.Equal(t, DefaultCacheTTL, cfg.CacheTTL)
	assert.Equal(t, []Tier{TierFree, Tier2}, cfg.Tiers)
	assert.Equal(t, QuotaEntry{Limit: 20, Burst: 5}, cfg.Quotas[Tier2][CategoryTrading])
	assert.Equal(t, time.Minute, cfg.Categories[CategoryTrading].Window)
	assert.Equal(t, Tier2, cfg.Plans["Premium"])
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(nil, "xquota")
	assert.ErrorIs(t, err, ErrConfig)

	// 默认阶梯有四级，只给出 FREE 的配额表不完整
	xc, err := xconf.NewFromBytes([]byte(`
xquota:
  quotas:
    FREE:
      trading: {limit: 5}
`), xconf.FormatYAML)
	require.NoError(t, err)
	_, err = LoadConfig(xc, "xquota")
	assert.ErrorIs(t, err, ErrConfig)

	xc, err = xconf.NewFromBytes([]byte("xquota:\n  lookup_timeout: soon\n"), xconf.FormatYAML)
	require.NoError(t, err)
	_, err = LoadConfig(xc, "xquota")
	assert.ErrorIs(t, err, ErrConfig)
	assert.ErrorIs(t, err, xconf.ErrUnmarshalFailed)
}
