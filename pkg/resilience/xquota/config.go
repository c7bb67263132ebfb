package xquota

import (
	"fmt"
	"slices"
	"time"
)

// StorePolicy 计数存储不可用时的处理策略
type StorePolicy string

const (
	// StoreFailClosed 拒绝请求（默认）
	StoreFailClosed StorePolicy = "fail_closed"

	// StoreFailOpen 放行请求，决策标记为 Degraded
	StoreFailOpen StorePolicy = "fail_open"
)

// IsValid 检查存储策略是否有效
func (p StorePolicy) IsValid() bool {
	switch p {
	case StoreFailClosed, StoreFailOpen:
		return true
	default:
		return false
	}
}

// 默认值。
const (
	DefaultAnonymousIdentity = "anonymous"
	DefaultCacheTTL          = 30 * time.Second
	DefaultNegativeTTL       = 5 * time.Second
	DefaultLookupTimeout     = 250 * time.Millisecond
	DefaultCacheMaxEntries   = 100_000
	DefaultKeyPrefix         = "xquota:"
	DefaultSweepSchedule     = "@every 1m"
)

// CategoryConfig 类别配置
type CategoryConfig struct {
	// Window 固定窗口时长，按 Unix 纪元对齐
	Window time.Duration `json:"window" yaml:"window" koanf:"window"`
}

// QuotaEntry 单个 (tier, category) 的配额
type QuotaEntry struct {
	// Limit 窗口内允许的请求数
	Limit int `json:"limit" yaml:"limit" koanf:"limit"`

	// Burst 在 Limit 之上额外允许的请求数，默认为 0
	Burst int `json:"burst,omitempty" yaml:"burst,omitempty" koanf:"burst"`
}

// BreakerConfig 权益查询熔断配置
type BreakerConfig struct {
	// ConsecutiveFailures 连续失败多少次后熔断，默认 5
	ConsecutiveFailures uint32 `json:"consecutive_failures" yaml:"consecutive_failures" koanf:"consecutive_failures"`

	// OpenTimeout 熔断打开后多久进入半开状态，默认 10s
	OpenTimeout time.Duration `json:"open_timeout" yaml:"open_timeout" koanf:"open_timeout"`
}

// Config 准入控制配置，启动时加载一次，之后不可变。
type Config struct {
	// Tiers 等级阶梯，按升序排列；第一个等级是降级时使用的最低等级
	Tiers []Tier `json:"tiers" yaml:"tiers" koanf:"tiers"`

	// Categories 类别及其窗口
	Categories map[Category]CategoryConfig `json:"categories" yaml:"categories" koanf:"categories"`

	// Quotas 配额表，必须覆盖 Tiers × Categories 的每个组合
	Quotas map[Tier]map[Category]QuotaEntry `json:"quotas" yaml:"quotas" koanf:"quotas"`

	// Plans 套餐标识到等级的映射（精确匹配，忽略大小写和首尾空白）
	Plans map[string]Tier `json:"plans" yaml:"plans" koanf:"plans"`

	// ReferencedCategories 周边系统会使用的类别，启动时校验每个都已配置
	ReferencedCategories []Category `json:"referenced_categories,omitempty" yaml:"referenced_categories,omitempty" koanf:"referenced_categories"`

	// AnonymousIdentity 匿名调用方的哨兵标识，空标识同样视为匿名
	AnonymousIdentity string `json:"anonymous_identity" yaml:"anonymous_identity" koanf:"anonymous_identity"`

	// CacheTTL 等级缓存有效期
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl" koanf:"cache_ttl"`

	// NegativeTTL 查询失败或无有效套餐时的缓存有效期
	NegativeTTL time.Duration `json:"negative_ttl" yaml:"negative_ttl" koanf:"negative_ttl"`

	// LookupTimeout 单次权益查询的超时
	LookupTimeout time.Duration `json:"lookup_timeout" yaml:"lookup_timeout" koanf:"lookup_timeout"`

	// CacheMaxEntries 等级缓存的最大条目数
	CacheMaxEntries int64 `json:"cache_max_entries" yaml:"cache_max_entries" koanf:"cache_max_entries"`

	// StorePolicy 计数存储不可用时的策略
	StorePolicy StorePolicy `json:"store_policy" yaml:"store_policy" koanf:"store_policy"`

	// KeyPrefix Redis 键前缀
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix" koanf:"key_prefix"`

	// SweepSchedule 本地存储过期清理的 cron 表达式
	SweepSchedule string `json:"sweep_schedule" yaml:"sweep_schedule" koanf:"sweep_schedule"`

	// Breaker 权益查询熔断配置
	Breaker BreakerConfig `json:"breaker" yaml:"breaker" koanf:"breaker"`
}

// DefaultConfig 返回默认配置。
//
// 交易类按分钟计数，其余类别按小时计数。
func DefaultConfig() Config {
	hour := CategoryConfig{Window: time.Hour}
	return Config{
		Tiers: append([]Tier(nil), DefaultTiers...),
		Categories: map[Category]CategoryConfig{
			CategoryGeneral:    hour,
			CategorySettlement: hour,
			CategoryStaking:    hour,
			CategoryTrading:    {Window: time.Minute},
		},
		Quotas: map[Tier]map[Category]QuotaEntry{
			TierFree: {
				CategoryGeneral:    {Limit: 100},
				CategorySettlement: {Limit: 10},
				CategoryStaking:    {Limit: 10},
				CategoryTrading:    {Limit: 5},
			},
			Tier2: {
				CategoryGeneral:    {Limit: 1000},
				CategorySettlement: {Limit: 100},
				CategoryStaking:    {Limit: 100},
				CategoryTrading:    {Limit: 20},
			},
			Tier3: {
				CategoryGeneral:    {Limit: 5000},
				CategorySettlement: {Limit: 500},
				CategoryStaking:    {Limit: 500},
				CategoryTrading:    {Limit: 60, Burst: 10},
			},
			Tier4: {
				CategoryGeneral:    {Limit: 20000},
				CategorySettlement: {Limit: 2000},
				CategoryStaking:    {Limit: 2000},
				CategoryTrading:    {Limit: 300, Burst: 50},
			},
		},
		Plans: map[string]Tier{
			"free":       TierFree,
			"starter":    Tier2,
			"pro":        Tier3,
			"enterprise": Tier4,
		},
		ReferencedCategories: []Category{CategoryGeneral, CategorySettlement, CategoryStaking, CategoryTrading},
		AnonymousIdentity:    DefaultAnonymousIdentity,
		CacheTTL:             DefaultCacheTTL,
		NegativeTTL:          DefaultNegativeTTL,
		LookupTimeout:        DefaultLookupTimeout,
		CacheMaxEntries:      DefaultCacheMaxEntries,
		StorePolicy:          StoreFailClosed,
		KeyPrefix:            DefaultKeyPrefix,
		SweepSchedule:        DefaultSweepSchedule,
		Breaker: BreakerConfig{
			ConsecutiveFailures: 5,
			OpenTimeout:         10 * time.Second,
		},
	}
}

// WithDefaults 返回填充了零值字段的配置副本。
// 配额表本身（Tiers/Categories/Quotas）不会被填充。
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.AnonymousIdentity == "" {
		c.AnonymousIdentity = d.AnonymousIdentity
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.NegativeTTL == 0 {
		c.NegativeTTL = d.NegativeTTL
	}
	if c.LookupTimeout == 0 {
		c.LookupTimeout = d.LookupTimeout
	}
	if c.CacheMaxEntries == 0 {
		c.CacheMaxEntries = d.CacheMaxEntries
	}
	if c.StorePolicy == "" {
		c.StorePolicy = d.StorePolicy
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = d.KeyPrefix
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = d.SweepSchedule
	}
	if c.Breaker.ConsecutiveFailures == 0 {
		c.Breaker.ConsecutiveFailures = d.Breaker.ConsecutiveFailures
	}
	if c.Breaker.OpenTimeout == 0 {
		c.Breaker.OpenTimeout = d.Breaker.OpenTimeout
	}
	return c
}

// Validate 验证配置是否有效。
// 所有错误都包装 ErrConfig。
func (c Config) Validate() error {
	if len(c.Tiers) == 0 {
		return fmt.Errorf("%w: tiers is required", ErrConfig)
	}
	seen := make(map[Tier]struct{}, len(c.Tiers))
	for i, t := range c.Tiers {
		if t == "" {
			return fmt.Errorf("%w: tiers[%d] is empty", ErrConfig, i)
		}
		if _, dup := seen[t]; dup {
			return fmt.Errorf("%w: duplicate tier %q", ErrConfig, t)
		}
		seen[t] = struct{}{}
	}

	if len(c.Categories) == 0 {
		return fmt.Errorf("%w: categories is required", ErrConfig)
	}
	for cat, cc := range c.Categories {
		if cat == "" {
			return fmt.Errorf("%w: empty category name", ErrConfig)
		}
		if cc.Window <= 0 {
			return fmt.Errorf("%w: category %q: window must be positive", ErrConfig, cat)
		}
	}

	if err := c.validateQuotas(seen); err != nil {
		return err
	}

	if _, err := planIndex(c.Plans, func(t Tier) bool {
		_, ok := seen[t]
		return ok
	}); err != nil {
		return err
	}

	for _, cat := range c.ReferencedCategories {
		if _, ok := c.Categories[cat]; !ok {
			return fmt.Errorf("%w: referenced category %q has no window or quota", ErrConfig, cat)
		}
	}

	return c.validateRuntime()
}

// validateQuotas 校验配额表完整且沿阶梯单调不减
func (c Config) validateQuotas(tiers map[Tier]struct{}) error {
	for t, row := range c.Quotas {
		if _, ok := tiers[t]; !ok {
			return fmt.Errorf("%w: quotas: tier %q is not in tiers", ErrConfig, t)
		}
		for cat := range row {
			if _, ok := c.Categories[cat]; !ok {
				return fmt.Errorf("%w: quotas[%s]: category %q is not in categories", ErrConfig, t, cat)
			}
		}
	}

	for cat := range c.Categories {
		var prev *QuotaEntry
		var prevTier Tier
		for _, t := range c.Tiers {
			q, ok := c.Quotas[t][cat]
			if !ok {
				return fmt.Errorf("%w: missing quota for (%s, %s)", ErrConfig, t, cat)
			}
			if q.Limit <= 0 {
				return fmt.Errorf("%w: quotas[%s][%s]: limit must be positive", ErrConfig, t, cat)
			}
			if q.Burst < 0 {
				return fmt.Errorf("%w: quotas[%s][%s]: burst cannot be negative", ErrConfig, t, cat)
			}
			if prev != nil && (q.Limit < prev.Limit || q.Limit+q.Burst < prev.Limit+prev.Burst) {
				return fmt.Errorf("%w: quota for (%s, %s) is lower than (%s, %s)", ErrConfig, t, cat, prevTier, cat)
			}
			prev, prevTier = &q, t
		}
	}
	return nil
}

// validateRuntime 校验运行期参数
func (c Config) validateRuntime() error {
	if !c.StorePolicy.IsValid() {
		return fmt.Errorf("%w: invalid store policy %q", ErrConfig, c.StorePolicy)
	}
	if c.CacheTTL <= 0 || c.NegativeTTL <= 0 {
		return fmt.Errorf("%w: cache ttl must be positive", ErrConfig)
	}
	if c.LookupTimeout <= 0 {
		return fmt.Errorf("%w: lookup_timeout must be positive", ErrConfig)
	}
	if c.CacheMaxEntries <= 0 {
		return fmt.Errorf("%w: cache_max_entries must be positive", ErrConfig)
	}
	return nil
}

// planIndex 按规范化后的套餐标识建立索引。
// 规范化后相同但指向不同等级的套餐视为配置歧义。
func planIndex(plans map[string]Tier, known func(Tier) bool) (map[string]Tier, error) {
	keys := make([]string, 0, len(plans))
	for plan := range plans {
		keys = append(keys, plan)
	}
	slices.Sort(keys)

	index := make(map[string]Tier, len(plans))
	origin := make(map[string]string, len(plans))
	for _, plan := range keys {
		tier := plans[plan]
		norm := normalizePlan(plan)
		if norm == "" {
			return nil, fmt.Errorf("%w: empty plan identifier", ErrConfig)
		}
		if !known(tier) {
			return nil, fmt.Errorf("%w: plan %q maps to unknown tier %q", ErrConfig, plan, tier)
		}
		if prev, ok := index[norm]; ok && prev != tier {
			return nil, fmt.Errorf("%w: plans %q and %q both normalize to %q but map to %s and %s",
				ErrConfig, origin[norm], plan, norm, prev, tier)
		}
		index[norm] = tier
		origin[norm] = plan
	}
	return index, nil
}
