package xquota

import (
	"fmt"
	"slices"
	"time"
)

// Quota 单个 (tier, category) 的生效配额
type Quota struct {
	Limit  int
	Burst  int
	Window time.Duration
}

// Capacity 返回窗口内可接纳的请求总数
func (q Quota) Capacity() int {
	return q.Limit + q.Burst
}

// QuotaTable 不可变的配额表。
// 构造后只读，并发访问无需加锁。
type QuotaTable struct {
	ladder     []Tier
	rank       map[Tier]int
	categories []Category
	quotas     map[Tier]map[Category]Quota
}

// NewQuotaTable 根据配置构建配额表。
// 配置不完整（缺失任何 (tier, category) 组合）时返回 ErrConfig。
func NewQuotaTable(cfg Config) (*QuotaTable, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &QuotaTable{
		ladder: slices.Clone(cfg.Tiers),
		rank:   make(map[Tier]int, len(cfg.Tiers)),
		quotas: make(map[Tier]map[Category]Quota, len(cfg.Tiers)),
	}
	for cat := range cfg.Categories {
		t.categories = append(t.categories, cat)
	}
	slices.Sort(t.categories)

	for i, tier := range cfg.Tiers {
		t.rank[tier] = i
		row := make(map[Category]Quota, len(cfg.Categories))
		for cat, cc := range cfg.Categories {
			e := cfg.Quotas[tier][cat]
			row[cat] = Quota{Limit: e.Limit, Burst: e.Burst, Window: cc.Window}
		}
		t.quotas[tier] = row
	}
	return t, nil
}

// Limit 返回 (tier, category) 的配额
func (t *QuotaTable) Limit(tier Tier, category Category) (Quota, error) {
	row, ok := t.quotas[tier]
	if !ok {
		return Quota{}, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	q, ok := row[category]
	if !ok {
		return Quota{}, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	return q, nil
}

// HasCategory 报告类别是否已配置
func (t *QuotaTable) HasCategory(category Category) bool {
	_, ok := t.quotas[t.Lowest()][category]
	return ok
}

// Ladder 返回等级阶梯的副本（升序）
func (t *QuotaTable) Ladder() []Tier {
	return slices.Clone(t.ladder)
}

// Categories 返回已配置类别（按名称排序）
func (t *QuotaTable) Categories() []Category {
	return slices.Clone(t.categories)
}

// Lowest 返回最低等级，即降级等级
func (t *QuotaTable) Lowest() Tier {
	return t.ladder[0]
}

// Highest 返回最高等级
func (t *QuotaTable) Highest() Tier {
	return t.ladder[len(t.ladder)-1]
}

// Rank 返回等级在阶梯中的位置
func (t *QuotaTable) Rank(tier Tier) (int, bool) {
	r, ok := t.rank[tier]
	return r, ok
}

// Next 返回上一级等级；tier 已是最高或未知时 ok 为 false
func (t *QuotaTable) Next(tier Tier) (Tier, bool) {
	r, ok := t.rank[tier]
	if !ok || r+1 >= len(t.ladder) {
		return "", false
	}
	return t.ladder[r+1], true
}
