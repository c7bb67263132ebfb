package xquota

import "strings"

// Tier 订阅等级。
//
// 等级的高低顺序由 Config.Tiers 决定，而不是字符串本身。
type Tier string

// 内置等级名称。
const (
	TierFree Tier = "FREE"
	Tier2    Tier = "TIER_2"
	Tier3    Tier = "TIER_3"
	Tier4    Tier = "TIER_4"
)

// DefaultTiers 默认等级阶梯（升序）
var DefaultTiers = []Tier{TierFree, Tier2, Tier3, Tier4}

// TierSource 说明一次等级解析的来源。
type TierSource string

const (
	// SourceAnonymous 匿名调用方，直接取最低等级
	SourceAnonymous TierSource = "anonymous"
	// SourceCache 命中缓存
	SourceCache TierSource = "cache"
	// SourceLookup 本次实时查询
	SourceLookup TierSource = "lookup"
	// SourceFallback 查询失败、超时或熔断，降级到最低等级
	SourceFallback TierSource = "fallback"
)

// Category 请求类别，由路由层提供，每个类别绑定一个固定窗口。
type Category string

// 内置类别。
const (
	CategoryGeneral    Category = "general"
	CategorySettlement Category = "settlement"
	CategoryStaking    Category = "staking"
	CategoryTrading    Category = "trading"
)

// normalizePlan 规范化套餐标识：去空白并转小写
func normalizePlan(plan string) string {
	return strings.ToLower(strings.TrimSpace(plan))
}
