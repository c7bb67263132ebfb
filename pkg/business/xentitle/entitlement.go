package xentitle

import (
	"strings"
	"time"
)

// StatusActive 有效订阅的状态值
const StatusActive = "active"

// Entitlement 订阅服务返回的单条订阅
type Entitlement struct {
	Plan      string     `json:"plan"`
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Active 判断订阅在 now 时刻是否有效。
// ExpiresAt 为空表示永不过期；到期时刻本身视为已过期。
func (e Entitlement) Active(now time.Time) bool {
	if !strings.EqualFold(strings.TrimSpace(e.Status), StatusActive) {
		return false
	}
	if strings.TrimSpace(e.Plan) == "" {
		return false
	}
	return e.ExpiresAt == nil || now.Before(*e.ExpiresAt)
}

// activePlans 过滤有效订阅并去重，保持原有顺序
func activePlans(ents []Entitlement, now time.Time) []string {
	seen := make(map[string]struct{}, len(ents))
	plans := make([]string, 0, len(ents))
	for _, e := range ents {
		if !e.Active(now) {
			continue
		}
		if _, ok := seen[e.Plan]; ok {
			continue
		}
		seen[e.Plan] = struct{}{}
		plans = append(plans, e.Plan)
	}
	return plans
}
