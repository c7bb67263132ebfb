package xquota

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"
)

// DenyReason 拒绝原因
type DenyReason string

const (
	// ReasonQuotaExceeded 当前窗口配额已用完
	ReasonQuotaExceeded DenyReason = "quota_exceeded"
	// ReasonUnknownCategory 路由层传入了未配置的类别
	ReasonUnknownCategory DenyReason = "unknown_category"
	// ReasonStoreUnavailable 计数存储不可用且策略为 fail_closed
	ReasonStoreUnavailable DenyReason = "store_unavailable"
	// ReasonCanceled 请求在计数前被取消，未计数
	ReasonCanceled DenyReason = "canceled"
	// ReasonEngineClosed 引擎已关闭
	ReasonEngineClosed DenyReason = "engine_closed"
)

// UpgradeHint 升级提示：上一级等级及其在该类别的配额
type UpgradeHint struct {
	NextTier  Tier
	NextLimit int
}

// Decision 准入判定结果
type Decision struct {
	// Admitted 是否放行
	Admitted bool

	// Tier 本次判定使用的等级
	Tier Tier

	// Category 请求类别
	Category Category

	// Count 当前窗口已计数的请求数
	Count int

	// Limit 当前等级在该类别的配额（不含 Burst）
	Limit int

	// Burst 额外突发容量
	Burst int

	// Remaining 窗口剩余容量
	Remaining int

	// ResetAt 当前窗口结束时间
	ResetAt time.Time

	// RetryAfter 距离窗口重置的时间，仅在拒绝时非零
	RetryAfter time.Duration

	// UpgradeHint 拒绝且不是最高等级时给出
	UpgradeHint *UpgradeHint

	// Reason 拒绝原因，放行时为空
	Reason DenyReason

	// Degraded 等级已降级或应用了存储故障策略
	Degraded bool

	// TierSource 等级来源
	TierSource TierSource
}

// Headers 返回限流响应头
// - X-RateLimit-Limit: 配额上限
// - X-RateLimit-Remaining: 剩余配额
// - X-RateLimit-Reset: 窗口重置时间（Unix 时间戳）
// - X-RateLimit-Tier / X-RateLimit-Category
// - Retry-After: 重试等待秒数（仅在被拒绝时，向上取整）
func (d Decision) Headers() map[string]string {
	headers := map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(d.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(d.Remaining),
		"X-RateLimit-Tier":      string(d.Tier),
		"X-RateLimit-Category":  string(d.Category),
	}
	if !d.ResetAt.IsZero() {
		headers["X-RateLimit-Reset"] = strconv.FormatInt(d.ResetAt.Unix(), 10)
	}

	if d.RetryAfter > 0 {
		headers["Retry-After"] = strconv.FormatInt(retryAfterSeconds(d.RetryAfter), 10)
	}

	return headers
}

// SetHeaders 将限流响应头写入 http.ResponseWriter。
// Limit <= 0 表示没有有效配额信息（如未知类别），此时不写入。
func (d Decision) SetHeaders(w http.ResponseWriter) {
	if d.Limit <= 0 {
		return
	}
	for key, value := range d.Headers() {
		w.Header().Set(key, value)
	}
}

// Message 返回面向调用方的说明文本
func (d Decision) Message() string {
	switch d.Reason {
	case "":
		return ""
	case ReasonQuotaExceeded:
		msg := fmt.Sprintf("You have exceeded your %s %s limit of %d requests; resets at %s",
			d.Tier, d.Category, d.Limit, d.ResetAt.UTC().Format(time.RFC3339))
		if d.UpgradeHint != nil {
			msg += fmt.Sprintf("; upgrade to %s for %d", d.UpgradeHint.NextTier, d.UpgradeHint.NextLimit)
		}
		return msg
	case ReasonUnknownCategory:
		return fmt.Sprintf("Request category %q is not available", d.Category)
	case ReasonStoreUnavailable:
		return "Rate limiting is temporarily unavailable; please retry shortly"
	case ReasonCanceled:
		return "Request was canceled"
	default:
		return "Request was not admitted"
	}
}

// retryAfterSeconds 向上取整，避免亚秒级等待被截断为 0
func retryAfterSeconds(d time.Duration) int64 {
	return int64(math.Ceil(d.Seconds()))
}

// Usage 单个类别的当前用量
type Usage struct {
	Category  Category
	Tier      Tier
	Count     int
	Limit     int
	Burst     int
	Remaining int
	Window    time.Duration
	ResetAt   time.Time
}
