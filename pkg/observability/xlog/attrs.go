package xlog

import (
	"log/slog"
	"time"
)

// 常用属性 Key 常量
const (
	// KeyError 错误字段的标准 key
	KeyError = "error"

	// KeyDuration 耗时字段的标准 key
	KeyDuration = "duration"

	// KeyComponent 组件名称字段的标准 key
	KeyComponent = "component"

	// KeyIdentity 调用方身份字段的标准 key
	KeyIdentity = "identity"

	// KeyTier 订阅等级字段的标准 key
	KeyTier = "tier"

	// KeyCategory 请求类别字段的标准 key
	KeyCategory = "category"

	// KeyReason 拒绝/降级原因字段的标准 key
	KeyReason = "reason"

	// KeyRequestID 请求 ID 字段的标准 key
	KeyRequestID = "request_id"
)

// Err 创建错误属性
// 如果 err 为 nil，返回空属性（会被 slog 忽略）。
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Duration 创建耗时属性，输出人类可读格式（如 "250ms"）
func Duration(d time.Duration) slog.Attr {
	return slog.String(KeyDuration, d.String())
}

// Component 创建组件名属性
func Component(name string) slog.Attr {
	return slog.String(KeyComponent, name)
}

// Identity 创建调用方身份属性
func Identity(id string) slog.Attr {
	return slog.String(KeyIdentity, id)
}

// Tier 创建订阅等级属性
func Tier(tier string) slog.Attr {
	return slog.String(KeyTier, tier)
}

// Category 创建请求类别属性
func Category(category string) slog.Attr {
	return slog.String(KeyCategory, category)
}

// Reason 创建原因属性
func Reason(reason string) slog.Attr {
	return slog.String(KeyReason, reason)
}

// RequestID 创建请求 ID 属性
func RequestID(id string) slog.Attr {
	return slog.String(KeyRequestID, id)
}
