package xquota

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// MiddlewareOptions HTTP/Gin 中间件配置选项
type MiddlewareOptions struct {
	// Identity 身份提取器，默认只读上游认证写入 context 的身份。
	// 未认证的请求落入共享的匿名分区。
	Identity IdentityFunc

	// DenyHandler 自定义拒绝处理器
	DenyHandler func(w http.ResponseWriter, r *http.Request, d Decision)

	// SkipFunc 返回 true 时跳过准入检查
	SkipFunc func(r *http.Request) bool

	// EnableHeaders 是否在响应中添加限流头
	EnableHeaders bool

	customDeny bool
}

// MiddlewareOption 中间件选项函数
type MiddlewareOption func(*MiddlewareOptions)

// defaultMiddlewareOptions 返回默认的中间件选项
func defaultMiddlewareOptions() *MiddlewareOptions {
	return &MiddlewareOptions{
		Identity:      ContextIdentity(),
		DenyHandler:   defaultDenyHandler,
		EnableHeaders: true,
	}
}

func applyMiddlewareOptions(opts []MiddlewareOption) *MiddlewareOptions {
	o := defaultMiddlewareOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.Identity == nil {
		o.Identity = func(*http.Request) string { return "" }
	}
	if o.DenyHandler == nil {
		o.DenyHandler = defaultDenyHandler
	}
	return o
}

// WithIdentityFunc 设置身份提取器
func WithIdentityFunc(fn IdentityFunc) MiddlewareOption {
	return func(o *MiddlewareOptions) {
		o.Identity = fn
	}
}

// WithDenyHandler 设置自定义拒绝处理器
func WithDenyHandler(handler func(w http.ResponseWriter, r *http.Request, d Decision)) MiddlewareOption {
	return func(o *MiddlewareOptions) {
		o.DenyHandler = handler
		o.customDeny = handler != nil
	}
}

// WithSkipFunc 设置跳过函数
func WithSkipFunc(skipFunc func(r *http.Request) bool) MiddlewareOption {
	return func(o *MiddlewareOptions) {
		o.SkipFunc = skipFunc
	}
}

// WithMiddlewareHeaders 设置是否启用限流头
func WithMiddlewareHeaders(enable bool) MiddlewareOption {
	return func(o *MiddlewareOptions) {
		o.EnableHeaders = enable
	}
}

// DenyResponse 拒绝响应体
type DenyResponse struct {
	Error      string       `json:"error"`
	Tier       Tier         `json:"tier"`
	Category   Category     `json:"category"`
	Limit      int          `json:"limit"`
	Count      int          `json:"count"`
	ResetAt    time.Time    `json:"reset_at"`
	RetryAfter int64        `json:"retry_after"`
	Upgrade    *UpgradeBody `json:"upgrade,omitempty"`
	Message    string       `json:"message"`
}

// UpgradeBody 拒绝响应中的升级提示
type UpgradeBody struct {
	Tier  Tier `json:"tier"`
	Limit int  `json:"limit"`
}

// NewDenyResponse 根据决策构造拒绝响应体
func NewDenyResponse(d Decision) DenyResponse {
	resp := DenyResponse{
		Error:      string(d.Reason),
		Tier:       d.Tier,
		Category:   d.Category,
		Limit:      d.Limit,
		Count:      d.Count,
		ResetAt:    d.ResetAt.UTC(),
		RetryAfter: retryAfterSeconds(d.RetryAfter),
		Message:    d.Message(),
	}
	if d.UpgradeHint != nil {
		resp.Upgrade = &UpgradeBody{Tier: d.UpgradeHint.NextTier, Limit: d.UpgradeHint.NextLimit}
	}
	return resp
}

// StatusCode 返回拒绝决策对应的 HTTP 状态码
func StatusCode(d Decision) int {
	switch d.Reason {
	case ReasonStoreUnavailable, ReasonEngineClosed:
		return http.StatusServiceUnavailable
	case ReasonUnknownCategory, ReasonInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusTooManyRequests
	}
}

// defaultDenyHandler 默认的拒绝处理器，写 JSON 响应体
func defaultDenyHandler(w http.ResponseWriter, _ *http.Request, d Decision) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusCode(d))
	// 写入失败通常表示客户端已断开连接，无法补救
	_ = json.NewEncoder(w).Encode(NewDenyResponse(d)) //nolint:errcheck // 见上
}

// decisionCtxKey context 中决策的键
type decisionCtxKey struct{}

// WithDecision 将决策写入 context，供下游 handler 读取
func WithDecision(ctx context.Context, d Decision) context.Context {
	return context.WithValue(ctx, decisionCtxKey{}, d)
}

// DecisionFromContext 读取中间件写入的决策
func DecisionFromContext(ctx context.Context) (Decision, bool) {
	d, ok := ctx.Value(decisionCtxKey{}).(Decision)
	return d, ok
}
