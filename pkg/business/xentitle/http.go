package xentitle

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/omeyang/xquota/pkg/observability/xlog"
)

const (
	// DefaultTimeout 单次请求的默认超时。
	// 调用方（TierResolver）另有自己的查询预算，这里只兜底。
	DefaultTimeout = 2 * time.Second

	// maxResponseSize 最大响应体大小（1MB）
	maxResponseSize = 1 << 20

	entitlementsPath = "/v1/identities/%s/entitlements"
)

// HTTPSourceConfig HTTPSource 配置。
type HTTPSourceConfig struct {
	// BaseURL 订阅服务地址，如 https://billing.internal
	BaseURL string

	// Timeout 请求超时时间，默认 DefaultTimeout
	Timeout time.Duration

	// Token 非空时以 "Authorization: Bearer <Token>" 访问订阅服务
	Token string

	// TLSConfig TLS 配置
	TLSConfig *tls.Config

	// Client 自定义 HTTP 客户端。
	// 如果设置，Timeout 与 TLSConfig 将被忽略。
	Client *http.Client
}

// HTTPSource 通过订阅服务 HTTP 接口查询有效订阅。
type HTTPSource struct {
	client  *http.Client
	baseURL string
	token   string
	now     func() time.Time
	logger  xlog.Logger
}

// HTTPSourceOption HTTPSource 选项
type HTTPSourceOption func(*HTTPSource)

// WithHTTPClock 设置判断过期使用的时钟
func WithHTTPClock(now func() time.Time) HTTPSourceOption {
	return func(s *HTTPSource) {
		if now != nil {
			s.now = now
		}
	}
}

// WithHTTPLogger 设置日志记录器
func WithHTTPLogger(logger xlog.Logger) HTTPSourceOption {
	return func(s *HTTPSource) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewHTTPSource 创建 HTTPSource。
func NewHTTPSource(cfg HTTPSourceConfig, opts ...HTTPSourceOption) (*HTTPSource, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, ErrMissingBaseURL
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, ErrInvalidBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig:     cfg.TLSConfig,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: cfg.Timeout,
		}
	}

	s := &HTTPSource{
		client:  client,
		baseURL: base,
		token:   cfg.Token,
		now:     time.Now,
		logger:  xlog.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type entitlementsResponse struct {
	Entitlements []Entitlement `json:"entitlements"`
}

// LookupActiveEntitlements 实现 xquota.EntitlementSource。
func (s *HTTPSource) LookupActiveEntitlements(ctx context.Context, identity string) ([]string, error) {
	endpoint := s.baseURL + fmt.Sprintf(entitlementsPath, url.PathEscape(identity))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("xentitle: create request failed: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	defer func() { _ = resp.Body.Close() }() //nolint:errcheck // Close 错误无法传播，通常可忽略

	// 多读取 1 字节用于检测截断
	body, err := io.ReadAll(&io.LimitedReader{R: resp.Body, N: maxResponseSize + 1})
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrRequestFailed, err)
	}
	if len(body) > maxResponseSize {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrResponseTooLarge, maxResponseSize)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseAPIError(resp.StatusCode, body)
	}

	var out entitlementsResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResponseInvalid, err)
	}

	plans := activePlans(out.Entitlements, s.now())
	s.logger.Debug(ctx, "entitlements fetched",
		xlog.Identity(identity),
		slog.Int("total", len(out.Entitlements)),
		slog.Int("active", len(plans)),
	)
	return plans, nil
}

// parseAPIError 解析错误响应，解析失败时只保留状态码
func parseAPIError(statusCode int, body []byte) error {
	var apiResp struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &apiResp) //nolint:errcheck // 解析失败使用零值即可
	return &APIError{StatusCode: statusCode, Code: apiResp.Code, Message: apiResp.Message}
}
