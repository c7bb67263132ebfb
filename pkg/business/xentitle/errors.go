package xentitle

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingBaseURL 表示订阅服务地址未配置。
	ErrMissingBaseURL = errors.New("xentitle: missing base url")

	// ErrInvalidBaseURL 表示订阅服务地址格式无效。
	ErrInvalidBaseURL = errors.New("xentitle: invalid base url: must include scheme and host")

	// ErrNilDB 表示传入的 gorm.DB 为 nil。
	ErrNilDB = errors.New("xentitle: nil db")

	// ErrRequestFailed 表示 HTTP 请求失败（网络错误等）。
	ErrRequestFailed = errors.New("xentitle: request failed")

	// ErrResponseInvalid 表示响应格式无效。
	ErrResponseInvalid = errors.New("xentitle: invalid response")

	// ErrResponseTooLarge 表示响应体超过最大限制。
	ErrResponseTooLarge = errors.New("xentitle: response body exceeds maximum size limit")

	// ErrQueryFailed 表示数据库查询失败。
	ErrQueryFailed = errors.New("xentitle: query failed")
)

// APIError 订阅服务返回的非 2xx 响应。
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

// Error 实现 error 接口。
func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("xentitle: api error: status=%d", e.StatusCode)
	}
	return fmt.Sprintf("xentitle: api error: status=%d code=%d message=%s", e.StatusCode, e.Code, e.Message)
}

// Temporary 5xx 与 429 视为临时错误。
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// IsTemporary 判断错误是否可重试。
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRequestFailed) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return false
}
