package xquota

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// 预定义错误，使用 errors.Is 进行比较。
//
// 只有 ErrConfig 会从构造函数返回并终止启动；其余错误在 Evaluate 内部被吸收，
// 转换为最保守的有效决策。
var (
	// ErrConfig 表示配额配置无效（缺失的 tier/category 条目、非单调配额等）
	ErrConfig = errors.New("xquota: invalid config")

	// ErrLookupFailed 表示权益查询失败或超时
	ErrLookupFailed = errors.New("xquota: entitlement lookup failed")

	// ErrStoreUnavailable 表示计数存储不可用
	ErrStoreUnavailable = errors.New("xquota: bucket store unavailable")

	// ErrUnknownCategory 表示请求类别未配置
	ErrUnknownCategory = errors.New("xquota: unknown category")

	// ErrUnknownTier 表示等级不在配置的阶梯中
	ErrUnknownTier = errors.New("xquota: unknown tier")

	// ErrEngineClosed 表示引擎已关闭
	ErrEngineClosed = errors.New("xquota: engine closed")
)

// storeRelatedErrors 包含所有视为存储故障的底层错误
var storeRelatedErrors = []error{
	ErrStoreUnavailable,
	syscall.ECONNREFUSED,
	syscall.ECONNRESET,
	syscall.EPIPE,
	syscall.ETIMEDOUT,
	io.EOF,
	io.ErrUnexpectedEOF,
}

// IsStoreError 检查是否是计数存储相关错误。
//
// 使用错误链检查，而不是字符串匹配。
func IsStoreError(err error) bool {
	if err == nil {
		return false
	}

	for _, target := range storeRelatedErrors {
		if errors.Is(err, target) {
			return true
		}
	}

	return isNetworkError(err)
}

// isNetworkError 检查是否是网络相关错误
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// isContextError 检查是否是 context 取消或超时
func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
