package xquota

import (
	"context"
	"strconv"
	"time"
)

// BucketStore 固定窗口计数存储。
//
// 实现必须保证同一 (identity, category, windowStart) 上的
// 检查与递增是单个原子操作：并发调用方不能同时读到 capacity-1 并都被放行。
type BucketStore interface {
	// CheckAndIncrement 在 count < q.Capacity() 时递增并放行，
	// 否则拒绝并返回当前计数，被拒绝的请求不计数。
	CheckAndIncrement(ctx context.Context, identity string, category Category, q Quota, now time.Time) (BucketResult, error)

	// Peek 返回当前窗口的计数，不消耗配额
	Peek(ctx context.Context, identity string, category Category, q Quota, now time.Time) (BucketResult, error)

	// Reset 清除当前窗口的计数
	Reset(ctx context.Context, identity string, category Category, q Quota, now time.Time) error

	// Close 释放存储持有的资源（清理任务等）
	Close(ctx context.Context) error

	// Type 返回存储类型（"local" 或 "redis"）
	Type() string
}

// BucketResult 单次检查的结果
type BucketResult struct {
	// Admitted 是否放行
	Admitted bool

	// Count 窗口内已计数的请求数（放行时为递增后的值）
	Count int

	// Capacity 窗口容量（limit + burst）
	Capacity int

	// WindowStart 当前窗口的起点
	WindowStart time.Time

	// ResetAt 当前窗口的结束时间
	ResetAt time.Time
}

// Remaining 返回窗口剩余容量
func (r BucketResult) Remaining() int {
	return max(r.Capacity-r.Count, 0)
}

// WindowStart 计算 now 所在固定窗口的起点。
// 窗口按 Unix 纪元对齐：floor(now / window) * window。
func WindowStart(now time.Time, window time.Duration) time.Time {
	w := int64(window)
	ns := now.UnixNano()
	start := ns / w * w
	if ns < 0 && ns%w != 0 {
		start -= w
	}
	return time.Unix(0, start)
}

// newBucketResult 根据窗口与计数组装结果
func newBucketResult(admitted bool, count int, q Quota, start time.Time) BucketResult {
	return BucketResult{
		Admitted:    admitted,
		Count:       count,
		Capacity:    q.Capacity(),
		WindowStart: start,
		ResetAt:     start.Add(q.Window),
	}
}

// bucketKeyString 渲染分布式存储的键：<prefix><identity>:<category>:<windowStartMillis>
func bucketKeyString(prefix, identity string, category Category, start time.Time) string {
	return prefix + identity + ":" + string(category) + ":" + strconv.FormatInt(start.UnixMilli(), 10)
}
