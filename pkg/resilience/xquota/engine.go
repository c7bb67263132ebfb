package xquota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/omeyang/xquota/pkg/observability/xlog"
)

// ReasonInternal 判定过程中出现意外 panic，按 fail-closed 拒绝
const ReasonInternal DenyReason = "internal_error"

// storeFailureRetryAfter 存储故障拒绝时建议的重试间隔
const storeFailureRetryAfter = time.Second

// Engine 准入控制引擎。
//
// 流程：解析等级 → 查配额 → 原子检查并递增 → 组装决策。
// Evaluate 从不返回错误：内部故障都被吸收为最保守的有效决策。
type Engine struct {
	table    *QuotaTable
	resolver *TierResolver
	store    BucketStore
	opts     *options
	metrics  *Metrics
	tracer   trace.Tracer
	logger   xlog.Logger
	closed   atomic.Bool
}

// NewEngine 组装引擎。
// 引擎接管 resolver 和 store，Close 时一并释放。
func NewEngine(table *QuotaTable, resolver *TierResolver, store BucketStore, opts ...Option) (*Engine, error) {
	if table == nil || resolver == nil || store == nil {
		return nil, fmt.Errorf("%w: table, resolver and store are required", ErrConfig)
	}
	o := applyOptions(opts)
	if !o.storePolicy.IsValid() {
		return nil, fmt.Errorf("%w: invalid store policy %q", ErrConfig, o.storePolicy)
	}

	metrics, err := NewMetrics(o.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("xquota: create metrics: %w", err)
	}

	tp := o.tracerProvider
	if tp == nil {
		tp = noop.NewTracerProvider()
	}

	return &Engine{
		table:    table,
		resolver: resolver,
		store:    store,
		opts:     o,
		metrics:  metrics,
		tracer:   tp.Tracer("xquota"),
		logger:   o.logger.With(xlog.Component("xquota")),
	}, nil
}

// New 根据配置构建配额表、等级解析器和引擎。
// cfg.StorePolicy 作为默认存储策略，opts 可以覆盖。
func New(cfg Config, source EntitlementSource, store BucketStore, opts ...Option) (*Engine, error) {
	cfg = cfg.WithDefaults()
	table, err := NewQuotaTable(cfg)
	if err != nil {
		return nil, err
	}
	resolver, err := NewTierResolver(table, source, cfg, opts...)
	if err != nil {
		return nil, err
	}
	engine, err := NewEngine(table, resolver, store,
		append([]Option{WithStorePolicy(cfg.StorePolicy)}, opts...)...)
	if err != nil {
		resolver.Close()
		return nil, err
	}
	return engine, nil
}

// Table 返回配额表
func (e *Engine) Table() *QuotaTable {
	return e.table
}

// Resolver 返回等级解析器
func (e *Engine) Resolver() *TierResolver {
	return e.resolver
}

// Evaluate 判定一次请求是否准入。
// 等级在一次判定中只解析一次；被拒绝的请求不计数。
func (e *Engine) Evaluate(ctx context.Context, identity string, category Category) (d Decision) {
	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "xquota.Evaluate",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("xquota.category", string(category))),
	)

	defer func() {
		if p := recover(); p != nil {
			d = Decision{Tier: e.table.Lowest(), Category: category, Reason: ReasonInternal, Degraded: true}
			e.logger.Error(ctx, "panic during admission evaluation",
				xlog.Identity(identity),
				xlog.Category(string(category)),
				slog.Any("panic", p),
			)
		}
		e.finish(ctx, span, identity, d, time.Since(started))
	}()

	if e.closed.Load() {
		return Decision{Tier: e.table.Lowest(), Category: category, Reason: ReasonEngineClosed}
	}

	if !e.table.HasCategory(category) {
		// 路由层传入未配置的类别属于程序缺陷
		e.logger.Error(ctx, "unknown request category",
			xlog.Identity(identity),
			xlog.Category(string(category)),
		)
		return Decision{Tier: e.table.Lowest(), Category: category, Reason: ReasonUnknownCategory}
	}

	res := e.resolver.Resolve(ctx, identity)
	q, err := e.table.Limit(res.Tier, category)
	if err != nil {
		res = Resolution{Tier: e.table.Lowest(), Source: SourceFallback, Err: err}
		q, err = e.table.Limit(res.Tier, category)
		if err != nil {
			return Decision{Tier: res.Tier, Category: category, Reason: ReasonUnknownCategory}
		}
	}
	if res.Source == SourceFallback {
		e.onTierFallback(ctx, identity, res)
	}

	d = Decision{
		Tier:       res.Tier,
		Category:   category,
		Limit:      q.Limit,
		Burst:      q.Burst,
		TierSource: res.Source,
		Degraded:   res.Source == SourceFallback,
	}

	if ctx.Err() != nil {
		return e.deny(d, ReasonCanceled, q)
	}

	now := e.opts.clock()
	br, err := e.store.CheckAndIncrement(ctx, e.resolver.Partition(identity), category, q, now)
	if err != nil {
		if ctx.Err() != nil {
			return e.deny(d, ReasonCanceled, q)
		}
		return e.onStoreFailure(ctx, identity, d, q, now, err)
	}

	d.Admitted = br.Admitted
	d.Count = br.Count
	d.Remaining = br.Remaining()
	d.ResetAt = br.ResetAt
	if !d.Admitted {
		d.RetryAfter = br.ResetAt.Sub(now)
		return e.deny(d, ReasonQuotaExceeded, q)
	}
	return d
}

// deny 标记拒绝，并在不是最高等级时附上升级提示
func (e *Engine) deny(d Decision, reason DenyReason, q Quota) Decision {
	d.Admitted = false
	d.Reason = reason
	d.Remaining = max(q.Capacity()-d.Count, 0)
	if reason != ReasonQuotaExceeded {
		d.Remaining = 0
	}
	if next, ok := e.table.Next(d.Tier); ok {
		if nq, err := e.table.Limit(next, d.Category); err == nil {
			d.UpgradeHint = &UpgradeHint{NextTier: next, NextLimit: nq.Limit}
		}
	}
	return d
}

// onStoreFailure 按存储策略处理计数存储故障
func (e *Engine) onStoreFailure(ctx context.Context, identity string, d Decision, q Quota, now time.Time, err error) Decision {
	policy := e.opts.storePolicy
	e.metrics.RecordStoreFailure(ctx, e.store.Type(), policy)
	e.logger.Warn(ctx, "bucket store unavailable, applying policy",
		xlog.Identity(identity),
		xlog.Category(string(d.Category)),
		slog.String("store", e.store.Type()),
		slog.String("policy", string(policy)),
		slog.Bool("store_error", IsStoreError(err)),
		xlog.Err(err),
	)

	d.ResetAt = WindowStart(now, q.Window).Add(q.Window)
	if policy == StoreFailOpen {
		d.Admitted = true
		d.Degraded = true
		return d
	}
	d.RetryAfter = storeFailureRetryAfter
	return e.deny(d, ReasonStoreUnavailable, q)
}

func (e *Engine) onTierFallback(ctx context.Context, identity string, res Resolution) {
	reason := "cached"
	switch {
	case res.Err == nil:
	case errors.Is(res.Err, context.Canceled):
		reason = "canceled"
	case errors.Is(res.Err, context.DeadlineExceeded):
		reason = "timeout"
	default:
		reason = "error"
	}
	e.metrics.RecordTierFallback(ctx, reason)
	if e.opts.onTierFallback != nil {
		e.safeCallback(ctx, "on_tier_fallback", func() { e.opts.onTierFallback(identity, res.Err) })
	}
}

// safeCallback 执行调用方注册的回调，回调 panic 只记录日志
func (e *Engine) safeCallback(ctx context.Context, name string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error(ctx, "callback panicked",
				slog.String("callback", name),
				slog.Any("panic", p),
			)
		}
	}()
	fn()
}

// finish 记录 span、指标、回调和日志
func (e *Engine) finish(ctx context.Context, span trace.Span, identity string, d Decision, elapsed time.Duration) {
	span.SetAttributes(
		attribute.String("xquota.tier", string(d.Tier)),
		attribute.String("xquota.tier_source", string(d.TierSource)),
		attribute.Bool("xquota.admitted", d.Admitted),
		attribute.Int("xquota.count", d.Count),
		attribute.Int("xquota.limit", d.Limit),
	)
	if d.Reason == ReasonUnknownCategory || d.Reason == ReasonInternal {
		span.SetStatus(otelcodes.Error, string(d.Reason))
	}
	span.End()

	e.metrics.RecordEvaluation(ctx, d, elapsed)

	if e.opts.onDecision != nil {
		e.safeCallback(ctx, "on_decision", func() { e.opts.onDecision(d) })
	}

	if d.Admitted {
		e.logger.Debug(ctx, "request admitted",
			xlog.Identity(identity),
			xlog.Tier(string(d.Tier)),
			xlog.Category(string(d.Category)),
			slog.Int("count", d.Count),
			slog.Int("remaining", d.Remaining),
		)
		return
	}
	if d.Reason == ReasonUnknownCategory || d.Reason == ReasonInternal {
		return
	}
	e.logger.Warn(ctx, "request denied",
		xlog.Identity(identity),
		xlog.Tier(string(d.Tier)),
		xlog.Category(string(d.Category)),
		xlog.Reason(string(d.Reason)),
		slog.Int("limit", d.Limit),
		slog.Duration("retry_after", d.RetryAfter),
	)
}

// Usage 返回身份在每个类别当前窗口的用量，不消耗配额
func (e *Engine) Usage(ctx context.Context, identity string) ([]Usage, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	res := e.resolver.Resolve(ctx, identity)
	partition := e.resolver.Partition(identity)
	now := e.opts.clock()

	cats := e.table.Categories()
	out := make([]Usage, 0, len(cats))
	for _, cat := range cats {
		q, err := e.table.Limit(res.Tier, cat)
		if err != nil {
			return nil, err
		}
		br, err := e.store.Peek(ctx, partition, cat, q, now)
		if err != nil {
			return nil, fmt.Errorf("xquota: usage %s: %w", cat, err)
		}
		out = append(out, Usage{
			Category:  cat,
			Tier:      res.Tier,
			Count:     br.Count,
			Limit:     q.Limit,
			Burst:     q.Burst,
			Remaining: br.Remaining(),
			Window:    q.Window,
			ResetAt:   br.ResetAt,
		})
	}
	return out, nil
}

// Reset 清除身份在指定类别当前窗口的计数
func (e *Engine) Reset(ctx context.Context, identity string, category Category) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	// 窗口只由类别决定，任一等级的配额都可用于定位桶
	q, err := e.table.Limit(e.table.Lowest(), category)
	if err != nil {
		return err
	}
	return e.store.Reset(ctx, e.resolver.Partition(identity), category, q, e.opts.clock())
}

// Close 关闭引擎，停止存储的清理任务并释放等级缓存。
// 重复调用是安全的。
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := e.store.Close(ctx)
	e.resolver.Close()
	return err
}
