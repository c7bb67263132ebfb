package xquota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"

	"github.com/omeyang/xquota/pkg/observability/xlog"
)

// Resolution 一次等级解析的结果
type Resolution struct {
	Tier   Tier
	Source TierSource
	// Err 降级原因，仅在 Source 为 SourceFallback 时可能非空
	Err error
}

// cachedTier 缓存条目。过期时间由条目自身携带并按注入的时钟判断，
// ristretto 的 TTL 只负责回收内存。
type cachedTier struct {
	tier      Tier
	source    TierSource
	expiresAt time.Time
}

// TierResolver 将调用方身份解析为订阅等级。
//
// 匿名调用方直接得到最低等级且不查询；其余调用方先查缓存，未命中时
// 通过 EntitlementSource 查询。同一身份的并发未命中共享一次查询，
// 查询脱离请求 ctx 运行并受 LookupTimeout 约束，失败一律降级到最低等级。
type TierResolver struct {
	table         *QuotaTable
	source        EntitlementSource
	plans         map[string]Tier
	anonymous     string
	ttl           time.Duration
	negativeTTL   time.Duration
	lookupTimeout time.Duration

	// mu 保护 cache 的关闭：后台查询可能在 Close 之后才写回
	mu      sync.RWMutex
	closed  bool
	cache   *ristretto.Cache[string, cachedTier]
	group   singleflight.Group
	breaker *gobreaker.CircuitBreaker[[]string]

	clock  func() time.Time
	logger xlog.Logger
}

// NewTierResolver 创建等级解析器。
// cfg 提供套餐映射、匿名哨兵、缓存与超时参数，零值字段使用默认值。
func NewTierResolver(table *QuotaTable, source EntitlementSource, cfg Config, opts ...Option) (*TierResolver, error) {
	if table == nil {
		return nil, fmt.Errorf("%w: quota table is nil", ErrConfig)
	}
	if source == nil {
		return nil, fmt.Errorf("%w: entitlement source is nil", ErrConfig)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.validateRuntime(); err != nil {
		return nil, err
	}
	o := applyOptions(opts)

	plans, err := planIndex(cfg.Plans, func(t Tier) bool {
		_, ok := table.Rank(t)
		return ok
	})
	if err != nil {
		return nil, err
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, cachedTier]{
		NumCounters:        cfg.CacheMaxEntries * 10,
		MaxCost:            cfg.CacheMaxEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: tier cache: %w", ErrConfig, err)
	}

	r := &TierResolver{
		table:         table,
		source:        source,
		plans:         plans,
		anonymous:     cfg.AnonymousIdentity,
		ttl:           cfg.CacheTTL,
		negativeTTL:   cfg.NegativeTTL,
		lookupTimeout: cfg.LookupTimeout,
		cache:         cache,
		clock:         o.clock,
		logger:        o.logger.With(xlog.Component("xquota.resolver")),
	}
	r.breaker = gobreaker.NewCircuitBreaker[[]string](gobreaker.Settings{
		Name:        "xquota.entitlements",
		MaxRequests: 1,
		Timeout:     cfg.Breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Breaker.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn(context.Background(), "entitlement breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return r, nil
}

// IsAnonymous 报告身份是否为匿名（空或哨兵值）
func (r *TierResolver) IsAnonymous(identity string) bool {
	return identity == "" || identity == r.anonymous
}

// Partition 返回计数使用的身份分区，所有匿名调用方共享哨兵分区
func (r *TierResolver) Partition(identity string) string {
	if r.IsAnonymous(identity) {
		return r.anonymous
	}
	return identity
}

// Resolve 解析身份对应的等级，永不返回错误。
// 调用方最多等待 LookupTimeout；ctx 先结束时返回最低等级。
func (r *TierResolver) Resolve(ctx context.Context, identity string) Resolution {
	lowest := r.table.Lowest()
	if r.IsAnonymous(identity) {
		return Resolution{Tier: lowest, Source: SourceAnonymous}
	}

	if e, ok := r.cached(identity); ok {
		src := SourceCache
		if e.source == SourceFallback {
			src = SourceFallback
		}
		return Resolution{Tier: e.tier, Source: src}
	}

	ch := r.group.DoChan(identity, func() (v any, err error) {
		// singleflight 会在独立 goroutine 中重新抛出 panic
		defer func() {
			if p := recover(); p != nil {
				v = r.lookupPanicked(ctx, identity, p)
			}
		}()
		return r.lookup(ctx, identity), nil
	})

	timer := time.NewTimer(r.lookupTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if v, ok := res.Val.(Resolution); ok {
			return v
		}
		return Resolution{Tier: lowest, Source: SourceFallback, Err: ErrLookupFailed}
	case <-timer.C:
		return Resolution{Tier: lowest, Source: SourceFallback,
			Err: fmt.Errorf("%w: %w", ErrLookupFailed, context.DeadlineExceeded)}
	case <-ctx.Done():
		// 后台查询继续进行，结果供后续请求使用
		return Resolution{Tier: lowest, Source: SourceFallback, Err: ctx.Err()}
	}
}

// lookup 执行一次受熔断保护的查询并写入缓存
func (r *TierResolver) lookup(ctx context.Context, identity string) Resolution {
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.lookupTimeout)
	defer cancel()

	lowest := r.table.Lowest()
	plans, err := r.breaker.Execute(func() ([]string, error) {
		return r.source.LookupActiveEntitlements(lctx, identity)
	})
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrLookupFailed, err)
		r.put(identity, lowest, SourceFallback, r.negativeTTL)
		r.logger.Warn(lctx, "entitlement lookup failed, falling back to lowest tier",
			xlog.Identity(identity),
			xlog.Tier(string(lowest)),
			slog.Bool("breaker_open", errors.Is(err, gobreaker.ErrOpenState)),
			xlog.Err(err),
		)
		return Resolution{Tier: lowest, Source: SourceFallback, Err: err}
	}

	tier, matched := r.tierForPlans(lctx, identity, plans)
	ttl := r.ttl
	if !matched {
		ttl = r.negativeTTL
	}
	r.put(identity, tier, SourceLookup, ttl)
	return Resolution{Tier: tier, Source: SourceLookup}
}

// lookupPanicked 将订阅来源的 panic 视为查询失败并做负缓存
func (r *TierResolver) lookupPanicked(ctx context.Context, identity string, p any) Resolution {
	lowest := r.table.Lowest()
	err := fmt.Errorf("%w: entitlement source panicked", ErrLookupFailed)
	r.put(identity, lowest, SourceFallback, r.negativeTTL)
	r.logger.Error(ctx, "entitlement source panicked, falling back to lowest tier",
		xlog.Identity(identity),
		xlog.Tier(string(lowest)),
		slog.Any("panic", p),
	)
	return Resolution{Tier: lowest, Source: SourceFallback, Err: err}
}

// tierForPlans 取所有已知套餐中排名最高的等级；没有已知套餐时返回最低等级
func (r *TierResolver) tierForPlans(ctx context.Context, identity string, plans []string) (Tier, bool) {
	best := r.table.Lowest()
	bestRank := -1
	for _, p := range plans {
		tier, ok := r.plans[normalizePlan(p)]
		if !ok {
			r.logger.Warn(ctx, "unknown plan ignored",
				xlog.Identity(identity),
				slog.String("plan", p),
			)
			continue
		}
		if rank, _ := r.table.Rank(tier); rank > bestRank {
			best, bestRank = tier, rank
		}
	}
	return best, bestRank >= 0
}

// cached 返回未过期的缓存条目
func (r *TierResolver) cached(identity string) (cachedTier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return cachedTier{}, false
	}
	e, ok := r.cache.Get(identity)
	if !ok || !r.clock().Before(e.expiresAt) {
		return cachedTier{}, false
	}
	return e, true
}

func (r *TierResolver) put(identity string, tier Tier, source TierSource, ttl time.Duration) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	r.cache.SetWithTTL(identity, cachedTier{
		tier:      tier,
		source:    source,
		expiresAt: r.clock().Add(ttl),
	}, 1, ttl)
	r.cache.Wait()
}

// Invalidate 丢弃身份的缓存等级，下次解析将重新查询
func (r *TierResolver) Invalidate(identity string) {
	r.mu.RLock()
	if !r.closed {
		r.cache.Del(identity)
	}
	r.mu.RUnlock()
	r.group.Forget(identity)
}

// Close 释放缓存资源。重复调用是安全的。
func (r *TierResolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.cache.Close()
}
