package xquota

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var errSourceDown = errors.New("subscription store down")

func newTestResolver(t *testing.T, source EntitlementSource, mutate func(*Config), opts ...Option) *TierResolver {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	table, err := NewQuotaTable(cfg)
	require.NoError(t, err)
	r, err := NewTierResolver(table, source, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func TestNewTierResolver_Validation(t *testing.T) {
	table, err := NewQuotaTable(DefaultConfig())
	require.NoError(t, err)

	_, err = NewTierResolver(nil, StaticSource{}, DefaultConfig())
	assert.ErrorIs(t, err, ErrConfig)
	_, err = NewTierResolver(table, nil, DefaultConfig())
	assert.ErrorIs(t, err, ErrConfig)

	cfg := DefaultConfig()
	cfg.Plans = map[string]Tier{"gold": "GOLD"}
	_, err = NewTierResolver(table, StaticSource{}, cfg)
	assert.ErrorIs(t, err, ErrConfig)

	cfg.Plans = map[string]Tier{"Pro": Tier3, "pro ": Tier2}
	_, err = NewTierResolver(table, StaticSource{}, cfg)
	assert.ErrorIs(t, err, ErrConfig)

	// 规范化后相同且等级一致的别名是允许的
	cfg.Plans = map[string]Tier{"Pro": Tier3, "pro": Tier3}
	r, err := NewTierResolver(table, StaticSource{"u": {"PRO"}}, cfg)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, Tier3, r.Resolve(context.Background(), "u").Tier)
}

func TestTierResolver_AnonymousNeverLooksUp(t *testing.T) {
	ctrl := gomock.NewController(t)
	// 没有 EXPECT：任何调用都会使测试失败
	source := NewMockEntitlementSource(ctrl)
	r := newTestResolver(t, source, nil)

	for _, id := range []string{"", "anonymous"} {
		res := r.Resolve(context.Background(), id)
		assert.Equal(t, TierFree, res.Tier)
		assert.Equal(t, SourceAnonymous, res.Source)
		assert.Equal(t, "anonymous", r.Partition(id))
	}
	assert.Equal(t, "user-1", r.Partition("user-1"))
}

func TestTierResolver_HighestKnownPlanWins(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := NewMockEntitlementSource(ctrl)
	source.EXPECT().
		LookupActiveEntitlements(gomock.Any(), "user-1").
		Return([]string{"starter", " PRO ", "platinum-legacy"}, nil).
		Times(1)

	r := newTestResolver(t, source, nil)

	res := r.Resolve(context.Background(), "user-1")
	assert.Equal(t, Tier3, res.Tier)
	assert.Equal(t, SourceLookup, res.Source)
	assert.NoError(t, res.Err)

	res = r.Resolve(context.Background(), "user-1")
	assert.Equal(t, Tier3, res.Tier)
	assert.Equal(t, SourceCache, res.Source)
}

func TestTierResolver_NoSubstringMatching(t *testing.T) {
	r := newTestResolver(t, StaticSource{"user-1": {"pro-trial", "enterprise2"}}, nil)

	res := r.Resolve(context.Background(), "user-1")
	assert.Equal(t, TierFree, res.Tier)
	assert.Equal(t, SourceLookup, res.Source)
}

func TestTierResolver_FailureFallsBackAndIsNegativelyCached(t *testing.T) {
	clock := newFakeClock(time.Now())
	ctrl := gomock.NewController(t)
	source := NewMockEntitlementSource(ctrl)
	source.EXPECT().
		LookupActiveEntitlements(gomock.Any(), "user-1").
		Return(nil, errSourceDown).
		Times(2)

	r := newTestResolver(t, source, nil, WithClock(clock.Now))

	res := r.Resolve(context.Background(), "user-1")
	assert.Equal(t, TierFree, res.Tier)
	assert.Equal(t, SourceFallback, res.Source)
	assert.ErrorIs(t, res.Err, ErrLookupFailed)
	assert.ErrorIs(t, res.Err, errSourceDown)

	// NegativeTTL 内不再查询
	res = r.Resolve(context.Background(), "user-1")
	assert.Equal(t, TierFree, res.Tier)
	assert.Equal(t, SourceFallback, res.Source)

	clock.Advance(DefaultNegativeTTL)
	res = r.Resolve(context.Background(), "user-1")
	assert.Equal(t, SourceFallback, res.Source)
}

func TestTierResolver_StaleTierNotServedAfterFailedRefresh(t *testing.T) {
	clock := newFakeClock(time.Now())
	ctrl := gomock.NewController(t)
	source := NewMockEntitlementSource(ctrl)
	gomock.InOrder(
		source.EXPECT().LookupActiveEntitlements(gomock.Any(), "whale").Return([]string{"enterprise"}, nil),
		source.EXPECT().LookupActiveEntitlements(gomock.Any(), "whale").Return(nil, errSourceDown),
	)

	r := newTestResolver(t, source, nil, WithClock(clock.Now))

	assert.Equal(t, Tier4, r.Resolve(context.Background(), "whale").Tier)

	clock.Advance(DefaultCacheTTL + time.Second)
	res := r.Resolve(context.Background(), "whale")
	assert.Equal(t, TierFree, res.Tier, "a failed refresh never returns the stale higher tier")
	assert.Equal(t, SourceFallback, res.Source)
}

func TestTierResolver_LookupTimeoutIsBounded(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := NewMockEntitlementSource(ctrl)
	done := make(chan struct{})
	source.EXPECT().
		LookupActiveEntitlements(gomock.Any(), "slow").
		DoAndReturn(func(ctx context.Context, _ string) ([]string, error) {
			defer close(done)
			<-ctx.Done()
			return nil, ctx.Err()
		})

	r := newTestResolver(t, source, func(c *Config) { c.LookupTimeout = 30 * time.Millisecond })

	start := time.Now()
	res := r.Resolve(context.Background(), "slow")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, TierFree, res.Tier)
	assert.Equal(t, SourceFallback, res.Source)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)

	<-done
}

func TestTierResolver_CallerCancelDoesNotAbortLookup(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	source := EntitlementFunc(func(ctx context.Context, _ string) (string, error) {
		close(started)
		select {
		case <-release:
			return "pro", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	r := newTestResolver(t, source, func(c *Config) { c.LookupTimeout = 5 * time.Second })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	res := r.Resolve(ctx, "user-1")
	assert.Equal(t, TierFree, res.Tier)
	assert.Equal(t, SourceFallback, res.Source)
	assert.ErrorIs(t, res.Err, context.Canceled)

	// 后台查询继续完成并写入缓存
	close(release)
	assert.Eventually(t, func() bool {
		res := r.Resolve(context.Background(), "user-1")
		return res.Tier == Tier3 && res.Source == SourceCache
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTierResolver_ConcurrentMissesShareOneLookup(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	source := EntitlementFunc(func(ctx context.Context, _ string) (string, error) {
		calls.Add(1)
		<-release
		return "starter", nil
	})

	r := newTestResolver(t, source, func(c *Config) { c.LookupTimeout = 5 * time.Second })

	const callers = 20
	var wg sync.WaitGroup
	results := make([]Resolution, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = r.Resolve(context.Background(), "user-1")
		}()
	}

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, res := range results {
		assert.Equal(t, Tier2, res.Tier)
	}
}

func TestTierResolver_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	clock := newFakeClock(time.Now())
	var calls atomic.Int32
	source := EntitlementFunc(func(context.Context, string) (string, error) {
		calls.Add(1)
		return "", errSourceDown
	})

	r := newTestResolver(t, source, func(c *Config) {
		c.Breaker = BreakerConfig{ConsecutiveFailures: 2, OpenTimeout: time.Hour}
	}, WithClock(clock.Now))

	for _, id := range []string{"a", "b", "c", "d"} {
		res := r.Resolve(context.Background(), id)
		assert.Equal(t, TierFree, res.Tier)
		assert.Equal(t, SourceFallback, res.Source)
	}
	assert.Equal(t, int32(2), calls.Load(), "open breaker fails fast without calling the source")
}

func TestTierResolver_SourcePanicFallsBack(t *testing.T) {
	clock := newFakeClock(time.Now())
	var calls atomic.Int32
	source := EntitlementFunc(func(context.Context, string) (string, error) {
		calls.Add(1)
		panic("source bug")
	})
	r := newTestResolver(t, source, nil, WithClock(clock.Now))

	var res Resolution
	require.NotPanics(t, func() {
		res = r.Resolve(context.Background(), "user-1")
	})
	assert.Equal(t, TierFree, res.Tier)
	assert.Equal(t, SourceFallback, res.Source)
	assert.ErrorIs(t, res.Err, ErrLookupFailed)

	// NegativeTTL 内不再调用来源
	res = r.Resolve(context.Background(), "user-1")
	assert.Equal(t, SourceFallback, res.Source)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTierResolver_Invalidate(t *testing.T) {
	var plan atomic.Value
	plan.Store("starter")
	source := EntitlementFunc(func(context.Context, string) (string, error) {
		return plan.Load().(string), nil
	})
	r := newTestResolver(t, source, nil)

	assert.Equal(t, Tier2, r.Resolve(context.Background(), "user-1").Tier)

	plan.Store("enterprise")
	assert.Equal(t, Tier2, r.Resolve(context.Background(), "user-1").Tier)

	r.Invalidate("user-1")
	assert.Equal(t, Tier4, r.Resolve(context.Background(), "user-1").Tier)
}

func TestEntitlementFunc(t *testing.T) {
	plans, err := EntitlementFunc(func(context.Context, string) (string, error) { return "", nil }).
		LookupActiveEntitlements(context.Background(), "u")
	require.NoError(t, err)
	assert.Empty(t, plans)

	_, err = EntitlementFunc(func(context.Context, string) (string, error) { return "", errSourceDown }).
		LookupActiveEntitlements(context.Background(), "u")
	assert.ErrorIs(t, err, errSourceDown)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = StaticSource{"u": {"pro"}}.LookupActiveEntitlements(ctx, "u")
	assert.ErrorIs(t, err, context.Canceled)
}
