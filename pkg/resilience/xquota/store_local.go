package xquota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/robfig/cron/v3"

	"github.com/omeyang/xquota/pkg/observability/xlog"
)

// localShardCount 分片数量，必须是 2 的幂
const localShardCount = 64

// LocalStore 进程内固定窗口计数存储。
//
// 按 (identity, category) 的 xxhash 选择分片，每个分片一把互斥锁，
// 同一身份同一类别的新旧窗口落在同一分片，创建新窗口时顺带淘汰上一个窗口。
// 其余过期桶由 cron 定时清理。
type LocalStore struct {
	shards [localShardCount]localShard
	cron   *cron.Cron
	clock  func() time.Time
	logger xlog.Logger
	closed atomic.Bool
}

type localShard struct {
	mu      sync.Mutex
	buckets map[localKey]*localBucket
}

type localKey struct {
	identity string
	category Category
	start    int64
}

type localBucket struct {
	count     int
	expiresAt time.Time
}

// LocalStoreOption 本地存储选项
type LocalStoreOption func(*localStoreOptions)

type localStoreOptions struct {
	schedule string
	clock    func() time.Time
	logger   xlog.Logger
}

// WithSweepSchedule 设置过期清理的 cron 表达式，默认 "@every 1m"。
// 空字符串表示不启动定时清理，仅依赖被动淘汰和手动 Sweep。
func WithSweepSchedule(spec string) LocalStoreOption {
	return func(o *localStoreOptions) {
		o.schedule = spec
	}
}

// WithStoreClock 设置清理任务使用的时钟
func WithStoreClock(clock func() time.Time) LocalStoreOption {
	return func(o *localStoreOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithStoreLogger 设置日志记录器
func WithStoreLogger(logger xlog.Logger) LocalStoreOption {
	return func(o *localStoreOptions) {
		o.logger = logger
	}
}

// NewLocalStore 创建本地存储，并按计划启动过期清理。
// 使用完毕后必须调用 Close 停止清理任务。
func NewLocalStore(opts ...LocalStoreOption) (*LocalStore, error) {
	o := &localStoreOptions{
		schedule: DefaultSweepSchedule,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	s := &LocalStore{
		clock:  o.clock,
		logger: o.logger,
	}
	for i := range s.shards {
		s.shards[i].buckets = make(map[localKey]*localBucket)
	}

	if o.schedule != "" {
		s.cron = cron.New()
		if _, err := s.cron.AddFunc(o.schedule, s.sweepJob); err != nil {
			return nil, fmt.Errorf("%w: sweep schedule %q: %w", ErrConfig, o.schedule, err)
		}
		s.cron.Start()
	}
	return s, nil
}

// Type 返回存储类型
func (s *LocalStore) Type() string {
	return "local"
}

func (s *LocalStore) shard(identity string, category Category) *localShard {
	h := xxhash.Sum64String(identity + "\x00" + string(category))
	return &s.shards[h&(localShardCount-1)]
}

// CheckAndIncrement 原子地检查并递增当前窗口计数
func (s *LocalStore) CheckAndIncrement(ctx context.Context, identity string, category Category, q Quota, now time.Time) (BucketResult, error) {
	if err := ctx.Err(); err != nil {
		return BucketResult{}, err
	}
	if err := s.checkOpen(); err != nil {
		return BucketResult{}, err
	}

	start := WindowStart(now, q.Window)
	key := localKey{identity: identity, category: category, start: start.UnixNano()}
	sh := s.shard(identity, category)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, ok := sh.buckets[key]
	if !ok || !now.Before(b.expiresAt) {
		b = &localBucket{expiresAt: start.Add(q.Window)}
		sh.buckets[key] = b
		// 被动淘汰上一个窗口
		prev := key
		prev.start -= int64(q.Window)
		delete(sh.buckets, prev)
	}

	if b.count >= q.Capacity() {
		return newBucketResult(false, b.count, q, start), nil
	}
	b.count++
	return newBucketResult(true, b.count, q, start), nil
}

// Peek 返回当前窗口计数，不创建桶
func (s *LocalStore) Peek(ctx context.Context, identity string, category Category, q Quota, now time.Time) (BucketResult, error) {
	if err := ctx.Err(); err != nil {
		return BucketResult{}, err
	}
	if err := s.checkOpen(); err != nil {
		return BucketResult{}, err
	}

	start := WindowStart(now, q.Window)
	key := localKey{identity: identity, category: category, start: start.UnixNano()}
	sh := s.shard(identity, category)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	count := 0
	if b, ok := sh.buckets[key]; ok && now.Before(b.expiresAt) {
		count = b.count
	}
	return newBucketResult(count < q.Capacity(), count, q, start), nil
}

// Reset 删除当前窗口的桶
func (s *LocalStore) Reset(ctx context.Context, identity string, category Category, q Quota, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.checkOpen(); err != nil {
		return err
	}

	start := WindowStart(now, q.Window)
	key := localKey{identity: identity, category: category, start: start.UnixNano()}
	sh := s.shard(identity, category)

	sh.mu.Lock()
	delete(sh.buckets, key)
	sh.mu.Unlock()
	return nil
}

// Sweep 删除所有在 now 时刻已过期的桶，返回删除数量
func (s *LocalStore) Sweep(now time.Time) int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, b := range sh.buckets {
			if !now.Before(b.expiresAt) {
				delete(sh.buckets, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func (s *LocalStore) sweepJob() {
	removed := s.Sweep(s.clock())
	if s.logger != nil && removed > 0 {
		s.logger.Debug(context.Background(), "expired buckets swept",
			xlog.Component("xquota.local_store"),
			slog.Int("removed", removed),
		)
	}
}

// Len 返回当前持有的桶数量
func (s *LocalStore) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.buckets)
		sh.mu.Unlock()
	}
	return n
}

func (s *LocalStore) checkOpen() error {
	if s.closed.Load() {
		return fmt.Errorf("%w: local store closed", ErrStoreUnavailable)
	}
	return nil
}

// Close 停止清理任务，等待正在执行的清理结束。
// 重复调用是安全的。
func (s *LocalStore) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.cron == nil {
		return nil
	}
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ BucketStore = (*LocalStore)(nil)
