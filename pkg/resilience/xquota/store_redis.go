package xquota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// checkAndIncrementScript 在一次往返内完成读取、比较、递增和设置过期。
// KEYS[1] 桶键；ARGV[1] 容量；ARGV[2] 过期毫秒数。
// 返回 {admitted, count}。
var checkAndIncrementScript = redis.NewScript(`
local c = tonumber(redis.call('GET', KEYS[1]) or '0')
if c >= tonumber(ARGV[1]) then
	return {0, c}
end
c = redis.call('INCR', KEYS[1])
if c == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, c}
`)

// defaultRedisGrace 桶键在窗口结束后额外保留的时间，吸收节点间时钟偏差
const defaultRedisGrace = time.Second

// RedisStore 基于 Redis 的分布式固定窗口计数存储。
// 多个实例共享同一 Redis 时，配额在全体实例间生效。
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	grace  time.Duration
	closed atomic.Bool
}

// RedisStoreOption Redis 存储选项
type RedisStoreOption func(*RedisStore)

// WithRedisKeyPrefix 设置键前缀，默认 "xquota:"
func WithRedisKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithRedisGrace 设置窗口结束后键的保留时间，默认 1s
func WithRedisGrace(grace time.Duration) RedisStoreOption {
	return func(s *RedisStore) {
		if grace >= 0 {
			s.grace = grace
		}
	}
}

// NewRedisStore 创建 Redis 存储。
// client 的生命周期由调用方管理，Close 不会关闭它。
func NewRedisStore(client redis.UniversalClient, opts ...RedisStoreOption) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is nil", ErrConfig)
	}
	s := &RedisStore{
		client: client,
		prefix: DefaultKeyPrefix,
		grace:  defaultRedisGrace,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Type 返回存储类型
func (s *RedisStore) Type() string {
	return "redis"
}

// CheckAndIncrement 原子地检查并递增当前窗口计数
func (s *RedisStore) CheckAndIncrement(ctx context.Context, identity string, category Category, q Quota, now time.Time) (BucketResult, error) {
	if err := s.checkOpen(); err != nil {
		return BucketResult{}, err
	}

	start := WindowStart(now, q.Window)
	key := bucketKeyString(s.prefix, identity, category, start)
	ttl := start.Add(q.Window).Sub(now) + s.grace
	ttlMillis := max(ttl.Milliseconds(), 1)

	res, err := checkAndIncrementScript.Run(ctx, s.client, []string{key}, q.Capacity(), ttlMillis).Int64Slice()
	if err != nil {
		return BucketResult{}, s.wrapErr(ctx, err)
	}
	if len(res) != 2 {
		return BucketResult{}, fmt.Errorf("%w: unexpected script reply %v", ErrStoreUnavailable, res)
	}

	return newBucketResult(res[0] == 1, int(res[1]), q, start), nil
}

// Peek 返回当前窗口计数，不消耗配额
func (s *RedisStore) Peek(ctx context.Context, identity string, category Category, q Quota, now time.Time) (BucketResult, error) {
	if err := s.checkOpen(); err != nil {
		return BucketResult{}, err
	}
	start := WindowStart(now, q.Window)
	key := bucketKeyString(s.prefix, identity, category, start)

	count := 0
	val, err := s.client.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// 键不存在，计数为 0
	case err != nil:
		return BucketResult{}, s.wrapErr(ctx, err)
	default:
		n, convErr := strconv.Atoi(val)
		if convErr != nil {
			return BucketResult{}, fmt.Errorf("%w: corrupt counter %q: %w", ErrStoreUnavailable, key, convErr)
		}
		count = n
	}
	return newBucketResult(count < q.Capacity(), count, q, start), nil
}

// Reset 删除当前窗口的计数键
func (s *RedisStore) Reset(ctx context.Context, identity string, category Category, q Quota, now time.Time) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	key := bucketKeyString(s.prefix, identity, category, WindowStart(now, q.Window))
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return s.wrapErr(ctx, err)
	}
	return nil
}

func (s *RedisStore) checkOpen() error {
	if s.closed.Load() {
		return fmt.Errorf("%w: redis store closed", ErrStoreUnavailable)
	}
	return nil
}

// Close 标记存储已关闭，不关闭底层客户端
func (s *RedisStore) Close(_ context.Context) error {
	s.closed.Store(true)
	return nil
}

// wrapErr 将 Redis 错误归类为 ErrStoreUnavailable；调用方取消则原样返回
func (s *RedisStore) wrapErr(ctx context.Context, err error) error {
	if ctx.Err() != nil && isContextError(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

var _ BucketStore = (*RedisStore)(nil)
