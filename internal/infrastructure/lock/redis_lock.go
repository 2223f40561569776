package lock

import (
	"context"
	"fmt"
	"time"

	"campuspay/internal/infrastructure/metrics"
	"campuspay/internal/ledgererr"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// Redis 分布式锁
// ============================================================================
//
// 加锁：SET key token NX PX lease
//   - NX: 只有 key 不存在时才设置（保证互斥）
//   - PX: 租约到期自动释放，持锁进程崩溃也不会死锁
//   - token: 每次加锁唯一，释放时校验，防止误删别人的锁
//
// 释放锁：Lua 脚本保证"检查 + 删除"的原子性
//
//	A 加锁 -> A 处理超时，租约过期 -> B 加锁 -> A 执行完毕释放
//	不校验 token 的话 A 会把 B 的锁删掉
//
// ============================================================================

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

const defaultRetryInterval = 50 * time.Millisecond

// RedisLocker 基于 SETNX 的锁
type RedisLocker struct {
	client        redis.Cmdable
	retryInterval time.Duration
}

func NewRedisLocker(client redis.Cmdable, retryInterval time.Duration) *RedisLocker {
	if retryInterval <= 0 {
		retryInterval = defaultRetryInterval
	}
	return &RedisLocker{client: client, retryInterval: retryInterval}
}

// Acquire 在 wait 内轮询加锁，超时返回 ErrLockTimeout；wait 为 0 时只尝试一次
func (l *RedisLocker) Acquire(ctx context.Context, key string, wait, lease time.Duration) (*Lease, error) {
	start := time.Now()
	token := uuid.NewString()
	deadline := start.Add(wait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, lease).Result()
		if err != nil {
			metrics.ObserveLockAcquire("redis", "error", time.Since(start))
			return nil, fmt.Errorf("加锁失败 key=%s: %w", key, err)
		}
		if ok {
			metrics.ObserveLockAcquire("redis", "acquired", time.Since(start))
			return newLease(key, token, func(ctx context.Context) error {
				return unlockScript.Run(ctx, l.client, []string{key}, token).Err()
			}), nil
		}

		if !time.Now().Add(l.retryInterval).Before(deadline) {
			metrics.ObserveLockAcquire("redis", "timeout", time.Since(start))
			return nil, fmt.Errorf("key=%s wait=%s: %w", key, wait, ledgererr.ErrLockTimeout)
		}

		select {
		case <-ctx.Done():
			metrics.ObserveLockAcquire("redis", "canceled", time.Since(start))
			return nil, ctx.Err()
		case <-time.After(l.retryInterval):
		}
	}
}
