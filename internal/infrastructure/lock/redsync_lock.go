package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"campuspay/internal/infrastructure/metrics"
	"campuspay/internal/ledgererr"

	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
)

// RedsyncLocker 基于 redsync 的锁，多个 Redis 节点时可以换成 Redlock
type RedsyncLocker struct {
	rs            *redsync.Redsync
	retryInterval time.Duration
}

func NewRedsyncLocker(client redis.UniversalClient, retryInterval time.Duration) *RedsyncLocker {
	if retryInterval <= 0 {
		retryInterval = defaultRetryInterval
	}
	return &RedsyncLocker{
		rs:            redsync.New(goredis.NewPool(client)),
		retryInterval: retryInterval,
	}
}

func (l *RedsyncLocker) Acquire(ctx context.Context, key string, wait, lease time.Duration) (*Lease, error) {
	start := time.Now()
	tries := int(wait/l.retryInterval) + 1

	mutex := l.rs.NewMutex(key,
		redsync.WithExpiry(lease),
		redsync.WithTries(tries),
		redsync.WithRetryDelay(l.retryInterval),
	)
	if err := mutex.LockContext(ctx); err != nil {
		if ctx.Err() != nil {
			metrics.ObserveLockAcquire("redsync", "canceled", time.Since(start))
			return nil, ctx.Err()
		}
		metrics.ObserveLockAcquire("redsync", "timeout", time.Since(start))
		return nil, fmt.Errorf("key=%s wait=%s: %w (%v)", key, wait, ledgererr.ErrLockTimeout, err)
	}

	metrics.ObserveLockAcquire("redsync", "acquired", time.Since(start))
	return newLease(key, mutex.Value(), func(ctx context.Context) error {
		ok, err := mutex.UnlockContext(ctx)
		if ok {
			return nil
		}
		return unlockError(err)
	}), nil
}

// unlockError 租约已过期、已被他人持有都等同已释放；网络或 Redis 故障照常返回
func unlockError(err error) error {
	if err == nil || errors.Is(err, redsync.ErrLockAlreadyExpired) {
		return nil
	}
	var redisErr *redsync.RedisError
	if errors.As(err, &redisErr) && errors.Is(redisErr.Err, redsync.ErrLockAlreadyExpired) {
		return nil
	}
	var taken *redsync.ErrTaken
	if errors.As(err, &taken) {
		return nil
	}
	var nodeTaken *redsync.ErrNodeTaken
	if errors.As(err, &nodeTaken) {
		return nil
	}
	return err
}
