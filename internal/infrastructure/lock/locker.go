package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// releaseTimeout 释放锁使用独立的上下文，请求被取消时也能释放
const releaseTimeout = 3 * time.Second

// Locker 按 key 互斥，等待有上限，租约到期自动释放
//
// 不可重入：同一调用方对同一 key 再次 Acquire 会和其他调用方一样阻塞直到超时
type Locker interface {
	Acquire(ctx context.Context, key string, wait, lease time.Duration) (*Lease, error)
}

// Lease 一次成功加锁的持有凭证
type Lease struct {
	key     string
	token   string
	release func(ctx context.Context) error

	once sync.Once
	err  error
}

func newLease(key, token string, release func(ctx context.Context) error) *Lease {
	return &Lease{key: key, token: token, release: release}
}

func (l *Lease) Key() string {
	return l.key
}

func (l *Lease) Token() string {
	return l.token
}

// Release 幂等；租约已过期或锁已被他人持有时为空操作
func (l *Lease) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.err = l.release(ctx)
	})
	return l.err
}

// WithLock 加锁执行 fn，无论正常返回、出错还是 panic 都会释放锁
func WithLock(ctx context.Context, locker Locker, key string, wait, lease time.Duration, fn func(ctx context.Context) error) error {
	held, err := locker.Acquire(ctx, key, wait, lease)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := held.Release(releaseCtx); err != nil {
			zap.L().Warn("释放分布式锁失败", zap.String("key", key), zap.Error(err))
		}
	}()
	return fn(ctx)
}

// AccountKey 账户维度的锁，同一账户所有影响余额的操作在这里串行
func AccountKey(accountID int64) string {
	return fmt.Sprintf("ledger:lock:account:%d", accountID)
}

// SagaKey 编排维度的锁，同一时刻只允许一个实例推进同一个编排
func SagaKey(sagaID string) string {
	return fmt.Sprintf("ledger:lock:saga:%s", sagaID)
}
