package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const idempotencyKeyPrefix = "ledger:idem:"

// IdempotencyKey 同一用户、同一终端、同一金额在同一时间窗口内视为重复提交
func IdempotencyKey(userID int64, deviceID string, amount int64, at time.Time, window time.Duration) string {
	bucket := at.UnixNano() / int64(window)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%d|%d", userID, deviceID, amount, bucket)))
	return hex.EncodeToString(sum[:])
}

// IdempotencyCache Redis 快速判重
//
// 只是锁外的预检查，结果仅供参考；权威判断是锁内对流水表 idempotency_key 唯一列的查询。
// Redis 不可用时按未命中处理，不影响交易。
type IdempotencyCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewIdempotencyCache(client redis.Cmdable, window time.Duration) *IdempotencyCache {
	return &IdempotencyCache{client: client, ttl: 2 * window}
}

// Lookup 返回之前处理该请求生成的流水号
func (c *IdempotencyCache) Lookup(ctx context.Context, key string) (string, bool) {
	if c == nil || c.client == nil {
		return "", false
	}
	transactionNo, err := c.client.Get(ctx, idempotencyKeyPrefix+key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			zap.L().Warn("幂等缓存读取失败", zap.String("key", key), zap.Error(err))
		}
		return "", false
	}
	return transactionNo, true
}

func (c *IdempotencyCache) Remember(ctx context.Context, key, transactionNo string) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Set(ctx, idempotencyKeyPrefix+key, transactionNo, c.ttl).Err(); err != nil {
		zap.L().Warn("幂等缓存写入失败", zap.String("key", key), zap.Error(err))
	}
}
