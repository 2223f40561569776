package job

import (
	"context"
	"errors"
	"time"

	"campuspay/internal/config"
	"campuspay/internal/infrastructure/lock"
	"campuspay/internal/infrastructure/metrics"
	"campuspay/internal/ledgererr"
	"campuspay/internal/service"

	"go.uber.org/zap"
)

const offlineSyncLockKey = "ledger:lock:job:offline_sync"

// OfflineSyncJob 离线记录定时补录
//
// 【关键点】同一时刻全集群只允许一轮补录：
// 本实例内由 SkipIfStillRunning 保证，跨实例由任务锁保证（不等待，拿不到直接跳过本轮）
type OfflineSyncJob struct {
	offline   *service.OfflineService
	locker    lock.Locker
	batchSize int
	lease     time.Duration
}

func NewOfflineSyncJob(offline *service.OfflineService, locker lock.Locker, cfg *config.Config) *OfflineSyncJob {
	return &OfflineSyncJob{
		offline:   offline,
		locker:    locker,
		batchSize: cfg.Offline.BatchSize,
		lease:     cfg.Offline.MutexLease,
	}
}

func (j *OfflineSyncJob) Name() string {
	return "offline_sync"
}

func (j *OfflineSyncJob) Run(ctx context.Context) error {
	var result *service.BatchSyncResult
	err := lock.WithLock(ctx, j.locker, offlineSyncLockKey, 0, j.lease, func(ctx context.Context) error {
		var err error
		result, err = j.offline.BatchSyncOfflineRecords(ctx, j.batchSize)
		return err
	})
	if errors.Is(err, ledgererr.ErrLockTimeout) {
		zap.L().Debug("其他实例正在补录离线记录，跳过本轮")
		metrics.IncWorkerRun(j.Name(), "skipped")
		return nil
	}
	if err != nil {
		metrics.IncWorkerRun(j.Name(), "error")
		return err
	}

	metrics.IncWorkerRun(j.Name(), "ok")
	if result.Fail > 0 {
		zap.L().Warn("本轮离线补录存在失败记录，下一轮重试", zap.Int("fail", result.Fail))
	}
	return nil
}
