package job

import (
	"context"
	"errors"
	"time"

	"campuspay/internal/config"
	"campuspay/internal/infrastructure/metrics"
	"campuspay/internal/ledgererr"
	"campuspay/internal/repository"
	"campuspay/internal/service"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SagaRecoveryJob 进程崩溃后，继续推进长时间停留在非终态的编排
type SagaRecoveryJob struct {
	sagas       *repository.SagaRepository
	coordinator *service.SagaCoordinator
	staleAfter  time.Duration
	batchSize   int
	now         func() time.Time
}

func NewSagaRecoveryJob(db *gorm.DB, coordinator *service.SagaCoordinator, cfg *config.Config) *SagaRecoveryJob {
	return &SagaRecoveryJob{
		sagas:       repository.NewSagaRepository(db),
		coordinator: coordinator,
		staleAfter:  cfg.Saga.StaleAfter,
		batchSize:   cfg.Saga.BatchSize,
		now:         time.Now,
	}
}

func (j *SagaRecoveryJob) Name() string {
	return "saga_recovery"
}

func (j *SagaRecoveryJob) Run(ctx context.Context) error {
	stale, err := j.sagas.ListStale(ctx, j.now().Add(-j.staleAfter), j.batchSize)
	if err != nil {
		metrics.IncWorkerRun(j.Name(), "error")
		return err
	}
	if len(stale) == 0 {
		metrics.IncWorkerRun(j.Name(), "idle")
		return nil
	}

	zap.L().Info("发现待恢复的编排事务", zap.Int("count", len(stale)))
	for _, saga := range stale {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		resumed, err := j.coordinator.Resume(ctx, saga.SagaID)
		switch {
		case err == nil:
			zap.L().Info("编排事务已恢复", zap.String("saga_id", saga.SagaID), zap.String("state", string(resumed.State)))
		case errors.Is(err, ledgererr.ErrSagaFailed):
			// 已进入 FAILED，等待人工处理，不再重试
		case errors.Is(err, ledgererr.ErrLockTimeout), errors.Is(err, ledgererr.ErrConcurrentModification):
			// 其他实例正在推进
		default:
			zap.L().Error("恢复编排事务失败", zap.String("saga_id", saga.SagaID), zap.Error(err))
		}
	}
	metrics.IncWorkerRun(j.Name(), "ok")
	return nil
}
