package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"campuspay/internal/ledgererr"
	"campuspay/internal/model"

	"gorm.io/gorm"
)

type SagaRepository struct {
	db *gorm.DB
}

func NewSagaRepository(db *gorm.DB) *SagaRepository {
	return &SagaRepository{db: db}
}

// Create 编排记录和全部步骤描述一起写入
func (r *SagaRepository) Create(ctx context.Context, saga *model.Saga, steps []*model.SagaStep) error {
	return conn(ctx, r.db).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(saga).Error; err != nil {
			return err
		}
		if len(steps) == 0 {
			return nil
		}
		return tx.Create(&steps).Error
	})
}

func (r *SagaRepository) Get(ctx context.Context, sagaID string) (*model.Saga, error) {
	var saga model.Saga
	err := conn(ctx, r.db).Where("saga_id = ?", sagaID).First(&saga).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ledgererr.ErrSagaNotFound
		}
		return nil, err
	}
	return &saga, nil
}

func (r *SagaRepository) ListSteps(ctx context.Context, sagaID string) ([]*model.SagaStep, error) {
	var steps []*model.SagaStep
	err := conn(ctx, r.db).
		Where("saga_id = ?", sagaID).
		Order("seq ASC").
		Find(&steps).Error
	return steps, err
}

// UpdateState 状态机 CAS，当前状态不是 from 时返回 ErrConcurrentModification
func (r *SagaRepository) UpdateState(ctx context.Context, sagaID string, from, to model.SagaState, lastError string) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("非法的状态流转: %s -> %s", from, to)
	}
	result := conn(ctx, r.db).
		Model(&model.Saga{}).
		Where("saga_id = ? AND state = ?", sagaID, from).
		Updates(map[string]interface{}{
			"state":      to,
			"last_error": truncate(lastError, 512),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("saga=%s %s -> %s: %w", sagaID, from, to, ledgererr.ErrConcurrentModification)
	}
	return nil
}

func (r *SagaRepository) IncrementAttempt(ctx context.Context, sagaID string, lastError string) error {
	return conn(ctx, r.db).
		Model(&model.Saga{}).
		Where("saga_id = ?", sagaID).
		Updates(map[string]interface{}{
			"attempt":    gorm.Expr("attempt + 1"),
			"last_error": truncate(lastError, 512),
		}).Error
}

// UpdateStep 更新步骤状态，同时刷新编排的 updated_at：仍在推进的编排不会被当成滞留
func (r *SagaRepository) UpdateStep(ctx context.Context, sagaID string, stepID int64, status model.StepStatus, stepErr string) error {
	return conn(ctx, r.db).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&model.SagaStep{}).
			Where("id = ? AND saga_id = ?", stepID, sagaID).
			Updates(map[string]interface{}{
				"status": status,
				"error":  truncate(stepErr, 512),
			}).Error
		if err != nil {
			return err
		}
		return tx.Model(&model.Saga{}).
			Where("saga_id = ?", sagaID).
			Update("updated_at", time.Now()).Error
	})
}

// ListStale 长时间停留在非终态的编排，进程崩溃后由恢复任务继续推进
func (r *SagaRepository) ListStale(ctx context.Context, before time.Time, limit int) ([]*model.Saga, error) {
	var sagas []*model.Saga
	err := conn(ctx, r.db).
		Where("state IN ? AND updated_at < ?",
			[]model.SagaState{model.SagaStatePending, model.SagaStateRunning, model.SagaStateCompensating}, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&sagas).Error
	return sagas, err
}
