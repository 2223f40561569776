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

type SubsidyRepository struct {
	db *gorm.DB
}

func NewSubsidyRepository(db *gorm.DB) *SubsidyRepository {
	return &SubsidyRepository{db: db}
}

func (r *SubsidyRepository) Create(ctx context.Context, pool *model.SubsidyPool) error {
	return conn(ctx, r.db).Create(pool).Error
}

func (r *SubsidyRepository) GetByID(ctx context.Context, id int64) (*model.SubsidyPool, error) {
	var pool model.SubsidyPool
	err := conn(ctx, r.db).Where("subsidy_account_id = ?", id).First(&pool).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &pool, nil
}

// ListActive 未过期且有余额的补贴池，按扣减优先级排序：
// 先到期的先用，同时到期的余额小的先用
func (r *SubsidyRepository) ListActive(ctx context.Context, userID int64, now time.Time) ([]*model.SubsidyPool, error) {
	var pools []*model.SubsidyPool
	err := conn(ctx, r.db).
		Where("user_id = ? AND balance > 0 AND expire_time > ?", userID, now).
		Order("expire_time ASC, balance ASC, subsidy_account_id ASC").
		Find(&pools).Error
	return pools, err
}

// Consume 按版本号扣减补贴池，同时写入当日累计（跨日时由调用方传入重置后的值）
func (r *SubsidyRepository) Consume(ctx context.Context, pool *model.SubsidyPool, amount int64, today string) error {
	result := conn(ctx, r.db).
		Model(&model.SubsidyPool{}).
		Where("subsidy_account_id = ? AND version = ? AND balance >= ?", pool.SubsidyAccountID, pool.Version, amount).
		Updates(map[string]interface{}{
			"balance":           gorm.Expr("balance - ?", amount),
			"daily_used_amount": pool.UsedAfter(today, amount),
			"daily_usage_date":  today,
			"version":           gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("subsidy=%d version=%d: %w", pool.SubsidyAccountID, pool.Version, ledgererr.ErrConcurrentModification)
	}
	return nil
}

// Refund 撤销时退回补贴池；扣减发生在当日的，同时退回当日累计
func (r *SubsidyRepository) Refund(ctx context.Context, poolID, amount int64, usageDate string) error {
	result := conn(ctx, r.db).
		Model(&model.SubsidyPool{}).
		Where("subsidy_account_id = ?", poolID).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance + ?", amount),
			"daily_used_amount": gorm.Expr(
				"CASE WHEN daily_usage_date = ? AND daily_used_amount >= ? THEN daily_used_amount - ? ELSE daily_used_amount END",
				usageDate, amount, amount),
			"version": gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("补贴账户不存在: %d", poolID)
	}
	return nil
}

func (r *SubsidyRepository) ListByUserID(ctx context.Context, userID int64) ([]*model.SubsidyPool, error) {
	var pools []*model.SubsidyPool
	err := conn(ctx, r.db).
		Where("user_id = ?", userID).
		Order("expire_time ASC, subsidy_account_id ASC").
		Find(&pools).Error
	return pools, err
}
