package repository

import (
	"context"

	"campuspay/internal/model"

	"gorm.io/gorm"
)

type DualWriteRepository struct {
	db *gorm.DB
}

func NewDualWriteRepository(db *gorm.DB) *DualWriteRepository {
	return &DualWriteRepository{db: db}
}

func (r *DualWriteRepository) CreateDiffs(ctx context.Context, diffs []*model.DualWriteDiff) error {
	if len(diffs) == 0 {
		return nil
	}
	return conn(ctx, r.db).Create(&diffs).Error
}

func (r *DualWriteRepository) CountUnresolved(ctx context.Context) (int64, error) {
	var n int64
	err := conn(ctx, r.db).
		Model(&model.DualWriteDiff{}).
		Where("resolved = ?", false).
		Count(&n).Error
	return n, err
}

func (r *DualWriteRepository) ListUnresolved(ctx context.Context, limit int) ([]*model.DualWriteDiff, error) {
	var diffs []*model.DualWriteDiff
	err := conn(ctx, r.db).
		Where("resolved = ?", false).
		Order("id ASC").
		Limit(limit).
		Find(&diffs).Error
	return diffs, err
}

func (r *DualWriteRepository) Resolve(ctx context.Context, id int64) error {
	return conn(ctx, r.db).
		Model(&model.DualWriteDiff{}).
		Where("id = ?", id).
		Update("resolved", true).Error
}
