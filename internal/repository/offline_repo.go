package repository

import (
	"context"
	"errors"

	"campuspay/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var syncableStatuses = []model.SyncStatus{model.SyncStatusPending, model.SyncStatusFailed}

type OfflineRepository struct {
	db *gorm.DB
}

func NewOfflineRepository(db *gorm.DB) *OfflineRepository {
	return &OfflineRepository{db: db}
}

// CreateIfAbsent 以 offline_trans_no 去重，重复上传返回 false
func (r *OfflineRepository) CreateIfAbsent(ctx context.Context, record *model.OfflineRecord) (bool, error) {
	result := conn(ctx, r.db).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "offline_trans_no"}},
			DoNothing: true,
		}).
		Create(record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *OfflineRepository) GetByID(ctx context.Context, id int64) (*model.OfflineRecord, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *OfflineRepository) GetByTransNo(ctx context.Context, offlineTransNo string) (*model.OfflineRecord, error) {
	return r.first(ctx, "offline_trans_no = ?", offlineTransNo)
}

// ListSyncable 待同步记录：PENDING 以及未超过重试上限的 FAILED
func (r *OfflineRepository) ListSyncable(ctx context.Context, limit, maxRetry int) ([]*model.OfflineRecord, error) {
	var records []*model.OfflineRecord
	err := conn(ctx, r.db).
		Where("sync_status = ? OR (sync_status = ? AND retry_count < ?)",
			model.SyncStatusPending, model.SyncStatusFailed, maxRetry).
		Order("id ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

func (r *OfflineRepository) MarkSuccess(ctx context.Context, id int64, transactionNo string) error {
	return r.transition(ctx, id, map[string]interface{}{
		"sync_status":    model.SyncStatusSuccess,
		"transaction_no": transactionNo,
		"last_error":     "",
	})
}

func (r *OfflineRepository) MarkConflict(ctx context.Context, id int64, reason model.ConflictReason, detail string) error {
	return r.transition(ctx, id, map[string]interface{}{
		"sync_status":     model.SyncStatusConflict,
		"conflict_reason": reason,
		"last_error":      truncate(detail, 512),
	})
}

func (r *OfflineRepository) MarkFailed(ctx context.Context, id int64, cause string) error {
	return r.transition(ctx, id, map[string]interface{}{
		"sync_status": model.SyncStatusFailed,
		"retry_count": gorm.Expr("retry_count + 1"),
		"last_error":  truncate(cause, 512),
	})
}

// transition 只允许从可同步状态迁出，终态不会被覆盖
func (r *OfflineRepository) transition(ctx context.Context, id int64, updates map[string]interface{}) error {
	return conn(ctx, r.db).
		Model(&model.OfflineRecord{}).
		Where("id = ? AND sync_status IN ?", id, syncableStatuses).
		Updates(updates).Error
}

func (r *OfflineRepository) first(ctx context.Context, query string, arg interface{}) (*model.OfflineRecord, error) {
	var record model.OfflineRecord
	err := conn(ctx, r.db).Where(query, arg).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
