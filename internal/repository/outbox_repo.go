package repository

import (
	"context"

	"campuspay/internal/model"

	"gorm.io/gorm"
)

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Create 在调用方的事务中写入，和余额变更同时提交或同时回滚
func (r *OutboxRepository) Create(ctx context.Context, msg *model.OutboxMessage) error {
	return conn(ctx, r.db).Create(msg).Error
}

func (r *OutboxRepository) GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := conn(ctx, r.db).
		Where("status = ?", model.OutboxStatusPending).
		Order("id ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

func (r *OutboxRepository) MarkAsSent(ctx context.Context, id int64) error {
	return conn(ctx, r.db).
		Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		Update("status", model.OutboxStatusSent).Error
}

func (r *OutboxRepository) IncrementRetryCount(ctx context.Context, id int64) error {
	return conn(ctx, r.db).
		Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1")).Error
}

// MarkAsFailed 超过最大重试次数，不再投递
func (r *OutboxRepository) MarkAsFailed(ctx context.Context, id int64) error {
	return conn(ctx, r.db).
		Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      model.OutboxStatusFailed,
			"retry_count": gorm.Expr("retry_count + 1"),
		}).Error
}

func (r *OutboxRepository) ListByKey(ctx context.Context, messageKey string) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := conn(ctx, r.db).
		Where("message_key = ?", messageKey).
		Order("id ASC").
		Find(&messages).Error
	return messages, err
}
