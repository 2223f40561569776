package repository

import (
	"context"
	"errors"

	"campuspay/internal/model"

	"gorm.io/gorm"
)

// TransactionRepository 流水只提供写入和查询，没有修改方法
type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, record *model.TransactionRecord) error {
	return conn(ctx, r.db).Create(record).Error
}

func (r *TransactionRepository) CreateLines(ctx context.Context, lines []*model.TransactionSubsidyLine) error {
	if len(lines) == 0 {
		return nil
	}
	return conn(ctx, r.db).Create(&lines).Error
}

func (r *TransactionRepository) GetByTransactionNo(ctx context.Context, transactionNo string) (*model.TransactionRecord, error) {
	return r.first(ctx, "transaction_no = ?", transactionNo)
}

func (r *TransactionRepository) GetByIdempotencyKey(ctx context.Context, key string) (*model.TransactionRecord, error) {
	return r.first(ctx, "idempotency_key = ?", key)
}

// GetByRef 查询冲正流水，用于判断原流水是否已撤销
func (r *TransactionRepository) GetByRef(ctx context.Context, transactionNo string) (*model.TransactionRecord, error) {
	return r.first(ctx, "ref_transaction_no = ?", transactionNo)
}

func (r *TransactionRepository) ListLines(ctx context.Context, transactionNo string) ([]*model.TransactionSubsidyLine, error) {
	var lines []*model.TransactionSubsidyLine
	err := conn(ctx, r.db).
		Where("transaction_no = ?", transactionNo).
		Order("id ASC").
		Find(&lines).Error
	return lines, err
}

func (r *TransactionRepository) ListByAccountID(ctx context.Context, accountID int64, page, pageSize int) ([]*model.TransactionRecord, int64, error) {
	var records []*model.TransactionRecord
	var total int64

	query := conn(ctx, r.db).Model(&model.TransactionRecord{}).Where("account_id = ?", accountID)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&records).Error

	return records, total, err
}

// SumByAccountID 流水金额合计，对账用
func (r *TransactionRepository) SumByAccountID(ctx context.Context, accountID int64) (int64, error) {
	var sum int64
	err := conn(ctx, r.db).
		Model(&model.TransactionRecord{}).
		Where("account_id = ?", accountID).
		Select("COALESCE(SUM(balance_after - balance_before), 0)").
		Scan(&sum).Error
	return sum, err
}

func (r *TransactionRepository) first(ctx context.Context, query string, arg interface{}) (*model.TransactionRecord, error) {
	var record model.TransactionRecord
	err := conn(ctx, r.db).Where(query, arg).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}
