package repository

import (
	"context"
	"errors"
	"fmt"

	"campuspay/internal/ledgererr"
	"campuspay/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// CreateIfAbsent 按 user_id 开户，已存在时不覆盖
func (r *AccountRepository) CreateIfAbsent(ctx context.Context, account *model.Account) (bool, error) {
	result := conn(ctx, r.db).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(account)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *AccountRepository) GetByID(ctx context.Context, id int64) (*model.Account, error) {
	var account model.Account
	err := conn(ctx, r.db).Where("id = ?", id).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ledgererr.ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (r *AccountRepository) GetByUserID(ctx context.Context, userID int64) (*model.Account, error) {
	var account model.Account
	err := conn(ctx, r.db).Where("user_id = ?", userID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ledgererr.ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// ApplyDelta 按版本号 CAS 变更余额
//
// 【关键点】条件里同时带上 version 和 balance + delta >= 0：
// 版本不一致说明有人绕过了账户锁，余额不足则拒绝，两种情况都不会写入。
// 影响行数为 0 时重新读取一次，区分具体原因。
func (r *AccountRepository) ApplyDelta(ctx context.Context, accountID, delta, expectedVersion int64) error {
	result := conn(ctx, r.db).
		Model(&model.Account{}).
		Where("id = ? AND version = ? AND balance + ? >= 0", accountID, expectedVersion, delta).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance + ?", delta),
			"version": gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		account, err := r.GetByID(ctx, accountID)
		if err != nil {
			return err
		}
		if account.Version != expectedVersion {
			return fmt.Errorf("account=%d expected=%d actual=%d: %w",
				accountID, expectedVersion, account.Version, ledgererr.ErrConcurrentModification)
		}
		return fmt.Errorf("account=%d balance=%d delta=%d: %w",
			accountID, account.Balance, delta, ledgererr.ErrInsufficientBalance)
	}

	return nil
}

// UpdateStatus 状态变更同样递增版本号
func (r *AccountRepository) UpdateStatus(ctx context.Context, accountID, expectedVersion int64, status model.AccountStatus) error {
	result := conn(ctx, r.db).
		Model(&model.Account{}).
		Where("id = ? AND version = ?", accountID, expectedVersion).
		Updates(map[string]interface{}{
			"status":  status,
			"version": gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, accountID); err != nil {
			return err
		}
		return ledgererr.ErrConcurrentModification
	}
	return nil
}
