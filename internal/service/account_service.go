package service

import (
	"context"
	"fmt"
	"time"

	"campuspay/internal/config"
	"campuspay/internal/infrastructure/lock"
	"campuspay/internal/ledgererr"
	"campuspay/internal/model"
	"campuspay/internal/repository"
	"campuspay/pkg/idgen"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type AccountService struct {
	cfg      *config.Config
	tx       *repository.Transactor
	accounts *repository.AccountRepository
	records  *repository.TransactionRepository
	balance  *BalanceEngine
	locker   lock.Locker
	notifier Notifier
	now      func() time.Time
}

func NewAccountService(db *gorm.DB, locker lock.Locker, notifier Notifier, cfg *config.Config) *AccountService {
	accounts := repository.NewAccountRepository(db)
	return &AccountService{
		cfg:      cfg,
		tx:       repository.NewTransactor(db),
		accounts: accounts,
		records:  repository.NewTransactionRepository(db),
		balance:  NewBalanceEngine(accounts, cfg),
		locker:   locker,
		notifier: notifier,
		now:      time.Now,
	}
}

// OpenAccount 开户，已开户的直接返回原账户
func (s *AccountService) OpenAccount(ctx context.Context, userID int64) (*model.Account, bool, error) {
	if userID <= 0 {
		return nil, false, ledgererr.Validation("用户ID非法: %d", userID)
	}
	account := &model.Account{
		UserID: userID,
		Status: model.AccountStatusActive,
	}
	created, err := s.accounts.CreateIfAbsent(ctx, account)
	if err != nil {
		return nil, false, fmt.Errorf("开户失败: %w", err)
	}
	if !created {
		existing, err := s.accounts.GetByUserID(ctx, userID)
		return existing, false, err
	}
	zap.L().Info("开户成功", zap.Int64("user_id", userID), zap.Int64("account_id", account.ID))
	return account, true, nil
}

func (s *AccountService) GetAccount(ctx context.Context, userID int64) (*model.Account, error) {
	return s.accounts.GetByUserID(ctx, userID)
}

func (s *AccountService) GetBalance(ctx context.Context, userID int64) (int64, error) {
	account, err := s.accounts.GetByUserID(ctx, userID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// ListTransactions 按时间倒序分页查询流水
func (s *AccountService) ListTransactions(ctx context.Context, userID int64, page, pageSize int) ([]*model.TransactionRecord, int64, error) {
	account, err := s.accounts.GetByUserID(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	return s.records.ListByAccountID(ctx, account.ID, page, pageSize)
}

// Recharge 充值，写 RECHARGE 流水
// 冻结账户允许充值，销户账户不允许
func (s *AccountService) Recharge(ctx context.Context, userID, amount int64, remark string) (*model.TransactionRecord, error) {
	if amount <= 0 {
		return nil, ledgererr.Validation("充值金额必须大于0: %d", amount)
	}

	account, err := s.accounts.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	var record *model.TransactionRecord
	err = lock.WithLock(ctx, s.locker, lock.AccountKey(account.ID), s.cfg.Lock.WaitTimeout, s.cfg.Lock.LeaseTimeout,
		func(ctx context.Context) error {
			return s.tx.InTx(ctx, func(ctx context.Context) error {
				current, err := s.accounts.GetByID(ctx, account.ID)
				if err != nil {
					return err
				}
				if current.Status == model.AccountStatusClosed {
					return fmt.Errorf("account=%d status=%s: %w", current.ID, current.Status, ledgererr.ErrAccountInactive)
				}

				after, err := s.balance.Mutate(ctx, current.ID, amount, current.Version)
				if err != nil {
					return err
				}

				record = &model.TransactionRecord{
					TransactionNo: idgen.GenerateRechargeNo(),
					AccountID:     current.ID,
					UserID:        current.UserID,
					Type:          model.TransactionTypeRecharge,
					Status:        model.TransactionStatusSuccess,
					Amount:        amount,
					CashAmount:    amount,
					BalanceBefore: current.Balance,
					BalanceAfter:  after.Balance,
					Remark:        remark,
				}
				if err := s.records.Create(ctx, record); err != nil {
					return fmt.Errorf("记录充值流水失败: %w", err)
				}
				return s.notifier.Notify(ctx, &NotifyEvent{
					Type:          EventRecharged,
					AccountID:     current.ID,
					UserID:        current.UserID,
					TransactionNo: record.TransactionNo,
					Amount:        amount,
					BalanceAfter:  after.Balance,
					OccurredAt:    s.now(),
				})
			})
		})
	if err != nil {
		return nil, err
	}

	zap.L().Info("充值成功",
		zap.Int64("account_id", account.ID),
		zap.String("transaction_no", record.TransactionNo),
		zap.Int64("amount", amount),
		zap.Int64("balance_after", record.BalanceAfter))
	return record, nil
}

// Freeze 挂失冻结
func (s *AccountService) Freeze(ctx context.Context, userID int64) (*model.Account, error) {
	return s.changeStatus(ctx, userID, model.AccountStatusFrozen)
}

func (s *AccountService) Unfreeze(ctx context.Context, userID int64) (*model.Account, error) {
	return s.changeStatus(ctx, userID, model.AccountStatusActive)
}

// Close 销户，余额必须先清零；账户记录保留
func (s *AccountService) Close(ctx context.Context, userID int64) (*model.Account, error) {
	return s.changeStatus(ctx, userID, model.AccountStatusClosed)
}

func (s *AccountService) changeStatus(ctx context.Context, userID int64, target model.AccountStatus) (*model.Account, error) {
	account, err := s.accounts.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	var updated *model.Account
	err = lock.WithLock(ctx, s.locker, lock.AccountKey(account.ID), s.cfg.Lock.WaitTimeout, s.cfg.Lock.LeaseTimeout,
		func(ctx context.Context) error {
			current, err := s.accounts.GetByID(ctx, account.ID)
			if err != nil {
				return err
			}
			if current.Status == target {
				updated = current
				return nil
			}
			if !current.Status.CanTransitionTo(target) {
				return ledgererr.Validation("账户状态不允许从 %s 变更为 %s", current.Status, target)
			}
			if target == model.AccountStatusClosed && (current.Balance != 0 || current.FrozenBalance != 0) {
				return ledgererr.Validation("账户余额未清零，不能销户: balance=%d", current.Balance)
			}
			if err := s.accounts.UpdateStatus(ctx, current.ID, current.Version, target); err != nil {
				return err
			}
			updated, err = s.accounts.GetByID(ctx, current.ID)
			return err
		})
	if err != nil {
		return nil, err
	}

	zap.L().Info("账户状态变更",
		zap.Int64("account_id", account.ID),
		zap.String("from", string(account.Status)),
		zap.String("to", string(updated.Status)))
	return updated, nil
}
