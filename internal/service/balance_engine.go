package service

import (
	"context"
	"errors"
	"fmt"

	"campuspay/internal/config"
	"campuspay/internal/infrastructure/metrics"
	"campuspay/internal/ledgererr"
	"campuspay/internal/model"
	"campuspay/internal/repository"
)

// BalanceEngine 现金余额变更
//
// 【关键点】调用方必须已经持有账户锁，这里的版本号校验只是第二道防线：
// 正常情况下不会冲突，一旦冲突说明有代码绕过了账户锁。
// 余额是否足够由调用方在调用前判断，这里只保证不会写出负数。
type BalanceEngine struct {
	accounts   *repository.AccountRepository
	maxRetries int
}

func NewBalanceEngine(accounts *repository.AccountRepository, cfg *config.Config) *BalanceEngine {
	maxRetries := cfg.Ledger.CASMaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &BalanceEngine{accounts: accounts, maxRetries: maxRetries}
}

// Mutate 按期望版本号变更余额，返回变更后的账户
func (e *BalanceEngine) Mutate(ctx context.Context, accountID, delta, expectedVersion int64) (*model.Account, error) {
	if delta == 0 {
		return nil, ledgererr.Validation("变更金额不能为0")
	}

	if err := e.accounts.ApplyDelta(ctx, accountID, delta, expectedVersion); err != nil {
		metrics.IncBalanceMutation(outcomeOf(err))
		return nil, err
	}
	metrics.IncBalanceMutation("applied")

	return e.accounts.GetByID(ctx, accountID)
}

// MutateLatest 重新读取最新版本后变更，版本冲突时有限次重试
// 重试耗尽返回 ErrConcurrentModification，调用方可以退避后重试
func (e *BalanceEngine) MutateLatest(ctx context.Context, accountID, delta int64) (before, after *model.Account, err error) {
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		before, err = e.accounts.GetByID(ctx, accountID)
		if err != nil {
			return nil, nil, err
		}
		if before.Balance+delta < 0 {
			metrics.IncBalanceMutation("insufficient")
			return nil, nil, fmt.Errorf("account=%d balance=%d delta=%d: %w",
				accountID, before.Balance, delta, ledgererr.ErrInsufficientBalance)
		}

		after, err = e.Mutate(ctx, accountID, delta, before.Version)
		if err == nil {
			return before, after, nil
		}
		if !errors.Is(err, ledgererr.ErrConcurrentModification) {
			return nil, nil, err
		}
	}
	return nil, nil, fmt.Errorf("重试 %d 次仍冲突: %w", e.maxRetries, err)
}

func outcomeOf(err error) string {
	switch ledgererr.KindOf(err) {
	case ledgererr.KindConcurrentModification:
		return "conflict"
	case ledgererr.KindInsufficientBalance:
		return "insufficient"
	case ledgererr.KindNotFound:
		return "not_found"
	default:
		return "error"
	}
}
