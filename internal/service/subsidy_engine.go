package service

import (
	"context"
	"fmt"
	"time"

	"campuspay/internal/config"
	"campuspay/internal/ledgererr"
	"campuspay/internal/model"
	"campuspay/internal/repository"
)

// ============================================================================
// 补贴扣减引擎
// ============================================================================
//
// 扣减顺序：先到期的补贴先用（过期作废），到期时间相同则余额小的先用，
// 每个池取 min(今日可用, 余额, 剩余应扣)，补贴用完后剩余部分扣现金。
//
// 【关键点】先完整算出扣减计划，确认全部付得起之后才写库；
// 付不起直接返回余额不足，不会留下任何部分扣减。
//
// ============================================================================

// DeductionLine 单个补贴池的扣减明细
type DeductionLine struct {
	SubsidyAccountID int64 `json:"subsidy_account_id"`
	Amount           int64 `json:"amount"`

	pool *model.SubsidyPool
}

// DeductionPlan 扣减计划
type DeductionPlan struct {
	Total         int64           `json:"total"`
	SubsidyAmount int64           `json:"subsidy_amount"`
	CashAmount    int64           `json:"cash_amount"`
	Lines         []DeductionLine `json:"lines"`
	UsageDate     string          `json:"usage_date"`
}

type SubsidyEngine struct {
	tx       *repository.Transactor
	pools    *repository.SubsidyRepository
	accounts *repository.AccountRepository
	balance  *BalanceEngine
	enabled  bool
	now      func() time.Time
}

func NewSubsidyEngine(
	tx *repository.Transactor,
	pools *repository.SubsidyRepository,
	accounts *repository.AccountRepository,
	balance *BalanceEngine,
	cfg *config.Config,
) *SubsidyEngine {
	return &SubsidyEngine{
		tx:       tx,
		pools:    pools,
		accounts: accounts,
		balance:  balance,
		enabled:  cfg.Subsidy.Enabled,
		now:      time.Now,
	}
}

// Plan 只计算不写库
func (e *SubsidyEngine) Plan(ctx context.Context, account *model.Account, amount int64) (*DeductionPlan, error) {
	if amount <= 0 {
		return nil, ledgererr.Validation("扣减金额必须大于0: %d", amount)
	}

	now := e.now()
	plan := &DeductionPlan{Total: amount, UsageDate: now.Format(model.DateLayout)}
	remaining := amount

	if e.enabled {
		pools, err := e.pools.ListActive(ctx, account.UserID, now)
		if err != nil {
			return nil, fmt.Errorf("查询补贴账户失败: %w", err)
		}

		for _, pool := range pools {
			if remaining == 0 {
				break
			}
			take := min(pool.Balance, remaining)
			if left, capped := pool.AvailableToday(plan.UsageDate); capped {
				take = min(take, left)
			}
			if take <= 0 {
				continue
			}
			plan.Lines = append(plan.Lines, DeductionLine{
				SubsidyAccountID: pool.SubsidyAccountID,
				Amount:           take,
				pool:             pool,
			})
			plan.SubsidyAmount += take
			remaining -= take
		}
	}

	if remaining > 0 && account.Balance < remaining {
		return nil, fmt.Errorf("补贴可用 %d，现金 %d，仍差 %d: %w",
			plan.SubsidyAmount, account.Balance, remaining-account.Balance, ledgererr.ErrInsufficientBalance)
	}
	plan.CashAmount = remaining
	return plan, nil
}

// Apply 提交扣减计划：逐池扣减后扣现金
// 必须在调用方的本地事务中执行，任一步失败整体回滚
func (e *SubsidyEngine) Apply(ctx context.Context, account *model.Account, plan *DeductionPlan) (*model.Account, error) {
	for _, line := range plan.Lines {
		pool := line.pool
		if pool == nil {
			loaded, err := e.pools.GetByID(ctx, line.SubsidyAccountID)
			if err != nil {
				return nil, err
			}
			if loaded == nil {
				return nil, fmt.Errorf("补贴账户不存在: %d", line.SubsidyAccountID)
			}
			pool = loaded
		}
		if err := e.pools.Consume(ctx, pool, line.Amount, plan.UsageDate); err != nil {
			return nil, fmt.Errorf("扣减补贴失败: %w", err)
		}
	}

	if plan.CashAmount == 0 {
		unchanged := *account
		return &unchanged, nil
	}
	return e.balance.Mutate(ctx, account.ID, -plan.CashAmount, account.Version)
}

// Deduct 计划 + 提交，在同一个本地事务中完成
func (e *SubsidyEngine) Deduct(ctx context.Context, account *model.Account, amount int64) (*DeductionPlan, error) {
	var plan *DeductionPlan
	err := e.tx.InTx(ctx, func(ctx context.Context) error {
		current, err := e.accounts.GetByID(ctx, account.ID)
		if err != nil {
			return err
		}
		plan, err = e.Plan(ctx, current, amount)
		if err != nil {
			return err
		}
		_, err = e.Apply(ctx, current, plan)
		return err
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}
