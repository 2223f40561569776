package service

import (
	"context"
	"fmt"
	"time"

	"campuspay/internal/ledgererr"
	"campuspay/internal/model"
	"campuspay/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type GrantRequest struct {
	UserID        int64     `json:"user_id" binding:"required"`
	SubsidyTypeID int64     `json:"subsidy_type_id" binding:"required"`
	Amount        int64     `json:"amount" binding:"required"`
	ExpireTime    time.Time `json:"expire_time" binding:"required"`
	DailyLimit    *int64    `json:"daily_limit"`
}

// SubsidyService 补贴发放
// 发放只新增补贴池，不涉及现金余额，因此不需要账户锁
type SubsidyService struct {
	accounts *repository.AccountRepository
	pools    *repository.SubsidyRepository
	now      func() time.Time
}

func NewSubsidyService(db *gorm.DB) *SubsidyService {
	return &SubsidyService{
		accounts: repository.NewAccountRepository(db),
		pools:    repository.NewSubsidyRepository(db),
		now:      time.Now,
	}
}

func (s *SubsidyService) Grant(ctx context.Context, req *GrantRequest) (*model.SubsidyPool, error) {
	if req.Amount <= 0 {
		return nil, ledgererr.Validation("补贴金额必须大于0: %d", req.Amount)
	}
	if !req.ExpireTime.After(s.now()) {
		return nil, ledgererr.Validation("补贴过期时间必须晚于当前时间")
	}
	if req.DailyLimit != nil && *req.DailyLimit <= 0 {
		return nil, ledgererr.Validation("日限额必须大于0: %d", *req.DailyLimit)
	}

	account, err := s.accounts.GetByUserID(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if account.Status == model.AccountStatusClosed {
		return nil, fmt.Errorf("account=%d status=%s: %w", account.ID, account.Status, ledgererr.ErrAccountInactive)
	}

	pool := &model.SubsidyPool{
		UserID:        req.UserID,
		SubsidyTypeID: req.SubsidyTypeID,
		Balance:       req.Amount,
		ExpireTime:    req.ExpireTime,
		DailyLimit:    req.DailyLimit,
	}
	if err := s.pools.Create(ctx, pool); err != nil {
		return nil, fmt.Errorf("发放补贴失败: %w", err)
	}

	zap.L().Info("补贴发放成功",
		zap.Int64("user_id", req.UserID),
		zap.Int64("subsidy_account_id", pool.SubsidyAccountID),
		zap.Int64("amount", req.Amount),
		zap.Time("expire_time", req.ExpireTime))
	return pool, nil
}

// ListActive 按扣减优先级返回可用补贴
func (s *SubsidyService) ListActive(ctx context.Context, userID int64) ([]*model.SubsidyPool, error) {
	return s.pools.ListActive(ctx, userID, s.now())
}
