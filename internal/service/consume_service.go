package service

import (
	"context"
	"fmt"
	"time"

	"campuspay/internal/config"
	"campuspay/internal/infrastructure/lock"
	"campuspay/internal/infrastructure/metrics"
	"campuspay/internal/ledgererr"
	"campuspay/internal/model"
	"campuspay/internal/repository"
	"campuspay/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ResultStatus string

const (
	ResultSuccess   ResultStatus = "SUCCESS"
	ResultDuplicate ResultStatus = "DUPLICATE" // 重复请求，指向原交易，不是错误
)

type ConsumeRequest struct {
	UserID   int64
	DeviceID string
	Amount   int64 // 分
	Remark   string
}

type TransactionResult struct {
	Status        ResultStatus    `json:"status"`
	TransactionNo string          `json:"transaction_no"`
	BalanceBefore int64           `json:"balance_before"`
	BalanceAfter  int64           `json:"balance_after"`
	CashAmount    int64           `json:"cash_amount"`
	SubsidyAmount int64           `json:"subsidy_amount"`
	Lines         []DeductionLine `json:"lines,omitempty"`
}

// ConsumeService 在线消费
type ConsumeService struct {
	cfg      *config.Config
	tx       *repository.Transactor
	accounts *repository.AccountRepository
	records  *repository.TransactionRepository
	pools    *repository.SubsidyRepository
	locker   lock.Locker
	subsidy  *SubsidyEngine
	balance  *BalanceEngine
	idem     *IdempotencyCache
	notifier Notifier
	now      func() time.Time
}

func NewConsumeService(db *gorm.DB, locker lock.Locker, rdb redis.Cmdable, notifier Notifier, cfg *config.Config) *ConsumeService {
	tx := repository.NewTransactor(db)
	accounts := repository.NewAccountRepository(db)
	pools := repository.NewSubsidyRepository(db)
	balance := NewBalanceEngine(accounts, cfg)

	return &ConsumeService{
		cfg:      cfg,
		tx:       tx,
		accounts: accounts,
		records:  repository.NewTransactionRepository(db),
		pools:    pools,
		locker:   locker,
		subsidy:  NewSubsidyEngine(tx, pools, accounts, balance, cfg),
		balance:  balance,
		idem:     NewIdempotencyCache(rdb, cfg.Idempotency.Window),
		notifier: notifier,
		now:      time.Now,
	}
}

// ExecuteConsumption 消费扣款
//
// 【流程】
// 1. 参数校验（不做任何 I/O）
// 2. 加载账户，校验状态
// 3. Redis 幂等预检查（仅供参考）
// 4. 获取账户锁
// 5. 锁内 + 本地事务：重新读取账户、再次校验状态、以流水表唯一键做权威幂等判断
// 6. 生成扣减计划（补贴优先，其余扣现金），付不起直接失败
// 7. 提交补贴池和现金扣减
// 8. 写流水、补贴明细、通知消息
// 9. 提交事务，写幂等缓存，释放锁
func (s *ConsumeService) ExecuteConsumption(ctx context.Context, req *ConsumeRequest) (*TransactionResult, error) {
	if req.Amount <= 0 {
		return nil, ledgererr.Validation("消费金额必须大于0: %d", req.Amount)
	}
	if req.DeviceID == "" {
		return nil, ledgererr.Validation("终端编号不能为空")
	}

	account, err := s.accounts.GetByUserID(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("加载账户失败 user=%d: %w", req.UserID, err)
	}
	if !account.Active() {
		return nil, fmt.Errorf("account=%d status=%s: %w", account.ID, account.Status, ledgererr.ErrAccountInactive)
	}

	idemKey := IdempotencyKey(req.UserID, req.DeviceID, req.Amount, s.now(), s.cfg.Idempotency.Window)
	if transactionNo, hit := s.idem.Lookup(ctx, idemKey); hit {
		original, err := s.records.GetByTransactionNo(ctx, transactionNo)
		if err != nil {
			return nil, err
		}
		if original != nil {
			metrics.IncConsumption("duplicate")
			return duplicateResult(original), nil
		}
	}

	var result *TransactionResult
	err = lock.WithLock(ctx, s.locker, lock.AccountKey(account.ID), s.cfg.Lock.WaitTimeout, s.cfg.Lock.LeaseTimeout,
		func(ctx context.Context) error {
			return s.tx.InTx(ctx, func(ctx context.Context) error {
				var err error
				result, err = s.consumeLocked(ctx, account.ID, req, idemKey)
				return err
			})
		})
	if err != nil {
		metrics.IncConsumption(string(ledgererr.KindOf(err)))
		zap.L().Info("消费失败",
			zap.Int64("user_id", req.UserID),
			zap.String("device_id", req.DeviceID),
			zap.Int64("amount", req.Amount),
			zap.Error(err))
		return nil, err
	}

	s.idem.Remember(ctx, idemKey, result.TransactionNo)

	if result.Status == ResultDuplicate {
		metrics.IncConsumption("duplicate")
		return result, nil
	}

	metrics.IncConsumption("success")
	zap.L().Info("消费成功",
		zap.Int64("account_id", account.ID),
		zap.String("transaction_no", result.TransactionNo),
		zap.Int64("amount", req.Amount),
		zap.Int64("cash", result.CashAmount),
		zap.Int64("subsidy", result.SubsidyAmount),
		zap.Int64("balance_after", result.BalanceAfter))
	return result, nil
}

func (s *ConsumeService) consumeLocked(ctx context.Context, accountID int64, req *ConsumeRequest, idemKey string) (*TransactionResult, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.Active() {
		return nil, fmt.Errorf("account=%d status=%s: %w", account.ID, account.Status, ledgererr.ErrAccountInactive)
	}

	existing, err := s.records.GetByIdempotencyKey(ctx, idemKey)
	if err != nil {
		return nil, fmt.Errorf("幂等校验失败: %w", err)
	}
	if existing != nil {
		return duplicateResult(existing), nil
	}

	plan, err := s.subsidy.Plan(ctx, account, req.Amount)
	if err != nil {
		return nil, err
	}
	after, err := s.subsidy.Apply(ctx, account, plan)
	if err != nil {
		return nil, err
	}

	transactionNo := idgen.GenerateTransactionNo()
	record := &model.TransactionRecord{
		TransactionNo:  transactionNo,
		AccountID:      account.ID,
		UserID:         account.UserID,
		DeviceID:       req.DeviceID,
		Type:           model.TransactionTypeConsume,
		Status:         model.TransactionStatusSuccess,
		Amount:         -req.Amount,
		CashAmount:     plan.CashAmount,
		SubsidyAmount:  plan.SubsidyAmount,
		BalanceBefore:  account.Balance,
		BalanceAfter:   after.Balance,
		IdempotencyKey: &idemKey,
		Remark:         req.Remark,
	}
	if err := s.records.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("记录流水失败: %w", err)
	}
	if err := s.records.CreateLines(ctx, subsidyLines(transactionNo, plan)); err != nil {
		return nil, fmt.Errorf("记录补贴明细失败: %w", err)
	}

	if err := s.notifier.Notify(ctx, &NotifyEvent{
		Type:          EventConsumed,
		AccountID:     account.ID,
		UserID:        account.UserID,
		TransactionNo: transactionNo,
		Amount:        req.Amount,
		BalanceAfter:  after.Balance,
		OccurredAt:    s.now(),
	}); err != nil {
		return nil, fmt.Errorf("写入通知失败: %w", err)
	}

	return &TransactionResult{
		Status:        ResultSuccess,
		TransactionNo: transactionNo,
		BalanceBefore: account.Balance,
		BalanceAfter:  after.Balance,
		CashAmount:    plan.CashAmount,
		SubsidyAmount: plan.SubsidyAmount,
		Lines:         plan.Lines,
	}, nil
}

// CancelTransaction 撤销消费
//
// 不修改原流水，新写一条 CANCEL 流水指向原流水，现金和各补贴池按原明细退回。
// 已撤销过的返回 false。
func (s *ConsumeService) CancelTransaction(ctx context.Context, transactionNo, reason string) (bool, error) {
	original, err := s.records.GetByTransactionNo(ctx, transactionNo)
	if err != nil {
		return false, err
	}
	if original == nil {
		return false, fmt.Errorf("transaction=%s: %w", transactionNo, ledgererr.ErrTransactionNotFound)
	}
	if !original.Type.Cancellable() {
		return false, ledgererr.Validation("流水类型 %s 不支持撤销", original.Type)
	}

	cancelled := false
	err = lock.WithLock(ctx, s.locker, lock.AccountKey(original.AccountID), s.cfg.Lock.WaitTimeout, s.cfg.Lock.LeaseTimeout,
		func(ctx context.Context) error {
			return s.tx.InTx(ctx, func(ctx context.Context) error {
				var err error
				cancelled, err = s.cancelLocked(ctx, original, reason)
				return err
			})
		})
	if err != nil {
		return false, err
	}

	if cancelled {
		zap.L().Info("撤销成功",
			zap.String("transaction_no", transactionNo),
			zap.Int64("account_id", original.AccountID),
			zap.String("reason", reason))
	}
	return cancelled, nil
}

func (s *ConsumeService) cancelLocked(ctx context.Context, original *model.TransactionRecord, reason string) (bool, error) {
	reversal, err := s.records.GetByRef(ctx, original.TransactionNo)
	if err != nil {
		return false, err
	}
	if reversal != nil {
		return false, nil
	}

	account, err := s.accounts.GetByID(ctx, original.AccountID)
	if err != nil {
		return false, err
	}
	// 销户是终态且余额必须为零，退回的钱无处可去；冻结账户照常退回
	if account.Status == model.AccountStatusClosed {
		return false, fmt.Errorf("account=%d status=%s: %w", account.ID, account.Status, ledgererr.ErrAccountInactive)
	}

	after := account
	if original.CashAmount > 0 {
		after, err = s.balance.Mutate(ctx, account.ID, original.CashAmount, account.Version)
		if err != nil {
			return false, fmt.Errorf("退回现金失败: %w", err)
		}
	}

	lines, err := s.records.ListLines(ctx, original.TransactionNo)
	if err != nil {
		return false, err
	}
	for _, line := range lines {
		if err := s.pools.Refund(ctx, line.SubsidyAccountID, line.Amount, line.UsageDate); err != nil {
			return false, fmt.Errorf("退回补贴失败: %w", err)
		}
	}

	cancelNo := idgen.GenerateCancelNo()
	ref := original.TransactionNo
	record := &model.TransactionRecord{
		TransactionNo:    cancelNo,
		AccountID:        account.ID,
		UserID:           account.UserID,
		DeviceID:         original.DeviceID,
		Type:             model.TransactionTypeCancel,
		Status:           model.TransactionStatusReversedByRef,
		Amount:           -original.Amount,
		CashAmount:       original.CashAmount,
		SubsidyAmount:    original.SubsidyAmount,
		BalanceBefore:    account.Balance,
		BalanceAfter:     after.Balance,
		RefTransactionNo: &ref,
		Remark:           reason,
	}
	if err := s.records.Create(ctx, record); err != nil {
		return false, fmt.Errorf("记录冲正流水失败: %w", err)
	}

	if err := s.notifier.Notify(ctx, &NotifyEvent{
		Type:          EventCancelled,
		AccountID:     account.ID,
		UserID:        account.UserID,
		TransactionNo: cancelNo,
		Amount:        -original.Amount,
		BalanceAfter:  after.Balance,
		Remark:        reason,
		OccurredAt:    s.now(),
	}); err != nil {
		return false, fmt.Errorf("写入通知失败: %w", err)
	}
	return true, nil
}

func duplicateResult(original *model.TransactionRecord) *TransactionResult {
	return &TransactionResult{
		Status:        ResultDuplicate,
		TransactionNo: original.TransactionNo,
		BalanceBefore: original.BalanceBefore,
		BalanceAfter:  original.BalanceAfter,
		CashAmount:    original.CashAmount,
		SubsidyAmount: original.SubsidyAmount,
	}
}

func subsidyLines(transactionNo string, plan *DeductionPlan) []*model.TransactionSubsidyLine {
	lines := make([]*model.TransactionSubsidyLine, 0, len(plan.Lines))
	for _, l := range plan.Lines {
		lines = append(lines, &model.TransactionSubsidyLine{
			TransactionNo:    transactionNo,
			SubsidyAccountID: l.SubsidyAccountID,
			Amount:           l.Amount,
			UsageDate:        plan.UsageDate,
		})
	}
	return lines
}

// IsDuplicate 便于调用方判断
func (r *TransactionResult) IsDuplicate() bool {
	return r != nil && r.Status == ResultDuplicate
}
