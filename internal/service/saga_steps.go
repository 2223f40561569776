package service

import (
	"context"
	"encoding/json"
	"fmt"

	"campuspay/internal/config"
	"campuspay/internal/infrastructure/lock"
	"campuspay/internal/ledgererr"
	"campuspay/internal/model"
	"campuspay/internal/repository"
	"campuspay/pkg/idgen"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 已注册的步骤ID
const (
	StepAccountDebit  = "account.debit"
	StepAccountCredit = "account.credit"
	StepNotifySend    = "notify.send"
	StepNotifyCancel  = "notify.cancel"
)

// AccountStepPayload 资金步骤参数
type AccountStepPayload struct {
	AccountID int64  `json:"account_id"`
	Amount    int64  `json:"amount"` // 分，正数
	Remark    string `json:"remark,omitempty"`
}

// NoticeStepPayload 通知步骤参数
type NoticeStepPayload struct {
	AccountID int64  `json:"account_id"`
	Message   string `json:"message"`
}

// SagaSteps 编排事务使用的本地步骤
//
// 资金步骤只在自己的本地变更期间持有账户锁；
// 以 saga:<id>:<seq>:<phase> 作为流水幂等键，重复执行不会重复记账。
type SagaSteps struct {
	cfg      *config.Config
	tx       *repository.Transactor
	accounts *repository.AccountRepository
	records  *repository.TransactionRepository
	balance  *BalanceEngine
	locker   lock.Locker
	notifier Notifier
}

func NewSagaSteps(db *gorm.DB, locker lock.Locker, notifier Notifier, cfg *config.Config) *SagaSteps {
	accounts := repository.NewAccountRepository(db)
	return &SagaSteps{
		cfg:      cfg,
		tx:       repository.NewTransactor(db),
		accounts: accounts,
		records:  repository.NewTransactionRepository(db),
		balance:  NewBalanceEngine(accounts, cfg),
		locker:   locker,
		notifier: notifier,
	}
}

// Register 处理器只决定资金方向，阶段只影响幂等键和流水状态；
// 扣款步骤以入账作补偿，入账步骤以扣款作补偿
func (s *SagaSteps) Register(registry *StepRegistry) {
	registry.Register(StepAccountDebit, func(ctx context.Context, in StepInput) error {
		return s.mutate(ctx, in, -1)
	})
	registry.Register(StepAccountCredit, func(ctx context.Context, in StepInput) error {
		return s.mutate(ctx, in, 1)
	})
	registry.Register(StepNotifySend, func(ctx context.Context, in StepInput) error {
		return s.notice(ctx, in, EventSagaNotice)
	})
	registry.Register(StepNotifyCancel, func(ctx context.Context, in StepInput) error {
		return s.notice(ctx, in, EventSagaCancelNote)
	})
}

// TransferSteps 账户间划拨：扣 from，入 to，再分别通知双方
func TransferSteps(fromAccountID, toAccountID, amount int64, remark string) []StepDescriptor {
	return []StepDescriptor{
		{
			ActionID:       StepAccountDebit,
			CompensationID: StepAccountCredit,
			Payload:        AccountStepPayload{AccountID: fromAccountID, Amount: amount, Remark: remark},
			Financial:      true,
		},
		{
			ActionID:       StepAccountCredit,
			CompensationID: StepAccountDebit,
			Payload:        AccountStepPayload{AccountID: toAccountID, Amount: amount, Remark: remark},
			Financial:      true,
		},
		{
			ActionID:       StepNotifySend,
			CompensationID: StepNotifyCancel,
			Payload:        NoticeStepPayload{AccountID: fromAccountID, Message: remark},
		},
		{
			ActionID:       StepNotifySend,
			CompensationID: StepNotifyCancel,
			Payload:        NoticeStepPayload{AccountID: toAccountID, Message: remark},
		},
	}
}

func (s *SagaSteps) mutate(ctx context.Context, in StepInput, sign int64) error {
	var p AccountStepPayload
	if err := json.Unmarshal(in.Payload, &p); err != nil {
		return ledgererr.Validation("步骤参数解析失败: %v", err)
	}
	if p.AccountID <= 0 || p.Amount <= 0 {
		return ledgererr.Validation("步骤参数非法 account=%d amount=%d", p.AccountID, p.Amount)
	}

	key := in.IdempotencyKey()
	return lock.WithLock(ctx, s.locker, lock.AccountKey(p.AccountID), s.cfg.Lock.WaitTimeout, s.cfg.Lock.LeaseTimeout,
		func(ctx context.Context) error {
			return s.tx.InTx(ctx, func(ctx context.Context) error {
				existing, err := s.records.GetByIdempotencyKey(ctx, key)
				if err != nil {
					return err
				}
				if existing != nil {
					return nil
				}

				account, err := s.accounts.GetByID(ctx, p.AccountID)
				if err != nil {
					return err
				}
				// 补偿必须能执行，冻结账户也要退回
				if in.Phase == PhaseAction && !account.Active() {
					return fmt.Errorf("account=%d status=%s: %w", account.ID, account.Status, ledgererr.ErrAccountInactive)
				}

				delta := sign * p.Amount
				after, err := s.balance.Mutate(ctx, account.ID, delta, account.Version)
				if err != nil {
					return err
				}

				record := &model.TransactionRecord{
					TransactionNo:  idgen.GenerateSagaTransactionNo(),
					AccountID:      account.ID,
					UserID:         account.UserID,
					Type:           model.TransactionTypeSagaCredit,
					Status:         model.TransactionStatusSuccess,
					Amount:         delta,
					CashAmount:     p.Amount,
					BalanceBefore:  account.Balance,
					BalanceAfter:   after.Balance,
					IdempotencyKey: &key,
					Remark:         p.Remark,
				}
				if delta < 0 {
					record.Type = model.TransactionTypeSagaDebit
				}
				if in.Phase == PhaseCompensation {
					actionKey := StepInput{SagaID: in.SagaID, Seq: in.Seq, Phase: PhaseAction}.IdempotencyKey()
					action, err := s.records.GetByIdempotencyKey(ctx, actionKey)
					if err != nil {
						return err
					}
					record.Status = model.TransactionStatusReversedByRef
					if action != nil {
						ref := action.TransactionNo
						record.RefTransactionNo = &ref
					}
				}
				if err := s.records.Create(ctx, record); err != nil {
					return fmt.Errorf("记录编排流水失败: %w", err)
				}

				zap.L().Info("编排资金步骤执行",
					zap.String("saga_id", in.SagaID),
					zap.Int("seq", in.Seq),
					zap.String("phase", string(in.Phase)),
					zap.Int64("account_id", account.ID),
					zap.Int64("delta", delta),
					zap.String("transaction_no", record.TransactionNo))
				return nil
			})
		})
}

func (s *SagaSteps) notice(ctx context.Context, in StepInput, eventType string) error {
	var p NoticeStepPayload
	if err := json.Unmarshal(in.Payload, &p); err != nil {
		return ledgererr.Validation("步骤参数解析失败: %v", err)
	}
	account, err := s.accounts.GetByID(ctx, p.AccountID)
	if err != nil {
		return err
	}
	return s.notifier.Notify(ctx, &NotifyEvent{
		Type:         eventType,
		AccountID:    account.ID,
		UserID:       account.UserID,
		BalanceAfter: account.Balance,
		Remark:       fmt.Sprintf("%s [saga=%s]", p.Message, in.SagaID),
	})
}

// NewLedgerSagaCoordinator 注册全部账本步骤的编排器
func NewLedgerSagaCoordinator(db *gorm.DB, locker lock.Locker, notifier Notifier, cfg *config.Config) *SagaCoordinator {
	registry := NewStepRegistry()
	NewSagaSteps(db, locker, notifier, cfg).Register(registry)
	return NewSagaCoordinator(db, registry, locker, cfg)
}
