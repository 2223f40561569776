package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"campuspay/internal/config"
	"campuspay/internal/infrastructure/lock"
	"campuspay/internal/infrastructure/metrics"
	"campuspay/internal/ledgererr"
	"campuspay/internal/model"
	"campuspay/internal/repository"
	"campuspay/pkg/idgen"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OfflineUpload 终端恢复联网后上传的离线消费
type OfflineUpload struct {
	OfflineTransNo string    `json:"offline_trans_no" binding:"required"`
	AccountID      int64     `json:"account_id" binding:"required"`
	DeviceID       string    `json:"device_id" binding:"required"`
	Amount         int64     `json:"amount" binding:"required"`
	ConsumeTime    time.Time `json:"consume_time"`
}

type BatchSyncResult struct {
	Total    int `json:"total"`
	Success  int `json:"success"`
	Conflict int `json:"conflict"`
	Fail     int `json:"fail"`
}

// OfflineService 离线消费补录
//
// 【关键点】
// 1. 离线消费只扣现金，补贴额度在离线期间无法校验
// 2. 账户不存在或不可用、余额不足都标记为 CONFLICT，不做任何扣款，留给人工处理
// 3. 其它错误标记 FAILED，retry_count+1，下一轮继续
// 4. 扣款流水以 offline:<离线流水号> 为幂等键，重复同步不会重复扣款
type OfflineService struct {
	cfg      *config.Config
	tx       *repository.Transactor
	offline  *repository.OfflineRepository
	accounts *repository.AccountRepository
	records  *repository.TransactionRepository
	balance  *BalanceEngine
	locker   lock.Locker
	notifier Notifier
}

func NewOfflineService(db *gorm.DB, locker lock.Locker, notifier Notifier, cfg *config.Config) *OfflineService {
	accounts := repository.NewAccountRepository(db)
	return &OfflineService{
		cfg:      cfg,
		tx:       repository.NewTransactor(db),
		offline:  repository.NewOfflineRepository(db),
		accounts: accounts,
		records:  repository.NewTransactionRepository(db),
		balance:  NewBalanceEngine(accounts, cfg),
		locker:   locker,
		notifier: notifier,
	}
}

// Submit 保存离线记录，重复上传返回已有记录的ID
func (s *OfflineService) Submit(ctx context.Context, upload *OfflineUpload) (int64, bool, error) {
	if upload.OfflineTransNo == "" {
		return 0, false, ledgererr.Validation("离线流水号不能为空")
	}
	if upload.Amount <= 0 {
		return 0, false, ledgererr.Validation("消费金额必须大于0: %d", upload.Amount)
	}
	if upload.AccountID <= 0 {
		return 0, false, ledgererr.Validation("账户ID非法: %d", upload.AccountID)
	}
	consumeTime := upload.ConsumeTime
	if consumeTime.IsZero() {
		consumeTime = time.Now()
	}

	record := &model.OfflineRecord{
		OfflineTransNo: upload.OfflineTransNo,
		AccountID:      upload.AccountID,
		DeviceID:       upload.DeviceID,
		Amount:         upload.Amount,
		ConsumeTime:    consumeTime,
		SyncStatus:     model.SyncStatusPending,
	}
	created, err := s.offline.CreateIfAbsent(ctx, record)
	if err != nil {
		return 0, false, fmt.Errorf("保存离线记录失败: %w", err)
	}
	if created {
		return record.ID, true, nil
	}

	existing, err := s.offline.GetByTransNo(ctx, upload.OfflineTransNo)
	if err != nil {
		return 0, false, err
	}
	if existing == nil {
		return 0, false, fmt.Errorf("offline_trans_no=%s: %w", upload.OfflineTransNo, ledgererr.ErrOfflineRecordNotFound)
	}
	zap.L().Info("离线记录重复上传", zap.String("offline_trans_no", upload.OfflineTransNo), zap.Int64("id", existing.ID))
	return existing.ID, false, nil
}

// SyncOfflineRecord 同步单条离线记录，返回同步后的状态
// 已是终态的记录直接返回当前状态
func (s *OfflineService) SyncOfflineRecord(ctx context.Context, id int64) (model.SyncStatus, error) {
	record, err := s.offline.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	if record == nil {
		return "", fmt.Errorf("offline id=%d: %w", id, ledgererr.ErrOfflineRecordNotFound)
	}
	if !record.SyncStatus.Syncable() {
		return record.SyncStatus, nil
	}

	status, err := s.sync(ctx, record)
	if err != nil {
		if markErr := s.offline.MarkFailed(ctx, record.ID, err.Error()); markErr != nil {
			zap.L().Error("标记离线记录失败状态出错", zap.Int64("id", record.ID), zap.Error(markErr))
		}
		metrics.IncOfflineSync(string(model.SyncStatusFailed))
		zap.L().Warn("离线记录同步失败",
			zap.Int64("id", record.ID),
			zap.String("offline_trans_no", record.OfflineTransNo),
			zap.Error(err))
		return model.SyncStatusFailed, err
	}

	metrics.IncOfflineSync(string(status))
	return status, nil
}

func (s *OfflineService) sync(ctx context.Context, record *model.OfflineRecord) (model.SyncStatus, error) {
	account, err := s.accounts.GetByID(ctx, record.AccountID)
	if err != nil {
		if errors.Is(err, ledgererr.ErrAccountNotFound) {
			return s.conflict(ctx, record, model.ConflictReasonAccount, "账户不存在")
		}
		return "", err
	}

	var status model.SyncStatus
	err = lock.WithLock(ctx, s.locker, lock.AccountKey(account.ID), s.cfg.Lock.WaitTimeout, s.cfg.Lock.LeaseTimeout,
		func(ctx context.Context) error {
			return s.tx.InTx(ctx, func(ctx context.Context) error {
				var err error
				status, err = s.syncLocked(ctx, record)
				return err
			})
		})
	return status, err
}

func (s *OfflineService) syncLocked(ctx context.Context, record *model.OfflineRecord) (model.SyncStatus, error) {
	idemKey := "offline:" + record.OfflineTransNo
	existing, err := s.records.GetByIdempotencyKey(ctx, idemKey)
	if err != nil {
		return "", err
	}
	if existing != nil {
		if err := s.offline.MarkSuccess(ctx, record.ID, existing.TransactionNo); err != nil {
			return "", err
		}
		return model.SyncStatusSuccess, nil
	}

	account, err := s.accounts.GetByID(ctx, record.AccountID)
	if err != nil {
		return "", err
	}
	if !account.Active() {
		return s.conflict(ctx, record, model.ConflictReasonAccount, fmt.Sprintf("账户状态为 %s", account.Status))
	}
	if account.Balance < record.Amount {
		return s.conflict(ctx, record, model.ConflictReasonBalance,
			fmt.Sprintf("余额不足 balance=%d amount=%d", account.Balance, record.Amount))
	}

	after, err := s.balance.Mutate(ctx, account.ID, -record.Amount, account.Version)
	if err != nil {
		return "", err
	}

	transactionNo := idgen.GenerateOfflineNo()
	if err := s.records.Create(ctx, &model.TransactionRecord{
		TransactionNo:  transactionNo,
		AccountID:      account.ID,
		UserID:         account.UserID,
		DeviceID:       record.DeviceID,
		Type:           model.TransactionTypeOfflineConsume,
		Status:         model.TransactionStatusSuccess,
		Amount:         -record.Amount,
		CashAmount:     record.Amount,
		BalanceBefore:  account.Balance,
		BalanceAfter:   after.Balance,
		IdempotencyKey: &idemKey,
		Remark:         "离线消费 " + record.OfflineTransNo,
	}); err != nil {
		return "", fmt.Errorf("记录离线消费流水失败: %w", err)
	}
	if err := s.offline.MarkSuccess(ctx, record.ID, transactionNo); err != nil {
		return "", err
	}
	if err := s.notifier.Notify(ctx, &NotifyEvent{
		Type:          EventOfflineSynced,
		AccountID:     account.ID,
		UserID:        account.UserID,
		TransactionNo: transactionNo,
		Amount:        record.Amount,
		BalanceAfter:  after.Balance,
		OccurredAt:    record.ConsumeTime,
	}); err != nil {
		return "", fmt.Errorf("写入通知失败: %w", err)
	}

	zap.L().Info("离线记录同步成功",
		zap.Int64("id", record.ID),
		zap.Int64("account_id", account.ID),
		zap.String("transaction_no", transactionNo),
		zap.Int64("balance_after", after.Balance))
	return model.SyncStatusSuccess, nil
}

func (s *OfflineService) conflict(ctx context.Context, record *model.OfflineRecord, reason model.ConflictReason, detail string) (model.SyncStatus, error) {
	if err := s.offline.MarkConflict(ctx, record.ID, reason, detail); err != nil {
		return "", err
	}
	zap.L().Warn("离线记录冲突，等待人工处理",
		zap.Int64("id", record.ID),
		zap.String("offline_trans_no", record.OfflineTransNo),
		zap.String("reason", string(reason)),
		zap.String("detail", detail))
	return model.SyncStatusConflict, nil
}

// BatchSyncOfflineRecords 批量同步，单条失败不影响其它记录
func (s *OfflineService) BatchSyncOfflineRecords(ctx context.Context, limit int) (*BatchSyncResult, error) {
	if limit <= 0 {
		limit = s.cfg.Offline.BatchSize
	}
	records, err := s.offline.ListSyncable(ctx, limit, s.cfg.Offline.MaxRetry)
	if err != nil {
		return nil, fmt.Errorf("查询待同步记录失败: %w", err)
	}

	result := &BatchSyncResult{Total: len(records)}
	for _, record := range records {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		status, _ := s.SyncOfflineRecord(ctx, record.ID)
		switch status {
		case model.SyncStatusSuccess:
			result.Success++
		case model.SyncStatusConflict:
			result.Conflict++
		default:
			result.Fail++
		}
	}

	if result.Total > 0 {
		zap.L().Info("离线记录批量同步完成",
			zap.Int("total", result.Total),
			zap.Int("success", result.Success),
			zap.Int("conflict", result.Conflict),
			zap.Int("fail", result.Fail))
	}
	return result, nil
}
