package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"campuspay/internal/ledgererr"
	"campuspay/internal/model"
	"campuspay/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openAccount(t *testing.T, repo *AccountRepository, userID, balance int64) *model.Account {
	t.Helper()
	acc := &model.Account{UserID: userID, Balance: balance, Status: model.AccountStatusActive}
	created, err := repo.CreateIfAbsent(context.Background(), acc)
	require.NoError(t, err)
	require.True(t, created)
	return acc
}

func TestAccountCreateIfAbsent(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()

	acc := openAccount(t, repo, 1001, 500)

	created, err := repo.CreateIfAbsent(ctx, &model.Account{UserID: 1001, Balance: 9999, Status: model.AccountStatusActive})
	require.NoError(t, err)
	assert.False(t, created)

	got, err := repo.GetByUserID(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, acc.ID, got.ID)
	assert.Equal(t, int64(500), got.Balance)

	_, err = repo.GetByUserID(ctx, 4040)
	assert.ErrorIs(t, err, ledgererr.ErrAccountNotFound)
}

func TestAccountApplyDelta(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()
	acc := openAccount(t, repo, 1, 1000)

	require.NoError(t, repo.ApplyDelta(ctx, acc.ID, -300, 0))
	got, err := repo.GetByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(700), got.Balance)
	assert.Equal(t, int64(1), got.Version)

	// 版本号已变化
	err = repo.ApplyDelta(ctx, acc.ID, -100, 0)
	assert.ErrorIs(t, err, ledgererr.ErrConcurrentModification)

	// 余额不能为负
	err = repo.ApplyDelta(ctx, acc.ID, -701, 1)
	assert.ErrorIs(t, err, ledgererr.ErrInsufficientBalance)

	err = repo.ApplyDelta(ctx, 999, 100, 0)
	assert.ErrorIs(t, err, ledgererr.ErrAccountNotFound)

	got, err = repo.GetByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(700), got.Balance)
	assert.Equal(t, int64(1), got.Version)
}

func TestTransactorRollsBackAllWrites(t *testing.T) {
	db := testutil.NewDB(t)
	tx := NewTransactor(db)
	accounts := NewAccountRepository(db)
	records := NewTransactionRepository(db)
	ctx := context.Background()
	acc := openAccount(t, accounts, 7, 1000)

	boom := errors.New("boom")
	err := tx.InTx(ctx, func(ctx context.Context) error {
		require.NoError(t, accounts.ApplyDelta(ctx, acc.ID, -100, acc.Version))
		require.NoError(t, records.Create(ctx, &model.TransactionRecord{
			TransactionNo: "TXN-rollback",
			AccountID:     acc.ID,
			UserID:        acc.UserID,
			Type:          model.TransactionTypeConsume,
			Status:        model.TransactionStatusSuccess,
			Amount:        -100,
			BalanceBefore: 1000,
			BalanceAfter:  900,
		}))
		// 嵌套调用加入同一事务
		return tx.InTx(ctx, func(ctx context.Context) error { return boom })
	})
	assert.Equal(t, boom, err)

	got, err := accounts.GetByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.Balance)

	rec, err := records.GetByTransactionNo(ctx, "TXN-rollback")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestTransactionRefIsUnique(t *testing.T) {
	db := testutil.NewDB(t)
	records := NewTransactionRepository(db)
	ctx := context.Background()

	ref := "TXN-1"
	require.NoError(t, records.Create(ctx, &model.TransactionRecord{
		TransactionNo: "TXN-1", AccountID: 1, UserID: 1,
		Type: model.TransactionTypeConsume, Status: model.TransactionStatusSuccess, Amount: -100,
	}))
	require.NoError(t, records.Create(ctx, &model.TransactionRecord{
		TransactionNo: "CXL-1", AccountID: 1, UserID: 1, RefTransactionNo: &ref,
		Type: model.TransactionTypeCancel, Status: model.TransactionStatusReversedByRef, Amount: 100,
	}))
	err := records.Create(ctx, &model.TransactionRecord{
		TransactionNo: "CXL-2", AccountID: 1, UserID: 1, RefTransactionNo: &ref,
		Type: model.TransactionTypeCancel, Status: model.TransactionStatusReversedByRef, Amount: 100,
	})
	assert.Error(t, err)

	cancel, err := records.GetByRef(ctx, "TXN-1")
	require.NoError(t, err)
	require.NotNil(t, cancel)
	assert.Equal(t, "CXL-1", cancel.TransactionNo)
}

func TestSubsidyListActiveOrdering(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewSubsidyRepository(db)
	ctx := context.Background()
	now := time.Now()

	pools := []*model.SubsidyPool{
		{UserID: 1, SubsidyTypeID: 1, Balance: 3000, ExpireTime: now.Add(10 * 24 * time.Hour)},
		{UserID: 1, SubsidyTypeID: 1, Balance: 500, ExpireTime: now.Add(2 * 24 * time.Hour)},
		{UserID: 1, SubsidyTypeID: 2, Balance: 2000, ExpireTime: now.Add(2 * 24 * time.Hour)},
		{UserID: 1, SubsidyTypeID: 3, Balance: 100, ExpireTime: now.Add(-24 * time.Hour)}, // 已过期
		{UserID: 1, SubsidyTypeID: 3, Balance: 0, ExpireTime: now.Add(24 * time.Hour)},    // 已用完
		{UserID: 2, SubsidyTypeID: 1, Balance: 100, ExpireTime: now.Add(24 * time.Hour)},
	}
	for _, p := range pools {
		require.NoError(t, repo.Create(ctx, p))
	}

	active, err := repo.ListActive(ctx, 1, now)
	require.NoError(t, err)
	require.Len(t, active, 3)
	assert.Equal(t, int64(500), active[0].Balance)
	assert.Equal(t, int64(2000), active[1].Balance)
	assert.Equal(t, int64(3000), active[2].Balance)
}

func TestSubsidyConsumeAndRefund(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewSubsidyRepository(db)
	ctx := context.Background()

	limit := int64(1000)
	pool := &model.SubsidyPool{
		UserID: 1, SubsidyTypeID: 1, Balance: 2000, ExpireTime: time.Now().Add(time.Hour),
		DailyLimit: &limit, DailyUsedAmount: 900, DailyUsageDate: "2026-03-01",
	}
	require.NoError(t, repo.Create(ctx, pool))

	// 跨日，当日累计重置为本次金额
	require.NoError(t, repo.Consume(ctx, pool, 300, "2026-03-02"))
	got, err := repo.GetByID(ctx, pool.SubsidyAccountID)
	require.NoError(t, err)
	assert.Equal(t, int64(1700), got.Balance)
	assert.Equal(t, int64(300), got.DailyUsedAmount)
	assert.Equal(t, "2026-03-02", got.DailyUsageDate)

	// 旧版本号
	err = repo.Consume(ctx, pool, 100, "2026-03-02")
	assert.ErrorIs(t, err, ledgererr.ErrConcurrentModification)

	require.NoError(t, repo.Refund(ctx, pool.SubsidyAccountID, 300, "2026-03-02"))
	got, err = repo.GetByID(ctx, pool.SubsidyAccountID)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), got.Balance)
	assert.Equal(t, int64(0), got.DailyUsedAmount)
}

func TestOfflineCreateIfAbsentAndTransitions(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewOfflineRepository(db)
	ctx := context.Background()

	rec := &model.OfflineRecord{
		OfflineTransNo: "OFF-1", AccountID: 1, Amount: 100,
		ConsumeTime: time.Now(), SyncStatus: model.SyncStatusPending,
	}
	created, err := repo.CreateIfAbsent(ctx, rec)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.CreateIfAbsent(ctx, &model.OfflineRecord{
		OfflineTransNo: "OFF-1", AccountID: 1, Amount: 100,
		ConsumeTime: time.Now(), SyncStatus: model.SyncStatusPending,
	})
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, repo.MarkFailed(ctx, rec.ID, "db down"))
	got, err := repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusFailed, got.SyncStatus)
	assert.Equal(t, 1, got.RetryCount)

	list, err := repo.ListSyncable(ctx, 10, 1)
	require.NoError(t, err)
	assert.Empty(t, list)
	list, err = repo.ListSyncable(ctx, 10, 3)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, repo.MarkSuccess(ctx, rec.ID, "TXN-9"))
	// 终态不会被覆盖
	require.NoError(t, repo.MarkConflict(ctx, rec.ID, model.ConflictReasonBalance, "late"))
	got, err = repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusSuccess, got.SyncStatus)
	assert.Equal(t, "TXN-9", got.TransactionNo)
}

func TestSagaStateCAS(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewSagaRepository(db)
	ctx := context.Background()

	saga := &model.Saga{SagaID: "s-1", SagaType: "transfer", State: model.SagaStatePending}
	steps := []*model.SagaStep{
		{SagaID: "s-1", Seq: 1, ActionID: "account.debit", CompensationID: "account.credit", Financial: true, Status: model.StepStatusPending},
		{SagaID: "s-1", Seq: 2, ActionID: "notify.send", CompensationID: "notify.cancel", Status: model.StepStatusPending},
	}
	require.NoError(t, repo.Create(ctx, saga, steps))

	require.NoError(t, repo.UpdateState(ctx, "s-1", model.SagaStatePending, model.SagaStateRunning, ""))
	err := repo.UpdateState(ctx, "s-1", model.SagaStatePending, model.SagaStateRunning, "")
	assert.ErrorIs(t, err, ledgererr.ErrConcurrentModification)

	err = repo.UpdateState(ctx, "s-1", model.SagaStateRunning, model.SagaStateCompensated, "")
	assert.Error(t, err)

	got, err := repo.ListSteps(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "account.debit", got[0].ActionID)

	stale, err := repo.ListStale(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, stale, 1)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, ledgererr.ErrSagaNotFound)
}

func TestSagaStepProgressKeepsSagaFresh(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewSagaRepository(db)
	ctx := context.Background()

	saga := &model.Saga{SagaID: "s-2", SagaType: "transfer", State: model.SagaStateRunning}
	steps := []*model.SagaStep{
		{SagaID: "s-2", Seq: 1, ActionID: "account.debit", CompensationID: "account.credit", Financial: true, Status: model.StepStatusPending},
	}
	require.NoError(t, repo.Create(ctx, saga, steps))

	// 最后一次状态变更发生在一天前
	require.NoError(t, db.Model(&model.Saga{}).Where("saga_id = ?", "s-2").
		UpdateColumn("updated_at", time.Now().Add(-24*time.Hour)).Error)
	cutoff := time.Now().Add(-time.Hour)

	stale, err := repo.ListStale(ctx, cutoff, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	require.NoError(t, repo.UpdateStep(ctx, "s-2", steps[0].ID, model.StepStatusDone, ""))

	stale, err = repo.ListStale(ctx, cutoff, 10)
	require.NoError(t, err)
	assert.Empty(t, stale)

	got, err := repo.ListSteps(ctx, "s-2")
	require.NoError(t, err)
	assert.Equal(t, model.StepStatusDone, got[0].Status)
}
