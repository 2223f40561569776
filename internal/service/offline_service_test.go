package service

import (
	"context"
	"testing"
	"time"

	"campuspay/internal/infrastructure/lock"
	"campuspay/internal/ledgererr"
	"campuspay/internal/model"
	"campuspay/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func upload(no string, accountID, amount int64) *OfflineUpload {
	return &OfflineUpload{
		OfflineTransNo: no,
		AccountID:      accountID,
		DeviceID:       "pos-offline-1",
		Amount:         amount,
		ConsumeTime:    testNow.Add(-time.Hour),
	}
}

func TestOfflineSubmitIsIdempotent(t *testing.T) {
	f := newFixture(t)
	svc := NewOfflineService(f.db, f.locker, f.notifier, f.cfg)
	ctx := context.Background()
	acc := f.openAccount(t, 1, 1000)

	id, created, err := svc.Submit(ctx, upload("OFF-001", acc.ID, 100))
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := svc.Submit(ctx, upload("OFF-001", acc.ID, 100))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, again)

	_, _, err = svc.Submit(ctx, upload("", acc.ID, 100))
	assert.Equal(t, ledgererr.KindValidation, ledgererr.KindOf(err))
	_, _, err = svc.Submit(ctx, upload("OFF-002", acc.ID, 0))
	assert.Equal(t, ledgererr.KindValidation, ledgererr.KindOf(err))
}

func TestOfflineSyncDebitsOnce(t *testing.T) {
	f := newFixture(t)
	svc := NewOfflineService(f.db, f.locker, f.notifier, f.cfg)
	ctx := context.Background()
	acc := f.openAccount(t, 1, 1000)
	f.grant(t, 1, 500, testNow.Add(days(3)), nil)

	id, _, err := svc.Submit(ctx, upload("OFF-001", acc.ID, 300))
	require.NoError(t, err)

	status, err := svc.SyncOfflineRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusSuccess, status)
	// 只扣现金
	assert.Equal(t, int64(700), f.balanceOf(t, acc.ID))

	record, err := repository.NewOfflineRepository(f.db).GetByID(ctx, id)
	require.NoError(t, err)
	require.NotEmpty(t, record.TransactionNo)

	journal, err := f.records.GetByTransactionNo(ctx, record.TransactionNo)
	require.NoError(t, err)
	require.NotNil(t, journal)
	assert.Equal(t, model.TransactionTypeOfflineConsume, journal.Type)
	assert.Equal(t, "offline:OFF-001", *journal.IdempotencyKey)

	status, err = svc.SyncOfflineRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusSuccess, status)
	assert.Equal(t, int64(700), f.balanceOf(t, acc.ID))

	_, err = svc.SyncOfflineRecord(ctx, 9999)
	assert.ErrorIs(t, err, ledgererr.ErrOfflineRecordNotFound)
}

func TestOfflineSyncConflicts(t *testing.T) {
	f := newFixture(t)
	svc := NewOfflineService(f.db, f.locker, f.notifier, f.cfg)
	offline := repository.NewOfflineRepository(f.db)
	ctx := context.Background()
	acc := f.openAccount(t, 1, 100)
	frozen := f.openAccount(t, 2, 1000)
	require.NoError(t, f.accounts.UpdateStatus(ctx, frozen.ID, frozen.Version, model.AccountStatusFrozen))

	cases := []struct {
		name   string
		upload *OfflineUpload
		reason model.ConflictReason
	}{
		{"余额不足", upload("OFF-B", acc.ID, 101), model.ConflictReasonBalance},
		{"账户不存在", upload("OFF-A", 404, 10), model.ConflictReasonAccount},
		{"账户冻结", upload("OFF-F", frozen.ID, 10), model.ConflictReasonAccount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, _, err := svc.Submit(ctx, tc.upload)
			require.NoError(t, err)

			status, err := svc.SyncOfflineRecord(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, model.SyncStatusConflict, status)

			record, err := offline.GetByID(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, tc.reason, record.ConflictReason)
			assert.NotEmpty(t, record.LastError)
		})
	}

	assert.Equal(t, int64(100), f.balanceOf(t, acc.ID))
	assert.Equal(t, int64(1000), f.balanceOf(t, frozen.ID))
}

func TestOfflineSyncUnexpectedErrorMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.cfg.Lock.WaitTimeout = 20 * time.Millisecond
	svc := NewOfflineService(f.db, f.locker, f.notifier, f.cfg)
	offline := repository.NewOfflineRepository(f.db)
	ctx := context.Background()
	acc := f.openAccount(t, 1, 1000)

	id, _, err := svc.Submit(ctx, upload("OFF-001", acc.ID, 100))
	require.NoError(t, err)

	held, err := f.locker.Acquire(ctx, lock.AccountKey(acc.ID), 0, time.Minute)
	require.NoError(t, err)

	status, err := svc.SyncOfflineRecord(ctx, id)
	assert.ErrorIs(t, err, ledgererr.ErrLockTimeout)
	assert.Equal(t, model.SyncStatusFailed, status)

	record, err := offline.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusFailed, record.SyncStatus)
	assert.Equal(t, 1, record.RetryCount)

	require.NoError(t, held.Release(ctx))
	status, err = svc.SyncOfflineRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusSuccess, status)
	assert.Equal(t, int64(900), f.balanceOf(t, acc.ID))
}

func TestBatchSyncOfflineRecords(t *testing.T) {
	f := newFixture(t)
	svc := NewOfflineService(f.db, f.locker, f.notifier, f.cfg)
	ctx := context.Background()
	acc := f.openAccount(t, 1, 500)

	for _, u := range []*OfflineUpload{
		upload("OFF-1", acc.ID, 200),
		upload("OFF-2", acc.ID, 200),
		upload("OFF-3", acc.ID, 200),
		upload("OFF-4", 404, 50),
	} {
		_, _, err := svc.Submit(ctx, u)
		require.NoError(t, err)
	}

	result, err := svc.BatchSyncOfflineRecords(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, &BatchSyncResult{Total: 4, Success: 2, Conflict: 2, Fail: 0}, result)
	assert.Equal(t, int64(100), f.balanceOf(t, acc.ID))

	// 终态记录不会再被拉取
	result, err = svc.BatchSyncOfflineRecords(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, result.Total)
}
