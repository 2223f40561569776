package service

import (
	"context"
	"testing"
	"time"

	"campuspay/internal/config"
	"campuspay/internal/infrastructure/lock"
	"campuspay/internal/model"
	"campuspay/internal/repository"
	"campuspay/internal/testutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// 固定时钟，跨天的用例彼此相差整天
var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.Local)

type fixture struct {
	db       *gorm.DB
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	cfg      *config.Config
	locker   lock.Locker
	notifier *OutboxNotifier
	accounts *repository.AccountRepository
	records  *repository.TransactionRepository
	pools    *repository.SubsidyRepository
	outbox   *repository.OutboxRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewDB(t)
	mr, rdb := testutil.NewRedis(t)
	cfg := config.Default()
	cfg.Lock.RetryInterval = 5 * time.Millisecond
	outbox := repository.NewOutboxRepository(db)

	return &fixture{
		db:       db,
		mr:       mr,
		rdb:      rdb,
		cfg:      cfg,
		locker:   lock.NewRedisLocker(rdb, cfg.Lock.RetryInterval),
		notifier: NewOutboxNotifier(outbox, cfg.Kafka.Topic.LedgerEvent),
		accounts: repository.NewAccountRepository(db),
		records:  repository.NewTransactionRepository(db),
		pools:    repository.NewSubsidyRepository(db),
		outbox:   outbox,
	}
}

func (f *fixture) openAccount(t *testing.T, userID, balance int64) *model.Account {
	t.Helper()
	acc := &model.Account{UserID: userID, Balance: balance, Status: model.AccountStatusActive}
	created, err := f.accounts.CreateIfAbsent(context.Background(), acc)
	require.NoError(t, err)
	require.True(t, created)
	return acc
}

func (f *fixture) grant(t *testing.T, userID, amount int64, expire time.Time, dailyLimit *int64) *model.SubsidyPool {
	t.Helper()
	pool := &model.SubsidyPool{
		UserID:        userID,
		SubsidyTypeID: 1,
		Balance:       amount,
		ExpireTime:    expire,
		DailyLimit:    dailyLimit,
	}
	require.NoError(t, f.pools.Create(context.Background(), pool))
	return pool
}

func (f *fixture) balanceOf(t *testing.T, accountID int64) int64 {
	t.Helper()
	acc, err := f.accounts.GetByID(context.Background(), accountID)
	require.NoError(t, err)
	return acc.Balance
}

func (f *fixture) poolBalance(t *testing.T, poolID int64) int64 {
	t.Helper()
	pool, err := f.pools.GetByID(context.Background(), poolID)
	require.NoError(t, err)
	require.NotNil(t, pool)
	return pool.Balance
}

func (f *fixture) consumeService() *ConsumeService {
	svc := NewConsumeService(f.db, f.locker, f.rdb, f.notifier, f.cfg)
	svc.now = func() time.Time { return testNow }
	svc.subsidy.now = svc.now
	return svc
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func int64Ptr(v int64) *int64 {
	return &v
}
