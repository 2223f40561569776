package job

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"campuspay/internal/config"
	"campuspay/internal/infrastructure/lock"
	"campuspay/internal/infrastructure/mq"
	"campuspay/internal/model"
	"campuspay/internal/repository"
	"campuspay/internal/service"
	"campuspay/internal/testutil"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// ==================== 消息投递 ====================

// flakySender 前 failures 次投递失败
type flakySender struct {
	mu       sync.Mutex
	failures int
	sent     []string
}

func (s *flakySender) SendMessage(topic, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("broker unavailable")
	}
	s.sent = append(s.sent, key)
	return nil
}

func newOutboxMessage(t *testing.T, repo *repository.OutboxRepository, key string) *model.OutboxMessage {
	t.Helper()
	msg := &model.OutboxMessage{
		MessageKey: key,
		Topic:      "ledger",
		EventType:  "CONSUMED",
		Payload:    `{"account_id":1}`,
		Status:     model.OutboxStatusPending,
	}
	require.NoError(t, repo.Create(context.Background(), msg))
	return msg
}

func outboxState(t *testing.T, db *gorm.DB, id int64) *model.OutboxMessage {
	t.Helper()
	var msg model.OutboxMessage
	require.NoError(t, db.First(&msg, id).Error)
	return &msg
}

func TestOutboxSenderDeliversPending(t *testing.T) {
	db := testutil.NewDB(t)
	repo := repository.NewOutboxRepository(db)
	first := newOutboxMessage(t, repo, "1")
	second := newOutboxMessage(t, repo, "2")

	sender := &flakySender{}
	s := NewOutboxSender(db, sender, config.Default())

	assert.Equal(t, 2, s.ProcessPendingMessages(context.Background()))
	assert.Equal(t, []string{"1", "2"}, sender.sent)
	assert.Equal(t, model.OutboxStatusSent, outboxState(t, db, first.ID).Status)
	assert.Equal(t, model.OutboxStatusSent, outboxState(t, db, second.ID).Status)

	// 已投递的不会再发
	assert.Equal(t, 0, s.ProcessPendingMessages(context.Background()))
}

func TestOutboxSenderRetriesThenFails(t *testing.T) {
	db := testutil.NewDB(t)
	repo := repository.NewOutboxRepository(db)
	msg := newOutboxMessage(t, repo, "1")

	cfg := config.Default()
	cfg.Business.MaxRetryCount = 3
	s := NewOutboxSender(db, &flakySender{failures: 10}, cfg)

	s.ProcessPendingMessages(context.Background())
	got := outboxState(t, db, msg.ID)
	assert.Equal(t, model.OutboxStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	s.ProcessPendingMessages(context.Background())
	s.ProcessPendingMessages(context.Background())
	got = outboxState(t, db, msg.ID)
	assert.Equal(t, model.OutboxStatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)

	// FAILED 不再投递
	assert.Equal(t, 0, s.ProcessPendingMessages(context.Background()))
	assert.Equal(t, 3, outboxState(t, db, msg.ID).RetryCount)
}

func TestOutboxSenderRecoversAfterTransientFailure(t *testing.T) {
	db := testutil.NewDB(t)
	repo := repository.NewOutboxRepository(db)
	msg := newOutboxMessage(t, repo, "1")

	sender := &flakySender{failures: 1}
	s := NewOutboxSender(db, sender, config.Default())

	assert.Equal(t, 0, s.ProcessPendingMessages(context.Background()))
	assert.Equal(t, 1, s.ProcessPendingMessages(context.Background()))

	got := outboxState(t, db, msg.ID)
	assert.Equal(t, model.OutboxStatusSent, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestOutboxSenderWithKafkaProducer(t *testing.T) {
	db := testutil.NewDB(t)
	repo := repository.NewOutboxRepository(db)
	ok := newOutboxMessage(t, repo, "1")
	bad := newOutboxMessage(t, repo, "2")

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	s := NewOutboxSender(db, mq.WrapSyncProducer(producer), config.Default())
	assert.Equal(t, 1, s.ProcessPendingMessages(context.Background()))

	assert.Equal(t, model.OutboxStatusSent, outboxState(t, db, ok.ID).Status)
	assert.Equal(t, 1, outboxState(t, db, bad.ID).RetryCount)
	require.NoError(t, producer.Close())
}

func TestOutboxSenderStops(t *testing.T) {
	db := testutil.NewDB(t)
	cfg := config.Default()
	cfg.Business.OutboxInterval = 5 * time.Millisecond
	s := NewOutboxSender(db, &flakySender{}, cfg)

	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()
	s.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("投递任务没有退出")
	}
}

// ==================== 编排恢复 ====================

func openAccount(t *testing.T, db *gorm.DB, userID, balance int64) *model.Account {
	t.Helper()
	account := &model.Account{UserID: userID, Balance: balance, Status: model.AccountStatusActive}
	created, err := repository.NewAccountRepository(db).CreateIfAbsent(context.Background(), account)
	require.NoError(t, err)
	require.True(t, created)
	return account
}

func balanceOf(t *testing.T, db *gorm.DB, id int64) int64 {
	t.Helper()
	account, err := repository.NewAccountRepository(db).GetByID(context.Background(), id)
	require.NoError(t, err)
	return account.Balance
}

func accountStep(t *testing.T, sagaID string, seq int, action, compensation string, accountID, amount int64) *model.SagaStep {
	t.Helper()
	payload, err := json.Marshal(service.AccountStepPayload{AccountID: accountID, Amount: amount})
	require.NoError(t, err)
	return &model.SagaStep{
		SagaID:         sagaID,
		Seq:            seq,
		ActionID:       action,
		CompensationID: compensation,
		Payload:        string(payload),
		Financial:      true,
		Status:         model.StepStatusPending,
	}
}

func TestSagaRecoveryResumesStaleSaga(t *testing.T) {
	db := testutil.NewDB(t)
	_, rdb := testutil.NewRedis(t)
	cfg := config.Default()
	locker := lock.NewRedisLocker(rdb, 5*time.Millisecond)
	notifier := service.NewOutboxNotifier(repository.NewOutboxRepository(db), cfg.Kafka.Topic.LedgerEvent)

	from := openAccount(t, db, 1, 500)
	to := openAccount(t, db, 2, 0)

	// 模拟进程在 RUNNING 状态崩溃，步骤一个都没执行
	sagas := repository.NewSagaRepository(db)
	sagaID := "4a8e9a3c-0f4c-4a39-9f57-1f3b2d9d0001"
	require.NoError(t, sagas.Create(context.Background(),
		&model.Saga{SagaID: sagaID, SagaType: "transfer", State: model.SagaStateRunning},
		[]*model.SagaStep{
			accountStep(t, sagaID, 1, service.StepAccountDebit, service.StepAccountCredit, from.ID, 200),
			accountStep(t, sagaID, 2, service.StepAccountCredit, service.StepAccountDebit, to.ID, 200),
		}))

	coordinator := service.NewLedgerSagaCoordinator(db, locker, notifier, cfg)
	job := NewSagaRecoveryJob(db, coordinator, cfg)
	job.now = func() time.Time { return time.Now().Add(24 * time.Hour) }

	require.NoError(t, job.Run(context.Background()))

	saga, err := sagas.Get(context.Background(), sagaID)
	require.NoError(t, err)
	assert.Equal(t, model.SagaStateCompleted, saga.State)
	assert.Equal(t, int64(300), balanceOf(t, db, from.ID))
	assert.Equal(t, int64(200), balanceOf(t, db, to.ID))

	// 终态不再被捞出，余额不变
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, int64(300), balanceOf(t, db, from.ID))
	assert.Equal(t, int64(200), balanceOf(t, db, to.ID))
}

func TestSagaRecoveryIgnoresFreshSaga(t *testing.T) {
	db := testutil.NewDB(t)
	_, rdb := testutil.NewRedis(t)
	cfg := config.Default()
	locker := lock.NewRedisLocker(rdb, 5*time.Millisecond)
	notifier := service.NewOutboxNotifier(repository.NewOutboxRepository(db), cfg.Kafka.Topic.LedgerEvent)
	from := openAccount(t, db, 1, 500)

	sagas := repository.NewSagaRepository(db)
	sagaID := "4a8e9a3c-0f4c-4a39-9f57-1f3b2d9d0002"
	require.NoError(t, sagas.Create(context.Background(),
		&model.Saga{SagaID: sagaID, SagaType: "transfer", State: model.SagaStateRunning},
		[]*model.SagaStep{accountStep(t, sagaID, 1, service.StepAccountDebit, service.StepAccountCredit, from.ID, 100)}))

	job := NewSagaRecoveryJob(db, service.NewLedgerSagaCoordinator(db, locker, notifier, cfg), cfg)
	job.now = func() time.Time { return time.Now().Add(-24 * time.Hour) }
	require.NoError(t, job.Run(context.Background()))

	saga, err := sagas.Get(context.Background(), sagaID)
	require.NoError(t, err)
	assert.Equal(t, model.SagaStateRunning, saga.State)
	assert.Equal(t, int64(500), balanceOf(t, db, from.ID))
}

func TestSagaRecoverySkipsSagaHeldByAnotherDriver(t *testing.T) {
	db := testutil.NewDB(t)
	_, rdb := testutil.NewRedis(t)
	cfg := config.Default()
	locker := lock.NewRedisLocker(rdb, 5*time.Millisecond)
	notifier := service.NewOutboxNotifier(repository.NewOutboxRepository(db), cfg.Kafka.Topic.LedgerEvent)
	from := openAccount(t, db, 1, 500)

	sagas := repository.NewSagaRepository(db)
	sagaID := "4a8e9a3c-0f4c-4a39-9f57-1f3b2d9d0003"
	require.NoError(t, sagas.Create(context.Background(),
		&model.Saga{SagaID: sagaID, SagaType: "transfer", State: model.SagaStateRunning},
		[]*model.SagaStep{accountStep(t, sagaID, 1, service.StepAccountDebit, service.StepAccountCredit, from.ID, 100)}))

	// 请求线程仍持有编排租约
	held, err := locker.Acquire(context.Background(), lock.SagaKey(sagaID), 0, time.Minute)
	require.NoError(t, err)

	job := NewSagaRecoveryJob(db, service.NewLedgerSagaCoordinator(db, locker, notifier, cfg), cfg)
	job.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	require.NoError(t, job.Run(context.Background()))

	saga, err := sagas.Get(context.Background(), sagaID)
	require.NoError(t, err)
	assert.Equal(t, model.SagaStateRunning, saga.State)
	assert.Equal(t, int64(500), balanceOf(t, db, from.ID))

	require.NoError(t, held.Release(context.Background()))
	require.NoError(t, job.Run(context.Background()))
	saga, err = sagas.Get(context.Background(), sagaID)
	require.NoError(t, err)
	assert.Equal(t, model.SagaStateCompleted, saga.State)
	assert.Equal(t, int64(400), balanceOf(t, db, from.ID))
}

// ==================== 离线补录 ====================

func TestOfflineSyncJobSkipsWhileAnotherInstanceRuns(t *testing.T) {
	db := testutil.NewDB(t)
	_, rdb := testutil.NewRedis(t)
	cfg := config.Default()
	locker := lock.NewRedisLocker(rdb, 5*time.Millisecond)
	notifier := service.NewOutboxNotifier(repository.NewOutboxRepository(db), cfg.Kafka.Topic.LedgerEvent)
	offline := service.NewOfflineService(db, locker, notifier, cfg)
	account := openAccount(t, db, 1, 1000)

	id, created, err := offline.Submit(context.Background(), &service.OfflineUpload{
		OfflineTransNo: "OFF-1",
		AccountID:      account.ID,
		DeviceID:       "pos-1",
		Amount:         300,
		ConsumeTime:    time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	require.True(t, created)

	// 另一个实例持有任务锁
	mutex := lock.NewRedsyncLocker(rdb, 5*time.Millisecond)
	held, err := mutex.Acquire(context.Background(), offlineSyncLockKey, 0, time.Minute)
	require.NoError(t, err)

	job := NewOfflineSyncJob(offline, mutex, cfg)
	require.NoError(t, job.Run(context.Background()))

	records := repository.NewOfflineRepository(db)
	record, err := records.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusPending, record.SyncStatus)
	assert.Equal(t, int64(1000), balanceOf(t, db, account.ID))

	require.NoError(t, held.Release(context.Background()))
	require.NoError(t, job.Run(context.Background()))

	record, err = records.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusSuccess, record.SyncStatus)
	assert.Equal(t, int64(700), balanceOf(t, db, account.ID))
}

// ==================== 调度 ====================

type countingRunner struct {
	runs atomic.Int32
	err  error
}

func (r *countingRunner) Name() string { return "counting" }

func (r *countingRunner) Run(ctx context.Context) error {
	r.runs.Add(1)
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("missing deadline")
	}
	return r.err
}

func TestScheduleRunsWithTimeout(t *testing.T) {
	c := NewScheduler()
	runner := &countingRunner{}
	_, err := Schedule(c, "* * * * * *", time.Second, runner)
	require.NoError(t, err)

	c.Start()
	defer c.Stop()

	assert.Eventually(t, func() bool { return runner.runs.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
}

func TestScheduleRejectsBadSpec(t *testing.T) {
	_, err := Schedule(NewScheduler(), "every minute", time.Second, &countingRunner{})
	assert.Error(t, err)
}
