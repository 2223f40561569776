package job

import (
	"context"
	"time"

	"campuspay/internal/config"
	"campuspay/internal/infrastructure/metrics"
	"campuspay/internal/model"
	"campuspay/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MessageSender 消息投递，生产环境为 Kafka 同步生产者
type MessageSender interface {
	SendMessage(topic, key, value string) error
}

// OutboxSender 本地消息表投递任务
//
// 业务事务里只写消息表，这里异步投递；
// 投递失败累加重试次数，达到上限标记为 FAILED，不再投递。
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	sender     MessageSender
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
	maxRetry   int
}

func NewOutboxSender(db *gorm.DB, sender MessageSender, cfg *config.Config) *OutboxSender {
	interval := cfg.Business.OutboxInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		sender:     sender,
		stopCh:     make(chan struct{}),
		interval:   interval,
		batchSize:  cfg.Business.OutboxBatchSize,
		maxRetry:   cfg.Business.MaxRetryCount,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	zap.L().Info("消息投递任务启动", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("消息投递任务收到停止信号，退出")
			return
		case <-s.stopCh:
			zap.L().Info("消息投递任务停止")
			return
		case <-ticker.C:
			s.ProcessPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

// ProcessPendingMessages 投递一批待发送消息，返回成功条数
func (s *OutboxSender) ProcessPendingMessages(ctx context.Context) int {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		zap.L().Error("查询待投递消息失败", zap.Error(err))
		metrics.IncWorkerRun("outbox_sender", "error")
		return 0
	}

	if len(messages) == 0 {
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if s.sendMessage(ctx, msg) {
			sent++
		}
	}
	metrics.IncWorkerRun("outbox_sender", "ok")
	return sent
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) bool {
	err := s.sender.SendMessage(msg.Topic, msg.MessageKey, msg.Payload)

	if err == nil {
		metrics.IncOutboxDelivery("sent")
		if updateErr := s.outboxRepo.MarkAsSent(ctx, msg.ID); updateErr != nil {
			zap.L().Error("更新消息状态失败", zap.Int64("id", msg.ID), zap.Error(updateErr))
		}
		return true
	}

	metrics.IncOutboxDelivery("failed")
	zap.L().Warn("消息投递失败",
		zap.Int64("id", msg.ID),
		zap.String("event_type", msg.EventType),
		zap.Int("retry_count", msg.RetryCount),
		zap.Error(err))

	// 达到上限时一次性写入 FAILED 和最终次数
	if msg.RetryCount+1 >= s.maxRetry {
		if err := s.outboxRepo.MarkAsFailed(ctx, msg.ID); err != nil {
			zap.L().Error("标记消息失败状态失败", zap.Int64("id", msg.ID), zap.Error(err))
		} else {
			zap.L().Error("消息超过最大重试次数，标记为失败", zap.Int64("id", msg.ID))
		}
		return false
	}

	if err := s.outboxRepo.IncrementRetryCount(ctx, msg.ID); err != nil {
		zap.L().Error("增加重试次数失败", zap.Int64("id", msg.ID), zap.Error(err))
	}
	return false
}
