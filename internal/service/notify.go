package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"campuspay/internal/model"
	"campuspay/internal/repository"
)

const (
	EventConsumed       = "CONSUMED"
	EventCancelled      = "CANCELLED"
	EventRecharged      = "RECHARGED"
	EventOfflineSynced  = "OFFLINE_SYNCED"
	EventSagaNotice     = "SAGA_NOTICE"
	EventSagaCancelNote = "SAGA_CANCEL_NOTICE"
)

// NotifyEvent 对外通知内容
type NotifyEvent struct {
	Type          string    `json:"type"`
	AccountID     int64     `json:"account_id"`
	UserID        int64     `json:"user_id"`
	TransactionNo string    `json:"transaction_no,omitempty"`
	Amount        int64     `json:"amount"`
	BalanceAfter  int64     `json:"balance_after"`
	Remark        string    `json:"remark,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Notifier 通知网关，尽力而为
type Notifier interface {
	Notify(ctx context.Context, event *NotifyEvent) error
}

// OutboxNotifier 写本地消息表，由投递任务异步发送到 Kafka
// ctx 中有事务时随业务一起提交
type OutboxNotifier struct {
	outbox *repository.OutboxRepository
	topic  string
}

func NewOutboxNotifier(outbox *repository.OutboxRepository, topic string) *OutboxNotifier {
	return &OutboxNotifier{outbox: outbox, topic: topic}
}

func (n *OutboxNotifier) Notify(ctx context.Context, event *NotifyEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化通知失败: %w", err)
	}
	return n.outbox.Create(ctx, &model.OutboxMessage{
		MessageKey: strconv.FormatInt(event.AccountID, 10),
		Topic:      n.topic,
		EventType:  event.Type,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	})
}
