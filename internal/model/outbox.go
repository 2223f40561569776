package model

import (
	"time"
)

type OutboxStatus string

const (
	OutboxStatusPending OutboxStatus = "PENDING"
	OutboxStatusSent    OutboxStatus = "SENT"
	OutboxStatusFailed  OutboxStatus = "FAILED"
)

// OutboxMessage 本地消息表，与余额变更同一个数据库事务写入，由投递任务发到 Kafka
type OutboxMessage struct {
	ID         int64        `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string       `gorm:"type:varchar(64);not null" json:"message_key"`
	Topic      string       `gorm:"type:varchar(64);not null" json:"topic"`
	EventType  string       `gorm:"type:varchar(32);not null" json:"event_type"`
	Payload    string       `gorm:"type:text;not null" json:"payload"`
	Status     OutboxStatus `gorm:"type:varchar(20);index;not null;default:'PENDING'" json:"status"`
	RetryCount int          `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time    `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}
