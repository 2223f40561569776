package model

import (
	"time"
)

type SyncStatus string

const (
	SyncStatusPending  SyncStatus = "PENDING"
	SyncStatusSuccess  SyncStatus = "SUCCESS"
	SyncStatusFailed   SyncStatus = "FAILED"   // 意外错误，下一轮重试
	SyncStatusConflict SyncStatus = "CONFLICT" // 需要人工处理
)

// Syncable PENDING 和 FAILED 可以继续同步，其余为终态
func (s SyncStatus) Syncable() bool {
	switch s {
	case SyncStatusPending, SyncStatusFailed:
		return true
	case SyncStatusSuccess, SyncStatusConflict:
		return false
	default:
		return false
	}
}

type ConflictReason string

const (
	ConflictReasonAccount ConflictReason = "ACCOUNT" // 账户不存在或不可用
	ConflictReasonBalance ConflictReason = "BALANCE" // 余额不足
)

// OfflineRecord 终端离线消费记录
// OfflineTransNo 为终端生成的去重键
type OfflineRecord struct {
	ID             int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	OfflineTransNo string         `gorm:"type:varchar(64);uniqueIndex;not null" json:"offline_trans_no"`
	AccountID      int64          `gorm:"index;not null" json:"account_id"`
	DeviceID       string         `gorm:"type:varchar(64)" json:"device_id"`
	Amount         int64          `gorm:"not null" json:"amount"`
	ConsumeTime    time.Time      `gorm:"not null" json:"consume_time"`
	SyncStatus     SyncStatus     `gorm:"type:varchar(16);index;not null" json:"sync_status"`
	ConflictReason ConflictReason `gorm:"type:varchar(16)" json:"conflict_reason,omitempty"`
	RetryCount     int            `gorm:"not null;default:0" json:"retry_count"`
	LastError      string         `gorm:"type:varchar(512)" json:"last_error,omitempty"`
	TransactionNo  string         `gorm:"type:varchar(64)" json:"transaction_no,omitempty"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OfflineRecord) TableName() string {
	return "offline_record"
}
