package model

import (
	"time"
)

// ============================================================================
// 交易类型
// ============================================================================

type TransactionType string

const (
	TransactionTypeConsume        TransactionType = "CONSUME"         // 在线消费
	TransactionTypeCancel         TransactionType = "CANCEL"          // 撤销（冲正）
	TransactionTypeRecharge       TransactionType = "RECHARGE"        // 充值
	TransactionTypeOfflineConsume TransactionType = "OFFLINE_CONSUME" // 离线消费补录
	TransactionTypeSagaDebit      TransactionType = "SAGA_DEBIT"      // 编排事务扣款
	TransactionTypeSagaCredit     TransactionType = "SAGA_CREDIT"     // 编排事务入账
)

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeConsume, TransactionTypeCancel, TransactionTypeRecharge,
		TransactionTypeOfflineConsume, TransactionTypeSagaDebit, TransactionTypeSagaCredit:
		return true
	default:
		return false
	}
}

// Cancellable 只有消费类流水可以撤销
func (t TransactionType) Cancellable() bool {
	switch t {
	case TransactionTypeConsume, TransactionTypeOfflineConsume:
		return true
	default:
		return false
	}
}

type TransactionStatus string

const (
	TransactionStatusSuccess       TransactionStatus = "SUCCESS"
	TransactionStatusReversedByRef TransactionStatus = "REVERSED_BY_REF" // 冲正流水，RefTransactionNo 指向原流水
)

// ============================================================================
// 交易流水
// ============================================================================

// TransactionRecord 交易流水表
//
// 【重要】只追加，不修改，不删除。
// 撤销不会改动原流水，而是新写一条 CANCEL 流水，RefTransactionNo 指向原流水。
// RefTransactionNo 唯一，同一笔流水最多被冲正一次。
type TransactionRecord struct {
	ID               int64             `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo    string            `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	AccountID        int64             `gorm:"index;not null" json:"account_id"`
	UserID           int64             `gorm:"index;not null" json:"user_id"`
	DeviceID         string            `gorm:"type:varchar(64)" json:"device_id"`
	Type             TransactionType   `gorm:"type:varchar(20);not null" json:"type"`
	Status           TransactionStatus `gorm:"type:varchar(20);not null" json:"status"`
	Amount           int64             `gorm:"not null" json:"amount"`         // 总金额（正数入账，负数出账）
	CashAmount       int64             `gorm:"not null" json:"cash_amount"`    // 现金部分（绝对值）
	SubsidyAmount    int64             `gorm:"not null" json:"subsidy_amount"` // 补贴部分（绝对值）
	BalanceBefore    int64             `gorm:"not null" json:"balance_before"` // 现金余额变动前
	BalanceAfter     int64             `gorm:"not null" json:"balance_after"`  // 现金余额变动后
	IdempotencyKey   *string           `gorm:"type:varchar(128);uniqueIndex" json:"idempotency_key,omitempty"`
	RefTransactionNo *string           `gorm:"type:varchar(64);uniqueIndex" json:"ref_transaction_no,omitempty"`
	Remark           string            `gorm:"type:varchar(256)" json:"remark"`
	CreatedAt        time.Time         `gorm:"autoCreateTime;index" json:"created_at"`
}

func (TransactionRecord) TableName() string {
	return "transaction_record"
}

// TransactionSubsidyLine 单笔交易在各补贴池上的扣减明细，撤销时逐池退回
type TransactionSubsidyLine struct {
	ID               int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo    string    `gorm:"type:varchar(64);index;not null" json:"transaction_no"`
	SubsidyAccountID int64     `gorm:"not null" json:"subsidy_account_id"`
	Amount           int64     `gorm:"not null" json:"amount"`
	UsageDate        string    `gorm:"type:varchar(10);not null" json:"usage_date"` // 扣减发生的自然日
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (TransactionSubsidyLine) TableName() string {
	return "transaction_subsidy_line"
}
