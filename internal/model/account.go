package model

import (
	"time"
)

// AccountStatus 账户状态
type AccountStatus string

const (
	AccountStatusActive AccountStatus = "ACTIVE" // 正常
	AccountStatusFrozen AccountStatus = "FROZEN" // 冻结（挂失等）
	AccountStatusClosed AccountStatus = "CLOSED" // 销户，终态
)

var accountStatusTransitions = map[AccountStatus][]AccountStatus{
	AccountStatusActive: {AccountStatusFrozen, AccountStatusClosed},
	AccountStatusFrozen: {AccountStatusActive, AccountStatusClosed},
	AccountStatusClosed: {},
}

func (s AccountStatus) Valid() bool {
	switch s {
	case AccountStatusActive, AccountStatusFrozen, AccountStatusClosed:
		return true
	default:
		return false
	}
}

func (s AccountStatus) CanTransitionTo(target AccountStatus) bool {
	for _, allowed := range accountStatusTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// Account 储值账户表
// 余额单位为分；只能通过余额变更引擎修改，账户不做物理删除
type Account struct {
	ID            int64         `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID        int64         `gorm:"uniqueIndex;not null" json:"user_id"`
	Balance       int64         `gorm:"not null;default:0" json:"balance"`        // 现金余额（分），不能为负
	FrozenBalance int64         `gorm:"not null;default:0" json:"frozen_balance"` // 冻结金额
	Status        AccountStatus `gorm:"type:varchar(16);not null;default:'ACTIVE'" json:"status"`
	Version       int64         `gorm:"not null;default:0" json:"version"` // 乐观锁版本号，每次提交写入递增
	CreatedAt     time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "account"
}

func (a *Account) Active() bool {
	return a.Status == AccountStatusActive
}
