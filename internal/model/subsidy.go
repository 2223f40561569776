package model

import (
	"time"
)

// DateLayout 补贴日限额按自然日计算
const DateLayout = "2006-01-02"

// SubsidyPool 补贴账户表
// 一个用户可以有多个补贴池，各自独立过期，日限额在使用日期变化时重置
type SubsidyPool struct {
	SubsidyAccountID int64     `gorm:"primaryKey;autoIncrement" json:"subsidy_account_id"`
	UserID           int64     `gorm:"index;not null" json:"user_id"`
	SubsidyTypeID    int64     `gorm:"not null" json:"subsidy_type_id"`
	Balance          int64     `gorm:"not null;default:0" json:"balance"`
	ExpireTime       time.Time `gorm:"index;not null" json:"expire_time"`
	DailyLimit       *int64    `json:"daily_limit,omitempty"` // 为空表示不限额
	DailyUsedAmount  int64     `gorm:"not null;default:0" json:"daily_used_amount"`
	DailyUsageDate   string    `gorm:"type:varchar(10)" json:"daily_usage_date"`
	Version          int64     `gorm:"not null;default:0" json:"version"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (SubsidyPool) TableName() string {
	return "subsidy_pool"
}

// AvailableToday 今日还能从该池扣减的额度，不考虑余额
// 第二个返回值为 false 表示不限额
func (p *SubsidyPool) AvailableToday(today string) (int64, bool) {
	if p.DailyLimit == nil {
		return 0, false
	}
	if p.DailyUsageDate != today {
		return *p.DailyLimit, true
	}
	left := *p.DailyLimit - p.DailyUsedAmount
	if left < 0 {
		left = 0
	}
	return left, true
}

// UsedAfter 在 today 再扣 amount 后的日累计
func (p *SubsidyPool) UsedAfter(today string, amount int64) int64 {
	if p.DailyUsageDate != today {
		return amount
	}
	return p.DailyUsedAmount + amount
}
