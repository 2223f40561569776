package model

import (
	"time"
)

// DualWriteDiff 迁移双写期间新旧两份数据的字段差异
type DualWriteDiff struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Entity       string    `gorm:"type:varchar(32);index:idx_entity_key;not null" json:"entity"`
	EntityKey    string    `gorm:"type:varchar(64);index:idx_entity_key;not null" json:"entity_key"`
	Field        string    `gorm:"type:varchar(64);not null" json:"field"`
	LegacyValue  string    `gorm:"type:varchar(256)" json:"legacy_value"`
	CurrentValue string    `gorm:"type:varchar(256)" json:"current_value"`
	Resolved     bool      `gorm:"index;not null;default:false" json:"resolved"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (DualWriteDiff) TableName() string {
	return "dual_write_diff"
}
