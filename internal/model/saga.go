package model

import (
	"time"
)

type SagaState string

const (
	SagaStatePending      SagaState = "PENDING"
	SagaStateRunning      SagaState = "RUNNING"
	SagaStateCompleted    SagaState = "COMPLETED"
	SagaStateCompensating SagaState = "COMPENSATING"
	SagaStateCompensated  SagaState = "COMPENSATED"
	SagaStateFailed       SagaState = "FAILED" // 补偿本身失败，需要人工介入
)

// 状态流转：PENDING -> RUNNING -> {COMPLETED | COMPENSATING -> {COMPENSATED | FAILED}}
var validSagaTransitions = map[SagaState][]SagaState{
	SagaStatePending:      {SagaStateRunning},
	SagaStateRunning:      {SagaStateCompleted, SagaStateCompensating},
	SagaStateCompensating: {SagaStateCompensated, SagaStateFailed},
}

func (s SagaState) CanTransitionTo(target SagaState) bool {
	for _, allowed := range validSagaTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

func (s SagaState) Terminal() bool {
	switch s {
	case SagaStateCompleted, SagaStateCompensated, SagaStateFailed:
		return true
	case SagaStatePending, SagaStateRunning, SagaStateCompensating:
		return false
	default:
		return false
	}
}

type StepStatus string

const (
	StepStatusPending            StepStatus = "PENDING"
	StepStatusDone               StepStatus = "DONE"
	StepStatusFailed             StepStatus = "FAILED"
	StepStatusCompensated        StepStatus = "COMPENSATED"
	StepStatusCompensationFailed StepStatus = "COMPENSATION_FAILED"
)

// Saga 编排事务
type Saga struct {
	SagaID    string    `gorm:"type:varchar(36);primaryKey" json:"saga_id"`
	SagaType  string    `gorm:"type:varchar(64);not null" json:"saga_type"`
	State     SagaState `gorm:"type:varchar(16);index;not null" json:"state"`
	Attempt   int       `gorm:"not null;default:0" json:"attempt"`
	LastError string    `gorm:"type:varchar(512)" json:"last_error,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime;index" json:"updated_at"`
}

func (Saga) TableName() string {
	return "saga"
}

// SagaStep 持久化的步骤描述，进程重启后可以据此恢复
type SagaStep struct {
	ID             int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	SagaID         string     `gorm:"type:varchar(36);uniqueIndex:uk_saga_seq;not null" json:"saga_id"`
	Seq            int        `gorm:"uniqueIndex:uk_saga_seq;not null" json:"seq"`
	ActionID       string     `gorm:"type:varchar(64);not null" json:"action_id"`
	CompensationID string     `gorm:"type:varchar(64)" json:"compensation_id"`
	Payload        string     `gorm:"type:text" json:"payload"`
	Financial      bool       `gorm:"not null" json:"financial"`
	Status         StepStatus `gorm:"type:varchar(24);not null" json:"status"`
	Error          string     `gorm:"type:varchar(512)" json:"error,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (SagaStep) TableName() string {
	return "saga_step"
}
