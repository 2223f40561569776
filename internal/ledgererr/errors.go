package ledgererr

import (
	"errors"
	"fmt"
)

// ============================================================================
// 账本错误分类
// ============================================================================
//
// 所有业务错误都归入一个封闭的 Kind 集合，调用方通过 KindOf 判断，
// 不依赖错误字符串。DUPLICATE 不是错误：重复请求以成功结果返回，指向原交易。
//
// ============================================================================

// Kind 错误类别
type Kind string

const (
	KindValidation             Kind = "VALIDATION"
	KindNotFound               Kind = "NOT_FOUND"
	KindAccountInactive        Kind = "ACCOUNT_INACTIVE"
	KindInsufficientBalance    Kind = "INSUFFICIENT_BALANCE"
	KindLockTimeout            Kind = "LOCK_TIMEOUT"
	KindConcurrentModification Kind = "CONCURRENT_MODIFICATION"
	KindSagaFailed             Kind = "SAGA_FAILED"
	KindInternal               Kind = "INTERNAL"
)

var (
	ErrValidation             = errors.New("参数校验失败")
	ErrAccountNotFound        = errors.New("账户不存在")
	ErrTransactionNotFound    = errors.New("交易记录不存在")
	ErrOfflineRecordNotFound  = errors.New("离线记录不存在")
	ErrSagaNotFound           = errors.New("事务编排记录不存在")
	ErrAccountInactive        = errors.New("账户状态不可用")
	ErrInsufficientBalance    = errors.New("余额不足")
	ErrLockTimeout            = errors.New("获取分布式锁超时")
	ErrConcurrentModification = errors.New("并发修改冲突，请重试")
	ErrSagaFailed             = errors.New("补偿失败，需要人工介入")
)

// Validation 构造参数错误
func Validation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// KindOf 返回错误所属类别，未知错误归为 INTERNAL
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrTransactionNotFound),
		errors.Is(err, ErrOfflineRecordNotFound),
		errors.Is(err, ErrSagaNotFound):
		return KindNotFound
	case errors.Is(err, ErrAccountInactive):
		return KindAccountInactive
	case errors.Is(err, ErrInsufficientBalance):
		return KindInsufficientBalance
	case errors.Is(err, ErrLockTimeout):
		return KindLockTimeout
	case errors.Is(err, ErrConcurrentModification):
		return KindConcurrentModification
	case errors.Is(err, ErrSagaFailed):
		return KindSagaFailed
	default:
		return KindInternal
	}
}

// Retryable 瞬时错误可以退避后重试
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindLockTimeout, KindConcurrentModification:
		return true
	default:
		return false
	}
}
