package ledgererr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{nil, ""},
		{Validation("金额必须大于0"), KindValidation},
		{fmt.Errorf("加载账户: %w", ErrAccountNotFound), KindNotFound},
		{ErrTransactionNotFound, KindNotFound},
		{ErrOfflineRecordNotFound, KindNotFound},
		{ErrAccountInactive, KindAccountInactive},
		{fmt.Errorf("扣款: %w", ErrInsufficientBalance), KindInsufficientBalance},
		{ErrLockTimeout, KindLockTimeout},
		{ErrConcurrentModification, KindConcurrentModification},
		{ErrSagaFailed, KindSagaFailed},
		{errors.New("boom"), KindInternal},
		{context.Canceled, KindInternal},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, KindOf(c.err), "%v", c.err)
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(fmt.Errorf("锁: %w", ErrLockTimeout)))
	assert.True(t, Retryable(ErrConcurrentModification))
	assert.False(t, Retryable(ErrInsufficientBalance))
	assert.False(t, Retryable(Validation("x")))
	assert.False(t, Retryable(nil))
}
