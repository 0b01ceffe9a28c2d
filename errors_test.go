package dreshard

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestAbortReasonRoundTrip(t *testing.T) {
	wrapped := errors.WithMessage(ErrCriticalSectionTimeout, "awaiting strict consistency")

	reason := ReasonFromError(wrapped)
	assert.Equal(t, CodeReshardingCriticalSectionTimeout, reason.Code)
	assert.True(t, IsCode(reason.Err(), CodeReshardingCriticalSectionTimeout))

	plain := ReasonFromError(errors.New("boom"))
	assert.Equal(t, CodeInternalError, plain.Code)
	assert.Equal(t, "boom", plain.Message)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(NewError(CodeWriteConflict, "conflict")))
	assert.True(t, IsTransient(errors.WithMessage(ErrConnClosed, "fetch")))
	assert.False(t, IsTransient(ErrStashNotEmpty))
	assert.False(t, IsTransient(nil))
	assert.Equal(t, CodeInterrupted, CodeOf(context.Canceled))
}

func TestRetryTransient(t *testing.T) {
	RetryInitialInterval = 0

	attempts := 0
	err := RetryTransient(context.Background(), "test", func() error {
		attempts++
		if attempts < 3 {
			return NewError(CodeHostUnreachable, "down")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)

	attempts = 0
	err = RetryTransient(context.Background(), "test", func() error {
		attempts++
		return ErrStashNotEmpty
	})
	assert.True(t, IsCode(err, CodeStashCollectionsNotEmpty))
	assert.Equal(t, 1, attempts)
}
