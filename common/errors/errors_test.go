package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"validation", Validation("items must not be empty"), ClassFatal},
		{"not found", NotFound("product %d not found", 7), ClassFatal},
		{"cancelled", Wrap(ErrCodeOrderCancelled, "order cancelled", New(ErrCodeTimeoutError, "decrement")), ClassFatal},
		{"insufficient stock", New(ErrCodeInsufficientStock, "insufficient stock"), ClassRejection},
		{"timeout", Transient("check stock", context.DeadlineExceeded), ClassTransient},
		{"database", Wrap(ErrCodeDatabaseError, "begin", stderrors.New("conn reset")), ClassTransient},
		{"raw deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), ClassTransient},
		{"unclassified", stderrors.New("boom"), ClassUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestTransientPicksTimeoutCode(t *testing.T) {
	assert.Equal(t, ErrCodeTimeoutError, Transient("x", context.DeadlineExceeded).Code)
	assert.Equal(t, ErrCodeUnavailable, Transient("x", stderrors.New("refused")).Code)
}

func TestHasCodeWalksCauses(t *testing.T) {
	err := Wrap(ErrCodeOrderCancelled, "cancelled", New(ErrCodeInsufficientStock, "short"))

	assert.True(t, HasCode(err, ErrCodeInsufficientStock))
	assert.True(t, HasCode(fmt.Errorf("wrapped: %w", err), ErrCodeOrderCancelled))
	assert.False(t, HasCode(err, ErrCodeNotFound))
	assert.Equal(t, ErrCodeOrderCancelled, CodeOf(err))
}

func TestWithDetailsDoesNotMutate(t *testing.T) {
	base := New(ErrCodeInsufficientStock, "short")
	withDetails := base.WithDetails([]int{1})

	assert.Nil(t, base.Details)
	assert.Equal(t, []int{1}, withDetails.Details)
}
