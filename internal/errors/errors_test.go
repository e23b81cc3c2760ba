package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DerivesCategoryFromCode(t *testing.T) {
	tests := []struct {
		code     string
		category Category
	}{
		{ErrCodeConfigInvalid, CategoryConfig},
		{ErrCodeEnvironmentUnusable, CategoryEnvironment},
		{ErrCodeConcurrentStartup, CategoryLifecycle},
		{ErrCodeWorkerUnavailable, CategoryBroker},
		{ErrCodeStorageUnavailable, CategoryStorage},
		{ErrCodeNotFound, CategoryUser},
		{ErrCodeInternal, CategoryInternal},
		{ErrCodeResourceExhausted, CategoryResources},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "boom", nil)
			assert.Equal(t, tt.category, err.Category)
		})
	}
}

func TestNew_RetryableMatchesTransientClasses(t *testing.T) {
	assert.True(t, New(ErrCodeTimeout, "", nil).Retryable)
	assert.True(t, New(ErrCodeSocketClosed, "", nil).Retryable)
	assert.True(t, New(ErrCodeWorkerOverload, "", nil).Retryable)

	assert.False(t, New(ErrCodeProtocolError, "", nil).Retryable)
	assert.False(t, New(ErrCodeNotFound, "", nil).Retryable)
	assert.False(t, New(ErrCodeDimensionMismatch, "", nil).Retryable)
}

func TestError_FormatsCodeAndMessage(t *testing.T) {
	err := New(ErrCodeNotFound, "memory abc123 does not exist", nil)
	assert.Equal(t, "[ERR_601_NOT_FOUND] memory abc123 does not exist", err.Error())
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := Wrap(ErrCodeSocketClosed, cause)

	require.NotNil(t, err)
	assert.Equal(t, cause, err.Unwrap())
	assert.ErrorIs(t, err, cause)
}

func TestWrap_NilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(ErrCodeInternal, nil))
}

func TestIs_MatchesByCode(t *testing.T) {
	a := New(ErrCodeTimeout, "deadline exceeded", nil)
	b := New(ErrCodeTimeout, "different message", nil)
	c := New(ErrCodeSocketClosed, "deadline exceeded", nil)

	assert.True(t, stderrors.Is(a, b))
	assert.False(t, stderrors.Is(a, c))
}

func TestGetCode_WalksWrappedChain(t *testing.T) {
	inner := New(ErrCodeDimensionMismatch, "expected 384, got 768", nil)
	outer := fmt.Errorf("persist batch: %w", inner)

	assert.Equal(t, ErrCodeDimensionMismatch, GetCode(outer))
	assert.True(t, HasCode(outer, ErrCodeDimensionMismatch))
	assert.True(t, IsFatal(outer))
}

func TestIsRetryable_FalseForPlainErrors(t *testing.T) {
	assert.False(t, IsRetryable(stderrors.New("plain")))
	assert.False(t, IsRetryable(nil))
}

func TestWithDetail_Chains(t *testing.T) {
	err := New(ErrCodeQueryFailed, "insert failed", nil).
		WithDetail("table", "memories").
		WithSuggestion("check database connectivity")

	assert.Equal(t, "memories", err.Details["table"])
	assert.Equal(t, "check database connectivity", err.Suggestion)
}
