package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Builder(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewError(ErrUpstreamError, "transport failure").
		WithCause(cause).
		WithHTTPStatus(502).
		WithRetryable(true).
		WithInstance("http://localhost:11434")

	assert.Equal(t, ErrUpstreamError, err.Code)
	assert.Equal(t, 502, err.HTTPStatus)
	assert.True(t, err.Retryable)
	assert.Equal(t, "http://localhost:11434", err.Instance)
	assert.Contains(t, err.Error(), "UPSTREAM_ERROR")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewError(ErrRetriesExhausted, "inference failed after 3 attempts").WithCause(cause)

	require.ErrorIs(t, err, cause)
	assert.Equal(t, cause, errors.Unwrap(err))

	var typed *Error
	require.ErrorAs(t, fmt.Errorf("wrapped: %w", err), &typed)
	assert.Equal(t, ErrRetriesExhausted, typed.Code)
}

func TestError_WithoutCause(t *testing.T) {
	err := NewError(ErrNoCapacity, "no available instances")
	assert.Equal(t, "[NO_CAPACITY] no available instances", err.Error())
	assert.Nil(t, errors.Unwrap(err))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewError(ErrUpstreamError, "x").WithRetryable(true)))
	assert.False(t, IsRetryable(NewError(ErrNoCapacity, "x")))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(nil))
}

func TestGetErrorCode(t *testing.T) {
	assert.Equal(t, ErrRunActive, GetErrorCode(NewError(ErrRunActive, "x")))
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
	assert.Equal(t, ErrorCode(""), GetErrorCode(nil))
}
