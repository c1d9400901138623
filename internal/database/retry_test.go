package database

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryableDBOperation_Success(t *testing.T) {
	callCount := 0
	err := retryableDBOperation(context.Background(), func() error {
		callCount++
		return nil
	}, "test operation")

	assert.NoError(t, err)
	assert.Equal(t, 1, callCount)
}

func TestRetryableDBOperation_SuccessAfterRetries(t *testing.T) {
	callCount := 0
	err := retryableDBOperation(context.Background(), func() error {
		callCount++
		if callCount < 3 {
			return errors.New("database is locked")
		}
		return nil
	}, "test operation")

	assert.NoError(t, err)
	assert.Equal(t, 3, callCount)
}

func TestRetryableDBOperation_NonRetryableError(t *testing.T) {
	callCount := 0
	err := retryableDBOperation(context.Background(), func() error {
		callCount++
		return errors.New("UNIQUE constraint failed")
	}, "test operation")

	assert.Error(t, err)
	assert.Equal(t, 1, callCount)
}

func TestRetryableDBOperation_MaxAttemptsReached(t *testing.T) {
	callCount := 0
	err := retryableDBOperation(context.Background(), func() error {
		callCount++
		return errors.New("database is locked")
	}, "save mapping")

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "save mapping failed after 3 attempts")
	assert.Equal(t, 3, callCount)
}

func TestIsRetryableDBError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("database is locked"), true},
		{errors.New("disk I/O error"), true},
		{errors.New("no such table: x"), false},
		{fmt.Errorf("wrapped: %w", context.Canceled), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isRetryableDBError(tt.err), fmt.Sprint(tt.err))
	}
}
