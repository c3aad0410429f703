package errors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelayMatchesFormula(t *testing.T) {
	config := RetryConfig{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 1 * time.Second}

	assert.Equal(t, 100*time.Millisecond, backoffDelay(1, config))
	assert.Equal(t, 200*time.Millisecond, backoffDelay(2, config))
	assert.Equal(t, 400*time.Millisecond, backoffDelay(3, config))
	assert.Equal(t, 800*time.Millisecond, backoffDelay(4, config))
	// 100ms * 2^4 = 1600ms, capped at 1s.
	assert.Equal(t, 1*time.Second, backoffDelay(5, config))
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	config := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	attempts := 0

	err := Retry(context.Background(), config, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return NewTransientError(errors.New("boom"), "")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	config := DefaultRetryConfig()
	attempts := 0

	err := Retry(context.Background(), config, func(ctx context.Context) error {
		attempts++
		return NewPermanentError(errors.New("nope"), "")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryPropagatesLastErrorOnExhaustion(t *testing.T) {
	config := RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	sentinel := errors.New("always fails")

	err := Retry(context.Background(), config, func(ctx context.Context) error {
		return NewTransientError(sentinel, "")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
}
