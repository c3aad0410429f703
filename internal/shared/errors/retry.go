package errors

import (
	"context"
	"fmt"
	"time"
)

// RetryConfig configures exponential backoff retry (spec §4.2, invariant 9:
// delay before attempt n is min(base*2^(n-1), max)).
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig matches the processor's processWithRetry defaults
// (spec §4.7): 3 attempts, 2s base, 30s cap.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// RetryableFunc is the unit of work retried by Retry.
type RetryableFunc func(ctx context.Context) error

// Retry runs fn up to config.MaxAttempts times, sleeping
// min(base*2^(n-1), max) between attempts. It stops early on a permanent
// error, and on the last attempt returns the original error unwrapped.
func Retry(ctx context.Context, config RetryConfig, fn RetryableFunc) error {
	_, err := RetryWithResult(ctx, config, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryWithResult is Retry for functions that also produce a value.
func RetryWithResult[T any](ctx context.Context, config RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if IsPermanent(err) {
			return zero, err
		}
		if attempt == config.MaxAttempts {
			break
		}

		delay := backoffDelay(attempt, config)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}

	return zero, lastErr
}

// backoffDelay implements delay(n) = min(base * 2^(n-1), max) for the
// n-th attempt (1-indexed), matching spec invariant 9.
func backoffDelay(attempt int, config RetryConfig) time.Duration {
	delay := config.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > config.MaxDelay {
			return config.MaxDelay
		}
	}
	if delay > config.MaxDelay {
		return config.MaxDelay
	}
	return delay
}
