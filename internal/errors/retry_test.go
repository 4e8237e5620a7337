package errors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Fast config so tests don't sit in real backoff windows.
func testRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   2,
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	// Given: a function that fails twice, then succeeds
	attempts := 0
	fn := func() error {
		attempts++
		if attempts < 3 {
			return ProviderError("timeout", nil)
		}
		return nil
	}

	// When: retrying
	err := Retry(context.Background(), testRetryConfig(), fn)

	// Then: it eventually succeeds within the attempt budget
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	attempts := 0
	fn := func() error {
		attempts++
		return ProviderError("timeout", nil)
	}

	err := Retry(context.Background(), testRetryConfig(), fn)

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
}

func TestRetry_NonRetryableAbortsImmediately(t *testing.T) {
	// Given: a function returning a validation error
	attempts := 0
	fn := func() error {
		attempts++
		return InvalidInput("text must not be empty")
	}

	// When: retrying
	err := Retry(context.Background(), testRetryConfig(), fn)

	// Then: no retry happens
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetry_OpenCircuitNotRetried(t *testing.T) {
	attempts := 0
	fn := func() error {
		attempts++
		return ErrCircuitOpen
	}

	err := Retry(context.Background(), testRetryConfig(), fn)

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, errors.Is(err, ErrCircuitOpen))
}

func TestRetry_ContextCancellation(t *testing.T) {
	// Given: a cancelled context
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// When: retrying
	err := Retry(ctx, testRetryConfig(), func() error {
		return ProviderError("timeout", nil)
	})

	// Then: the context error is returned
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryWithResult_ReturnsValue(t *testing.T) {
	attempts := 0
	result, err := RetryWithResult(context.Background(), testRetryConfig(), func() ([]float32, error) {
		attempts++
		if attempts < 2 {
			return nil, ProviderError("timeout", nil)
		}
		return []float32{0.1, 0.2}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2}, result)
}

func TestDefaultRetryConfig_Window(t *testing.T) {
	cfg := DefaultRetryConfig()

	// Three attempts in total, delays bounded to the 4-10s window
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, 4*time.Second, cfg.InitialDelay)
	assert.Equal(t, 10*time.Second, cfg.MaxDelay)
	assert.True(t, cfg.Jitter)
}
