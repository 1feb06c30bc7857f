package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func TestBackoff(t *testing.T) {
	cfg := Config{RetryDelay: time.Second, MaxRetryDelay: 30 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{100, 30 * time.Second},
		{0, 1 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempt, cfg), "attempt %d", tt.attempt)
	}
}

func TestRun_FirstFailureFinalByDefault(t *testing.T) {
	var state State
	calls := 0

	err := Run(context.Background(), func(context.Context) error {
		calls++
		return errFlaky
	}, DefaultConfig(), &state)

	require.ErrorIs(t, err, ErrExhausted)
	require.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 1, calls)
	assert.Zero(t, state.Retries.Load())
}

func TestRun_RecoversWithinBudget(t *testing.T) {
	cfg := Config{MaxRetries: 3, RetryDelay: time.Millisecond, MaxRetryDelay: 2 * time.Millisecond}
	var state State
	calls := 0

	err := Run(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	}, cfg, &state)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, uint64(2), state.Retries.Load())
	assert.Zero(t, state.CurrentRetries)
}

func TestRun_Exhausted(t *testing.T) {
	cfg := Config{MaxRetries: 2, RetryDelay: time.Millisecond, MaxRetryDelay: time.Millisecond}
	var state State
	calls := 0

	err := Run(context.Background(), func(context.Context) error {
		calls++
		return errFlaky
	}, cfg, &state)

	require.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 3, calls)
	assert.Equal(t, uint64(2), state.Retries.Load())
}

func TestRun_PermanentNotRetried(t *testing.T) {
	cfg := Config{MaxRetries: 5, RetryDelay: time.Millisecond}
	var state State
	calls := 0

	err := Run(context.Background(), func(context.Context) error {
		calls++
		return Permanent(errFlaky)
	}, cfg, &state)

	assert.Equal(t, errFlaky, err)
	assert.Equal(t, 1, calls)
	assert.Nil(t, Permanent(nil))
}

func TestRun_CancelledDuringBackoff(t *testing.T) {
	cfg := Config{MaxRetries: 5, RetryDelay: time.Hour, MaxRetryDelay: time.Hour}
	var state State

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Run(ctx, func(context.Context) error { return errFlaky }, cfg, &state)
	assert.ErrorIs(t, err, context.Canceled)
}
