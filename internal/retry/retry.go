// Package retry runs an operation with exponential backoff between failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Config controls the backoff schedule.
type Config struct {
	MaxRetries    int           // Retries after the first failure (0 = fail on the first error)
	RetryDelay    time.Duration // Initial retry delay
	MaxRetryDelay time.Duration // Cap on the retry delay
}

// DefaultConfig returns the default schedule: no retries, so the first
// failure is final.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    0,
		RetryDelay:    500 * time.Millisecond,
		MaxRetryDelay: 5 * time.Second,
	}
}

// State tracks consecutive failures across calls to Run.
type State struct {
	CurrentRetries int
	Retries        atomic.Uint64 // Total retries, never reset
}

// Reset clears the consecutive failure count.
func (s *State) Reset() {
	s.CurrentRetries = 0
}

// Func is one attempt of the operation.
type Func func(ctx context.Context) error

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Run returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// ErrExhausted is wrapped by the error Run returns when retries run out.
var ErrExhausted = errors.New("retry: max retries exceeded")

// Run calls fn until it succeeds, fails permanently, retries are exhausted
// or ctx is cancelled.
//
// Backoff schedule with RetryDelay=500ms, MaxRetryDelay=5s:
//   - Retry 1: 500ms
//   - Retry 2: 1s
//   - Retry 3: 2s
//   - Retry 4: 4s
//   - Retry 5+: 5s
//
// A success after failures resets state.CurrentRetries. When retries are
// exhausted the returned error wraps both ErrExhausted and the last failure.
func Run(ctx context.Context, fn Func, cfg Config, state *State) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			if state.CurrentRetries > 0 {
				slog.Info("retry: recovered", "after_retries", state.CurrentRetries)
				state.Reset()
			}
			return nil
		}

		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}

		state.CurrentRetries++
		if state.CurrentRetries > cfg.MaxRetries {
			attempts := state.CurrentRetries
			state.Reset()
			return fmt.Errorf("%w (%d attempts): %w", ErrExhausted, attempts, err)
		}
		state.Retries.Add(1)

		delay := Backoff(state.CurrentRetries, cfg)

		slog.Warn("retry: retrying",
			"attempt", state.CurrentRetries,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
			"error", err,
		)

		if err := Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Backoff returns the delay before retry attempt (1-based):
// RetryDelay * 2^(attempt-1), capped at MaxRetryDelay.
func Backoff(attempt int, cfg Config) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Past 2^20 the cap has long been reached
	if attempt > 21 {
		attempt = 21
	}

	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if cfg.MaxRetryDelay > 0 && delay > cfg.MaxRetryDelay {
		delay = cfg.MaxRetryDelay
	}
	return delay
}

// Sleep waits for d or until ctx is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
