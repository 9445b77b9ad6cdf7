package utils

import (
	"context"
	"math"
	"time"
)

// RetryConfig bounds how often and how patiently a call is repeated.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// ShouldRetry filters errors; nil retries everything.
	ShouldRetry func(error) bool
}

// DefaultRetryConfig makes three attempts starting at 100ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second, BackoffFactor: 2}
}

// Retry is RetryWithResult for calls without a result.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	_, err := RetryWithResult(ctx, cfg, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

// RetryWithResult calls fn until it succeeds, returns a non-retryable error,
// runs out of attempts or ctx ends. The last error from fn is returned.
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	factor := cfg.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	for attempt := 0; ; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		last := attempt+1 >= cfg.MaxAttempts
		if last || (cfg.ShouldRetry != nil && !cfg.ShouldRetry(err)) {
			return v, err
		}

		t := time.NewTimer(CalculateBackoff(attempt, cfg.InitialDelay, cfg.MaxDelay, factor))
		select {
		case <-ctx.Done():
			t.Stop()
			return v, err
		case <-t.C:
		}
	}
}

// CalculateBackoff returns initial*factor^attempt capped at ceiling. A
// zero ceiling means no cap.
func CalculateBackoff(attempt int, initial, ceiling time.Duration, factor float64) time.Duration {
	d := float64(initial) * math.Pow(factor, float64(attempt))
	if ceiling > 0 && d > float64(ceiling) {
		return ceiling
	}
	return time.Duration(d)
}
