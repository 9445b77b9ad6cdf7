package utils

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	got, err := RetryWithResult(context.Background(), RetryConfig{MaxAttempts: 5, InitialDelay: time.Microsecond, BackoffFactor: 2},
		func() (int, error) {
			calls++
			if calls < 3 {
				return 0, errors.New("flaky")
			}
			return 42, nil
		})
	if err != nil || got != 42 || calls != 3 {
		t.Errorf("got %d, %v after %d calls", got, err, calls)
	}
}

func TestRetryHonoursShouldRetry(t *testing.T) {
	fatal := errors.New("rejected")
	calls := 0
	err := Retry(context.Background(), RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Microsecond,
		ShouldRetry:  func(err error) bool { return !errors.Is(err, fatal) },
	}, func() error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) || calls != 1 {
		t.Errorf("err = %v after %d calls", err, calls)
	}
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, InitialDelay: time.Microsecond}, func() error {
		calls++
		return errors.New("down")
	})
	if err == nil || calls != 3 {
		t.Errorf("err = %v after %d calls", err, calls)
	}
}

func TestRetryStopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, RetryConfig{MaxAttempts: 10, InitialDelay: time.Hour}, func() error {
		calls++
		cancel()
		return errors.New("down")
	})
	if err == nil || calls != 1 {
		t.Errorf("err = %v after %d calls", err, calls)
	}
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := CalculateBackoff(tt.attempt, time.Second, 30*time.Second, 2); got != tt.want {
			t.Errorf("attempt %d: %s, want %s", tt.attempt, got, tt.want)
		}
	}
}
