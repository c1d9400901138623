package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoff_DefaultConfig(t *testing.T) {
	config := DefaultBackoffConfig()

	if config.InitialDelay != 100*time.Millisecond {
		t.Errorf("Expected initial delay of 100ms, got %v", config.InitialDelay)
	}
	if config.MaxDelay != 30*time.Second {
		t.Errorf("Expected max delay of 30s, got %v", config.MaxDelay)
	}
	if config.MaxAttempts != 5 {
		t.Errorf("Expected max attempts of 5, got %v", config.MaxAttempts)
	}
}

func TestBackoff_SuccessAfterRetries(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  3,
	})

	attempts := 0
	err := backoff.Retry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("temporary error")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestBackoff_FailureAfterMaxAttempts(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  2,
	})

	attempts := 0
	expectedError := errors.New("persistent error")
	err := backoff.Retry(context.Background(), func() error {
		attempts++
		return expectedError
	})

	if !errors.Is(err, expectedError) {
		t.Errorf("Expected persistent error, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts)
	}
}

func TestBackoff_ContextCancellationReturnsLastError(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
	})

	attempts := 0
	lastErr := errors.New("will be cancelled")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := backoff.Retry(ctx, func() error {
		attempts++
		return lastErr
	})

	if !errors.Is(err, lastErr) {
		t.Errorf("Expected last operation error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt before cancellation, got %d", attempts)
	}
}

func TestBackoff_AlreadyCancelledContext(t *testing.T) {
	backoff := NewBackoff(DefaultBackoffConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := backoff.Retry(ctx, func() error {
		called = true
		return nil
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if called {
		t.Error("Operation should not run on a cancelled context")
	}
}

func TestBackoff_ExponentialIncrease(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
	})

	expected := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	for i, want := range expected {
		if got := backoff.GetNextDelay(i + 1); got != want {
			t.Errorf("attempt %d: expected %v, got %v", i+1, want, got)
		}
	}
}

func TestBackoff_JitterStaysInBounds(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     150 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  5,
		Jitter:       true,
	})

	for i := 0; i < 50; i++ {
		delay := backoff.GetNextDelay(1)
		if delay < 75*time.Millisecond || delay > 125*time.Millisecond {
			t.Fatalf("jittered delay %v outside ±25%%", delay)
		}
		if capped := backoff.GetNextDelay(5); capped > 150*time.Millisecond {
			t.Fatalf("Expected delay capped at 150ms, got %v", capped)
		}
	}
}

func TestBackoff_WithPredicate_NonRetryableError(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  3,
	})

	attempts := 0
	permanent := errors.New("non-retryable error")
	err := backoff.RetryWithPredicate(context.Background(), func() error {
		attempts++
		return permanent
	}, func(err error) bool { return !errors.Is(err, permanent) })

	if !errors.Is(err, permanent) {
		t.Errorf("Expected non-retryable error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected only 1 attempt for non-retryable error, got %d", attempts)
	}
}

func TestBackoff_AttemptTimeout(t *testing.T) {
	backoff := NewBackoff(BackoffConfig{
		InitialDelay:   1 * time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		Multiplier:     2.0,
		MaxAttempts:    2,
		AttemptTimeout: 20 * time.Millisecond,
	})

	attempts := 0
	start := time.Now()
	err := backoff.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		<-ctx.Done()
		return ctx.Err()
	}, nil)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("attempt timeout not enforced, took %v", elapsed)
	}
}
