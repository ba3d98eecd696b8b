package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Fixed(time.Millisecond, 10*time.Millisecond), func() error {
		calls++
		if calls < 3 {
			return Retryable(errors.New("not yet"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoNonRetryable(t *testing.T) {
	calls := 0
	sentinel := errors.New("fatal")
	err := Do(context.Background(), Fixed(time.Millisecond, 10*time.Millisecond), func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("err = %v, want sentinel", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestFixedBudget(t *testing.T) {
	cfg := Fixed(50*time.Millisecond, time.Second)
	if cfg.MaxAttempts != 21 {
		t.Errorf("MaxAttempts = %d, want 21", cfg.MaxAttempts)
	}

	cfg = Fixed(time.Millisecond, 5*time.Millisecond)
	calls := 0
	start := time.Now()
	err := Do(context.Background(), cfg, func() error {
		calls++
		return Retryable(errors.New("busy"))
	})
	if !IsRetryable(err) {
		t.Errorf("expected last retryable error, got %v", err)
	}
	if calls != cfg.MaxAttempts {
		t.Errorf("calls = %d, want %d", calls, cfg.MaxAttempts)
	}
	if time.Since(start) > time.Second {
		t.Error("retry ran far past its budget")
	}
}

func TestDoContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, Fixed(10*time.Millisecond, time.Second), func() error {
		return Retryable(errors.New("busy"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
