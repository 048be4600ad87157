package substrate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tesslate/studio/pkg/types"
)

var testBackoff = backoff{base: time.Millisecond, max: 4 * time.Millisecond, attempts: 6}

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := retry(context.Background(), "test", testBackoff, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("retry() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryRecoversFromTransientErrors(t *testing.T) {
	calls := 0
	err := retry(context.Background(), "test", testBackoff, func() error {
		calls++
		if calls < 3 {
			return types.Transientf("substrate busy")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retry() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := types.Permanentf("image does not exist")
	err := Retry(context.Background(), "test", func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("Retry() error = %v, want %v", err, permanent)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1: permanent errors must not retry", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	transient := types.Transientf("connection refused")
	err := retry(context.Background(), "start-container", testBackoff, func() error {
		calls++
		return transient
	})
	if err == nil {
		t.Fatal("retry() error = nil, want exhaustion error")
	}
	if calls != testBackoff.attempts {
		t.Errorf("calls = %d, want %d", calls, testBackoff.attempts)
	}
	if !errors.Is(err, transient) {
		t.Errorf("exhaustion error does not wrap the last attempt error: %v", err)
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	slow := backoff{base: time.Minute, max: time.Minute, attempts: 6}

	done := make(chan error, 1)
	go func() {
		done <- retry(ctx, "test", slow, func() error {
			calls++
			return types.Transientf("not yet")
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("retry() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retry() did not return after context cancellation")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
