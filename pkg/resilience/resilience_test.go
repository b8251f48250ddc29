package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

func TestRetryWithBackoff_SucceedsAfterTransientErrors(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), Config{MaxRetries: 3, InitialBackoff: time.Millisecond}, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestRetryWithBackoff_StopsOnPermanent(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), Config{MaxRetries: 5, InitialBackoff: time.Millisecond}, func() error {
		calls++
		return fmt.Errorf("schema mismatch: %w", ErrPermanent)
	})
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("Expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected a single attempt, got %d", calls)
	}
}

func TestRetryWithBackoff_RespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RetryWithBackoff(ctx, Config{MaxRetries: 3, InitialBackoff: time.Millisecond}, func() error {
		t.Fatal("fn must not run on a cancelled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

func TestGuard_OpensAfterRepeatedFailures(t *testing.T) {
	g := NewGuard("test", Config{MaxRetries: 0, InitialBackoff: time.Millisecond})
	boom := errors.New("boom")

	for i := 0; i < 5; i++ {
		_ = g.Do(context.Background(), func(context.Context) error { return boom })
	}

	err := g.Do(context.Background(), func(context.Context) error { return nil })
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("Expected open circuit, got %v", err)
	}
}

func TestNilGuardRunsDirectly(t *testing.T) {
	var g *Guard
	ran := false
	if err := g.Do(context.Background(), func(context.Context) error { ran = true; return nil }); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Error("Expected fn to run")
	}
}

func TestGuard_PermanentErrorsNeitherRetryNorTrip(t *testing.T) {
	missing := errors.New("loan not found")
	g := NewGuard("test", Config{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		Permanent:      func(err error) bool { return errors.Is(err, missing) },
	})

	calls := 0
	for i := 0; i < 10; i++ {
		err := g.Do(context.Background(), func(context.Context) error {
			calls++
			return missing
		})
		if err != missing {
			t.Fatalf("Expected the original error back, got %v", err)
		}
	}
	if calls != 10 {
		t.Errorf("Expected one attempt per call, got %d", calls)
	}

	if err := g.Do(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Expected the breaker to stay closed, got %v", err)
	}
}
