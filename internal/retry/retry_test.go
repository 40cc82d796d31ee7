package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type codeErr struct{ code int }

func (e codeErr) Error() string  { return fmt.Sprintf("rpc error %d", e.code) }
func (e codeErr) ErrorCode() int { return e.code }

func TestBackoffDelay(t *testing.T) {
	b := Backoff{MaxRetries: 4, InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}

	tests := []struct {
		attempt int
		want    time.Duration
		ok      bool
	}{
		{0, 0, false},
		{1, 100 * time.Millisecond, true},
		{2, 200 * time.Millisecond, true},
		{3, 300 * time.Millisecond, true},
		{4, 300 * time.Millisecond, true},
		{5, 0, false},
	}
	for _, tt := range tests {
		got, ok := b.Delay(tt.attempt)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("Delay(%d) = %s,%v want %s,%v", tt.attempt, got, ok, tt.want, tt.ok)
		}
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	retries := 0
	attempts, err := Do(context.Background(), Backoff{MaxRetries: 3, InitialDelay: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("temporary")
		}
		return nil
	}, func(int, error) { retries++ })
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 || retries != 2 {
		t.Fatalf("attempts=%d retries=%d", attempts, retries)
	}
}

func TestDoStopsWhenBudgetSpent(t *testing.T) {
	boom := errors.New("boom")
	attempts, err := Do(context.Background(), Backoff{MaxRetries: 2, InitialDelay: time.Millisecond}, func(context.Context) error {
		return boom
	}, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDoDoesNotRetryPermanent(t *testing.T) {
	for _, perm := range []error{Permanent(errors.New("bad")), codeErr{code: -32602}} {
		attempts, err := Do(context.Background(), Backoff{MaxRetries: 5, InitialDelay: time.Millisecond}, func(context.Context) error {
			return perm
		}, nil)
		if err == nil || attempts != 1 {
			t.Fatalf("expected single attempt for %v, got attempts=%d err=%v", perm, attempts, err)
		}
	}
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Do(ctx, Backoff{MaxRetries: 5, InitialDelay: time.Hour}, func(context.Context) error {
		return errors.New("temporary")
	}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
