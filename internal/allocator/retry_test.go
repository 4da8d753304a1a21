package allocator

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicyDo(t *testing.T) {
	tests := []struct {
		name      string
		policy    RetryPolicy
		failUntil int // op returns false for the first N calls
		opErr     error
		wantOK    bool
		wantCalls int
	}{
		{
			name:      "first attempt succeeds",
			policy:    RetryPolicy{MaxAttempts: 3},
			failUntil: 0,
			wantOK:    true,
			wantCalls: 1,
		},
		{
			name:      "succeeds on last attempt",
			policy:    RetryPolicy{MaxAttempts: 3},
			failUntil: 2,
			wantOK:    true,
			wantCalls: 3,
		},
		{
			name:      "exhausts attempts",
			policy:    RetryPolicy{MaxAttempts: 3},
			failUntil: 5,
			wantOK:    false,
			wantCalls: 3,
		},
		{
			name:      "zero attempts runs once",
			policy:    RetryPolicy{MaxAttempts: 0},
			failUntil: 1,
			wantOK:    false,
			wantCalls: 1,
		},
		{
			name:      "error is retried",
			policy:    RetryPolicy{MaxAttempts: 2},
			failUntil: 5,
			opErr:     errors.New("boom"),
			wantOK:    false,
			wantCalls: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			ok, err := tt.policy.Do(context.Background(), func(context.Context) (bool, error) {
				calls++
				if calls <= tt.failUntil {
					return false, tt.opErr
				}
				return true, nil
			})
			if ok != tt.wantOK {
				t.Errorf("ok = %v, want %v", ok, tt.wantOK)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if !tt.wantOK && tt.opErr != nil && !errors.Is(err, tt.opErr) {
				t.Errorf("err = %v, want %v", err, tt.opErr)
			}
		})
	}
}

func TestRetryPolicyHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxAttempts: 10, Delay: LinearBackoff(time.Hour)}

	done := make(chan struct{})
	var ok bool
	var err error
	go func() {
		ok, err = policy.Do(ctx, func(context.Context) (bool, error) {
			return false, nil
		})
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
	if ok {
		t.Error("ok = true after cancellation")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestLinearBackoff(t *testing.T) {
	delay := LinearBackoff(100 * time.Millisecond)
	for attempt, want := range map[int]time.Duration{
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		3: 300 * time.Millisecond,
	} {
		if got := delay(attempt); got != want {
			t.Errorf("delay(%d) = %v, want %v", attempt, got, want)
		}
	}
}
