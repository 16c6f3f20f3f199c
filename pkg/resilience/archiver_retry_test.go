package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type testErr struct{ retry bool }

func (e testErr) Error() string     { return fmt.Sprintf("retry=%v", e.retry) }
func (e testErr) IsRetryable() bool { return e.retry }

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestRetry(t *testing.T) {
	tests := []struct {
		name      string
		attempts  int
		errs      []error
		wantCalls int
		wantErr   bool
	}{
		{"success first try", 3, []error{nil}, 1, false},
		{"retryable then success", 3, []error{testErr{true}, testErr{true}, nil}, 3, false},
		{"retryable exhausted", 3, []error{testErr{true}, testErr{true}, testErr{true}}, 3, true},
		{"non retryable stops", 3, []error{testErr{false}}, 1, true},
		{"plain error stops", 3, []error{errors.New("boom")}, 1, true},
		{"wrapped retryable", 2, []error{fmt.Errorf("upload: %w", testErr{true}), nil}, 2, false},
		{"single attempt", 1, []error{testErr{true}}, 1, true},
		{"zero attempts behaves like one", 0, []error{testErr{true}}, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Retry(context.Background(), fastPolicy(tt.attempts), func(ctx context.Context) error {
				e := tt.errs[calls]
				calls++
				return e
			})
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 5, BaseDelay: time.Hour}

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, p, func(ctx context.Context) error {
			calls++
			return testErr{true}
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("Retry did not return after cancel")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestIsRetryableContextErrors(t *testing.T) {
	if IsRetryable(context.DeadlineExceeded) {
		t.Error("deadline exceeded should not be retried")
	}
	if IsRetryable(nil) {
		t.Error("nil should not be retried")
	}
}

func TestDo(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), fastPolicy(3), func(ctx context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", testErr{true}
		}
		return "folder-1", nil
	})
	if err != nil || v != "folder-1" {
		t.Errorf("Do = %q, %v", v, err)
	}
}
