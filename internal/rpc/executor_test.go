// SPDX-License-Identifier: MPL-2.0

package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func fastPolicy() Policy {
	return Policy{
		Backoff:       Backoff{Initial: time.Millisecond, Multiplier: 2, Max: 4 * time.Millisecond},
		RetryDuration: 5 * time.Second,
	}
}

type statusError struct{ code int }

func (e statusError) Error() string   { return fmt.Sprintf("status %d", e.code) }
func (e statusError) Transient() bool { return e.code >= 500 }

func TestExecute_SucceedsFirstAttempt(t *testing.T) {
	t.Parallel()

	calls := 0
	err := NewExecutor(fastPolicy(), nil, nil).Execute(t.Context(), "status", true, func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestExecute_RetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	calls := 0
	got, err := Call(t.Context(), NewExecutor(fastPolicy(), nil, nil), "status", true, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", syscall.ECONNREFUSED
		}
		return "done", nil
	})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if got != "done" || calls != 3 {
		t.Errorf("Call() = %q after %d calls", got, calls)
	}
}

func TestExecute_DoesNotRetry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		err            error
		retriesEnabled bool
		wantClass      Class
	}{
		{name: "fatal", err: errors.New("bad request"), retriesEnabled: true, wantClass: Fatal},
		{name: "client status", err: statusError{code: 400}, retriesEnabled: true, wantClass: Fatal},
		{name: "retries disabled", err: statusError{code: 503}, retriesEnabled: false, wantClass: Transient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			calls := 0
			err := NewExecutor(fastPolicy(), nil, nil).Execute(t.Context(), "start", tt.retriesEnabled, func(context.Context) error {
				calls++
				return tt.err
			})
			if calls != 1 {
				t.Errorf("calls = %d, want 1", calls)
			}
			var ce *CallError
			if !errors.As(err, &ce) {
				t.Fatalf("error = %T, want *CallError", err)
			}
			if ce.Class != tt.wantClass || !errors.Is(err, tt.err) {
				t.Errorf("CallError = %+v", ce)
			}
		})
	}
}

func TestExecute_StopsWhenBudgetExhausted(t *testing.T) {
	t.Parallel()

	policy := Policy{
		Backoff:       Backoff{Initial: 20 * time.Millisecond, Multiplier: 1},
		RetryDuration: 70 * time.Millisecond,
	}
	calls := 0
	err := NewExecutor(policy, nil, nil).Execute(t.Context(), "status", true, func(context.Context) error {
		calls++
		return io.EOF
	})
	if !errors.Is(err, io.EOF) {
		t.Fatalf("Execute() error = %v, want io.EOF", err)
	}
	if calls < 2 || calls > 5 {
		t.Errorf("calls = %d, want a handful within the budget", calls)
	}
}

func TestExecute_CancellationWinsDuringBackoff(t *testing.T) {
	t.Parallel()

	policy := Policy{Backoff: Backoff{Initial: time.Hour}, RetryDuration: 2 * time.Hour}
	ctx, cancel := context.WithCancel(t.Context())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	err := NewExecutor(policy, nil, nil).Execute(ctx, "status", true, func(context.Context) error {
		return syscall.ECONNRESET
	})
	if !errors.Is(err, context.Canceled) || !IsCancellation(err) {
		t.Fatalf("Execute() error = %v, want cancellation", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancellation took %s", elapsed)
	}
}

func TestExecute_AlreadyCancelledStillReportsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	err := NewExecutor(fastPolicy(), nil, nil).Execute(ctx, "capabilities", true, func(ctx context.Context) error {
		return ctx.Err()
	})
	if !IsCancellation(err) {
		t.Fatalf("Execute() error = %v, want cancellation", err)
	}
}

func TestExecute_AttemptTimeoutIsRetried(t *testing.T) {
	t.Parallel()

	policy := fastPolicy()
	policy.AttemptTimeout = 10 * time.Millisecond
	calls := 0
	err := NewExecutor(policy, nil, nil).Execute(t.Context(), "status", true, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Class
	}{
		{name: "canceled", err: context.Canceled, want: Cancellation},
		{name: "wrapped deadline", err: fmt.Errorf("call: %w", context.DeadlineExceeded), want: Cancellation},
		{name: "connection refused", err: &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, want: Transient},
		{name: "reset", err: fmt.Errorf("read: %w", syscall.ECONNRESET), want: Transient},
		{name: "eof", err: io.ErrUnexpectedEOF, want: Transient},
		{name: "marked", err: MarkTransient(errors.New("busy")), want: Transient},
		{name: "server status", err: statusError{code: 503}, want: Transient},
		{name: "client status", err: statusError{code: 404}, want: Fatal},
		{name: "plain", err: errors.New("no backend"), want: Fatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestBackoffDelayIsMonotonicAndCapped(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		b := Backoff{
			Initial:    time.Duration(rapid.Int64Range(1, int64(time.Second)).Draw(rt, "initial")),
			Multiplier: rapid.Float64Range(1, 4).Draw(rt, "multiplier"),
			Max:        time.Duration(rapid.Int64Range(int64(time.Second), int64(time.Minute)).Draw(rt, "max")),
		}
		n := rapid.IntRange(1, 200).Draw(rt, "iterations")

		prev := time.Duration(0)
		for i := range n {
			d := b.Delay(i)
			if d < prev {
				rt.Fatalf("Delay(%d) = %s < Delay(%d) = %s", i, d, i-1, prev)
			}
			if d > b.Max {
				rt.Fatalf("Delay(%d) = %s exceeds cap %s", i, d, b.Max)
			}
			prev = d
		}
	})
}

func TestDefaultPollBackoff(t *testing.T) {
	t.Parallel()

	b := DefaultPollBackoff()
	if got := b.Delay(0); got != 50*time.Millisecond {
		t.Errorf("Delay(0) = %s", got)
	}
	if got := b.Delay(1); got != 75*time.Millisecond {
		t.Errorf("Delay(1) = %s", got)
	}
	if got := b.Delay(100); got != 2*time.Second {
		t.Errorf("Delay(100) = %s", got)
	}
}
