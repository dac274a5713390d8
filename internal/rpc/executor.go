// SPDX-License-Identifier: MPL-2.0

// Package rpc wraps single logical remote calls with retries, per-attempt
// timeouts and failure classification.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/invowk/remexec/internal/metrics"
)

type (
	// Policy configures retries.
	Policy struct {
		Backoff Backoff
		// RetryDuration bounds the total time spent retrying one call.
		RetryDuration time.Duration
		// AttemptTimeout bounds each attempt. Zero means no bound.
		AttemptTimeout time.Duration
	}

	// Executor runs remote calls under a Policy.
	Executor struct {
		policy  Policy
		logger  *log.Logger
		metrics *metrics.Collector
	}

	// CallError is returned when a call fails for good.
	CallError struct {
		Call     string
		Attempts int
		Class    Class
		Err      error
	}
)

// DefaultPolicy returns the retry settings used when none are configured.
func DefaultPolicy() Policy {
	return Policy{
		Backoff:        Backoff{Initial: 100 * time.Millisecond, Multiplier: 2, Max: 10 * time.Second, Jitter: 0.2},
		RetryDuration:  2 * time.Minute,
		AttemptTimeout: 30 * time.Second,
	}
}

// NewExecutor creates an executor. logger and m may be nil.
func NewExecutor(policy Policy, logger *log.Logger, m *metrics.Collector) *Executor {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Executor{policy: policy, logger: logger, metrics: m}
}

// Execute runs call at least once. With retries enabled, transient failures
// are retried with backoff until RetryDuration elapses. Cancelling ctx stops
// immediately, including during a backoff wait.
func (e *Executor) Execute(ctx context.Context, name string, retriesEnabled bool, call func(ctx context.Context) error) error {
	deadline := time.Now().Add(e.policy.RetryDuration)
	logger := e.logger.With("call", name)

	for attempt := 0; ; attempt++ {
		err := e.attempt(ctx, call)
		class := e.classify(ctx, err)
		if err == nil {
			e.metrics.RPCAttempt(name, "ok")
			return nil
		}
		e.metrics.RPCAttempt(name, class.String())

		if class != Transient || !retriesEnabled {
			return &CallError{Call: name, Attempts: attempt + 1, Class: class, Err: err}
		}

		delay := e.policy.Backoff.Delay(attempt)
		if time.Now().Add(delay).After(deadline) {
			logger.Warn("retry budget exhausted", "attempts", attempt+1, "error", err)
			return &CallError{Call: name, Attempts: attempt + 1, Class: class, Err: err}
		}
		logger.Debug("retrying after transient failure", "attempt", attempt+1, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &CallError{Call: name, Attempts: attempt + 1, Class: Cancellation, Err: ctx.Err()}
		case <-timer.C:
		}
	}
}

func (e *Executor) attempt(ctx context.Context, call func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.policy.AttemptTimeout <= 0 {
		return call(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, e.policy.AttemptTimeout)
	defer cancel()
	return call(attemptCtx)
}

// classify treats a per-attempt timeout as transient as long as the caller's
// context is still live.
func (e *Executor) classify(ctx context.Context, err error) Class {
	if err == nil {
		return Fatal
	}
	if ctx.Err() != nil {
		return Cancellation
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	return Classify(err)
}

// Call runs a value-returning call through e.
func Call[T any](ctx context.Context, e *Executor, name string, retriesEnabled bool, call func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := e.Execute(ctx, name, retriesEnabled, func(ctx context.Context) error {
		v, err := call(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// Error implements the error interface.
func (e *CallError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("%s failed after %d attempts (%s): %v", e.Call, e.Attempts, e.Class, e.Err)
	}
	return fmt.Sprintf("%s failed (%s): %v", e.Call, e.Class, e.Err)
}

// Unwrap returns the last attempt's error.
func (e *CallError) Unwrap() error { return e.Err }

// IsCancellation reports whether err ended a call because the caller cancelled.
func IsCancellation(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Class == Cancellation
	}
	return Classify(err) == Cancellation
}
