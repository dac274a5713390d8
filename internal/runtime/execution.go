// SPDX-License-Identifier: MPL-2.0

package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/invowk/remexec/internal/isolation"
	"github.com/invowk/remexec/internal/scriptlog"
	"github.com/invowk/remexec/pkg/types"
)

type (
	// scriptBody runs the script proper once the isolation mutex is held.
	// It calls running when the script has actually started. A non-nil
	// error is reported as a diagnostic line.
	scriptBody func(ctx context.Context, running func()) (types.ExitCode, error)

	// execution is the RunningScript shared by all backends. Backends only
	// supply the body and an optional cleanup hook.
	execution struct {
		state    atomic.Int32
		exitCode atomic.Int64
		log      *scriptlog.Log
		done     chan struct{}

		cleanupOnce sync.Once
		cleanupFn   func(ctx context.Context) error
		cleanupErr  error
	}
)

// start launches body in the background and returns its handle.
func start(ctx context.Context, req *Request, body scriptBody, cleanup func(ctx context.Context) error) *execution {
	e := &execution{
		log:       req.Log,
		done:      make(chan struct{}),
		cleanupFn: cleanup,
	}
	e.state.Store(int32(types.ProcessStatePending))

	go func() {
		defer close(e.done)
		code := e.run(ctx, req, body)
		e.exitCode.Store(int64(code))
		e.advance(types.ProcessStateComplete)
	}()
	return e
}

func (e *execution) run(ctx context.Context, req *Request, body scriptBody) types.ExitCode {
	logger := req.logger()
	cmd := req.Command

	if req.Isolation != nil {
		name := cmd.IsolationMutexNameOrDefault()
		release, ok := req.Isolation.TryAcquire(name, cmd.Isolation)
		if !ok {
			e.log.Diagnostic("Waiting for the %s isolation mutex %q to become available", cmd.Isolation, name)
			var err error
			release, err = req.Isolation.Acquire(ctx, name, cmd.Isolation, cmd.IsolationMutexTimeout)
			switch {
			case errors.Is(err, isolation.ErrTimeout):
				e.log.Diagnostic("Timed out after %s waiting for the isolation mutex %q", cmd.IsolationMutexTimeout, name)
				return types.TimeoutExitCode
			case err != nil:
				e.log.Diagnostic("Cancelled while waiting for the isolation mutex %q", name)
				return types.CanceledExitCode
			}
			e.log.Diagnostic("Acquired the isolation mutex %q", name)
		}
		defer release()
	}

	if ctx.Err() != nil {
		return types.CanceledExitCode
	}

	code, err := body(ctx, func() { e.advance(types.ProcessStateRunning) })
	if err != nil {
		logger.Warn("script failed", "error", err)
		e.log.Diagnostic("Script failed: %v", err)
	}
	if ctx.Err() != nil {
		return types.CanceledExitCode
	}
	return code
}

func (e *execution) advance(next types.ProcessState) {
	for {
		cur := types.ProcessState(e.state.Load())
		if cur.Advance(next) == cur {
			return
		}
		if e.state.CompareAndSwap(int32(cur), int32(next)) {
			return
		}
	}
}

func (e *execution) State() types.ProcessState { return types.ProcessState(e.state.Load()) }

func (e *execution) ExitCode() types.ExitCode { return types.ExitCode(e.exitCode.Load()) }

func (e *execution) Log() *scriptlog.Log { return e.log }

func (e *execution) Done() <-chan struct{} { return e.done }

func (e *execution) Cleanup(ctx context.Context) error {
	if e.cleanupFn == nil {
		return nil
	}
	e.cleanupOnce.Do(func() { e.cleanupErr = e.cleanupFn(ctx) })
	return e.cleanupErr
}
