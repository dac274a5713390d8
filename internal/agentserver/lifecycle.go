// SPDX-License-Identifier: MPL-2.0

package agentserver

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	// StateCreated means Start has not been called.
	StateCreated State = iota
	// StateStarting means the listener is being set up.
	StateStarting
	// StateRunning means the agent accepts requests.
	StateRunning
	// StateStopping means a graceful shutdown is in progress.
	StateStopping
	// StateStopped is terminal.
	StateStopped
	// StateFailed is terminal: the agent could not start or serving failed.
	StateFailed
)

type (
	// State is the lifecycle state of the agent server.
	State int32

	// lifecycle is the single-use state machine of a Server: once stopped or
	// failed, a new Server must be created.
	lifecycle struct {
		state   atomic.Int32
		stateMu sync.Mutex
		lastErr error

		wg        sync.WaitGroup
		startedCh chan struct{}
		errCh     chan error
	}
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether s is Stopped or Failed.
func (s State) IsTerminal() bool { return s == StateStopped || s == StateFailed }

func newLifecycle() *lifecycle {
	l := &lifecycle{startedCh: make(chan struct{}), errCh: make(chan error, 1)}
	l.state.Store(int32(StateCreated))
	return l
}

func (l *lifecycle) current() State { return State(l.state.Load()) }

// toStarting moves Created to Starting. A cancelled ctx fails the server
// before anything is set up.
func (l *lifecycle) toStarting(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		err = fmt.Errorf("context cancelled before start: %w", err)
		l.toFailed(err)
		return err
	}
	if !l.state.CompareAndSwap(int32(StateCreated), int32(StateStarting)) {
		return fmt.Errorf("cannot start agent server in state %s", l.current())
	}
	return nil
}

func (l *lifecycle) toRunning() {
	if l.state.CompareAndSwap(int32(StateStarting), int32(StateRunning)) {
		close(l.startedCh)
	}
}

func (l *lifecycle) toFailed(err error) {
	l.stateMu.Lock()
	l.lastErr = err
	l.stateMu.Unlock()
	l.state.Store(int32(StateFailed))

	select {
	case l.errCh <- err:
	default:
	}
}

// toStopping reports whether the caller should perform the shutdown.
func (l *lifecycle) toStopping() bool {
	for {
		cur := l.current()
		switch cur {
		case StateCreated:
			if l.state.CompareAndSwap(int32(StateCreated), int32(StateStopped)) {
				return false
			}
		case StateStarting, StateRunning:
			if l.state.CompareAndSwap(int32(cur), int32(StateStopping)) {
				return true
			}
		default:
			return false
		}
	}
}

func (l *lifecycle) toStopped() {
	l.state.CompareAndSwap(int32(StateStopping), int32(StateStopped))
}

func (l *lifecycle) err() error {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.lastErr
}
