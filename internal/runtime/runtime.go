// SPDX-License-Identifier: MPL-2.0

// Package runtime provides the execution backend abstraction and its
// implementations: a host shell backend, an in-process virtual shell backend
// and a cluster pod backend. The script service picks a backend per request
// by asking each registered backend, in order, whether it accepts the
// request's execution context.
package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/invowk/remexec/internal/isolation"
	"github.com/invowk/remexec/internal/scriptlog"
	"github.com/invowk/remexec/internal/workspace"
	"github.com/invowk/remexec/pkg/contracts"
	"github.com/invowk/remexec/pkg/types"
)

// Backend names.
const (
	BackendNative  = "native"
	BackendVirtual = "virtual"
	BackendPod     = "pod"
)

// ErrNoBackend is the sentinel error wrapped by NoBackendError.
var ErrNoBackend = errors.New("no backend accepts the execution context")

type (
	// Backend launches scripts in one kind of environment.
	Backend interface {
		// Name returns the backend name used in logs and metrics.
		Name() string
		// CanExecute reports whether the backend accepts the execution context.
		CanExecute(ec types.ExecutionContext) bool
		// Execute launches the script and returns without waiting for it.
		// The script stops when ctx is cancelled.
		Execute(ctx context.Context, req *Request) (RunningScript, error)
	}

	// RunningScript is the handle of a launched script. State only moves
	// forward; ExitCode is final once State reports complete, which happens
	// before Done is closed.
	RunningScript interface {
		State() types.ProcessState
		ExitCode() types.ExitCode
		Log() *scriptlog.Log
		Done() <-chan struct{}
		// Cleanup releases backend resources. It is safe to call more than once.
		Cleanup(ctx context.Context) error
	}

	// Request carries everything a backend needs to run one script.
	Request struct {
		Command   *contracts.StartScriptCommand
		Workspace *workspace.Workspace
		Log       *scriptlog.Log
		// Isolation may be nil, in which case scripts run without isolation.
		Isolation *isolation.Mutexes
		Logger    *log.Logger
	}

	// NoBackendError is returned when no registered backend accepts a context.
	NoBackendError struct {
		Kind types.ExecutionKind
	}

	// Registry holds the backends in registration order.
	Registry struct {
		backends []Backend
	}
)

// Error implements the error interface.
func (e *NoBackendError) Error() string {
	return fmt.Sprintf("no backend accepts %s execution contexts", e.Kind)
}

// Unwrap returns ErrNoBackend so callers can use errors.Is for programmatic detection.
func (e *NoBackendError) Unwrap() error { return ErrNoBackend }

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a backend. Earlier registrations take precedence.
func (r *Registry) Register(b Backend) {
	r.backends = append(r.backends, b)
}

// Select returns the first backend that accepts ec.
func (r *Registry) Select(ec types.ExecutionContext) (Backend, error) {
	for _, b := range r.backends {
		if b.CanExecute(ec) {
			return b, nil
		}
	}
	return nil, &NoBackendError{Kind: ec.EffectiveKind()}
}

// Names returns the registered backend names in order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.backends))
	for _, b := range r.backends {
		names = append(names, b.Name())
	}
	return names
}

func (r *Request) logger() *log.Logger {
	if r.Logger == nil {
		return log.Default()
	}
	return r.Logger
}
