// SPDX-License-Identifier: MPL-2.0

package types

import (
	"errors"
	"fmt"
)

const (
	// ExecutionKindProcess runs the script on the agent host.
	ExecutionKindProcess ExecutionKind = "process"
	// ExecutionKindPod runs the script in a cluster pod.
	ExecutionKindPod ExecutionKind = "pod"
)

// ErrInvalidExecutionContext is the sentinel error wrapped by InvalidExecutionContextError.
var ErrInvalidExecutionContext = errors.New("invalid execution context")

type (
	// ExecutionKind discriminates the ExecutionContext variants.
	ExecutionKind string

	// ExecutionContext describes where a script must run. The zero value is
	// a process context.
	ExecutionContext struct {
		Kind ExecutionKind `json:"kind,omitempty"`
		Pod  *PodContext   `json:"pod,omitempty"`
	}

	// PodContext carries the pod-specific part of an ExecutionContext.
	// An empty Image falls back to the agent's configured default image.
	PodContext struct {
		Image        string `json:"image,omitempty"`
		FeedURL      string `json:"feedUrl,omitempty"`
		FeedUsername string `json:"feedUsername,omitempty"`
		FeedPassword string `json:"feedPassword,omitempty"`
	}

	// InvalidExecutionContextError is returned when an ExecutionContext is
	// malformed.
	InvalidExecutionContextError struct {
		Kind   ExecutionKind
		Reason string
	}
)

// ProcessContext returns the context for local execution.
func ProcessContext() ExecutionContext { return ExecutionContext{Kind: ExecutionKindProcess} }

// PodExecutionContext returns a pod context for the given image.
func PodExecutionContext(pod PodContext) ExecutionContext {
	return ExecutionContext{Kind: ExecutionKindPod, Pod: &pod}
}

// EffectiveKind resolves the zero kind to ExecutionKindProcess.
func (ec ExecutionContext) EffectiveKind() ExecutionKind {
	if ec.Kind == "" {
		return ExecutionKindProcess
	}
	return ec.Kind
}

// Validate checks that the kind is known and the variant payload matches it.
func (ec ExecutionContext) Validate() error {
	switch ec.EffectiveKind() {
	case ExecutionKindProcess:
		if ec.Pod != nil {
			return &InvalidExecutionContextError{Kind: ec.Kind, Reason: "pod settings given for a process context"}
		}
		return nil
	case ExecutionKindPod:
		return nil
	default:
		return &InvalidExecutionContextError{Kind: ec.Kind, Reason: "unknown kind"}
	}
}

// Error implements the error interface.
func (e *InvalidExecutionContextError) Error() string {
	return fmt.Sprintf("invalid execution context %q: %s", string(e.Kind), e.Reason)
}

// Unwrap returns ErrInvalidExecutionContext for errors.Is() compatibility.
func (e *InvalidExecutionContextError) Unwrap() error { return ErrInvalidExecutionContext }
