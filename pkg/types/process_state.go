// SPDX-License-Identifier: MPL-2.0

package types

import (
	"errors"
	"fmt"
)

const (
	// ProcessStatePending means the script is registered but has not started executing.
	ProcessStatePending ProcessState = iota
	// ProcessStateRunning means the backend is executing the script.
	ProcessStateRunning
	// ProcessStateComplete is terminal: the exit code is final.
	ProcessStateComplete
)

// ErrInvalidProcessState is the sentinel error wrapped by InvalidProcessStateError.
var ErrInvalidProcessState = errors.New("invalid process state")

type (
	// ProcessState is the lifecycle state of a script. States are ordered and
	// only ever move forward for a given ticket.
	ProcessState int

	// InvalidProcessStateError is returned when a ProcessState value is not recognized.
	InvalidProcessStateError struct {
		Value ProcessState
	}
)

// String returns a human-readable representation of the state.
func (s ProcessState) String() string {
	switch s {
	case ProcessStatePending:
		return "Pending"
	case ProcessStateRunning:
		return "Running"
	case ProcessStateComplete:
		return "Complete"
	default:
		return "Unknown"
	}
}

// Validate returns nil if s is one of the defined states.
func (s ProcessState) Validate() error {
	switch s {
	case ProcessStatePending, ProcessStateRunning, ProcessStateComplete:
		return nil
	default:
		return &InvalidProcessStateError{Value: s}
	}
}

// IsComplete reports whether s is the terminal state.
func (s ProcessState) IsComplete() bool { return s == ProcessStateComplete }

// Advance returns the later of s and next. Callers use it to keep observed
// states monotonic when updates can arrive out of order.
func (s ProcessState) Advance(next ProcessState) ProcessState {
	if next > s {
		return next
	}
	return s
}

// MarshalText encodes the state by name.
func (s ProcessState) MarshalText() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name produced by MarshalText.
func (s *ProcessState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "Pending":
		*s = ProcessStatePending
	case "Running":
		*s = ProcessStateRunning
	case "Complete":
		*s = ProcessStateComplete
	default:
		return fmt.Errorf("%w: %q", ErrInvalidProcessState, text)
	}
	return nil
}

// Error implements the error interface.
func (e *InvalidProcessStateError) Error() string {
	return fmt.Sprintf("invalid process state %d (valid: 0=pending, 1=running, 2=complete)", int(e.Value))
}

// Unwrap returns ErrInvalidProcessState for errors.Is() compatibility.
func (e *InvalidProcessStateError) Unwrap() error { return ErrInvalidProcessState }
