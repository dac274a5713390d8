// SPDX-License-Identifier: MPL-2.0

package types

import (
	"errors"
	"fmt"
)

const (
	// FullIsolation runs the script while holding the isolation mutex exclusively.
	FullIsolation IsolationLevel = "full"
	// NoIsolation runs the script while holding a shared slot of the isolation mutex.
	NoIsolation IsolationLevel = "none"

	// DefaultIsolationMutexName is the mutex used when a request names none.
	DefaultIsolationMutexName = "RunningScript"
)

// ErrInvalidIsolationLevel is the sentinel error wrapped by InvalidIsolationLevelError.
var ErrInvalidIsolationLevel = errors.New("invalid isolation level")

type (
	// IsolationLevel controls whether a script may overlap with others that
	// share its isolation mutex. The zero value means FullIsolation.
	IsolationLevel string

	// InvalidIsolationLevelError is returned when an IsolationLevel is not recognized.
	InvalidIsolationLevelError struct {
		Value IsolationLevel
	}
)

// Effective resolves the zero value to FullIsolation.
func (l IsolationLevel) Effective() IsolationLevel {
	if l == "" {
		return FullIsolation
	}
	return l
}

// String returns the level name.
func (l IsolationLevel) String() string { return string(l.Effective()) }

// Validate returns nil if l is empty or one of the defined levels.
func (l IsolationLevel) Validate() error {
	switch l {
	case "", FullIsolation, NoIsolation:
		return nil
	default:
		return &InvalidIsolationLevelError{Value: l}
	}
}

// Error implements the error interface.
func (e *InvalidIsolationLevelError) Error() string {
	return fmt.Sprintf("invalid isolation level %q (valid: full, none)", string(e.Value))
}

// Unwrap returns ErrInvalidIsolationLevel for errors.Is() compatibility.
func (e *InvalidIsolationLevelError) Unwrap() error { return ErrInvalidIsolationLevel }
