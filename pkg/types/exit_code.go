// SPDX-License-Identifier: MPL-2.0

package types

import (
	"errors"
	"fmt"
	"strconv"
)

// Agent-reserved exit codes. They are negative so they can never be confused
// with a status produced by the script itself.
const (
	// FatalExitCode means the agent could not run the script at all.
	FatalExitCode ExitCode = -41
	// CanceledExitCode means the script was cancelled before it finished.
	CanceledExitCode ExitCode = -43
	// TimeoutExitCode means the isolation mutex could not be acquired in time.
	TimeoutExitCode ExitCode = -44
	// UnknownScriptExitCode means the agent has no record of the ticket.
	UnknownScriptExitCode ExitCode = -45
	// UnknownResultExitCode means the script started but its outcome was lost,
	// typically because the agent restarted while it was running.
	UnknownResultExitCode ExitCode = -46
)

// ErrInvalidExitCode is the sentinel error wrapped by InvalidExitCodeError.
var ErrInvalidExitCode = errors.New("invalid exit code")

type (
	// ExitCode is the final status of a script. Non-negative values come from
	// the script; negative values are either agent sentinels or invalid.
	ExitCode int

	// InvalidExitCodeError is returned when a negative ExitCode is not one of
	// the agent sentinels.
	InvalidExitCodeError struct {
		Value ExitCode
	}
)

// Validate returns an error if the code is negative and not a sentinel.
func (c ExitCode) Validate() error {
	if c >= 0 || c.IsSentinel() {
		return nil
	}
	return &InvalidExitCodeError{Value: c}
}

// IsSuccess returns true if the exit code indicates successful execution.
func (c ExitCode) IsSuccess() bool { return c == 0 }

// IsSentinel reports whether c is reserved by the agent.
func (c ExitCode) IsSentinel() bool {
	switch c {
	case FatalExitCode, CanceledExitCode, TimeoutExitCode, UnknownScriptExitCode, UnknownResultExitCode:
		return true
	default:
		return false
	}
}

// Describe returns the code with a short label for sentinels, e.g. "-46 (unknown result)".
func (c ExitCode) Describe() string {
	var label string
	switch c {
	case FatalExitCode:
		label = "fatal"
	case CanceledExitCode:
		label = "canceled"
	case TimeoutExitCode:
		label = "isolation timeout"
	case UnknownScriptExitCode:
		label = "unknown script"
	case UnknownResultExitCode:
		label = "unknown result"
	default:
		return c.String()
	}
	return fmt.Sprintf("%d (%s)", int(c), label)
}

// String returns the decimal string representation of the ExitCode.
func (c ExitCode) String() string { return strconv.Itoa(int(c)) }

// Error implements the error interface.
func (e *InvalidExitCodeError) Error() string {
	return fmt.Sprintf("invalid exit code %d (negative codes are reserved for agent sentinels)", int(e.Value))
}

// Unwrap returns ErrInvalidExitCode so callers can use errors.Is for programmatic detection.
func (e *InvalidExitCodeError) Unwrap() error { return ErrInvalidExitCode }
