// SPDX-License-Identifier: MPL-2.0

package types

import (
	"errors"
	"fmt"
	"time"
)

const (
	// SourceStdout marks a line written by the script to standard output.
	SourceStdout OutputSource = "stdout"
	// SourceStderr marks a line written by the script to standard error.
	SourceStderr OutputSource = "stderr"
	// SourceDiagnostic marks a line written by the agent itself.
	SourceDiagnostic OutputSource = "diagnostic"
)

// ErrInvalidOutputSource is the sentinel error wrapped by InvalidOutputSourceError.
var ErrInvalidOutputSource = errors.New("invalid output source")

type (
	// OutputSource identifies the stream a log line came from.
	OutputSource string

	// InvalidOutputSourceError is returned when an OutputSource is not recognized.
	InvalidOutputSourceError struct {
		Value OutputSource
	}

	// ProcessOutputLine is one sequenced line of script output.
	ProcessOutputLine struct {
		Sequence int64        `json:"seq"`
		Source   OutputSource `json:"source"`
		Text     string       `json:"text"`
		Occurred time.Time    `json:"occurred"`
	}
)

// String returns the source name.
func (s OutputSource) String() string { return string(s) }

// Validate returns nil if s is one of the defined sources.
func (s OutputSource) Validate() error {
	switch s {
	case SourceStdout, SourceStderr, SourceDiagnostic:
		return nil
	default:
		return &InvalidOutputSourceError{Value: s}
	}
}

// Error implements the error interface.
func (e *InvalidOutputSourceError) Error() string {
	return fmt.Sprintf("invalid output source %q (valid: stdout, stderr, diagnostic)", string(e.Value))
}

// Unwrap returns ErrInvalidOutputSource for errors.Is() compatibility.
func (e *InvalidOutputSourceError) Unwrap() error { return ErrInvalidOutputSource }
