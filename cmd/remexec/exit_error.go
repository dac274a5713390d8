// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"

	"github.com/invowk/remexec/internal/issue"
	"github.com/invowk/remexec/pkg/types"
)

// ExitError signals a non-zero exit code without forcing os.Exit in RunE handlers.
type ExitError struct {
	Code int
	Err  error
}

// Error returns the error message for ExitError.
func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

// Unwrap returns the underlying error, if any.
func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitForCode converts a script exit code into the CLI result. Agent
// sentinels exit with 1 and carry the matching troubleshooting guide.
func exitForCode(code types.ExitCode) error {
	switch {
	case code.IsSuccess():
		return nil
	case !code.IsSentinel():
		return &ExitError{Code: int(code)}
	}

	var id issue.ID
	switch code {
	case types.CanceledExitCode:
		id = issue.ScriptCancelledID
	case types.UnknownScriptExitCode:
		id = issue.UnknownScriptID
	case types.UnknownResultExitCode:
		id = issue.UnknownResultID
	}
	err := fmt.Errorf("script ended with %s", code.Describe())
	if id != 0 {
		err = issue.NewErrorContext().WithOperation("run script").WithIssue(id).Wrap(err).BuildError()
	}
	return &ExitError{Code: 1, Err: err}
}
