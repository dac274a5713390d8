// SPDX-License-Identifier: MPL-2.0

package types

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MaxTicketLength bounds ticket length so it stays usable as a directory name.
const MaxTicketLength = 128

// ErrInvalidScriptTicket is the sentinel error wrapped by InvalidScriptTicketError.
var ErrInvalidScriptTicket = errors.New("invalid script ticket")

type (
	// ScriptTicket identifies one script execution. It is stable for the lifetime
	// of the execution and doubles as the workspace directory name and the
	// suffix of any cluster resource created for it.
	ScriptTicket string

	// InvalidScriptTicketError is returned when a ScriptTicket cannot be used
	// as a registry key and directory name.
	InvalidScriptTicketError struct {
		Value  ScriptTicket
		Reason string
	}
)

// NewScriptTicket returns a fresh random ticket.
func NewScriptTicket() ScriptTicket {
	return ScriptTicket(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// String returns the ticket as a plain string.
func (t ScriptTicket) String() string { return string(t) }

// Validate returns an error if the ticket is empty, too long, or contains
// anything other than ASCII letters, digits, '-', '_' and '.'.
func (t ScriptTicket) Validate() error {
	switch {
	case t == "":
		return &InvalidScriptTicketError{Value: t, Reason: "must not be empty"}
	case len(t) > MaxTicketLength:
		return &InvalidScriptTicketError{Value: t, Reason: fmt.Sprintf("must be at most %d characters", MaxTicketLength)}
	case strings.HasPrefix(string(t), "."):
		return &InvalidScriptTicketError{Value: t, Reason: "must not start with '.'"}
	}
	for _, r := range t {
		if !isTicketRune(r) {
			return &InvalidScriptTicketError{Value: t, Reason: fmt.Sprintf("contains invalid character %q", r)}
		}
	}
	return nil
}

func isTicketRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
		r == '-' || r == '_' || r == '.'
}

// Error implements the error interface.
func (e *InvalidScriptTicketError) Error() string {
	return fmt.Sprintf("invalid script ticket %q: %s", e.Value, e.Reason)
}

// Unwrap returns ErrInvalidScriptTicket for errors.Is() compatibility.
func (e *InvalidScriptTicketError) Unwrap() error { return ErrInvalidScriptTicket }
