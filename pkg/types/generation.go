// SPDX-License-Identifier: MPL-2.0

package types

import (
	"errors"
	"fmt"
)

const (
	// GenerationV1 is the original protocol: the agent assigns tickets and
	// nothing but status polling is safe to retry.
	GenerationV1 ProtocolGeneration = 1
	// GenerationV2 adds client-assigned tickets, idempotent start and
	// wait-for-finish. Only process contexts are accepted.
	GenerationV2 ProtocolGeneration = 2
	// GenerationV3 accepts any execution context, including pods.
	GenerationV3 ProtocolGeneration = 3
)

// ErrInvalidProtocolGeneration is the sentinel error wrapped by InvalidProtocolGenerationError.
var ErrInvalidProtocolGeneration = errors.New("invalid protocol generation")

type (
	// ProtocolGeneration is a version of the script service protocol.
	ProtocolGeneration int

	// InvalidProtocolGenerationError is returned when a generation is not recognized.
	InvalidProtocolGenerationError struct {
		Value ProtocolGeneration
	}
)

// String returns the short route name, e.g. "v2".
func (g ProtocolGeneration) String() string { return fmt.Sprintf("v%d", int(g)) }

// Capability returns the capability name the agent advertises for g.
func (g ProtocolGeneration) Capability() string { return fmt.Sprintf("ScriptServiceV%d", int(g)) }

// Validate returns nil if g is a known generation.
func (g ProtocolGeneration) Validate() error {
	switch g {
	case GenerationV1, GenerationV2, GenerationV3:
		return nil
	default:
		return &InvalidProtocolGenerationError{Value: g}
	}
}

// Error implements the error interface.
func (e *InvalidProtocolGenerationError) Error() string {
	return fmt.Sprintf("invalid protocol generation %d (valid: 1, 2, 3)", int(e.Value))
}

// Unwrap returns ErrInvalidProtocolGeneration for errors.Is() compatibility.
func (e *InvalidProtocolGenerationError) Unwrap() error { return ErrInvalidProtocolGeneration }
