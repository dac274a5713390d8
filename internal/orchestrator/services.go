// SPDX-License-Identifier: MPL-2.0

// Package orchestrator drives a remote script to completion: it negotiates
// the protocol generation with the agent, starts the script, polls its status
// while forwarding output, relays cancellation and releases the script once
// it is complete.
package orchestrator

import (
	"context"

	"github.com/invowk/remexec/pkg/contracts"
	"github.com/invowk/remexec/pkg/types"
)

type (
	// CapabilitiesService answers the capabilities query.
	CapabilitiesService interface {
		GetCapabilities(ctx context.Context) (*contracts.Capabilities, error)
	}

	// ScriptServiceV1 is the first generation: the agent assigns tickets and
	// completion returns the final status.
	ScriptServiceV1 interface {
		StartScript(ctx context.Context, cmd *contracts.StartScriptCommand) (types.ScriptTicket, error)
		GetStatus(ctx context.Context, req *contracts.ScriptStatusRequest) (*contracts.ScriptStatusResponse, error)
		CancelScript(ctx context.Context, req *contracts.CancelScriptCommand) (*contracts.ScriptStatusResponse, error)
		CompleteScript(ctx context.Context, req *contracts.ScriptStatusRequest) (*contracts.ScriptStatusResponse, error)
	}

	// ScriptServiceV2 takes client tickets and starts idempotently. It only
	// runs process contexts.
	ScriptServiceV2 interface {
		StartScript(ctx context.Context, cmd *contracts.StartScriptCommand) (*contracts.ScriptStatusResponse, error)
		GetStatus(ctx context.Context, req *contracts.ScriptStatusRequest) (*contracts.ScriptStatusResponse, error)
		CancelScript(ctx context.Context, req *contracts.CancelScriptCommand) (*contracts.ScriptStatusResponse, error)
		CompleteScript(ctx context.Context, req *contracts.CompleteScriptCommand) error
	}

	// ScriptServiceV3 has the V2 shape and accepts every execution context.
	ScriptServiceV3 interface {
		ScriptServiceV2
	}

	// Clients bundles the client side of every service the agent may expose.
	Clients struct {
		Capabilities CapabilitiesService
		V1           ScriptServiceV1
		V2           ScriptServiceV2
		V3           ScriptServiceV3
	}
)
