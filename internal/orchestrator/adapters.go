// SPDX-License-Identifier: MPL-2.0

package orchestrator

import (
	"context"

	"github.com/invowk/remexec/internal/rpc"
	"github.com/invowk/remexec/pkg/contracts"
	"github.com/invowk/remexec/pkg/types"
)

type (
	// scriptCalls is the generation-specific half of the orchestrator. Every
	// call goes through the executor; which calls may be retried depends on
	// the generation.
	scriptCalls interface {
		generation() types.ProtocolGeneration
		// clientTickets reports whether the caller's ticket is used as is.
		clientTickets() bool
		start(ctx context.Context, cmd *contracts.StartScriptCommand) (*contracts.ScriptStatusResponse, error)
		status(ctx context.Context, ticket types.ScriptTicket, next int64) (*contracts.ScriptStatusResponse, error)
		cancel(ctx context.Context, ticket types.ScriptTicket, next int64) (*contracts.ScriptStatusResponse, error)
		// complete releases the ticket. V1 also returns the remaining output.
		complete(ctx context.Context, ticket types.ScriptTicket, next int64) (*contracts.ScriptStatusResponse, error)
	}

	v1Calls struct {
		svc     ScriptServiceV1
		exec    *rpc.Executor
		retries bool
	}

	// v2Calls serves V2 and V3, which share their shape.
	v2Calls struct {
		gen     types.ProtocolGeneration
		svc     ScriptServiceV2
		exec    *rpc.Executor
		retries bool
	}
)

func (c *v1Calls) generation() types.ProtocolGeneration { return types.GenerationV1 }

func (c *v1Calls) clientTickets() bool { return false }

// start is never retried: a V1 agent would run the script again.
func (c *v1Calls) start(ctx context.Context, cmd *contracts.StartScriptCommand) (*contracts.ScriptStatusResponse, error) {
	ticket, err := rpc.Call(ctx, c.exec, "StartScript", false, func(ctx context.Context) (types.ScriptTicket, error) {
		return c.svc.StartScript(ctx, cmd)
	})
	if err != nil {
		return nil, err
	}
	return &contracts.ScriptStatusResponse{Ticket: ticket, State: types.ProcessStatePending}, nil
}

func (c *v1Calls) status(ctx context.Context, ticket types.ScriptTicket, next int64) (*contracts.ScriptStatusResponse, error) {
	req := &contracts.ScriptStatusRequest{Ticket: ticket, LastLogSequence: next}
	return rpc.Call(ctx, c.exec, "GetStatus", c.retries, func(ctx context.Context) (*contracts.ScriptStatusResponse, error) {
		return c.svc.GetStatus(ctx, req)
	})
}

func (c *v1Calls) cancel(ctx context.Context, ticket types.ScriptTicket, next int64) (*contracts.ScriptStatusResponse, error) {
	req := &contracts.CancelScriptCommand{Ticket: ticket, LastLogSequence: next}
	return rpc.Call(ctx, c.exec, "CancelScript", c.retries, func(ctx context.Context) (*contracts.ScriptStatusResponse, error) {
		return c.svc.CancelScript(ctx, req)
	})
}

func (c *v1Calls) complete(ctx context.Context, ticket types.ScriptTicket, next int64) (*contracts.ScriptStatusResponse, error) {
	req := &contracts.ScriptStatusRequest{Ticket: ticket, LastLogSequence: next}
	return rpc.Call(ctx, c.exec, "CompleteScript", false, func(ctx context.Context) (*contracts.ScriptStatusResponse, error) {
		return c.svc.CompleteScript(ctx, req)
	})
}

func (c *v2Calls) generation() types.ProtocolGeneration { return c.gen }

func (c *v2Calls) clientTickets() bool { return true }

func (c *v2Calls) start(ctx context.Context, cmd *contracts.StartScriptCommand) (*contracts.ScriptStatusResponse, error) {
	return rpc.Call(ctx, c.exec, "StartScript", c.retries, func(ctx context.Context) (*contracts.ScriptStatusResponse, error) {
		return c.svc.StartScript(ctx, cmd)
	})
}

func (c *v2Calls) status(ctx context.Context, ticket types.ScriptTicket, next int64) (*contracts.ScriptStatusResponse, error) {
	req := &contracts.ScriptStatusRequest{Ticket: ticket, LastLogSequence: next}
	return rpc.Call(ctx, c.exec, "GetStatus", c.retries, func(ctx context.Context) (*contracts.ScriptStatusResponse, error) {
		return c.svc.GetStatus(ctx, req)
	})
}

func (c *v2Calls) cancel(ctx context.Context, ticket types.ScriptTicket, next int64) (*contracts.ScriptStatusResponse, error) {
	req := &contracts.CancelScriptCommand{Ticket: ticket, LastLogSequence: next}
	return rpc.Call(ctx, c.exec, "CancelScript", c.retries, func(ctx context.Context) (*contracts.ScriptStatusResponse, error) {
		return c.svc.CancelScript(ctx, req)
	})
}

func (c *v2Calls) complete(ctx context.Context, ticket types.ScriptTicket, _ int64) (*contracts.ScriptStatusResponse, error) {
	req := &contracts.CompleteScriptCommand{Ticket: ticket}
	return nil, c.exec.Execute(ctx, "CompleteScript", c.retries, func(ctx context.Context) error {
		return c.svc.CompleteScript(ctx, req)
	})
}
