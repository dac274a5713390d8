// SPDX-License-Identifier: MPL-2.0

package scriptservice

import (
	"context"
	"fmt"

	"github.com/invowk/remexec/pkg/contracts"
	"github.com/invowk/remexec/pkg/types"
)

type (
	// V1 is the first protocol generation. The agent assigns tickets, so a
	// retried start would run the script twice, and completion returns the
	// final status.
	V1 struct{ s *Service }

	// V2 adds client tickets, idempotent start and wait-for-finish for
	// process contexts.
	V2 struct{ s *Service }

	// V3 is V2 for every execution context, including pods.
	V3 struct{ s *Service }
)

// V1 returns the first generation facade.
func (s *Service) V1() V1 { return V1{s: s} }

// V2 returns the second generation facade.
func (s *Service) V2() V2 { return V2{s: s} }

// V3 returns the third generation facade.
func (s *Service) V3() V3 { return V3{s: s} }

// GetCapabilities implements the capabilities query.
func (s *Service) GetCapabilities(context.Context) (*contracts.Capabilities, error) {
	caps := s.Capabilities()
	return &caps, nil
}

// StartScript starts cmd under a fresh ticket and returns it. The command's
// own ticket and wait duration are ignored.
func (v V1) StartScript(ctx context.Context, cmd *contracts.StartScriptCommand) (types.ScriptTicket, error) {
	if cmd.ExecutionContext.EffectiveKind() != types.ExecutionKindProcess {
		return "", fmt.Errorf("%w: %s on %s", ErrUnsupportedExecutionContext, cmd.ExecutionContext.EffectiveKind(), types.GenerationV1)
	}
	c := *cmd
	c.Ticket = types.NewScriptTicket()
	c.DurationToWaitForScriptToFinish = 0
	if _, err := v.s.StartScript(ctx, &c); err != nil {
		return "", err
	}
	return c.Ticket, nil
}

// GetStatus reports the status of req.Ticket.
func (v V1) GetStatus(ctx context.Context, req *contracts.ScriptStatusRequest) (*contracts.ScriptStatusResponse, error) {
	return v.s.GetStatus(ctx, req.Ticket, req.LastLogSequence)
}

// CancelScript cancels req.Ticket.
func (v V1) CancelScript(ctx context.Context, req *contracts.CancelScriptCommand) (*contracts.ScriptStatusResponse, error) {
	return v.s.CancelScript(ctx, req.Ticket, req.LastLogSequence)
}

// CompleteScript returns the final status of req.Ticket and releases it.
func (v V1) CompleteScript(ctx context.Context, req *contracts.ScriptStatusRequest) (*contracts.ScriptStatusResponse, error) {
	status, err := v.s.GetStatus(ctx, req.Ticket, req.LastLogSequence)
	if err != nil {
		return nil, err
	}
	if err := v.s.CompleteScript(ctx, req.Ticket); err != nil {
		return nil, err
	}
	return status, nil
}

// StartScript starts cmd, which must target a process context.
func (v V2) StartScript(ctx context.Context, cmd *contracts.StartScriptCommand) (*contracts.ScriptStatusResponse, error) {
	if kind := cmd.ExecutionContext.EffectiveKind(); kind != types.ExecutionKindProcess {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnsupportedExecutionContext, kind, types.GenerationV2)
	}
	return v.s.StartScript(ctx, cmd)
}

// GetStatus reports the status of req.Ticket.
func (v V2) GetStatus(ctx context.Context, req *contracts.ScriptStatusRequest) (*contracts.ScriptStatusResponse, error) {
	return v.s.GetStatus(ctx, req.Ticket, req.LastLogSequence)
}

// CancelScript cancels req.Ticket.
func (v V2) CancelScript(ctx context.Context, req *contracts.CancelScriptCommand) (*contracts.ScriptStatusResponse, error) {
	return v.s.CancelScript(ctx, req.Ticket, req.LastLogSequence)
}

// CompleteScript releases req.Ticket.
func (v V2) CompleteScript(ctx context.Context, req *contracts.CompleteScriptCommand) error {
	return v.s.CompleteScript(ctx, req.Ticket)
}

// StartScript starts cmd in any execution context.
func (v V3) StartScript(ctx context.Context, cmd *contracts.StartScriptCommand) (*contracts.ScriptStatusResponse, error) {
	return v.s.StartScript(ctx, cmd)
}

// GetStatus reports the status of req.Ticket.
func (v V3) GetStatus(ctx context.Context, req *contracts.ScriptStatusRequest) (*contracts.ScriptStatusResponse, error) {
	return v.s.GetStatus(ctx, req.Ticket, req.LastLogSequence)
}

// CancelScript cancels req.Ticket.
func (v V3) CancelScript(ctx context.Context, req *contracts.CancelScriptCommand) (*contracts.ScriptStatusResponse, error) {
	return v.s.CancelScript(ctx, req.Ticket, req.LastLogSequence)
}

// CompleteScript releases req.Ticket.
func (v V3) CompleteScript(ctx context.Context, req *contracts.CompleteScriptCommand) error {
	return v.s.CompleteScript(ctx, req.Ticket)
}
