// SPDX-License-Identifier: MPL-2.0

package contracts

import (
	"errors"
	"testing"
	"time"

	"github.com/invowk/remexec/pkg/types"
)

func TestStartScriptCommandValidate(t *testing.T) {
	t.Parallel()

	valid := func() StartScriptCommand {
		return StartScriptCommand{Ticket: "t1", ScriptBody: "echo A"}
	}

	tests := []struct {
		name      string
		mutate    func(*StartScriptCommand)
		wantValid bool
		wantErr   error
	}{
		{name: "minimal", mutate: func(*StartScriptCommand) {}, wantValid: true},
		{name: "pod context", mutate: func(c *StartScriptCommand) {
			c.ExecutionContext = types.PodExecutionContext(types.PodContext{Image: "alpine"})
		}, wantValid: true},
		{name: "bad ticket", mutate: func(c *StartScriptCommand) { c.Ticket = "a/b" }, wantErr: types.ErrInvalidScriptTicket},
		{name: "empty body", mutate: func(c *StartScriptCommand) { c.ScriptBody = "" }},
		{name: "negative mutex timeout", mutate: func(c *StartScriptCommand) { c.IsolationMutexTimeout = -time.Second }},
		{name: "negative wait", mutate: func(c *StartScriptCommand) { c.DurationToWaitForScriptToFinish = -time.Second }},
		{name: "process context with pod settings", mutate: func(c *StartScriptCommand) {
			c.ExecutionContext = types.ExecutionContext{Kind: types.ExecutionKindProcess, Pod: &types.PodContext{}}
		}, wantErr: types.ErrInvalidExecutionContext},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cmd := valid()
			tt.mutate(&cmd)
			err := cmd.Validate()
			if (err == nil) != tt.wantValid {
				t.Fatalf("Validate() error = %v, wantValid %v", err, tt.wantValid)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestScriptStatusRequestValidate(t *testing.T) {
	t.Parallel()

	if err := (&ScriptStatusRequest{Ticket: "t1", LastLogSequence: 4}).Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if err := (&ScriptStatusRequest{Ticket: "t1", LastLogSequence: -1}).Validate(); err == nil {
		t.Error("negative sequence accepted")
	}
	if err := (&ScriptStatusRequest{}).Validate(); !errors.Is(err, types.ErrInvalidScriptTicket) {
		t.Errorf("empty ticket error = %v", err)
	}
	if err := (&CompleteScriptCommand{}).Validate(); !errors.Is(err, types.ErrInvalidScriptTicket) {
		t.Errorf("complete with empty ticket error = %v", err)
	}
}

func TestRouteAndCapabilities(t *testing.T) {
	t.Parallel()

	if got := Route(types.GenerationV2, OpStatus); got != "/v2/status" {
		t.Errorf("Route() = %q, want /v2/status", got)
	}
	caps := Capabilities{SupportedCapabilities: []string{"ScriptServiceV1", "ScriptServiceV3"}}
	if !caps.Supports("ScriptServiceV3") || caps.Supports("ScriptServiceV2") {
		t.Errorf("Supports() wrong for %v", caps.SupportedCapabilities)
	}
}
