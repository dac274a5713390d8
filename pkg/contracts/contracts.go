// SPDX-License-Identifier: MPL-2.0

// Package contracts defines the request and response messages of the script
// service protocol. The same types travel over the wire and through the
// in-process service API.
package contracts

import (
	"fmt"
	"slices"
	"time"

	"github.com/invowk/remexec/pkg/types"
)

// Script types for additional scripts shipped alongside the main body.
const (
	ScriptTypeBash       ScriptType = "Bash"
	ScriptTypePowerShell ScriptType = "PowerShell"
	ScriptTypePython     ScriptType = "Python"
	ScriptTypeCSharp     ScriptType = "CSharp"
	ScriptTypeFSharp     ScriptType = "FSharp"
)

type (
	// ScriptType names the language of an additional script.
	ScriptType string

	// ScriptFile is a file written into the workspace before the script runs.
	ScriptFile struct {
		Name     string `json:"name"`
		Contents []byte `json:"contents"`
	}

	// StartScriptCommand asks the agent to run a script.
	StartScriptCommand struct {
		Ticket            types.ScriptTicket    `json:"ticket,omitempty"`
		ScriptBody        string                `json:"scriptBody"`
		AdditionalScripts map[ScriptType]string `json:"additionalScripts,omitempty"`
		Arguments         []string              `json:"arguments,omitempty"`
		Files             []ScriptFile          `json:"files,omitempty"`
		TaskID            string                `json:"taskId,omitempty"`

		Isolation             types.IsolationLevel `json:"isolation,omitempty"`
		IsolationMutexName    string               `json:"isolationMutexName,omitempty"`
		IsolationMutexTimeout time.Duration        `json:"isolationMutexTimeout,omitempty"`

		ExecutionContext types.ExecutionContext `json:"executionContext"`

		// DurationToWaitForScriptToFinish lets the agent hold the start call
		// open so short scripts complete without a status round trip.
		DurationToWaitForScriptToFinish time.Duration `json:"durationToWaitForScriptToFinish,omitempty"`
	}

	// ScriptStatusRequest asks for status and logs since LastLogSequence.
	ScriptStatusRequest struct {
		Ticket          types.ScriptTicket `json:"ticket"`
		LastLogSequence int64              `json:"lastLogSequence"`
	}

	// CancelScriptCommand asks the agent to cancel a script.
	CancelScriptCommand = ScriptStatusRequest

	// CompleteScriptCommand releases the agent's resources for a ticket.
	CompleteScriptCommand struct {
		Ticket types.ScriptTicket `json:"ticket"`
	}

	// ScriptStatusResponse reports the state of a script and the log tail.
	// NextLogSequence is the value to send as LastLogSequence next time.
	ScriptStatusResponse struct {
		Ticket          types.ScriptTicket        `json:"ticket"`
		State           types.ProcessState        `json:"state"`
		ExitCode        types.ExitCode            `json:"exitCode"`
		Logs            []types.ProcessOutputLine `json:"logs"`
		NextLogSequence int64                     `json:"nextLogSequence"`
	}

	// StartScriptResponseV1 carries the ticket assigned by a V1 agent.
	StartScriptResponseV1 struct {
		Ticket types.ScriptTicket `json:"ticket"`
	}

	// Capabilities lists the operation names an agent supports.
	Capabilities struct {
		SupportedCapabilities []string `json:"supportedCapabilities"`
	}
)

// IsolationMutexNameOrDefault resolves an empty mutex name.
func (c *StartScriptCommand) IsolationMutexNameOrDefault() string {
	if c.IsolationMutexName == "" {
		return types.DefaultIsolationMutexName
	}
	return c.IsolationMutexName
}

// Validate checks the fields the agent relies on before accepting the command.
func (c *StartScriptCommand) Validate() error {
	if err := c.Ticket.Validate(); err != nil {
		return err
	}
	if c.ScriptBody == "" {
		return fmt.Errorf("script body for %s must not be empty", c.Ticket)
	}
	if err := c.Isolation.Validate(); err != nil {
		return err
	}
	if c.IsolationMutexTimeout < 0 {
		return fmt.Errorf("isolation mutex timeout must not be negative (got %s)", c.IsolationMutexTimeout)
	}
	if c.DurationToWaitForScriptToFinish < 0 {
		return fmt.Errorf("wait for finish duration must not be negative (got %s)", c.DurationToWaitForScriptToFinish)
	}
	return c.ExecutionContext.Validate()
}

// Supports reports whether the capability set includes name.
func (c Capabilities) Supports(name string) bool {
	return slices.Contains(c.SupportedCapabilities, name)
}

// FileExtension returns the conventional extension used when the script is
// written into a workspace.
func (t ScriptType) FileExtension() string {
	switch t {
	case ScriptTypeBash:
		return ".sh"
	case ScriptTypePowerShell:
		return ".ps1"
	case ScriptTypePython:
		return ".py"
	case ScriptTypeCSharp:
		return ".csx"
	case ScriptTypeFSharp:
		return ".fsx"
	default:
		return ".txt"
	}
}

// Validate checks the ticket and the log cursor.
func (r *ScriptStatusRequest) Validate() error {
	if err := r.Ticket.Validate(); err != nil {
		return err
	}
	if r.LastLogSequence < 0 {
		return fmt.Errorf("last log sequence must not be negative (got %d)", r.LastLogSequence)
	}
	return nil
}

// Validate checks the ticket.
func (c *CompleteScriptCommand) Validate() error { return c.Ticket.Validate() }
