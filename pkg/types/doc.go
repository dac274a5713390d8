// SPDX-License-Identifier: MPL-2.0

// Package types defines the value types shared by the agent, the client
// orchestrator and the execution backends: script tickets, process states,
// exit codes (including the agent-reserved sentinels), output lines,
// isolation levels, execution contexts and protocol generations.
//
// Every type carries a Validate method returning an error that wraps a
// package sentinel, so callers can use errors.Is for programmatic detection.
package types
