// SPDX-License-Identifier: MPL-2.0

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/invowk/remexec/internal/rpc"
	"github.com/invowk/remexec/pkg/contracts"
	"github.com/invowk/remexec/pkg/types"
)

// ErrScriptExecutionCancelled is returned when the caller cancelled while the
// orchestrator was negotiating, starting or waiting for a script.
var ErrScriptExecutionCancelled = errors.New("script execution was cancelled")

type (
	// NegotiatorOptions controls which generations may be chosen.
	NegotiatorOptions struct {
		DisableV3      bool
		DisableV2      bool
		RetriesEnabled bool
	}

	// Negotiator picks the newest protocol generation the agent advertises.
	// The capabilities are fetched once and cached for the session.
	Negotiator struct {
		caps     CapabilitiesService
		executor *rpc.Executor
		opts     NegotiatorOptions
		logger   *log.Logger

		mu     sync.Mutex
		cached *contracts.Capabilities
	}
)

// NewNegotiator creates a negotiator. logger may be nil.
func NewNegotiator(caps CapabilitiesService, executor *rpc.Executor, opts NegotiatorOptions, logger *log.Logger) *Negotiator {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Negotiator{caps: caps, executor: executor, opts: opts, logger: logger}
}

// Negotiate returns V3, V2 or V1, newest first, skipping disabled generations.
func (n *Negotiator) Negotiate(ctx context.Context) (types.ProtocolGeneration, error) {
	caps, err := n.capabilities(ctx)
	if err != nil {
		if ctx.Err() != nil || rpc.IsCancellation(err) {
			return 0, fmt.Errorf("%w: %w", ErrScriptExecutionCancelled, err)
		}
		return 0, fmt.Errorf("query agent capabilities: %w", err)
	}

	generation := types.GenerationV1
	switch {
	case !n.opts.DisableV3 && caps.Supports(types.GenerationV3.Capability()):
		generation = types.GenerationV3
	case !n.opts.DisableV2 && caps.Supports(types.GenerationV2.Capability()):
		generation = types.GenerationV2
	}
	n.logger.Debug("negotiated script service", "generation", generation, "advertised", caps.SupportedCapabilities)
	return generation, nil
}

func (n *Negotiator) capabilities(ctx context.Context) (*contracts.Capabilities, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cached != nil {
		return n.cached, nil
	}
	caps, err := rpc.Call(ctx, n.executor, "GetCapabilities", n.opts.RetriesEnabled, n.caps.GetCapabilities)
	if err != nil {
		return nil, err
	}
	if caps == nil {
		caps = &contracts.Capabilities{}
	}
	n.cached = caps
	return caps, nil
}
