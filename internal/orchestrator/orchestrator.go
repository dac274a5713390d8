// SPDX-License-Identifier: MPL-2.0

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/invowk/remexec/internal/rpc"
	"github.com/invowk/remexec/pkg/contracts"
	"github.com/invowk/remexec/pkg/types"
)

const (
	// StateNotStarted is the state before StartScript was sent.
	StateNotStarted State = iota
	// StateStarted means the agent accepted the script.
	StateStarted
	// StatePolling means the orchestrator is waiting for completion.
	StatePolling
	// StateCancelling means cancellation was relayed and polling continues.
	StateCancelling
	// StateCompleted is terminal.
	StateCompleted
)

// releaseTimeout bounds the CompleteScript call made after the caller's
// context is gone.
const releaseTimeout = time.Minute

// ErrAbandoned is returned when the agent did not confirm a cancellation
// within the abandon grace period.
var ErrAbandoned = fmt.Errorf("%w: agent did not confirm in time", ErrScriptExecutionCancelled)

type (
	// State is the orchestrator's view of the remote script.
	State int

	// Options configures the orchestrators created by a Factory.
	Options struct {
		Negotiation NegotiatorOptions
		// PollBackoff spaces successive status polls.
		PollBackoff rpc.Backoff
		// WaitForFinish asks V2 and V3 agents to hold the start call open.
		WaitForFinish time.Duration
		// AbandonCompleteScriptAfter bounds the wait for a cancelled script.
		AbandonCompleteScriptAfter time.Duration

		// OnOutput receives every output line once, in sequence order.
		OnOutput func(types.ProcessOutputLine)
		// OnStatus receives every status response.
		OnStatus func(*contracts.ScriptStatusResponse)
		// OnCompleted fires once when the script is complete.
		OnCompleted func(*Result)
	}

	// Factory creates orchestrators bound to the negotiated generation.
	Factory struct {
		clients    Clients
		executor   *rpc.Executor
		negotiator *Negotiator
		opts       Options
		logger     *log.Logger
	}

	// Orchestrator drives one script at a time over a fixed generation.
	Orchestrator struct {
		calls  scriptCalls
		opts   Options
		logger *log.Logger
		state  atomic.Int32
	}

	// Result is the final outcome of a script.
	Result struct {
		Ticket     types.ScriptTicket
		State      types.ProcessState
		ExitCode   types.ExitCode
		Logs       []types.ProcessOutputLine
		Generation types.ProtocolGeneration
	}

	// Error reports an orchestration failure with the last status seen.
	Error struct {
		Last *contracts.ScriptStatusResponse
		Err  error
	}
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NotStarted"
	case StateStarted:
		return "Started"
	case StatePolling:
		return "Polling"
	case StateCancelling:
		return "Cancelling"
	case StateCompleted:
		return "Completed"
	default:
		return "Unknown"
	}
}

// NewFactory creates a factory. logger may be nil.
func NewFactory(clients Clients, executor *rpc.Executor, opts Options, logger *log.Logger) *Factory {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if opts.PollBackoff.Initial <= 0 {
		opts.PollBackoff = rpc.DefaultPollBackoff()
	}
	return &Factory{
		clients:    clients,
		executor:   executor,
		negotiator: NewNegotiator(clients.Capabilities, executor, opts.Negotiation, logger),
		opts:       opts,
		logger:     logger,
	}
}

// Create negotiates the generation and returns an orchestrator fixed to it.
func (f *Factory) Create(ctx context.Context) (*Orchestrator, error) {
	generation, err := f.negotiator.Negotiate(ctx)
	if err != nil {
		return nil, err
	}

	retries := f.opts.Negotiation.RetriesEnabled
	var calls scriptCalls
	switch generation {
	case types.GenerationV3:
		calls = &v2Calls{gen: generation, svc: f.clients.V3, exec: f.executor, retries: retries}
	case types.GenerationV2:
		calls = &v2Calls{gen: generation, svc: f.clients.V2, exec: f.executor, retries: retries}
	default:
		calls = &v1Calls{svc: f.clients.V1, exec: f.executor, retries: retries}
	}
	return &Orchestrator{
		calls:  calls,
		opts:   f.opts,
		logger: f.logger.With("generation", generation),
	}, nil
}

// Generation returns the protocol generation the orchestrator speaks.
func (o *Orchestrator) Generation() types.ProtocolGeneration { return o.calls.generation() }

// State returns the current orchestration state.
func (o *Orchestrator) State() State { return State(o.state.Load()) }

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
	o.logger.Debug("orchestration state", "state", s)
}

// run tracks the progress of one ExecuteScript call.
type run struct {
	o      *Orchestrator
	logger *log.Logger
	ticket types.ScriptTicket
	next   int64
	last   *contracts.ScriptStatusResponse
	logs   []types.ProcessOutputLine

	cancelSent bool
}

// observe records a status response and forwards its new lines.
func (r *run) observe(resp *contracts.ScriptStatusResponse) {
	if resp == nil {
		return
	}
	for _, line := range resp.Logs {
		if line.Sequence < r.next {
			continue
		}
		if line.Sequence > r.next {
			r.logger.Warn("output gap", "expected", r.next, "got", line.Sequence)
		}
		r.logs = append(r.logs, line)
		r.next = line.Sequence + 1
		if r.o.opts.OnOutput != nil {
			r.o.opts.OnOutput(line)
		}
	}
	r.next = max(r.next, resp.NextLogSequence)
	r.last = resp
	if r.o.opts.OnStatus != nil {
		r.o.opts.OnStatus(resp)
	}
}

func (r *run) fail(err error) error {
	return &Error{Last: r.last, Err: err}
}

// ExecuteScript runs cmd to completion and returns its result.
//
// Cancelling ctx relays CancelScript and keeps polling. If the agent has not
// reported completion AbandonCompleteScriptAfter later, ExecuteScript gives
// up and returns a result with CanceledExitCode together with ErrAbandoned.
// CompleteScript is sent exactly once in every case where the script was
// started.
func (o *Orchestrator) ExecuteScript(ctx context.Context, cmd *contracts.StartScriptCommand) (*Result, error) {
	c := *cmd
	if o.calls.clientTickets() {
		if c.Ticket == "" {
			c.Ticket = types.NewScriptTicket()
		}
		c.DurationToWaitForScriptToFinish = o.opts.WaitForFinish
	}

	r := &run{o: o, logger: o.logger, ticket: c.Ticket}
	o.setState(StateNotStarted)

	resp, err := o.calls.start(ctx, &c)
	if err != nil {
		if ctx.Err() != nil || rpc.IsCancellation(err) {
			if o.calls.clientTickets() {
				o.abandon(ctx, r)
			}
			return nil, r.fail(fmt.Errorf("%w: %w", ErrScriptExecutionCancelled, err))
		}
		return nil, r.fail(fmt.Errorf("start script: %w", err))
	}
	if resp.Ticket != "" {
		r.ticket = resp.Ticket
	}
	r.logger = o.logger.With("ticket", r.ticket)
	o.setState(StateStarted)
	r.observe(resp)

	if !resp.State.IsComplete() {
		if err := o.poll(ctx, r); err != nil {
			return nil, err
		}
		if !r.last.State.IsComplete() {
			// Abandoned after cancellation.
			o.abandon(ctx, r)
			o.setState(StateCompleted)
			result := r.result(types.CanceledExitCode)
			return result, r.fail(ErrAbandoned)
		}
	}

	o.release(ctx, r)
	o.setState(StateCompleted)
	result := r.result(r.last.ExitCode)
	if o.opts.OnCompleted != nil {
		o.opts.OnCompleted(result)
	}
	return result, nil
}

// poll waits for completion. It returns nil with an incomplete status when
// the cancellation grace period ran out.
//
// Until ctx is cancelled every status call runs on ctx, so a call stuck in
// retries stops as soon as the caller gives up. From then on calls run on a
// grace context that outlives ctx by AbandonCompleteScriptAfter.
func (o *Orchestrator) poll(ctx context.Context, r *run) error {
	o.setState(StatePolling)

	pollCtx := ctx
	var abandonAt <-chan struct{}

	for iteration := 0; !r.last.State.IsComplete(); iteration++ {
		if abandonAt == nil && ctx.Err() != nil {
			graceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.gracePeriod())
			defer cancel()
			pollCtx, abandonAt = graceCtx, graceCtx.Done()

			o.setState(StateCancelling)
			r.logger.Info("cancelling script")
			r.cancelSent = true
			resp, err := o.calls.cancel(pollCtx, r.ticket, r.next)
			switch {
			case err == nil:
				r.observe(resp)
				continue
			case pollCtx.Err() != nil:
				return nil
			default:
				r.logger.Warn("cancel script failed", "error", err)
			}
		}

		var done <-chan struct{}
		if abandonAt == nil {
			done = ctx.Done()
		}
		timer := time.NewTimer(o.opts.PollBackoff.Delay(iteration))
		select {
		case <-timer.C:
		case <-done:
			timer.Stop()
			continue
		case <-abandonAt:
			timer.Stop()
			return nil
		}

		resp, err := o.calls.status(pollCtx, r.ticket, r.next)
		if err != nil {
			switch {
			case abandonAt == nil && ctx.Err() != nil:
				continue
			case abandonAt != nil && pollCtx.Err() != nil:
				return nil
			}
			return r.fail(fmt.Errorf("get script status: %w", err))
		}
		r.observe(resp)
	}
	return nil
}

// gracePeriod returns how long a cancelled script is still waited for.
func (o *Orchestrator) gracePeriod() time.Duration {
	if o.opts.AbandonCompleteScriptAfter > 0 {
		return o.opts.AbandonCompleteScriptAfter
	}
	return releaseTimeout
}

// release sends CompleteScript. Failures are logged; the agent's workspace
// cleaner reclaims anything left behind.
func (o *Orchestrator) release(ctx context.Context, r *run) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	resp, err := o.calls.complete(releaseCtx, r.ticket, r.next)
	if err != nil {
		r.logger.Warn("failed to complete script", "error", err)
		return
	}
	if resp != nil {
		r.observe(resp)
	}
}

// abandon makes a best-effort attempt to stop and release a script the
// orchestrator is giving up on. Both calls share one grace period.
func (o *Orchestrator) abandon(ctx context.Context, r *run) {
	bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.gracePeriod())
	defer cancel()
	if !r.cancelSent {
		if _, err := o.calls.cancel(bgCtx, r.ticket, r.next); err != nil {
			r.logger.Debug("best-effort cancel failed", "error", err)
		}
	}
	if _, err := o.calls.complete(bgCtx, r.ticket, r.next); err != nil {
		r.logger.Warn("best-effort complete failed", "error", err)
	}
}

// result is always Complete: an abandoned script is complete from the
// caller's point of view. The agent's last report stays in the error.
func (r *run) result(code types.ExitCode) *Result {
	return &Result{
		Ticket:     r.ticket,
		State:      types.ProcessStateComplete,
		ExitCode:   code,
		Logs:       slices.Clone(r.logs),
		Generation: r.o.calls.generation(),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Last == nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("script %s (%s): %v", e.Last.Ticket, e.Last.State, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// LastStatus extracts the last status carried by an orchestration error.
func LastStatus(err error) (*contracts.ScriptStatusResponse, bool) {
	var oe *Error
	if errors.As(err, &oe) && oe.Last != nil {
		return oe.Last, true
	}
	return nil, false
}
