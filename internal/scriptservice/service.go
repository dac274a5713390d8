// SPDX-License-Identifier: MPL-2.0

// Package scriptservice is the agent's script registry. It owns one record per
// live ticket, starts each ticket at most once, answers status queries from
// the live record or, after a restart, from the persisted script state, and
// releases everything on completion.
package scriptservice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/invowk/remexec/internal/isolation"
	"github.com/invowk/remexec/internal/metrics"
	"github.com/invowk/remexec/internal/runtime"
	"github.com/invowk/remexec/internal/scriptlog"
	"github.com/invowk/remexec/internal/workspace"
	"github.com/invowk/remexec/pkg/contracts"
	"github.com/invowk/remexec/pkg/types"
)

// completeGracePeriod bounds how long CompleteScript waits for a cancelled
// script to exit before removing its workspace.
const completeGracePeriod = 10 * time.Second

var (
	// ErrInvalidRequest wraps validation failures of incoming commands.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnsupportedExecutionContext is returned by a protocol generation that
	// cannot carry the requested execution context.
	ErrUnsupportedExecutionContext = errors.New("execution context not supported by this protocol generation")
)

type (
	// Options configures a Service.
	Options struct {
		Workspaces *workspace.Factory
		Backends   *runtime.Registry
		// Isolation is shared by every script of the service. Nil creates a fresh set.
		Isolation *isolation.Mutexes
		Metrics   *metrics.Collector
		Logger    *log.Logger
		// MaxWaitForFinish caps the wait-for-finish duration a caller may request.
		MaxWaitForFinish time.Duration
	}

	// Service is the script registry.
	Service struct {
		workspaces *workspace.Factory
		backends   *runtime.Registry
		isolation  *isolation.Mutexes
		metrics    *metrics.Collector
		logger     *log.Logger
		maxWait    time.Duration

		records sync.Map // types.ScriptTicket -> *record
	}

	// record is the live state of one ticket. A record without a handle is
	// being started.
	record struct {
		ticket types.ScriptTicket

		// startMu serializes the start-or-resume decision.
		startMu   sync.Mutex
		discarded bool

		ctx    context.Context
		cancel context.CancelFunc
		handle atomic.Pointer[handle]
	}

	handle struct {
		script  runtime.RunningScript
		backend string
	}
)

// New creates a Service.
func New(opts Options) *Service {
	if opts.Isolation == nil {
		opts.Isolation = isolation.New()
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	return &Service{
		workspaces: opts.Workspaces,
		backends:   opts.Backends,
		isolation:  opts.Isolation,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		maxWait:    opts.MaxWaitForFinish,
	}
}

// WorkspaceRoot returns the directory holding every ticket's workspace. An
// external cleaner may remove stale workspaces below it, skipping any ticket
// for which IsRunning reports true.
func (s *Service) WorkspaceRoot() string { return s.workspaces.Root() }

// Capabilities lists the protocol generations the service speaks.
func (s *Service) Capabilities() contracts.Capabilities {
	return contracts.Capabilities{SupportedCapabilities: []string{
		types.GenerationV1.Capability(),
		types.GenerationV2.Capability(),
		types.GenerationV3.Capability(),
	}}
}

// StartScript launches cmd unless its ticket was already started, in which
// case the current status is returned and nothing runs twice. When the
// command asks for it, StartScript then waits up to the requested duration
// (capped by MaxWaitForFinish) for the script to finish.
func (s *Service) StartScript(ctx context.Context, cmd *contracts.StartScriptCommand) (*contracts.ScriptStatusResponse, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	for {
		rec := s.recordFor(cmd.Ticket)
		rec.startMu.Lock()
		if rec.discarded {
			rec.startMu.Unlock()
			continue
		}
		err := s.startLocked(rec, cmd)
		rec.startMu.Unlock()
		if err != nil {
			return nil, err
		}
		break
	}

	if wait := min(cmd.DurationToWaitForScriptToFinish, s.maxWait); wait > 0 {
		s.waitForFinish(ctx, cmd.Ticket, wait)
	}
	return s.GetStatus(ctx, cmd.Ticket, 0)
}

func (s *Service) recordFor(ticket types.ScriptTicket) *record {
	if v, ok := s.records.Load(ticket); ok {
		return v.(*record)
	}
	ctx, cancel := context.WithCancel(context.Background())
	v, loaded := s.records.LoadOrStore(ticket, &record{ticket: ticket, ctx: ctx, cancel: cancel})
	if loaded {
		cancel()
	}
	return v.(*record)
}

// discard drops a record that never got a handle. Callers hold rec.startMu.
func (s *Service) discard(rec *record) {
	rec.discarded = true
	rec.cancel()
	s.records.CompareAndDelete(rec.ticket, rec)
}

func (s *Service) startLocked(rec *record, cmd *contracts.StartScriptCommand) error {
	if rec.handle.Load() != nil {
		return nil
	}
	logger := s.logger.With("ticket", cmd.Ticket)

	ws := s.workspaces.Get(cmd.Ticket)
	store := ws.StateStore()
	if state, err := store.Load(); err == nil && state.HasStarted {
		// Started by an earlier agent process; status comes from the persisted state.
		logger.Debug("start ignored, ticket already started")
		s.discard(rec)
		return nil
	}

	backend, err := s.backends.Select(cmd.ExecutionContext)
	if err != nil {
		s.discard(rec)
		return err
	}

	ws, err = s.workspaces.Prepare(cmd)
	if err != nil {
		s.discard(rec)
		return fmt.Errorf("prepare workspace: %w", err)
	}
	if _, err := store.Create(); err != nil {
		s.discard(rec)
		return err
	}
	if err := store.MarkStarted(); err != nil {
		s.discard(rec)
		return err
	}
	scriptLog, err := scriptlog.Create(ws.LogPath())
	if err != nil {
		s.failStart(rec, store, nil, err)
		return err
	}

	script, err := backend.Execute(rec.ctx, &runtime.Request{
		Command:   cmd,
		Workspace: ws,
		Log:       scriptLog,
		Isolation: s.isolation,
		Logger:    logger.With("backend", backend.Name()),
	})
	if err != nil {
		s.failStart(rec, store, scriptLog, err)
		return fmt.Errorf("start script on %s backend: %w", backend.Name(), err)
	}

	rec.handle.Store(&handle{script: script, backend: backend.Name()})
	s.metrics.ScriptStarted(backend.Name())
	logger.Info("script started", "backend", backend.Name(), "context", cmd.ExecutionContext.EffectiveKind())

	go s.awaitCompletion(script, store, backend.Name(), logger)
	return nil
}

// failStart records a start that got as far as persisting HasStarted, so the
// ticket reports a fatal result instead of an unknown one.
func (s *Service) failStart(rec *record, store *workspace.StateStore, scriptLog *scriptlog.Log, cause error) {
	if scriptLog != nil {
		scriptLog.Diagnostic("Failed to start the script: %v", cause)
		_ = scriptLog.Close()
	}
	if _, err := store.MarkCompleted(types.FatalExitCode); err != nil {
		s.logger.Warn("failed to persist start failure", "ticket", rec.ticket, "error", err)
	}
	s.discard(rec)
}

func (s *Service) awaitCompletion(script runtime.RunningScript, store *workspace.StateStore, backend string, logger *log.Logger) {
	started := time.Now()
	<-script.Done()

	code := script.ExitCode()
	if _, err := store.MarkCompleted(code); err != nil {
		logger.Debug("could not persist completion", "error", err)
	}
	if err := script.Log().Close(); err != nil {
		logger.Warn("failed to close script log", "error", err)
	}
	if err := script.Log().Err(); err != nil {
		logger.Warn("script log was not fully persisted", "error", err)
	}
	s.metrics.ScriptCompleted(backend, code, time.Since(started))
	logger.Info("script completed", "exitCode", code, "elapsed", time.Since(started).Round(time.Millisecond))
}

func (s *Service) waitForFinish(ctx context.Context, ticket types.ScriptTicket, wait time.Duration) {
	v, ok := s.records.Load(ticket)
	if !ok {
		return
	}
	h := v.(*record).handle.Load()
	if h == nil {
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-h.script.Done():
	case <-timer.C:
	case <-ctx.Done():
	}
}

// GetStatus reports the state of ticket and its output from lastLogSequence on.
// A ticket the agent started before a restart completes with
// UnknownResultExitCode; a ticket it never saw completes with
// UnknownScriptExitCode.
func (s *Service) GetStatus(_ context.Context, ticket types.ScriptTicket, lastLogSequence int64) (*contracts.ScriptStatusResponse, error) {
	if err := ticket.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	if v, ok := s.records.Load(ticket); ok {
		if h := v.(*record).handle.Load(); h != nil {
			// State before logs: once Complete is read, the log is final.
			state := h.script.State()
			code := h.script.ExitCode()
			return statusResponse(ticket, state, code, h.script.Log(), lastLogSequence), nil
		}
		return statusResponse(ticket, types.ProcessStatePending, 0, nil, lastLogSequence), nil
	}
	return s.persistedStatus(ticket, lastLogSequence)
}

func (s *Service) persistedStatus(ticket types.ScriptTicket, lastLogSequence int64) (*contracts.ScriptStatusResponse, error) {
	ws := s.workspaces.Get(ticket)
	store := ws.StateStore()

	state, err := store.Load()
	if errors.Is(err, workspace.ErrNoState) {
		return statusResponse(ticket, types.ProcessStateComplete, types.UnknownScriptExitCode, nil, lastLogSequence), nil
	}
	if err != nil {
		return nil, err
	}
	if !state.HasStarted {
		return statusResponse(ticket, types.ProcessStatePending, 0, nil, lastLogSequence), nil
	}
	if !state.HasCompleted {
		s.logger.Warn("script outcome lost, agent restarted while it was running", "ticket", ticket)
		if state, err = store.MarkCompleted(types.UnknownResultExitCode); err != nil {
			return nil, err
		}
	}

	code := types.UnknownResultExitCode
	if state.ExitCode != nil {
		code = *state.ExitCode
	}
	persisted, err := scriptlog.Open(ws.LogPath())
	if err != nil {
		s.logger.Debug("no persisted output", "ticket", ticket, "error", err)
	}
	return statusResponse(ticket, types.ProcessStateComplete, code, persisted, lastLogSequence), nil
}

func statusResponse(ticket types.ScriptTicket, state types.ProcessState, code types.ExitCode, l *scriptlog.Log, since int64) *contracts.ScriptStatusResponse {
	resp := &contracts.ScriptStatusResponse{
		Ticket:          ticket,
		State:           state,
		ExitCode:        code,
		Logs:            []types.ProcessOutputLine{},
		NextLogSequence: max(since, 0),
	}
	if l != nil {
		lines, next := l.GetOutput(since)
		if len(lines) > 0 {
			resp.Logs = lines
		}
		resp.NextLogSequence = next
	}
	return resp
}

// CancelScript asks the script of ticket to stop and returns its status.
// Cancelling an unknown or finished ticket is not an error.
func (s *Service) CancelScript(ctx context.Context, ticket types.ScriptTicket, lastLogSequence int64) (*contracts.ScriptStatusResponse, error) {
	if v, ok := s.records.Load(ticket); ok {
		s.logger.Info("cancelling script", "ticket", ticket)
		v.(*record).cancel()
	}
	return s.GetStatus(ctx, ticket, lastLogSequence)
}

// CompleteScript forgets ticket: the record is removed, a still running script
// is cancelled, backend resources are released and the workspace is deleted.
// Cleanup failures are logged. Completing an unknown ticket is a no-op.
func (s *Service) CompleteScript(ctx context.Context, ticket types.ScriptTicket) error {
	if err := ticket.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	logger := s.logger.With("ticket", ticket)

	if v, ok := s.records.LoadAndDelete(ticket); ok {
		rec := v.(*record)
		rec.cancel()
		if h := rec.handle.Load(); h != nil {
			waitDone(ctx, h.script, completeGracePeriod)
			if err := h.script.Cleanup(ctx); err != nil {
				logger.Warn("backend cleanup failed", "backend", h.backend, "error", err)
			}
		}
	}
	if err := s.workspaces.Delete(ticket); err != nil {
		logger.Warn("failed to delete workspace", "error", err)
	}
	logger.Debug("script completed and released")
	return nil
}

// IsRunning reports whether ticket has a live record that has not completed.
func (s *Service) IsRunning(ticket types.ScriptTicket) bool {
	v, ok := s.records.Load(ticket)
	if !ok {
		return false
	}
	h := v.(*record).handle.Load()
	return h == nil || !h.script.State().IsComplete()
}

// Shutdown cancels every live script and waits for them to exit or for ctx.
// Scripts that do not exit in time keep a started but incomplete state, so
// after a restart they report UnknownResultExitCode.
func (s *Service) Shutdown(ctx context.Context) {
	var running []runtime.RunningScript
	s.records.Range(func(_, v any) bool {
		rec := v.(*record)
		rec.cancel()
		if h := rec.handle.Load(); h != nil {
			running = append(running, h.script)
		}
		return true
	})
	for _, script := range running {
		select {
		case <-script.Done():
		case <-ctx.Done():
			return
		}
	}
}

func waitDone(ctx context.Context, script runtime.RunningScript, limit time.Duration) {
	timer := time.NewTimer(limit)
	defer timer.Stop()
	select {
	case <-script.Done():
	case <-timer.C:
	case <-ctx.Done():
	}
}
