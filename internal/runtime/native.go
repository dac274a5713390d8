// SPDX-License-Identifier: MPL-2.0

package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	goruntime "runtime"
	"time"

	"github.com/invowk/remexec/pkg/types"
)

const (
	defaultShell = "/bin/sh"
	// killGracePeriod bounds how long Wait blocks on output pipes after the
	// process group was killed.
	killGracePeriod = 5 * time.Second
)

// NativeBackend runs the workspace bootstrap script with a host shell.
type NativeBackend struct {
	shell string
}

// NewNativeBackend creates a native backend. An empty shell means /bin/sh.
func NewNativeBackend(shell string) *NativeBackend {
	if shell == "" {
		shell = defaultShell
	}
	return &NativeBackend{shell: shell}
}

// Name returns the backend name.
func (b *NativeBackend) Name() string { return BackendNative }

// Available reports whether the configured shell can be found.
func (b *NativeBackend) Available() bool {
	if goruntime.GOOS == "windows" {
		return false
	}
	_, err := exec.LookPath(b.shell)
	return err == nil
}

// CanExecute accepts process contexts.
func (b *NativeBackend) CanExecute(ec types.ExecutionContext) bool {
	return ec.EffectiveKind() == types.ExecutionKindProcess
}

// Execute starts the bootstrap script in its own process group.
func (b *NativeBackend) Execute(ctx context.Context, req *Request) (RunningScript, error) {
	if req.Workspace == nil {
		return nil, errors.New("native backend requires a workspace")
	}
	shell, err := exec.LookPath(b.shell)
	if err != nil {
		return nil, fmt.Errorf("native backend shell %q: %w", b.shell, err)
	}

	return start(ctx, req, func(ctx context.Context, running func()) (types.ExitCode, error) {
		running()
		return b.run(ctx, shell, req)
	}, nil), nil
}

func (b *NativeBackend) run(ctx context.Context, shell string, req *Request) (types.ExitCode, error) {
	cmd := req.Command
	args := append([]string{req.Workspace.BootstrapScriptPath()}, cmd.Arguments...)

	c := exec.CommandContext(ctx, shell, args...)
	c.Dir = req.Workspace.Dir
	c.Env = append(os.Environ(), scriptEnv(req)...)
	stdout := req.Log.Writer(types.SourceStdout)
	stderr := req.Log.Writer(types.SourceStderr)
	c.Stdout = stdout
	c.Stderr = stderr
	setProcessGroup(c)
	c.Cancel = func() error { return killProcessGroup(c) }
	c.WaitDelay = killGracePeriod

	req.logger().Debug("starting native script", "shell", shell)
	runErr := c.Run()
	_ = stdout.Close()
	_ = stderr.Close()

	if ctx.Err() != nil {
		return types.CanceledExitCode, nil
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			// Terminated by a signal that did not come from us.
			return types.FatalExitCode, fmt.Errorf("script terminated: %s", exitErr.ProcessState)
		}
		return types.ExitCode(code), nil
	}
	if runErr != nil {
		return types.FatalExitCode, fmt.Errorf("run %s: %w", shell, runErr)
	}
	return 0, nil
}

func scriptEnv(req *Request) []string {
	env := []string{"REMEXEC_TICKET=" + req.Command.Ticket.String()}
	if req.Workspace != nil {
		env = append(env, "REMEXEC_WORKSPACE="+req.Workspace.Dir)
	}
	if req.Command.TaskID != "" {
		env = append(env, "REMEXEC_TASK_ID="+req.Command.TaskID)
	}
	return env
}
