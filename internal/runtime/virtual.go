// SPDX-License-Identifier: MPL-2.0

package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/invowk/remexec/pkg/types"
)

// VirtualBackend runs scripts in-process with the mvdan/sh interpreter. It
// serves process contexts on hosts without a usable shell.
type VirtualBackend struct{}

// NewVirtualBackend creates a virtual shell backend.
func NewVirtualBackend() *VirtualBackend {
	return &VirtualBackend{}
}

// Name returns the backend name.
func (b *VirtualBackend) Name() string { return BackendVirtual }

// CanExecute accepts process contexts.
func (b *VirtualBackend) CanExecute(ec types.ExecutionContext) bool {
	return ec.EffectiveKind() == types.ExecutionKindProcess
}

// CheckSyntax parses body as a bash script without running it.
func CheckSyntax(body string) error {
	if _, err := syntax.NewParser().Parse(strings.NewReader(body), "script"); err != nil {
		return fmt.Errorf("script syntax error: %w", err)
	}
	return nil
}

// Execute starts the interpreter in the background.
func (b *VirtualBackend) Execute(ctx context.Context, req *Request) (RunningScript, error) {
	return start(ctx, req, func(ctx context.Context, running func()) (types.ExitCode, error) {
		running()
		return b.run(ctx, req)
	}, nil), nil
}

func (b *VirtualBackend) run(ctx context.Context, req *Request) (types.ExitCode, error) {
	prog, err := syntax.NewParser().Parse(strings.NewReader(req.Command.ScriptBody), "bootstrap.sh")
	if err != nil {
		return types.FatalExitCode, fmt.Errorf("parse script: %w", err)
	}

	stdout := req.Log.Writer(types.SourceStdout)
	stderr := req.Log.Writer(types.SourceStderr)
	defer stdout.Close()
	defer stderr.Close()

	opts := []interp.RunnerOption{
		interp.Env(expand.ListEnviron(append(os.Environ(), scriptEnv(req)...)...)),
		interp.StdIO(nil, stdout, stderr),
	}
	if req.Workspace != nil {
		opts = append(opts, interp.Dir(req.Workspace.Dir))
	}
	// "--" keeps arguments such as "-v" from being read as shell options.
	if len(req.Command.Arguments) > 0 {
		opts = append(opts, interp.Params(append([]string{"--"}, req.Command.Arguments...)...))
	}

	runner, err := interp.New(opts...)
	if err != nil {
		return types.FatalExitCode, fmt.Errorf("create interpreter: %w", err)
	}

	err = runner.Run(ctx, prog)
	if err == nil {
		return 0, nil
	}
	var status interp.ExitStatus
	if errors.As(err, &status) {
		return types.ExitCode(status), nil
	}
	if ctx.Err() != nil {
		return types.CanceledExitCode, nil
	}
	return types.FatalExitCode, fmt.Errorf("run script: %w", err)
}
