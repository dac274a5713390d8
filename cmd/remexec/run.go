// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/invowk/remexec/internal/config"
	"github.com/invowk/remexec/internal/issue"
	"github.com/invowk/remexec/internal/orchestrator"
	"github.com/invowk/remexec/internal/rpc"
	"github.com/invowk/remexec/internal/runtime"
	"github.com/invowk/remexec/pkg/contracts"
	"github.com/invowk/remexec/pkg/types"
)

type runFlags struct {
	command      string
	files        []string
	taskID       string
	podImage     string
	isolation    string
	mutexName    string
	mutexTimeout time.Duration
	checkSyntax  bool
}

func newRunCommand(app *App) *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run [script-file|-] [-- args...]",
		Short: "Run a script on the agent and wait for it",
		Long: `Run a script on the agent, stream its output and exit with its exit code.

The script comes from --command, a file, or standard input ("-"). Arguments
after "--" are passed to the script. Interrupting remexec cancels the script
on the agent; if the agent does not confirm within
client.abandon_complete_script_after, remexec gives up.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.renderError(runScript(cmd, app, flags, args))
		},
	}
	cmd.Flags().StringVarP(&flags.command, "command", "c", "", "inline script body")
	cmd.Flags().StringArrayVar(&flags.files, "file", nil, "file to place in the workspace, as name=path (repeatable)")
	cmd.Flags().StringVar(&flags.taskID, "task-id", "", "caller task identifier passed to the script")
	cmd.Flags().StringVar(&flags.podImage, "pod-image", "", "run in a Kubernetes pod with this image")
	cmd.Flags().StringVar(&flags.isolation, "isolation", "", "isolation level: full or none")
	cmd.Flags().StringVar(&flags.mutexName, "isolation-mutex", "", "name of the isolation mutex")
	cmd.Flags().DurationVar(&flags.mutexTimeout, "isolation-timeout", 0, "how long to wait for the isolation mutex (0 waits forever)")
	cmd.Flags().BoolVar(&flags.checkSyntax, "check-syntax", false, "only parse the script locally and report syntax errors")
	return cmd
}

func runScript(cmd *cobra.Command, app *App, flags runFlags, args []string) error {
	ctx := cmd.Context()

	var scriptArgs []string
	if dash := cmd.ArgsLenAtDash(); dash >= 0 {
		scriptArgs = args[dash:]
		args = args[:dash]
	}
	body, err := scriptBody(cmd.InOrStdin(), flags.command, args)
	if err != nil {
		return err
	}

	if flags.checkSyntax {
		if err := runtime.CheckSyntax(body); err != nil {
			return err
		}
		fmt.Fprintln(app.stdout, SuccessStyle.Render("syntax OK"))
		return nil
	}

	start, err := buildStartCommand(body, scriptArgs, flags)
	if err != nil {
		return err
	}

	cfg, err := app.loadConfig(ctx)
	if err != nil {
		return err
	}
	logger := app.newLogger(cfg)
	client, err := app.newClient(cfg)
	if err != nil {
		return err
	}

	factory := orchestrator.NewFactory(client.Clients(), newExecutor(cfg, logger), orchestratorOptions(cfg, app), logger)
	orch, err := factory.Create(ctx)
	if err != nil {
		return app.agentError(cfg, "negotiate protocol", err)
	}
	logger.Debug("negotiated protocol", "generation", orch.Generation())

	result, err := orch.ExecuteScript(ctx, start)
	if err != nil {
		if errors.Is(err, orchestrator.ErrScriptExecutionCancelled) {
			return &ExitError{
				Code: 130,
				Err:  issue.NewErrorContext().WithOperation("run script").WithIssue(issue.ScriptCancelledID).Wrap(err).BuildError(),
			}
		}
		return app.agentError(cfg, "run script", err)
	}
	logger.Debug("script completed", "ticket", result.Ticket, "exit_code", result.ExitCode.Describe())
	return exitForCode(result.ExitCode)
}

func orchestratorOptions(cfg *config.Config, app *App) orchestrator.Options {
	return orchestrator.Options{
		Negotiation: orchestrator.NegotiatorOptions{
			DisableV3:      cfg.Client.DisableV3,
			DisableV2:      cfg.Client.DisableV2,
			RetriesEnabled: cfg.Client.RetriesEnabled,
		},
		PollBackoff: rpc.Backoff{
			Initial:    cfg.Client.Poll.InitialDelay,
			Multiplier: cfg.Client.Poll.Multiplier,
			Max:        cfg.Client.Poll.MaxDelay,
		},
		WaitForFinish:              cfg.Client.WaitForFinish,
		AbandonCompleteScriptAfter: cfg.Client.AbandonCompleteScriptAfter,
		OnOutput:                   app.printLine,
	}
}

// scriptBody resolves the script from --command, a file argument or stdin.
func scriptBody(stdin io.Reader, inline string, args []string) (string, error) {
	switch {
	case inline != "" && len(args) > 0:
		return "", errors.New("use either --command or a script file, not both")
	case inline != "":
		return inline, nil
	case len(args) == 0:
		return "", errors.New("no script given: pass a file, \"-\" for stdin, or --command")
	case len(args) > 1:
		return "", fmt.Errorf("expected one script file, got %d (pass script arguments after --)", len(args))
	}

	var (
		data []byte
		err  error
	)
	if args[0] == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return "", fmt.Errorf("failed to read script: %w", err)
	}
	return string(data), nil
}

func buildStartCommand(body string, args []string, flags runFlags) (*contracts.StartScriptCommand, error) {
	start := &contracts.StartScriptCommand{
		ScriptBody:            body,
		Arguments:             args,
		TaskID:                flags.taskID,
		Isolation:             types.IsolationLevel(flags.isolation),
		IsolationMutexName:    flags.mutexName,
		IsolationMutexTimeout: flags.mutexTimeout,
		ExecutionContext:      types.ProcessContext(),
	}
	if err := start.Isolation.Validate(); err != nil {
		return nil, err
	}
	if flags.podImage != "" {
		start.ExecutionContext = types.PodExecutionContext(types.PodContext{Image: flags.podImage})
	}

	for _, spec := range flags.files {
		name, path, ok := strings.Cut(spec, "=")
		if !ok {
			path = spec
			name = filepath.Base(spec)
		}
		contents, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read workspace file %q: %w", path, err)
		}
		start.Files = append(start.Files, contracts.ScriptFile{Name: name, Contents: contents})
	}
	return start, nil
}

// withRetries runs call through the configured executor. retries is
// combined with client.retries_enabled.
func withRetries[T any](ctx context.Context, cfg *config.Config, app *App, name string, retries bool, call func(context.Context) (T, error)) (T, error) {
	logger := app.newLogger(cfg)
	return rpc.Call(ctx, newExecutor(cfg, logger), name, retries && cfg.Client.RetriesEnabled, call)
}
