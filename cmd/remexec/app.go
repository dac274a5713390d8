// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"

	"github.com/invowk/remexec/internal/agentclient"
	"github.com/invowk/remexec/internal/config"
	"github.com/invowk/remexec/internal/issue"
	"github.com/invowk/remexec/internal/rpc"
	"github.com/invowk/remexec/pkg/types"
)

type (
	// App wires CLI services and shared dependencies. Every command handler
	// receives the App and loads configuration through it.
	App struct {
		Config config.Provider
		stdout io.Writer
		stderr io.Writer

		configPath string
		verbose    bool
	}

	// Dependencies defines the injection points for building an App. Nil
	// fields are replaced with production defaults.
	Dependencies struct {
		Config config.Provider
		Stdout io.Writer
		Stderr io.Writer
	}
)

// NewApp creates an App with defaults for omitted dependencies.
func NewApp(deps Dependencies) *App {
	if deps.Stdout == nil {
		deps.Stdout = os.Stdout
	}
	if deps.Stderr == nil {
		deps.Stderr = os.Stderr
	}
	if deps.Config == nil {
		deps.Config = config.NewProvider()
	}
	return &App{Config: deps.Config, stdout: deps.Stdout, stderr: deps.Stderr}
}

// loadConfig loads the configuration selected by --config.
func (a *App) loadConfig(ctx context.Context) (*config.Config, error) {
	cfg, err := a.Config.Load(ctx, config.LoadOptions{ConfigFilePath: a.configPath})
	if err != nil {
		a.renderIssue(issue.ConfigLoadFailedID)
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the structured logger described by cfg.Log. --verbose
// forces debug level.
func (a *App) newLogger(cfg *config.Config) *log.Logger {
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = log.InfoLevel
	}
	if a.verbose {
		level = log.DebugLevel
	}
	logger := log.NewWithOptions(a.stderr, log.Options{
		Level:           level,
		ReportTimestamp: true,
		Prefix:          config.AppName,
	})
	switch cfg.Log.Format {
	case config.LogFormatJSON:
		logger.SetFormatter(log.JSONFormatter)
	case config.LogFormatLogfmt:
		logger.SetFormatter(log.LogfmtFormatter)
	}
	return logger
}

func (a *App) newClient(cfg *config.Config) (*agentclient.Client, error) {
	return agentclient.New(cfg.Client.ServerURL, cfg.Client.Token)
}

func newExecutor(cfg *config.Config, logger *log.Logger) *rpc.Executor {
	policy := rpc.DefaultPolicy()
	policy.RetryDuration = cfg.Client.RetryDuration
	policy.AttemptTimeout = cfg.Client.AttemptTimeout
	return rpc.NewExecutor(policy, logger, nil)
}

// agentError attaches the unreachable-agent guide to calls that failed on
// the transport.
func (a *App) agentError(cfg *config.Config, op string, err error) error {
	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		return err
	}
	var ce *rpc.CallError
	if errors.As(err, &ce) && ce.Class == rpc.Transient {
		return issue.NewErrorContext().
			WithOperation(op).
			WithResource(cfg.Client.ServerURL).
			WithIssue(issue.AgentUnreachableID).
			Wrap(err).
			BuildError()
	}
	return err
}

// renderError prints the troubleshooting guide attached to err, if any.
func (a *App) renderError(err error) error {
	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		if ae.Issue != 0 {
			a.renderIssue(ae.Issue)
		}
		if a.verbose {
			fmt.Fprintln(a.stderr, ErrorStyle.Render("Error: ")+ae.Format(true))
		}
	}
	return err
}

func (a *App) renderIssue(id issue.ID) {
	guide := issue.Get(id)
	if guide == nil {
		return
	}
	rendered, err := guide.Render("dark")
	if err != nil {
		fmt.Fprintln(a.stderr, guide.Markdown())
		return
	}
	fmt.Fprint(a.stderr, rendered)
}

// printLine writes one script output line to the matching stream.
func (a *App) printLine(line types.ProcessOutputLine) {
	switch line.Source {
	case types.SourceStdout:
		fmt.Fprintln(a.stdout, line.Text)
	case types.SourceDiagnostic:
		fmt.Fprintln(a.stderr, VerboseStyle.Render(line.Text))
	default:
		fmt.Fprintln(a.stderr, line.Text)
	}
}
