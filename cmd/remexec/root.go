// SPDX-License-Identifier: MPL-2.0

// Package cmd contains all CLI commands for remexec.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"
)

// NewRootCommand builds the command tree around app.
func NewRootCommand(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "remexec",
		Short: "Run scripts on remote agents",
		Long: TitleStyle.Render("remexec") + SubtitleStyle.Render(" - remote script execution") + `

remexec runs scripts on an agent and streams their output back. The agent
executes on the host shell, an embedded shell interpreter (mvdan/sh) or a
Kubernetes pod, and keeps running scripts across dropped connections.

` + SubtitleStyle.Render("Examples:") + `
  remexec agent                      Start an agent with the configured backends
  remexec run deploy.sh -- --force   Run a script and wait for its exit code
  remexec run -c 'echo hi'           Run an inline script
  remexec status <ticket>            Show the status of a script
  remexec config show                Show the effective configuration`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&app.configPath, "config", "", "config file (default is $XDG_CONFIG_HOME/remexec/config.cue)")
	root.PersistentFlags().BoolVarP(&app.verbose, "verbose", "v", false, "enable verbose output")

	root.AddCommand(
		newAgentCommand(app),
		newRunCommand(app),
		newStatusCommand(app),
		newCancelCommand(app),
		newCompleteCommand(app),
		newCapabilitiesCommand(app),
		newConfigCommand(app),
	)
	return root
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// Execute runs the CLI. It is called by main.main().
func Execute() {
	app := NewApp(Dependencies{})
	if err := fang.Execute(
		context.Background(),
		NewRootCommand(app),
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt, syscall.SIGTERM),
	); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}
