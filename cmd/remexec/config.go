// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/invowk/remexec/internal/config"
	"github.com/invowk/remexec/internal/issue"
)

// newConfigCommand creates the `remexec config` command tree.
func newConfigCommand(app *App) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect remexec configuration",
		Long: `Inspect remexec configuration.

Configuration is read from config.cue in:
  - Linux: ~/.config/remexec/
  - macOS: ~/Library/Application Support/remexec/
  - Windows: %APPDATA%\remexec\

Every key can be overridden by an environment variable, for example
REMEXEC_CLIENT_SERVER_URL or REMEXEC_AGENT_TOKEN.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration as CUE",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.LoadWithPath(cmd.Context(), config.LoadOptions{ConfigFilePath: app.configPath})
			if err != nil {
				app.renderIssue(issue.ConfigLoadFailedID)
				return err
			}
			source := SubtitleStyle.Render("(using defaults)")
			if loaded.Path != "" {
				source = loaded.Path
			}
			fmt.Fprintf(app.stderr, "%s: %s\n\n", CmdStyle.Render("Config file"), source)
			fmt.Fprint(app.stdout, config.GenerateCUE(loaded.Config))
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the CUE schema configuration files must satisfy",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			fmt.Fprint(app.stdout, config.Schema())
			return nil
		},
	})

	return cfgCmd
}
