// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/invowk/remexec/internal/agentserver"
	"github.com/invowk/remexec/internal/config"
	"github.com/invowk/remexec/internal/isolation"
	"github.com/invowk/remexec/internal/issue"
	"github.com/invowk/remexec/internal/metrics"
	"github.com/invowk/remexec/internal/runtime"
	"github.com/invowk/remexec/internal/scriptservice"
	"github.com/invowk/remexec/internal/workspace"
)

type agentFlags struct {
	listen        string
	workspaceRoot string
	generateToken bool
}

func newAgentCommand(app *App) *cobra.Command {
	var flags agentFlags
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the script agent",
		Long: `Run the script agent until interrupted.

Backends are registered in order: native, virtual, pod. A backend that
cannot be initialized is skipped with a warning. On shutdown, running
scripts are cancelled and given agent.shutdown_timeout to exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.renderError(runAgent(cmd.Context(), app, flags))
		},
	}
	cmd.Flags().StringVar(&flags.listen, "listen", "", "listen address (overrides agent.listen_address)")
	cmd.Flags().StringVar(&flags.workspaceRoot, "workspace-root", "", "workspace directory (overrides agent.workspace_root)")
	cmd.Flags().BoolVar(&flags.generateToken, "generate-token", false, "generate and print a bearer token when agent.token is empty")
	return cmd
}

func runAgent(ctx context.Context, app *App, flags agentFlags) error {
	cfg, err := app.loadConfig(ctx)
	if err != nil {
		return err
	}
	if flags.listen != "" {
		cfg.Agent.ListenAddress = flags.listen
	}
	if flags.workspaceRoot != "" {
		cfg.Agent.WorkspaceRoot = flags.workspaceRoot
	}
	if flags.generateToken && cfg.Agent.Token == "" {
		token, err := agentserver.GenerateToken()
		if err != nil {
			return fmt.Errorf("failed to generate token: %w", err)
		}
		cfg.Agent.Token = token
		fmt.Fprintf(app.stdout, "%s %s\n", SubtitleStyle.Render("token:"), token)
	}

	logger := app.newLogger(cfg)
	built := runtime.BuildRegistry(runtime.BuildRegistryOptions{Config: cfg, Logger: logger})
	if len(built.Registry.Names()) == 0 {
		return issue.NewErrorContext().
			WithOperation("start agent").
			WithIssue(issue.NoBackendID).
			Wrap(runtime.ErrNoBackend).
			BuildError()
	}

	collector := metrics.NewCollector()
	svc := scriptservice.New(scriptservice.Options{
		Workspaces:       workspace.NewFactory(cfg.Agent.WorkspaceRoot),
		Backends:         built.Registry,
		Isolation:        isolation.New(),
		Metrics:          collector,
		Logger:           logger,
		MaxWaitForFinish: cfg.Agent.MaxWaitForFinish,
	})
	srv, err := agentserver.New(agentserver.Options{
		Addr:             cfg.Agent.ListenAddress,
		Token:            cfg.Agent.Token,
		Service:          svc,
		Metrics:          collector,
		Logger:           logger,
		MaxWaitForFinish: cfg.Agent.MaxWaitForFinish,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(app.stdout, "%s %s %s\n",
		SuccessStyle.Render("agent listening on"),
		CmdStyle.Render(srv.URL()),
		SubtitleStyle.Render(fmt.Sprintf("(backends: %v)", built.Registry.Names())))

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-srv.Errors():
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout(cfg))
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.Agent.ShutdownTimeout > 0 {
		return cfg.Agent.ShutdownTimeout
	}
	return config.DefaultConfig().Agent.ShutdownTimeout
}
