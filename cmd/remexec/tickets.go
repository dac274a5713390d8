// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/invowk/remexec/internal/agentclient"
	"github.com/invowk/remexec/internal/config"
	"github.com/invowk/remexec/internal/orchestrator"
	"github.com/invowk/remexec/pkg/contracts"
	"github.com/invowk/remexec/pkg/types"
)

// ticketFlags are shared by the commands that address an existing script.
type ticketFlags struct {
	generation int
	since      int64
}

// ticketCall is one call against a ticket on the selected generation.
type ticketCall func(ctx context.Context, clients orchestrator.Clients, g types.ProtocolGeneration, req *contracts.ScriptStatusRequest) (*contracts.ScriptStatusResponse, error)

func newStatusCommand(app *App) *cobra.Command {
	return newTicketCommand(app, "status <ticket>", "Show the status and output of a script", "GetStatus",
		func(ctx context.Context, clients orchestrator.Clients, g types.ProtocolGeneration, req *contracts.ScriptStatusRequest) (*contracts.ScriptStatusResponse, error) {
			if g == types.GenerationV1 {
				return clients.V1.GetStatus(ctx, req)
			}
			return generationClient(clients, g).GetStatus(ctx, req)
		})
}

func newCancelCommand(app *App) *cobra.Command {
	return newTicketCommand(app, "cancel <ticket>", "Cancel a running script", "CancelScript",
		func(ctx context.Context, clients orchestrator.Clients, g types.ProtocolGeneration, req *contracts.ScriptStatusRequest) (*contracts.ScriptStatusResponse, error) {
			if g == types.GenerationV1 {
				return clients.V1.CancelScript(ctx, req)
			}
			return generationClient(clients, g).CancelScript(ctx, req)
		})
}

func newCompleteCommand(app *App) *cobra.Command {
	return newTicketCommand(app, "complete <ticket>", "Release a script and delete its workspace", "CompleteScript",
		func(ctx context.Context, clients orchestrator.Clients, g types.ProtocolGeneration, req *contracts.ScriptStatusRequest) (*contracts.ScriptStatusResponse, error) {
			if g == types.GenerationV1 {
				return clients.V1.CompleteScript(ctx, req)
			}
			return nil, generationClient(clients, g).CompleteScript(ctx, &contracts.CompleteScriptCommand{Ticket: req.Ticket})
		})
}

func generationClient(clients orchestrator.Clients, g types.ProtocolGeneration) orchestrator.ScriptServiceV2 {
	if g == types.GenerationV2 {
		return clients.V2
	}
	return clients.V3
}

func newTicketCommand(app *App, use, short, name string, call ticketCall) *cobra.Command {
	var flags ticketFlags
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.renderError(runTicketCommand(cmd.Context(), app, flags, name, types.ScriptTicket(args[0]), call))
		},
	}
	cmd.Flags().IntVar(&flags.generation, "generation", int(types.GenerationV3), "protocol generation to use (1, 2 or 3)")
	cmd.Flags().Int64Var(&flags.since, "since", 0, "first log sequence to return")
	return cmd
}

func runTicketCommand(ctx context.Context, app *App, flags ticketFlags, name string, ticket types.ScriptTicket, call ticketCall) error {
	g := types.ProtocolGeneration(flags.generation)
	if err := g.Validate(); err != nil {
		return err
	}
	req := &contracts.ScriptStatusRequest{Ticket: ticket, LastLogSequence: flags.since}
	if err := req.Validate(); err != nil {
		return err
	}

	cfg, err := app.loadConfig(ctx)
	if err != nil {
		return err
	}
	client, err := app.newClient(cfg)
	if err != nil {
		return err
	}

	// A retried V1 completion would find the ticket already released.
	retries := g != types.GenerationV1 || name != "CompleteScript"
	resp, err := withRetries(ctx, cfg, app, name, retries, func(ctx context.Context) (*contracts.ScriptStatusResponse, error) {
		return call(ctx, client.Clients(), g, req)
	})
	if err != nil {
		return app.agentError(cfg, name, err)
	}
	if resp == nil {
		fmt.Fprintf(app.stdout, "%s %s\n", SuccessStyle.Render("released"), CmdStyle.Render(ticket.String()))
		return nil
	}
	app.printStatus(resp)
	return nil
}

// printStatus writes the state summary to stderr and the logs to their
// streams, so stdout carries only script output.
func (a *App) printStatus(resp *contracts.ScriptStatusResponse) {
	state := WarningStyle.Render(resp.State.String())
	if resp.State.IsComplete() {
		style := SuccessStyle
		if !resp.ExitCode.IsSuccess() {
			style = ErrorStyle
		}
		state = style.Render(fmt.Sprintf("%s, exit code %s", resp.State, resp.ExitCode.Describe()))
	}
	fmt.Fprintf(a.stderr, "%s %s\n", CmdStyle.Render(resp.Ticket.String()), state)
	for _, line := range resp.Logs {
		a.printLine(line)
	}
	fmt.Fprintf(a.stderr, "%s %d\n", SubtitleStyle.Render("next log sequence:"), resp.NextLogSequence)
}

func newCapabilitiesCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "capabilities",
		Short: "List the protocol generations the agent supports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.renderError(showCapabilities(cmd.Context(), app))
		},
	}
}

func showCapabilities(ctx context.Context, app *App) error {
	cfg, err := app.loadConfig(ctx)
	if err != nil {
		return err
	}
	client, err := app.newClient(cfg)
	if err != nil {
		return err
	}
	caps, err := withRetries(ctx, cfg, app, "GetCapabilities", true, client.GetCapabilities)
	if err != nil {
		return app.agentError(cfg, "query capabilities", err)
	}

	fmt.Fprintln(app.stdout, TitleStyle.Render("Agent capabilities"))
	for _, name := range caps.SupportedCapabilities {
		fmt.Fprintf(app.stdout, "  %s\n", CmdStyle.Render(name))
	}

	generation, err := negotiate(ctx, app, cfg, client)
	if err != nil {
		return err
	}
	fmt.Fprintf(app.stdout, "%s %s\n", SubtitleStyle.Render("selected generation:"), SuccessStyle.Render(generation.String()))
	return nil
}

func negotiate(ctx context.Context, app *App, cfg *config.Config, client *agentclient.Client) (types.ProtocolGeneration, error) {
	logger := app.newLogger(cfg)
	n := orchestrator.NewNegotiator(client, newExecutor(cfg, logger), orchestrator.NegotiatorOptions{
		DisableV3:      cfg.Client.DisableV3,
		DisableV2:      cfg.Client.DisableV2,
		RetriesEnabled: cfg.Client.RetriesEnabled,
	}, logger)
	g, err := n.Negotiate(ctx)
	if err != nil {
		return 0, app.agentError(cfg, "negotiate protocol", err)
	}
	return g, nil
}
