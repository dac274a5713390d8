// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"slices"

	"github.com/charmbracelet/glamour"
)

// Troubleshooting guides, one per failure a CLI user can act on.
const (
	AgentUnreachableID ID = iota + 1
	UnauthorizedID
	NoBackendID
	ConfigLoadFailedID
	ScriptCancelledID
	UnknownScriptID
	UnknownResultID
	ClusterUnavailableID
)

type (
	// ID identifies a troubleshooting guide.
	ID int

	// Issue is a Markdown troubleshooting guide.
	Issue struct {
		id       ID
		markdown string
		docLinks []string
	}
)

var catalog = map[ID]*Issue{
	AgentUnreachableID: {
		id: AgentUnreachableID,
		markdown: `
# The agent could not be reached

Every attempt to contact the agent failed, including the retries.

## Things you can try
- Check that the agent is running: ` + "`remexec agent`" + `
- Verify ` + "`client.server_url`" + ` in your configuration
- Increase ` + "`client.retry_duration`" + ` if the agent restarts slowly`,
	},
	UnauthorizedID: {
		id: UnauthorizedID,
		markdown: `
# The agent rejected the token

## Things you can try
- Set the same token on both sides: ` + "`agent.token`" + ` and ` + "`client.token`" + `
- Or export ` + "`REMEXEC_CLIENT_TOKEN`",
	},
	NoBackendID: {
		id: NoBackendID,
		markdown: `
# No backend can run this script

The agent has no execution backend for the requested execution context.

## Things you can try
- Enable the pod backend with ` + "`backends.pod.enabled: true`" + ` for pod contexts
- Enable ` + "`backends.native`" + ` or ` + "`backends.virtual`" + ` for process contexts`,
	},
	ConfigLoadFailedID: {
		id: ConfigLoadFailedID,
		markdown: `
# The configuration could not be loaded

## Things you can try
- Print the effective configuration: ` + "`remexec config show`" + `
- Validate the file against the schema printed by ` + "`remexec config schema`",
	},
	ScriptCancelledID: {
		id: ScriptCancelledID,
		markdown: `
# The script was cancelled

The agent was asked to stop the script. Its output up to that point was kept.`,
	},
	UnknownScriptID: {
		id: UnknownScriptID,
		markdown: `
# The agent does not know this ticket

The ticket was never started on this agent, or it was already completed and
its workspace removed.`,
	},
	UnknownResultID: {
		id: UnknownResultID,
		markdown: `
# The script's outcome was lost

The agent restarted while the script was running, so its exit code cannot be
recovered. Output written before the restart is still available.`,
	},
	ClusterUnavailableID: {
		id: ClusterUnavailableID,
		markdown: `
# The cluster is not reachable

## Things you can try
- Point ` + "`kubernetes.kubeconfig`" + ` at a valid kubeconfig
- Check that the agent's service account may create pods in ` + "`kubernetes.namespace`",
		docLinks: []string{"https://kubernetes.io/docs/reference/access-authn-authz/rbac/"},
	},
}

// Get returns the guide for id, or nil.
func Get(id ID) *Issue {
	return catalog[id]
}

// ID returns the guide identifier.
func (i *Issue) ID() ID { return i.id }

// Markdown returns the raw guide text.
func (i *Issue) Markdown() string { return i.markdown }

// DocLinks returns external documentation links.
func (i *Issue) DocLinks() []string { return slices.Clone(i.docLinks) }

// Render renders the guide for a terminal using the glamour style at stylePath
// (a built-in style name such as "dark" or "notty", or a JSON style file).
func (i *Issue) Render(stylePath string) (string, error) {
	md := i.markdown
	if len(i.docLinks) > 0 {
		md += "\n\n## See also\n"
		for _, link := range i.docLinks {
			md += "- " + link + "\n"
		}
	}
	return glamour.Render(md, stylePath)
}
