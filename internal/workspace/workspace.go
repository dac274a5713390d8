// SPDX-License-Identifier: MPL-2.0

// Package workspace manages the per-ticket working directories of the agent.
//
// Layout under the workspace root:
//
//	<root>/<ticket>/bootstrap.sh       main script body
//	<root>/<ticket>/Script.<ext>       additional scripts, one per type
//	<root>/<ticket>/<file>             files shipped with the request
//	<root>/<ticket>/scriptstate.json   persisted ScriptState
//	<root>/<ticket>/output.log         sequenced output, JSON lines
//
// The workspace root is the only input the external cleaner needs; the
// cleaner must skip tickets the agent still reports as running.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/invowk/remexec/internal/platform"
	"github.com/invowk/remexec/pkg/contracts"
	"github.com/invowk/remexec/pkg/types"
)

const (
	// BootstrapScriptName is the file holding the main script body.
	BootstrapScriptName = "bootstrap.sh"
	// StateFileName is the file holding the persisted ScriptState.
	StateFileName = "scriptstate.json"
	// LogFileName is the file mirroring the sequenced output.
	LogFileName = "output.log"

	additionalScriptBaseName = "Script"
)

// ErrInvalidFileName is returned when a shipped file would escape the workspace
// or clobber one of the agent's own files.
var ErrInvalidFileName = errors.New("invalid workspace file name")

type (
	// Factory creates and locates workspaces under a root directory. It
	// hands out one StateStore per ticket so writers of the same state file
	// share a lock.
	Factory struct {
		root string

		mu     sync.Mutex
		stores map[types.ScriptTicket]*StateStore
	}

	// Workspace is the working directory of one ticket.
	Workspace struct {
		Ticket types.ScriptTicket
		Dir    string

		store *StateStore
	}
)

// NewFactory creates a Factory rooted at root. The root is created lazily.
func NewFactory(root string) *Factory {
	return &Factory{root: root, stores: make(map[types.ScriptTicket]*StateStore)}
}

// Root returns the workspace root directory.
func (f *Factory) Root() string { return f.root }

// Get returns the workspace for ticket without touching the file system.
func (f *Factory) Get(ticket types.ScriptTicket) *Workspace {
	dir := filepath.Join(f.root, ticket.String())
	return &Workspace{Ticket: ticket, Dir: dir, store: f.stateStore(ticket, dir)}
}

func (f *Factory) stateStore(ticket types.ScriptTicket, dir string) *StateStore {
	f.mu.Lock()
	defer f.mu.Unlock()
	store, ok := f.stores[ticket]
	if !ok {
		store = &StateStore{ticket: ticket, path: filepath.Join(dir, StateFileName)}
		f.stores[ticket] = store
	}
	return store
}

// Prepare creates the workspace for cmd and writes the bootstrap script,
// additional scripts and files into it.
func (f *Factory) Prepare(cmd *contracts.StartScriptCommand) (*Workspace, error) {
	if err := cmd.Ticket.Validate(); err != nil {
		return nil, err
	}
	ws := f.Get(cmd.Ticket)
	if err := os.MkdirAll(ws.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create workspace %s: %w", ws.Dir, err)
	}

	if err := os.WriteFile(ws.BootstrapScriptPath(), []byte(cmd.ScriptBody), 0o700); err != nil {
		return nil, fmt.Errorf("write bootstrap script: %w", err)
	}
	for scriptType, body := range cmd.AdditionalScripts {
		path := filepath.Join(ws.Dir, AdditionalScriptName(scriptType))
		if err := os.WriteFile(path, []byte(body), 0o700); err != nil {
			return nil, fmt.Errorf("write %s script: %w", scriptType, err)
		}
	}
	for _, file := range cmd.Files {
		if err := checkFileName(file.Name); err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(ws.Dir, file.Name), file.Contents, 0o600); err != nil {
			return nil, fmt.Errorf("write file %s: %w", file.Name, err)
		}
	}
	return ws, nil
}

// AdditionalScriptName returns the workspace file name of an additional script.
func AdditionalScriptName(t contracts.ScriptType) string {
	return additionalScriptBaseName + t.FileExtension()
}

// Delete removes the workspace of ticket. Deleting a missing workspace is not an error.
func (f *Factory) Delete(ticket types.ScriptTicket) error {
	if err := ticket.Validate(); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(f.root, ticket.String())); err != nil {
		return fmt.Errorf("delete workspace %s: %w", ticket, err)
	}
	f.mu.Lock()
	delete(f.stores, ticket)
	f.mu.Unlock()
	return nil
}

// BootstrapScriptPath returns the path of the main script.
func (w *Workspace) BootstrapScriptPath() string {
	return filepath.Join(w.Dir, BootstrapScriptName)
}

// LogPath returns the path of the persisted output.
func (w *Workspace) LogPath() string {
	return filepath.Join(w.Dir, LogFileName)
}

// StateStore returns the persisted state store of the workspace. Workspaces
// of the same ticket from one Factory share the store.
func (w *Workspace) StateStore() *StateStore {
	return w.store
}

// Exists reports whether the workspace directory exists.
func (w *Workspace) Exists() bool {
	info, err := os.Stat(w.Dir)
	return err == nil && info.IsDir()
}

func checkFileName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidFileName, name)
	case strings.ContainsAny(name, `/\`) || filepath.Base(name) != name:
		return fmt.Errorf("%w: %q must be a plain file name", ErrInvalidFileName, name)
	case name == BootstrapScriptName, name == StateFileName, name == LogFileName:
		return fmt.Errorf("%w: %q is reserved", ErrInvalidFileName, name)
	case platform.IsWindowsReservedName(name):
		return fmt.Errorf("%w: %q is a reserved device name", ErrInvalidFileName, name)
	}
	return nil
}
