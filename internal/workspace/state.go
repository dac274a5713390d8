// SPDX-License-Identifier: MPL-2.0

package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/invowk/remexec/pkg/types"
)

// ErrNoState is returned by Load when no state was ever persisted.
var ErrNoState = errors.New("no persisted script state")

type (
	// ScriptState is the durable record of a ticket. It is the only state that
	// survives an agent restart.
	ScriptState struct {
		Ticket       types.ScriptTicket `json:"ticket"`
		HasStarted   bool               `json:"hasStarted"`
		HasCompleted bool               `json:"hasCompleted"`
		ExitCode     *types.ExitCode    `json:"exitCode,omitempty"`
		Created      time.Time          `json:"created"`
		Started      *time.Time         `json:"started,omitempty"`
		Completed    *time.Time         `json:"completed,omitempty"`
	}

	// StateStore reads and writes the ScriptState file of one workspace.
	// Writes replace the file atomically.
	StateStore struct {
		mu     sync.Mutex
		ticket types.ScriptTicket
		path   string
	}
)

// Exists reports whether a state file is present.
func (s *StateStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Create persists a fresh, not yet started state.
func (s *StateStore) Create() (ScriptState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := ScriptState{Ticket: s.ticket, Created: time.Now().UTC()}
	return state, s.save(state)
}

// Load reads the persisted state.
func (s *StateStore) Load() (ScriptState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// MarkStarted persists HasStarted.
func (s *StateStore) MarkStarted() error {
	return s.update(func(state *ScriptState) {
		if state.HasStarted {
			return
		}
		now := time.Now().UTC()
		state.HasStarted = true
		state.Started = &now
	})
}

// MarkCompleted persists HasCompleted with exitCode. A state that is already
// complete keeps its original exit code.
func (s *StateStore) MarkCompleted(exitCode types.ExitCode) (ScriptState, error) {
	var out ScriptState
	err := s.update(func(state *ScriptState) {
		if !state.HasCompleted {
			now := time.Now().UTC()
			state.HasCompleted = true
			state.ExitCode = &exitCode
			state.Completed = &now
		}
		out = *state
	})
	return out, err
}

func (s *StateStore) update(mutate func(*ScriptState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return err
	}
	mutate(&state)
	return s.save(state)
}

func (s *StateStore) load() (ScriptState, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return ScriptState{}, fmt.Errorf("%w for %s", ErrNoState, s.ticket)
	}
	if err != nil {
		return ScriptState{}, fmt.Errorf("read script state: %w", err)
	}
	var state ScriptState
	if err := json.Unmarshal(data, &state); err != nil {
		return ScriptState{}, fmt.Errorf("decode script state %s: %w", s.path, err)
	}
	return state, nil
}

func (s *StateStore) save(state ScriptState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode script state: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), StateFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("write script state: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write script state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync script state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write script state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace script state: %w", err)
	}
	return nil
}
