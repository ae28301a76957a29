package orchestration

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/peteryuqin/harmonycode/internal/snapshot"
)

// schemaVersion/schemaChecksum gate startup the way the teacher's
// persistence.Store schema_migrations ledger does, scaled down to a single
// flat-file snapshot instead of a SQL migration chain.
const (
	schemaVersion  = 1
	schemaChecksum = "hc-v1-orchestration-state"
)

type stateFile struct {
	SchemaVersion  int                  `json:"schema_version"`
	SchemaChecksum string               `json:"schema_checksum"`
	Tasks          map[string]Task      `json:"tasks"`
	Agents         map[string]Agent     `json:"agents"`
	Memory         map[string]MemoryEntry `json:"memory"`
	Workflows      map[string]Workflow  `json:"workflows"`
}

func (e *Engine) statePath() string {
	return filepath.Join(e.workspaceDir, ".harmonycode", "orchestration-state.json")
}

// Snapshot writes the full Tasks/Agents/Memory/Workflows state to
// orchestration-state.json atomically (§4.8). A no-op if no workspace
// directory was configured (e.g. in unit tests).
func (e *Engine) Snapshot() error {
	if e.workspaceDir == "" {
		return nil
	}

	e.mu.RLock()
	sf := stateFile{
		SchemaVersion:  schemaVersion,
		SchemaChecksum: schemaChecksum,
		Tasks:          make(map[string]Task, len(e.tasks)),
		Agents:         make(map[string]Agent, len(e.agents)),
		Memory:         make(map[string]MemoryEntry, len(e.memory)),
		Workflows:      make(map[string]Workflow, len(e.workflows)),
	}
	for id, t := range e.tasks {
		sf.Tasks[id] = *t
	}
	for id, a := range e.agents {
		sf.Agents[id] = *a
	}
	for k, m := range e.memory {
		sf.Memory[k] = m
	}
	for id, w := range e.workflows {
		sf.Workflows[id] = *w
	}
	e.mu.RUnlock()

	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal orchestration-state.json: %w", err)
	}
	return snapshot.WriteAtomic(e.statePath(), data)
}

// LoadSnapshot restores Tasks/Agents/Memory/Workflows from
// orchestration-state.json, if present. Votes and Edits are intentionally
// not persisted here — they are ephemeral working state (§3 "Ownership":
// only Tasks/Agents/Memory/Workflows belong to the orchestration snapshot).
func (e *Engine) LoadSnapshot() error {
	if e.workspaceDir == "" {
		return nil
	}
	data, exists, err := snapshot.ReadIfExists(e.statePath())
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	var sf stateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return fmt.Errorf("parse orchestration-state.json: %w", err)
	}
	if sf.SchemaVersion > schemaVersion {
		return fmt.Errorf("orchestration-state.json schema version %d is newer than supported %d", sf.SchemaVersion, schemaVersion)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, t := range sf.Tasks {
		task := t
		e.tasks[id] = &task
	}
	for id, a := range sf.Agents {
		agent := a
		e.agents[id] = &agent
	}
	for k, m := range sf.Memory {
		e.memory[k] = m
	}
	for id, w := range sf.Workflows {
		wf := w
		e.workflows[id] = &wf
	}
	return nil
}
