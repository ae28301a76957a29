package orchestration

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"time"

	"github.com/peteryuqin/harmonycode/internal/apperror"
	"github.com/peteryuqin/harmonycode/internal/bus"
	"github.com/peteryuqin/harmonycode/internal/snapshot"
)

func (e *Engine) memoryPath(key string) string {
	return filepath.Join(e.workspaceDir, ".harmonycode", "memory", key+".json")
}

// StoreMemory persists a key/value entry both in memory and as an
// individual memory/<key>.json file (§4.3, §6).
func (e *Engine) StoreMemory(key string, value any) error {
	entry := MemoryEntry{Key: key, Value: value, StoredAt: time.Now()}

	e.mu.Lock()
	e.memory[key] = entry
	e.mu.Unlock()

	if e.workspaceDir != "" {
		data, err := json.MarshalIndent(entry, "", "  ")
		if err != nil {
			return err
		}
		if err := snapshot.WriteAtomic(e.memoryPath(key), data); err != nil {
			e.logger.Error("persist memory entry", "key", key, "error", err)
		}
	}

	e.publish(bus.TopicMemoryStored, bus.MemoryEvent{Key: key})
	return nil
}

// RetrieveMemory returns the entry for key, loading it from disk if it
// isn't already cached in memory.
func (e *Engine) RetrieveMemory(key string) (MemoryEntry, error) {
	e.mu.RLock()
	entry, ok := e.memory[key]
	e.mu.RUnlock()
	if ok {
		return entry, nil
	}

	if e.workspaceDir == "" {
		return MemoryEntry{}, apperror.New(apperror.NotFound, "memory key %q not found", key)
	}
	data, exists, err := snapshot.ReadIfExists(e.memoryPath(key))
	if err != nil {
		return MemoryEntry{}, err
	}
	if !exists {
		return MemoryEntry{}, apperror.New(apperror.NotFound, "memory key %q not found", key)
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		return MemoryEntry{}, err
	}

	e.mu.Lock()
	e.memory[key] = entry
	e.mu.Unlock()
	return entry, nil
}

// ListMemory returns every known memory key in stable sorted order.
func (e *Engine) ListMemory() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	keys := make([]string, 0, len(e.memory))
	for k := range e.memory {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
