// Package snapshot implements the workspace's atomic file-write discipline
// and the periodic/on-shutdown dump of orchestration state, grounded on the
// teacher's write-temp-then-rename helpers and schema-version ledger idiom
// in internal/persistence/store.go.
package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteAtomic writes data to path by first writing to path+".tmp" and then
// renaming it into place, so a crash never leaves a half-written file
// behind. Every persisted file under the workspace uses this helper (§6,
// "Atomic write discipline for every file").
func WriteAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}

// ReadIfExists reads path, returning (nil, false, nil) if it doesn't exist
// yet — every persisted file is allowed to be absent on a fresh workspace.
func ReadIfExists(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	return data, true, nil
}
