package anchor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileWitness keeps checkpoints under a local directory. Useful for tests
// and for shipping checkpoints with a separate backup job.
type FileWitness struct {
	dir string
	mu  sync.RWMutex
}

func NewFileWitness(dir string) (*FileWitness, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("anchor: ensure witness dir: %w", err)
	}
	return &FileWitness{dir: dir}, nil
}

func (w *FileWitness) Put(ctx context.Context, cp Checkpoint) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := cp.Encode()
	if err != nil {
		return err
	}
	path := filepath.Join(w.dir, filepath.FromSlash(objectKey("", cp.TenantID, cp.Sequence)))
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: sequence %d already witnessed", ErrCheckpointConflict, cp.Sequence)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("anchor: ensure tenant dir: %w", err)
	}
	if err := writeAtomic(path, data); err != nil {
		return err
	}
	return writeAtomic(filepath.Join(w.dir, filepath.FromSlash(latestKey("", cp.TenantID))), data)
}

func (w *FileWitness) Latest(ctx context.Context, tenantID string) (*Checkpoint, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(w.dir, filepath.FromSlash(latestKey("", tenantID))))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoCheckpoint, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("anchor: read checkpoint: %w", err)
	}
	return decodeCheckpoint(data)
}

// writeAtomic writes to a temp file, then renames.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("anchor: write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("anchor: commit checkpoint: %w", err)
	}
	return nil
}
