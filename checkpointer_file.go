package dealhunter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileCheckpointer persists checkpoints as JSON files, one directory per
// run. Writes go through a temp file and rename so a crashed save never
// leaves a truncated checkpoint behind.
type FileCheckpointer struct {
	dataDir string
}

// NewFileCheckpointer creates a file-based checkpointer rooted at dataDir.
// An empty dataDir defaults to ~/.dealhunter/checkpoints.
func NewFileCheckpointer(dataDir string) (*FileCheckpointer, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".dealhunter", "checkpoints")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	return &FileCheckpointer{dataDir: dataDir}, nil
}

func (c *FileCheckpointer) path(runID string) string {
	return filepath.Join(c.dataDir, runID, "checkpoint.json")
}

// Save writes the checkpoint for the run, replacing any previous one.
func (c *FileCheckpointer) Save(ctx context.Context, checkpoint *Checkpoint) error {
	runDir := filepath.Join(c.dataDir, checkpoint.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	tmp := filepath.Join(runDir, "checkpoint.json.tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Rename(tmp, c.path(checkpoint.RunID)); err != nil {
		return fmt.Errorf("failed to replace checkpoint file: %w", err)
	}
	return nil
}

// Load reads the checkpoint for a run.
func (c *FileCheckpointer) Load(ctx context.Context, runID string) (*Checkpoint, error) {
	data, err := os.ReadFile(c.path(runID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &checkpoint, nil
}

// Reset removes all checkpoint data for a run.
func (c *FileCheckpointer) Reset(ctx context.Context, runID string) error {
	if err := os.RemoveAll(filepath.Join(c.dataDir, runID)); err != nil {
		return fmt.Errorf("failed to delete run directory: %w", err)
	}
	return nil
}
