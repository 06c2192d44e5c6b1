package dealhunter

import (
	"context"
	"sync"
)

// Checkpointer persists run checkpoints. Save is called after every step
// completion, not just at phase boundaries, so implementations must be safe
// to call repeatedly with the same state.
type Checkpointer interface {
	// Save persists the checkpoint, replacing any previous one for the run.
	Save(ctx context.Context, checkpoint *Checkpoint) error

	// Load returns the checkpoint for a run, or ErrCheckpointNotFound.
	Load(ctx context.Context, runID string) (*Checkpoint, error)

	// Reset clears the checkpoint for a run, forcing the next run to start
	// from scratch.
	Reset(ctx context.Context, runID string) error
}

// NullCheckpointer is a no-op implementation. Runs executed with it cannot
// be resumed.
type NullCheckpointer struct{}

func NewNullCheckpointer() *NullCheckpointer {
	return &NullCheckpointer{}
}

func (c *NullCheckpointer) Save(ctx context.Context, checkpoint *Checkpoint) error {
	return nil
}

func (c *NullCheckpointer) Load(ctx context.Context, runID string) (*Checkpoint, error) {
	return nil, ErrCheckpointNotFound
}

func (c *NullCheckpointer) Reset(ctx context.Context, runID string) error {
	return nil
}

// MemoryCheckpointer keeps checkpoints in process memory. Suitable for
// tests and single-process development setups.
type MemoryCheckpointer struct {
	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint
}

func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{checkpoints: map[string]*Checkpoint{}}
}

func (c *MemoryCheckpointer) Save(ctx context.Context, checkpoint *Checkpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkpoints[checkpoint.RunID] = checkpoint.Copy()
	return nil
}

func (c *MemoryCheckpointer) Load(ctx context.Context, runID string) (*Checkpoint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	checkpoint, ok := c.checkpoints[runID]
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	return checkpoint.Copy(), nil
}

func (c *MemoryCheckpointer) Reset(ctx context.Context, runID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.checkpoints, runID)
	return nil
}
