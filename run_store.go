package dealhunter

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ListRunsOptions filters and pages run listings.
type ListRunsOptions struct {
	TargetID string
	Status   RunStatus
	Limit    int
	Offset   int
}

// RunStore is the persistence contract for run records.
//
// UpdateRun is last-write-wins because only one worker owns a run at a time;
// implementations still clamp Progress to max(old, new) to tolerate
// out-of-order progress reports from concurrent steps, and refuse to mutate
// terminal records. TransitionStatus is the single required atomic
// operation: a conditional state change that succeeds for at most one
// caller.
type RunStore interface {
	// CreateRun persists a new record. Fails with *RunConflictError when an
	// active run (pending/running/waiting_for_user) exists for the target.
	CreateRun(ctx context.Context, record *RunRecord) error

	// GetRun returns a record by ID, or ErrRunNotFound.
	GetRun(ctx context.Context, runID string) (*RunRecord, error)

	// ActiveRunForTarget returns the active run for a target, or
	// ErrRunNotFound when none is active.
	ActiveRunForTarget(ctx context.Context, targetID string) (*RunRecord, error)

	// UpdateRun persists progress/step/error fields. Progress never
	// regresses; terminal records reject all mutation.
	UpdateRun(ctx context.Context, record *RunRecord) error

	// TransitionStatus atomically moves a run from one status to another.
	// Returns the updated record, or ErrRunConflict if the run was not in
	// the expected status, or ErrRunNotFound.
	TransitionStatus(ctx context.Context, runID string, from, to RunStatus) (*RunRecord, error)

	// ListRuns returns records matching the options, newest first.
	ListRuns(ctx context.Context, opts ListRunsOptions) ([]*RunRecord, error)
}

// RunWatcher is an optional extension of RunStore: a push-based alternative
// to polling for status changes. The returned channel carries the latest
// record after every change, conflated so slow consumers only ever see the
// most recent state; it closes when ctx is done.
type RunWatcher interface {
	WatchRun(ctx context.Context, runID string) (<-chan *RunRecord, error)
}

// MemoryRunStore is an in-memory RunStore for tests and single-process
// deployments. Safe for concurrent use.
type MemoryRunStore struct {
	mu       sync.RWMutex
	runs     map[string]*RunRecord
	watchers map[string][]chan *RunRecord
}

var (
	_ RunStore   = (*MemoryRunStore)(nil)
	_ RunWatcher = (*MemoryRunStore)(nil)
)

// NewMemoryRunStore returns an empty in-memory run store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{
		runs:     map[string]*RunRecord{},
		watchers: map[string][]chan *RunRecord{},
	}
}

func (s *MemoryRunStore) CreateRun(ctx context.Context, record *RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.runs {
		if existing.TargetID == record.TargetID && existing.Status.Active() {
			return &RunConflictError{RunID: existing.ID}
		}
	}
	cp := record.Copy()
	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.runs[cp.ID] = cp
	return nil
}

func (s *MemoryRunStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return record.Copy(), nil
}

func (s *MemoryRunStore) ActiveRunForTarget(ctx context.Context, targetID string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, record := range s.runs {
		if record.TargetID == targetID && record.Status.Active() {
			return record.Copy(), nil
		}
	}
	return nil, ErrRunNotFound
}

func (s *MemoryRunStore) UpdateRun(ctx context.Context, record *RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.runs[record.ID]
	if !ok {
		return ErrRunNotFound
	}
	if existing.Status.Terminal() {
		return ErrRunConflict
	}
	cp := record.Copy()
	if cp.Progress < existing.Progress {
		cp.Progress = existing.Progress
	}
	if !existing.Status.CanTransition(cp.Status) && existing.Status != cp.Status {
		return ErrRunConflict
	}
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = time.Now()
	s.runs[cp.ID] = cp
	s.notifyLocked(cp)
	return nil
}

func (s *MemoryRunStore) TransitionStatus(ctx context.Context, runID string, from, to RunStatus) (*RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	if record.Status != from || !from.CanTransition(to) {
		return nil, ErrRunConflict
	}
	record.Status = to
	now := time.Now()
	record.UpdatedAt = now
	switch to {
	case RunStatusRunning:
		if record.StartedAt == nil {
			record.StartedAt = &now
		}
	case RunStatusCompleted, RunStatusFailed:
		record.CompletedAt = &now
	}
	s.notifyLocked(record)
	return record.Copy(), nil
}

func (s *MemoryRunStore) ListRuns(ctx context.Context, opts ListRunsOptions) ([]*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*RunRecord
	for _, record := range s.runs {
		if opts.TargetID != "" && record.TargetID != opts.TargetID {
			continue
		}
		if opts.Status != "" && record.Status != opts.Status {
			continue
		}
		out = append(out, record.Copy())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// WatchRun implements RunWatcher. Each watcher gets a one-slot conflated
// channel: a burst of updates collapses to the most recent record.
func (s *MemoryRunStore) WatchRun(ctx context.Context, runID string) (<-chan *RunRecord, error) {
	s.mu.Lock()
	record, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrRunNotFound
	}
	ch := make(chan *RunRecord, 1)
	ch <- record.Copy()
	s.watchers[runID] = append(s.watchers[runID], ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		watchers := s.watchers[runID]
		for i, w := range watchers {
			if w == ch {
				s.watchers[runID] = append(watchers[:i], watchers[i+1:]...)
				close(ch)
				break
			}
		}
	}()
	return ch, nil
}

// notifyLocked pushes the latest record to all watchers, replacing any
// undelivered update. Callers must hold s.mu.
func (s *MemoryRunStore) notifyLocked(record *RunRecord) {
	for _, ch := range s.watchers[record.ID] {
		select {
		case <-ch: // drop the stale update
		default:
		}
		select {
		case ch <- record.Copy():
		default:
		}
	}
}
