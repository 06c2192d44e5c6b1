package dealhunter

import (
	"sort"
	"sync"
	"time"
)

// RunState is the in-memory state of a run while the engine executes it.
// Built fresh at run start or restored from a checkpoint. All fields needed
// to resume are serializable through ToCheckpoint/FromCheckpoint.
type RunState struct {
	mu              sync.RWMutex
	runID           string
	pipeline        string
	target          Target
	requestedSteps  []string
	currentPhase    Phase
	results         *ResultSet
	failedSteps     map[string]bool
	skippedSteps    map[string]bool
	pendingQuestion *PendingQuestion
}

// newRunState creates a fresh run state.
func newRunState(runID, pipeline string, target Target, requested []string) *RunState {
	return &RunState{
		runID:          runID,
		pipeline:       pipeline,
		target:         target,
		requestedSteps: append([]string(nil), requested...),
		results:        NewResultSet(),
		failedSteps:    map[string]bool{},
		skippedSteps:   map[string]bool{},
	}
}

// Results returns the result set owned by this run.
func (s *RunState) Results() *ResultSet {
	return s.results
}

// SetPhase records the phase currently executing.
func (s *RunState) SetPhase(phase Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentPhase = phase
}

// MarkFailed records a failed step.
func (s *RunState) MarkFailed(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedSteps[name] = true
}

// MarkSkipped records a step skipped because a dependency failed.
func (s *RunState) MarkSkipped(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skippedSteps[name] = true
}

// Excluded reports whether the step failed or was skipped, making it
// unavailable for downstream dependency satisfaction.
func (s *RunState) Excluded(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failedSteps[name] || s.skippedSteps[name]
}

// FailedSteps returns the names of failed steps, sorted.
func (s *RunState) FailedSteps() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.failedSteps)
}

// SkippedSteps returns the names of skipped steps, sorted.
func (s *RunState) SkippedSteps() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.skippedSteps)
}

// SetPendingQuestion records a question raised by a step. The first
// question wins; later questions from concurrently executing steps are
// dropped and reported to the caller.
func (s *RunState) SetPendingQuestion(q *PendingQuestion) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingQuestion != nil {
		return false
	}
	s.pendingQuestion = q
	return true
}

// PendingQuestion returns the recorded question, if any.
func (s *RunState) PendingQuestion() *PendingQuestion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pendingQuestion == nil {
		return nil
	}
	q := *s.pendingQuestion
	return &q
}

// ClearPendingQuestion removes the question after a resume consumed it.
func (s *RunState) ClearPendingQuestion() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingQuestion = nil
}

// ToCheckpoint converts the state to its durable projection. Only
// successful results are included.
func (s *RunState) ToCheckpoint() *Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var question *PendingQuestion
	if s.pendingQuestion != nil {
		q := *s.pendingQuestion
		question = &q
	}
	return &Checkpoint{
		RunID:           s.runID,
		Pipeline:        s.pipeline,
		Target:          s.target,
		RequestedSteps:  append([]string(nil), s.requestedSteps...),
		CurrentPhase:    s.currentPhase,
		Results:         s.results.Successful(),
		FailedSteps:     sortedKeys(s.failedSteps),
		SkippedSteps:    sortedKeys(s.skippedSteps),
		PendingQuestion: question,
		SavedAt:         time.Now(),
	}
}

// runStateFromCheckpoint restores run state from a checkpoint. Failed steps
// are deliberately not restored: their absence from Results means "not yet
// run", so a rerun attempts them again.
func runStateFromCheckpoint(checkpoint *Checkpoint) *RunState {
	state := newRunState(checkpoint.RunID, checkpoint.Pipeline, checkpoint.Target, checkpoint.RequestedSteps)
	state.results.Seed(checkpoint.Results)
	state.currentPhase = checkpoint.CurrentPhase
	if checkpoint.PendingQuestion != nil {
		q := *checkpoint.PendingQuestion
		state.pendingQuestion = &q
	}
	return state
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
