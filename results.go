package dealhunter

import (
	"sort"
	"sync"
	"time"
)

// StepResult is the outcome of one step execution within a run. A result is
// produced exactly once per (run, step) unless a rescan explicitly replaces
// it.
type StepResult struct {
	StepName   string    `json:"step_name"`
	Success    bool      `json:"success"`
	Output     any       `json:"output,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at,omitzero"`
}

// Copy returns a shallow copy of the result.
func (r *StepResult) Copy() *StepResult {
	cp := *r
	return &cp
}

// ResultReader provides steps with read access to dependency results.
type ResultReader interface {
	// Get returns the recorded result for a step, successful or not.
	Get(name string) (*StepResult, bool)

	// Output returns the output of a successfully completed step.
	Output(name string) (any, bool)
}

// ResultSet owns the step results for the lifetime of one run. It records
// both successful and failed results; failed results exist only so that
// downstream dependency checks can exclude them. Safe for concurrent use.
type ResultSet struct {
	mu      sync.RWMutex
	results map[string]*StepResult
}

// NewResultSet returns an empty result set.
func NewResultSet() *ResultSet {
	return &ResultSet{results: map[string]*StepResult{}}
}

// Seed populates the set from cached results, typically rehydrated from a
// checkpoint so a single step can re-execute without re-running its
// dependencies.
func (s *ResultSet) Seed(cached map[string]*StepResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, result := range cached {
		if result == nil {
			continue
		}
		s.results[name] = result.Copy()
	}
}

// Set records a result, replacing any previous result for the step.
func (s *ResultSet) Set(result *StepResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.StepName] = result
}

// Get returns the recorded result for a step.
func (s *ResultSet) Get(name string) (*StepResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.results[name]
	return result, ok
}

// Output returns the output of a successfully completed step.
func (s *ResultSet) Output(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.results[name]
	if !ok || !result.Success {
		return nil, false
	}
	return result.Output, true
}

// Succeeded reports whether the named step has a successful result.
func (s *ResultSet) Succeeded(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.results[name]
	return ok && result.Success
}

// Satisfied reports whether every listed dependency has a successful result.
func (s *ResultSet) Satisfied(deps []string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, dep := range deps {
		result, ok := s.results[dep]
		if !ok || !result.Success {
			return false
		}
	}
	return true
}

// CompletedNames returns the names of successfully completed steps, sorted.
func (s *ResultSet) CompletedNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.results))
	for name, result := range s.results {
		if result.Success {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Successful returns a copy of all successful results, keyed by step name.
// This is the shape persisted into a checkpoint: failed results never leave
// the in-memory set.
func (s *ResultSet) Successful() map[string]*StepResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*StepResult, len(s.results))
	for name, result := range s.results {
		if result.Success {
			out[name] = result.Copy()
		}
	}
	return out
}
