package dealhunter

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for lookup and state conflicts. Registration-time errors
// carry more context and are defined as structured types below.
var (
	// ErrRunNotFound indicates no run record exists for the given ID.
	ErrRunNotFound = errors.New("dealhunter: run not found")

	// ErrRunConflict indicates a conflicting run or resume is already in
	// progress. Callers losing a resume race receive this and must not
	// enqueue further work.
	ErrRunConflict = errors.New("dealhunter: run conflict")

	// ErrCheckpointNotFound indicates no checkpoint exists for the run.
	ErrCheckpointNotFound = errors.New("dealhunter: checkpoint not found")

	// ErrNoPendingQuestion indicates a resume was attempted on a run whose
	// checkpoint has no pending question.
	ErrNoPendingQuestion = errors.New("dealhunter: no pending question")
)

// DuplicateStepError is returned when a step name is registered twice.
type DuplicateStepError struct {
	Name string
}

func (e *DuplicateStepError) Error() string {
	return fmt.Sprintf("duplicate step %q", e.Name)
}

// UnknownDependencyError is returned when a step declares a dependency on a
// step that is not registered.
type UnknownDependencyError struct {
	Step       string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("step %q depends on unknown step %q", e.Step, e.Dependency)
}

// CyclicDependencyError is returned when no valid execution order exists for
// the registered steps. A dependency pointing at the same or a later phase
// violates the phase ordering and is reported as a cycle, since the phase
// barrier makes such an edge unsatisfiable.
type CyclicDependencyError struct {
	Steps []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency involving steps: %s", strings.Join(e.Steps, ", "))
}

// StepExecutionError wraps a failure from a single step execution. It is
// recorded on the StepResult and aborts the run only when the step is
// required.
type StepExecutionError struct {
	Step string
	Err  error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Err
}

// RunConflictError is returned by StartRun when an active run already exists
// for the target. It carries the existing run's ID so callers can point the
// user at the run already in flight. errors.Is(err, ErrRunConflict) matches.
type RunConflictError struct {
	RunID string
}

func (e *RunConflictError) Error() string {
	return fmt.Sprintf("a run is already active for this target (run %s)", e.RunID)
}

func (e *RunConflictError) Is(target error) bool {
	return target == ErrRunConflict
}

// MaxAnswerLength bounds the size of a human answer to a pending question.
const MaxAnswerLength = 5000

// InvalidAnswerError is returned when a resume answer is empty or oversized.
type InvalidAnswerError struct {
	Reason string
}

func (e *InvalidAnswerError) Error() string {
	return fmt.Sprintf("invalid answer: %s", e.Reason)
}

// ValidateAnswer checks a resume answer against the allowed bounds.
func ValidateAnswer(answer string) error {
	if strings.TrimSpace(answer) == "" {
		return &InvalidAnswerError{Reason: "answer must not be empty"}
	}
	if len(answer) > MaxAnswerLength {
		return &InvalidAnswerError{Reason: fmt.Sprintf("answer exceeds %d characters", MaxAnswerLength)}
	}
	return nil
}
