package dealhunter

import (
	"context"
)

// Phase is the ordering class a step belongs to. Phases execute strictly in
// order; steps within a phase may execute concurrently. The phase boundary is
// a synchronization barrier: no step of a later phase starts before every
// step of the earlier phases has finished or been skipped.
type Phase string

const (
	PhaseCollect   Phase = "collect"
	PhaseAnalysis  Phase = "analysis"
	PhaseSynthesis Phase = "synthesis"
)

// Phases lists all phases in execution order.
var Phases = []Phase{PhaseCollect, PhaseAnalysis, PhaseSynthesis}

// Order returns the position of the phase in the fixed phase sequence.
// Unknown phases sort last.
func (p Phase) Order() int {
	for i, known := range Phases {
		if p == known {
			return i
		}
	}
	return len(Phases)
}

// Valid reports whether the phase is one of the known ordering classes.
func (p Phase) Valid() bool {
	return p.Order() < len(Phases)
}

// StepDefinition declares a step's identity, ordering, and failure policy.
// Definitions are immutable after registration.
type StepDefinition struct {
	// Name uniquely identifies the step within a registry.
	Name string `json:"name" yaml:"name"`

	// Title is the human-readable label shown on run records.
	Title string `json:"title,omitempty" yaml:"title,omitempty"`

	// Phase is the ordering class: collect, analysis, or synthesis.
	Phase Phase `json:"phase" yaml:"phase"`

	// DependsOn lists step names that must have a successful result before
	// this step may run. Dependencies must live in an earlier phase.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// Optional steps may fail without aborting the run. Steps depending on
	// a failed optional step are skipped, not failed.
	Optional bool `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// Label returns the Title if set, otherwise the Name.
func (d StepDefinition) Label() string {
	if d.Title != "" {
		return d.Title
	}
	return d.Name
}

// Target identifies what a run analyzes: a website or ingested document
// belonging to one sales opportunity.
type Target struct {
	// ID is the stable identifier of the opportunity/document. At most one
	// run may be active per target at a time.
	ID string `json:"id"`

	// URL is the website under analysis, when applicable.
	URL string `json:"url,omitempty"`

	// Payload carries free-form intake data (extracted document fields,
	// candidate lists, form input) consumed by individual steps.
	Payload map[string]any `json:"payload,omitempty"`
}

// StepInput is handed to a step when it executes.
type StepInput struct {
	// RunID identifies the run this execution belongs to.
	RunID string

	// Target is the subject of the analysis.
	Target Target

	// Results provides read access to the outputs of dependency steps.
	Results ResultReader

	// Answer carries the human answer when the run resumes a step that
	// previously paused with a pending question. Empty otherwise.
	Answer string

	// Events publishes progress events onto the channel owned by the
	// engine. Never nil during execution.
	Events EventPublisher
}

// Step is a named unit of analysis work.
type Step interface {
	// Definition returns the step's immutable declaration.
	Definition() StepDefinition

	// Execute runs the step. Returning a *QuestionError (via Pause) signals
	// that the run should stop and wait for human input instead of failing.
	Execute(ctx context.Context, in StepInput) (any, error)
}

// StepFunc adapts a function to the Step interface.
type StepFunc struct {
	def StepDefinition
	fn  func(ctx context.Context, in StepInput) (any, error)
}

// NewStepFunc creates a Step from a definition and a function.
func NewStepFunc(def StepDefinition, fn func(ctx context.Context, in StepInput) (any, error)) *StepFunc {
	return &StepFunc{def: def, fn: fn}
}

func (s *StepFunc) Definition() StepDefinition {
	return s.def
}

func (s *StepFunc) Execute(ctx context.Context, in StepInput) (any, error) {
	return s.fn(ctx, in)
}

// QuestionError signals that a step needs a human answer before it can
// produce a result. The engine treats it as a pause, not a failure.
type QuestionError struct {
	Prompt string
}

func (e *QuestionError) Error() string {
	return "step paused awaiting answer: " + e.Prompt
}

// Pause returns an error a step can use to interrupt the run with a question
// for the user. The run record transitions to waiting_for_user and the
// question is persisted in the checkpoint; a later resume re-executes the
// step with StepInput.Answer populated.
func Pause(prompt string) error {
	return &QuestionError{Prompt: prompt}
}
