package dealhunter

import "time"

// PendingQuestion is a human-in-the-loop interrupt raised by a step. It is
// persisted in the checkpoint while the run waits for an answer.
type PendingQuestion struct {
	Prompt  string `json:"prompt"`
	AskedBy string `json:"asked_by"`
	Answer  string `json:"answer,omitempty"`
}

// Checkpoint is the durable projection of a run's in-memory state, written
// after each step completes and before a run pauses, and read to resume.
//
// Results holds only successfully completed steps: a failed optional step's
// absence means "not yet run", never a negative result, so a rerun from the
// checkpoint attempts the step again. Steps skipped because a dependency
// failed are listed in SkippedSteps; steps that were simply never requested
// do not appear anywhere.
type Checkpoint struct {
	RunID           string                 `json:"run_id"`
	Pipeline        string                 `json:"pipeline"`
	Target          Target                 `json:"target"`
	RequestedSteps  []string               `json:"requested_steps,omitempty"`
	CurrentPhase    Phase                  `json:"current_phase,omitempty"`
	Results         map[string]*StepResult `json:"results"`
	FailedSteps     []string               `json:"failed_steps,omitempty"`
	SkippedSteps    []string               `json:"skipped_steps,omitempty"`
	PendingQuestion *PendingQuestion       `json:"pending_question,omitempty"`
	SavedAt         time.Time              `json:"saved_at"`
}

// Copy returns a deep-enough copy for handing across goroutines.
func (c *Checkpoint) Copy() *Checkpoint {
	cp := *c
	cp.Results = make(map[string]*StepResult, len(c.Results))
	for name, result := range c.Results {
		cp.Results[name] = result.Copy()
	}
	cp.FailedSteps = append([]string(nil), c.FailedSteps...)
	cp.SkippedSteps = append([]string(nil), c.SkippedSteps...)
	cp.RequestedSteps = append([]string(nil), c.RequestedSteps...)
	if c.PendingQuestion != nil {
		q := *c.PendingQuestion
		cp.PendingQuestion = &q
	}
	return &cp
}
