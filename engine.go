package dealhunter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// errRunAborted cancels the remaining steps of a phase once a required step
// has failed. The real failure is reported separately.
var errRunAborted = errors.New("run aborted")

// RunInput describes one run request.
type RunInput struct {
	// RunID identifies the run. Empty means a new ID is generated.
	RunID string

	// Target is the subject of the analysis.
	Target Target

	// Steps restricts execution to the named steps and their transitive
	// dependencies. Empty means every registered step. Steps outside this
	// closure are never executed.
	Steps []string

	// FromRunID seeds the run from a previous run's checkpoint. Used for
	// manual restarts of a failed run: completed steps carry over, failed
	// steps are attempted again under a fresh run record.
	FromRunID string
}

// RunOutcome summarizes a finished (or paused) run.
type RunOutcome struct {
	RunID           string
	Status          RunStatus
	Results         map[string]*StepResult
	FailedSteps     []string
	SkippedSteps    []string
	PendingQuestion *PendingQuestion
	ErrorMessage    string
}

// EngineOptions configures a new Engine.
type EngineOptions struct {
	// Registry holds the steps this engine can execute. Required.
	Registry *Registry

	// Pipeline names the step set for checkpoints and run records,
	// e.g. "intake", "qualification", "deep_scan".
	Pipeline string

	// Runs persists run records. Defaults to an in-memory store.
	Runs RunStore

	// Checkpointer persists run checkpoints. Defaults to NullCheckpointer,
	// which disables pause/resume.
	Checkpointer Checkpointer

	// StepLogger records every step execution for auditing. Defaults to a
	// null logger.
	StepLogger StepLogger

	// Events receives progress events. Defaults to NullSink.
	Events EventSink

	// Logger for engine diagnostics. Defaults to a discard logger.
	Logger *slog.Logger

	// MaxConcurrentSteps caps in-flight steps within one phase.
	// Zero means no cap.
	MaxConcurrentSteps int
}

// Engine resolves dependency order and executes phases against a target:
// independent steps of a phase run concurrently, phases run sequentially,
// and failures aggregate per the step's Optional flag. One engine may
// execute many runs, but a given run is owned by a single worker at a time.
type Engine struct {
	registry     *Registry
	pipeline     string
	runs         RunStore
	checkpointer Checkpointer
	stepLogger   StepLogger
	events       EventSink
	logger       *slog.Logger
	maxInFlight  int

	// checkpointMu serializes checkpoint saves within a phase so
	// concurrent step completions don't interleave partial snapshots.
	checkpointMu sync.Mutex
}

// NewEngine creates an engine over a registry.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Registry.Len() == 0 {
		return nil, fmt.Errorf("registry has no steps")
	}
	if opts.Pipeline == "" {
		opts.Pipeline = "default"
	}
	if opts.Runs == nil {
		opts.Runs = NewMemoryRunStore()
	}
	if opts.Checkpointer == nil {
		opts.Checkpointer = NewNullCheckpointer()
	}
	if opts.StepLogger == nil {
		opts.StepLogger = NewNullStepLogger()
	}
	if opts.Events == nil {
		opts.Events = NullSink{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		registry:     opts.Registry,
		pipeline:     opts.Pipeline,
		runs:         opts.Runs,
		checkpointer: opts.Checkpointer,
		stepLogger:   opts.StepLogger,
		events:       opts.Events,
		logger:       opts.Logger,
		maxInFlight:  opts.MaxConcurrentSteps,
	}, nil
}

// Run executes the requested step set against the target. An existing
// checkpoint for the run is loaded first, so re-running after a crash never
// re-executes already-completed steps. A required step failure yields a
// failed outcome with nil error; infrastructure failures mark the run failed
// and return an error, so the target's admission slot is always released.
func (e *Engine) Run(ctx context.Context, in RunInput) (*RunOutcome, error) {
	if in.RunID == "" {
		in.RunID = NewRunID()
	}
	logger := e.logger.With("run_id", in.RunID)

	record, err := e.ensureRecord(ctx, in)
	if err != nil {
		return nil, err
	}
	if record.Status == RunStatusPending {
		if _, err := e.runs.TransitionStatus(ctx, record.ID, RunStatusPending, RunStatusRunning); err != nil {
			return nil, fmt.Errorf("failed to start run: %w", err)
		}
	} else if record.Status != RunStatusRunning {
		return nil, ErrRunConflict
	}

	state, err := e.loadOrCreateState(ctx, in, logger)
	if err != nil {
		e.abortRun(ctx, in.RunID, err, logger)
		return nil, err
	}
	outcome, err := e.execute(ctx, in.RunID, state, "", "", logger)
	if err != nil {
		e.abortRun(ctx, in.RunID, err, logger)
		return nil, err
	}
	return outcome, nil
}

// Resume continues a paused run with a human answer. The transition
// waiting_for_user → running is a conditional store operation that succeeds
// for at most one caller; the loser receives ErrRunConflict and must not
// enqueue further work.
func (e *Engine) Resume(ctx context.Context, runID, answer string) (*RunOutcome, error) {
	if err := ValidateAnswer(answer); err != nil {
		return nil, err
	}
	checkpoint, err := e.checkpointer.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if checkpoint.PendingQuestion == nil {
		return nil, ErrNoPendingQuestion
	}
	if _, err := e.runs.TransitionStatus(ctx, runID, RunStatusWaitingForUser, RunStatusRunning); err != nil {
		return nil, err
	}
	return e.ResumeTransitioned(ctx, runID, answer)
}

// ResumeTransitioned continues a paused run whose record has already been
// moved to running by the caller (the service does the conditional
// transition on the request path so the losing caller sees the conflict).
func (e *Engine) ResumeTransitioned(ctx context.Context, runID, answer string) (*RunOutcome, error) {
	logger := e.logger.With("run_id", runID)
	checkpoint, err := e.checkpointer.Load(ctx, runID)
	if err != nil {
		e.abortRun(ctx, runID, err, logger)
		return nil, err
	}
	question := checkpoint.PendingQuestion
	if question == nil {
		e.abortRun(ctx, runID, ErrNoPendingQuestion, logger)
		return nil, ErrNoPendingQuestion
	}
	logger.Info("resuming run", "asked_by", question.AskedBy)

	state := runStateFromCheckpoint(checkpoint)
	state.ClearPendingQuestion()
	outcome, err := e.execute(ctx, runID, state, question.AskedBy, answer, logger)
	if err != nil {
		e.abortRun(ctx, runID, err, logger)
		return nil, err
	}
	return outcome, nil
}

// ExecuteSingleStep re-executes one step using cached dependency results,
// without touching phase sequencing or persisted state. Dependencies
// present in the cache are never re-executed; missing dependencies fail the
// call. The caller persists the new result over the old one.
func (e *Engine) ExecuteSingleStep(ctx context.Context, name string, in RunInput, cached map[string]*StepResult) (*StepResult, error) {
	step, ok := e.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown step %q", name)
	}
	def := step.Definition()

	results := NewResultSet()
	results.Seed(cached)
	for _, dep := range def.DependsOn {
		if !results.Succeeded(dep) {
			return nil, &StepExecutionError{
				Step: name,
				Err:  fmt.Errorf("dependency %q has no cached result", dep),
			}
		}
	}
	result, question := e.runStep(ctx, in.RunID, step, StepInput{
		RunID:   in.RunID,
		Target:  in.Target,
		Results: results,
		Events:  &stepPublisher{runID: in.RunID, phase: def.Phase, step: name, sink: e.events},
	})
	if question != nil {
		return nil, &StepExecutionError{
			Step: name,
			Err:  fmt.Errorf("step paused with a question outside a run: %s", question.Prompt),
		}
	}
	return result, nil
}

// ensureRecord fetches or creates the run record for a run request.
func (e *Engine) ensureRecord(ctx context.Context, in RunInput) (*RunRecord, error) {
	record, err := e.runs.GetRun(ctx, in.RunID)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, ErrRunNotFound) {
		return nil, err
	}
	record = &RunRecord{
		ID:       in.RunID,
		TargetID: in.Target.ID,
		JobType:  e.pipeline,
		Status:   RunStatusPending,
	}
	if err := e.runs.CreateRun(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// loadOrCreateState restores state from this run's checkpoint, falls back
// to a prior run's checkpoint for manual restarts, or builds fresh state.
func (e *Engine) loadOrCreateState(ctx context.Context, in RunInput, logger *slog.Logger) (*RunState, error) {
	checkpoint, err := e.checkpointer.Load(ctx, in.RunID)
	if errors.Is(err, ErrCheckpointNotFound) && in.FromRunID != "" {
		checkpoint, err = e.checkpointer.Load(ctx, in.FromRunID)
		if err == nil {
			checkpoint.RunID = in.RunID
			logger.Info("seeding run from prior checkpoint", "from_run_id", in.FromRunID)
		}
	}
	if err != nil {
		if errors.Is(err, ErrCheckpointNotFound) {
			return newRunState(in.RunID, e.pipeline, in.Target, in.Steps), nil
		}
		return nil, err
	}
	state := runStateFromCheckpoint(checkpoint)
	logger.Info("loaded run from checkpoint",
		"completed_steps", len(checkpoint.Results),
		"current_phase", checkpoint.CurrentPhase)
	return state, nil
}

// execute runs the phase loop against the given state. answeredStep names
// the step that raised the pending question on the prior execution; answer
// is injected into that step's input when it runs.
func (e *Engine) execute(ctx context.Context, runID string, state *RunState, answeredStep, answer string, logger *slog.Logger) (*RunOutcome, error) {
	results := state.Results()

	// Resolve the full order up front so registration problems surface
	// before any step runs. No cache is passed: completed steps still
	// appear in the plan and count toward progress, they just don't run
	// again.
	groups, err := e.registry.ResolveOrder(state.requestedSteps, nil)
	if err != nil {
		return nil, err
	}

	planned := 0
	for _, group := range groups {
		planned += len(group.Steps)
	}

	e.publish(ProgressEvent{Kind: EventStart, RunID: runID, Timestamp: time.Now(),
		Payload: map[string]any{"pipeline": state.pipeline, "planned_steps": planned}})

	for _, group := range groups {
		state.SetPhase(group.Phase)
		e.publish(ProgressEvent{Kind: EventPhaseStart, RunID: runID, Phase: group.Phase, Timestamp: time.Now()})

		runnable := make([]Step, 0, len(group.Steps))
		for _, step := range group.Steps {
			def := step.Definition()
			if results.Succeeded(def.Name) {
				continue
			}
			if e.dependencyExcluded(state, def) {
				state.MarkSkipped(def.Name)
				logger.Info("step skipped", "step", def.Name, "phase", group.Phase)
				e.publish(ProgressEvent{Kind: EventStepComplete, RunID: runID, Phase: group.Phase,
					Step: def.Name, Status: "skipped", Timestamp: time.Now()})
				continue
			}
			runnable = append(runnable, step)
		}

		if err := e.runPhase(ctx, runID, state, group, runnable, answeredStep, answer, planned, logger); err != nil {
			return nil, err
		}

		// A required failure ends the run at the phase barrier with the
		// phase's partial results preserved in the checkpoint.
		if failed := e.firstRequiredFailure(state); failed != nil {
			return e.finishFailed(ctx, runID, state, failed, logger)
		}

		// A pending question pauses the run: no further phases dispatch.
		if question := state.PendingQuestion(); question != nil {
			return e.finishPaused(ctx, runID, state, question, logger)
		}
	}

	return e.finishCompleted(ctx, runID, state, planned, logger)
}

// runPhase executes the runnable steps of one phase concurrently and waits
// for all of them: the phase boundary is a synchronization barrier.
func (e *Engine) runPhase(ctx context.Context, runID string, state *RunState, group PhaseGroup, runnable []Step, answeredStep, answer string, planned int, logger *slog.Logger) error {
	if len(runnable) == 0 {
		return nil
	}
	g, phaseCtx := errgroup.WithContext(ctx)
	if e.maxInFlight > 0 {
		g.SetLimit(e.maxInFlight)
	}
	for _, step := range runnable {
		g.Go(func() error {
			def := step.Definition()
			in := StepInput{
				RunID:   runID,
				Target:  state.target,
				Results: state.Results(),
				Events:  &stepPublisher{runID: runID, phase: def.Phase, step: def.Name, sink: e.events},
			}
			if def.Name == answeredStep {
				in.Answer = answer
			}

			e.publish(ProgressEvent{Kind: EventStepStart, RunID: runID, Phase: def.Phase,
				Step: def.Name, Message: def.Label(), Timestamp: time.Now()})
			e.updateRecord(ctx, runID, state, planned, def.Label(), logger)

			result, question := e.runStep(phaseCtx, runID, step, in)
			if question != nil {
				if !state.SetPendingQuestion(question) {
					logger.Warn("dropping concurrent question, another step asked first",
						"step", def.Name, "prompt", question.Prompt)
				}
				return nil
			}
			state.Results().Set(result)

			if !result.Success {
				state.MarkFailed(def.Name)
				e.publish(ProgressEvent{Kind: EventStepComplete, RunID: runID, Phase: def.Phase,
					Step: def.Name, Status: "failed", Message: result.Error, Timestamp: time.Now()})
				logger.Error("step failed", "step", def.Name, "optional", def.Optional, "error", result.Error)
				if !def.Optional {
					return errRunAborted
				}
				return nil
			}

			if err := e.saveCheckpoint(ctx, state); err != nil {
				logger.Error("failed to save checkpoint", "step", def.Name, "error", err)
				return err
			}
			e.updateRecord(ctx, runID, state, planned, def.Label(), logger)
			e.publish(ProgressEvent{Kind: EventStepComplete, RunID: runID, Phase: def.Phase,
				Step: def.Name, Status: "completed", Timestamp: time.Now(),
				Payload: map[string]any{"duration_ms": result.DurationMs}})
			return nil
		})
	}
	err := g.Wait()
	if err != nil && !errors.Is(err, errRunAborted) {
		return err
	}
	return nil
}

// runStep executes one step and converts its return into a StepResult. A
// non-nil question means the step paused instead of producing a result.
func (e *Engine) runStep(ctx context.Context, runID string, step Step, in StepInput) (*StepResult, *PendingQuestion) {
	def := step.Definition()
	start := time.Now()
	output, err := step.Execute(ctx, in)
	duration := time.Since(start)

	entry := &StepLogEntry{
		RunID:     runID,
		StepName:  def.Name,
		Phase:     string(def.Phase),
		StartTime: start,
		Duration:  duration.Seconds(),
	}

	var question *QuestionError
	if errors.As(err, &question) {
		entry.Paused = true
		e.logStep(ctx, entry)
		return nil, &PendingQuestion{Prompt: question.Prompt, AskedBy: def.Name}
	}

	result := &StepResult{
		StepName:   def.Name,
		Success:    err == nil,
		Output:     output,
		DurationMs: duration.Milliseconds(),
		StartedAt:  start,
	}
	if err != nil {
		stepErr := &StepExecutionError{Step: def.Name, Err: err}
		result.Error = stepErr.Error()
		entry.Error = result.Error
	}
	e.logStep(ctx, entry)
	return result, nil
}

// dependencyExcluded reports whether any dependency of the step failed or
// was skipped, transitively disqualifying the step from execution.
func (e *Engine) dependencyExcluded(state *RunState, def StepDefinition) bool {
	for _, dep := range def.DependsOn {
		if state.Excluded(dep) {
			return true
		}
	}
	return false
}

// firstRequiredFailure returns the first failed required step in
// registration order, or nil. When several required steps of one phase
// fail, all are recorded but this one is reported.
func (e *Engine) firstRequiredFailure(state *RunState) *StepResult {
	var first *StepResult
	firstIdx := -1
	for _, name := range state.FailedSteps() {
		step, ok := e.registry.Get(name)
		if !ok || step.Definition().Optional {
			continue
		}
		idx := e.registry.RegistrationIndex(name)
		if firstIdx == -1 || idx < firstIdx {
			if result, ok := state.Results().Get(name); ok {
				first = result
				firstIdx = idx
			}
		}
	}
	return first
}

func (e *Engine) finishFailed(ctx context.Context, runID string, state *RunState, failed *StepResult, logger *slog.Logger) (*RunOutcome, error) {
	if err := e.saveCheckpoint(ctx, state); err != nil {
		logger.Error("failed to save final checkpoint", "error", err)
	}
	// Persist the error message before the terminal transition: stores
	// reject mutation of terminal records.
	if record, err := e.runs.GetRun(ctx, runID); err == nil {
		record.ErrorMessage = failed.Error
		record.CurrentStep = failed.StepName
		if err := e.runs.UpdateRun(ctx, record); err != nil {
			logger.Error("failed to persist run error", "error", err)
		}
	}
	if _, err := e.runs.TransitionStatus(ctx, runID, RunStatusRunning, RunStatusFailed); err != nil {
		logger.Error("failed to mark run failed", "error", err)
	}
	e.publish(ProgressEvent{Kind: EventError, RunID: runID, Step: failed.StepName,
		Message: failed.Error, Timestamp: time.Now()})
	logger.Error("run failed", "step", failed.StepName, "error", failed.Error)

	outcome := e.outcome(runID, RunStatusFailed, state)
	outcome.ErrorMessage = failed.Error
	return outcome, nil
}

// abortRun marks a running run failed after an infrastructure error: the
// error message is persisted on the record, a terminal error event is
// published, and the target's admission slot is released. Runs on a detached
// context so a canceled run still reaches a terminal state.
func (e *Engine) abortRun(ctx context.Context, runID string, cause error, logger *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	if record, err := e.runs.GetRun(ctx, runID); err == nil {
		record.ErrorMessage = cause.Error()
		if err := e.runs.UpdateRun(ctx, record); err != nil && !errors.Is(err, ErrRunConflict) {
			logger.Error("failed to persist abort error", "error", err)
		}
	}
	if _, err := e.runs.TransitionStatus(ctx, runID, RunStatusRunning, RunStatusFailed); err != nil {
		logger.Error("failed to mark aborted run failed", "error", err)
		return
	}
	e.publish(ProgressEvent{Kind: EventError, RunID: runID, Message: cause.Error(), Timestamp: time.Now()})
	logger.Error("run aborted", "error", cause)
}

func (e *Engine) finishPaused(ctx context.Context, runID string, state *RunState, question *PendingQuestion, logger *slog.Logger) (*RunOutcome, error) {
	if err := e.saveCheckpoint(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to checkpoint paused run: %w", err)
	}
	if _, err := e.runs.TransitionStatus(ctx, runID, RunStatusRunning, RunStatusWaitingForUser); err != nil {
		return nil, fmt.Errorf("failed to pause run: %w", err)
	}
	e.publish(ProgressEvent{Kind: EventDecision, RunID: runID, Step: question.AskedBy,
		Message: question.Prompt, Timestamp: time.Now()})
	logger.Info("run paused for user input", "step", question.AskedBy, "prompt", question.Prompt)

	outcome := e.outcome(runID, RunStatusWaitingForUser, state)
	outcome.PendingQuestion = question
	return outcome, nil
}

func (e *Engine) finishCompleted(ctx context.Context, runID string, state *RunState, planned int, logger *slog.Logger) (*RunOutcome, error) {
	if err := e.saveCheckpoint(ctx, state); err != nil {
		logger.Error("failed to save final checkpoint", "error", err)
	}
	if record, err := e.runs.GetRun(ctx, runID); err == nil {
		record.Progress = 100
		record.CurrentStep = ""
		record.CompletedSteps = state.Results().CompletedNames()
		record.PendingSteps = nil
		if err := e.runs.UpdateRun(ctx, record); err != nil {
			logger.Error("failed to persist run completion", "error", err)
		}
	}
	if _, err := e.runs.TransitionStatus(ctx, runID, RunStatusRunning, RunStatusCompleted); err != nil {
		logger.Error("failed to mark run completed", "error", err)
	}
	e.publish(ProgressEvent{Kind: EventComplete, RunID: runID, Timestamp: time.Now(),
		Payload: map[string]any{"completed_steps": state.Results().CompletedNames(), "skipped_steps": state.SkippedSteps()}})
	logger.Info("run completed", "steps", planned)

	return e.outcome(runID, RunStatusCompleted, state), nil
}

func (e *Engine) outcome(runID string, status RunStatus, state *RunState) *RunOutcome {
	return &RunOutcome{
		RunID:        runID,
		Status:       status,
		Results:      state.Results().Successful(),
		FailedSteps:  state.FailedSteps(),
		SkippedSteps: state.SkippedSteps(),
	}
}

// updateRecord refreshes the externally visible run record. Failures here
// degrade status queries but never fail the run.
func (e *Engine) updateRecord(ctx context.Context, runID string, state *RunState, planned int, currentStep string, logger *slog.Logger) {
	record, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		logger.Warn("failed to load run record for update", "error", err)
		return
	}
	completed := state.Results().CompletedNames()
	if planned > 0 {
		record.Progress = len(completed) * 100 / planned
	}
	record.CurrentStep = currentStep
	record.CompletedSteps = completed
	record.PendingSteps = e.pendingSteps(state, completed)
	if err := e.runs.UpdateRun(ctx, record); err != nil && !errors.Is(err, ErrRunConflict) {
		logger.Warn("failed to update run record", "error", err)
	}
}

// pendingSteps lists requested steps that are neither completed, failed,
// nor skipped.
func (e *Engine) pendingSteps(state *RunState, completed []string) []string {
	done := map[string]bool{}
	for _, name := range completed {
		done[name] = true
	}
	groups, err := e.registry.ResolveOrder(state.requestedSteps, nil)
	if err != nil {
		return nil
	}
	var pending []string
	for _, group := range groups {
		for _, step := range group.Steps {
			name := step.Definition().Name
			if !done[name] && !state.Excluded(name) {
				pending = append(pending, name)
			}
		}
	}
	return pending
}

func (e *Engine) saveCheckpoint(ctx context.Context, state *RunState) error {
	e.checkpointMu.Lock()
	defer e.checkpointMu.Unlock()
	return e.checkpointer.Save(ctx, state.ToCheckpoint())
}

func (e *Engine) logStep(ctx context.Context, entry *StepLogEntry) {
	if err := e.stepLogger.LogStep(ctx, entry); err != nil {
		e.logger.Error("failed to log step execution", "step", entry.StepName, "error", err)
	}
}

func (e *Engine) publish(event ProgressEvent) {
	e.events.Publish(event)
}
