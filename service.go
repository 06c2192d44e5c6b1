package dealhunter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// ServiceOptions configures a Service.
type ServiceOptions struct {
	// Engine executes runs. Required.
	Engine *Engine

	// Runs is the run record store. Required, and must be the same store
	// the engine writes to.
	Runs RunStore

	// Checkpointer provides checkpoint access for rescans. Required for
	// RescanStep; defaults to NullCheckpointer.
	Checkpointer Checkpointer

	// Queue hands run execution to background workers. Optional: when nil
	// the service creates an in-process queue and owns its lifecycle.
	Queue JobQueue

	// QueueConcurrency sizes the internal queue when Queue is nil.
	QueueConcurrency int

	// Logger for service diagnostics. Defaults to a discard logger.
	Logger *slog.Logger
}

// Service is the request-facing surface over the engine: it owns run
// admission (one active run per target), answer validation, and the
// hand-off to background workers. HTTP handlers and CLI commands call the
// service, never the engine directly.
type Service struct {
	engine       *Engine
	runs         RunStore
	checkpointer Checkpointer
	queue        JobQueue
	ownedQueue   *MemoryQueue
	logger       *slog.Logger
}

// NewService creates a service. When no queue is supplied an in-process
// one is created; call Start/Stop to manage it.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if opts.Runs == nil {
		return nil, fmt.Errorf("run store is required")
	}
	if opts.Checkpointer == nil {
		opts.Checkpointer = NewNullCheckpointer()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Service{
		engine:       opts.Engine,
		runs:         opts.Runs,
		checkpointer: opts.Checkpointer,
		queue:        opts.Queue,
		logger:       opts.Logger,
	}
	if s.queue == nil {
		queue, err := NewMemoryQueue(MemoryQueueOptions{
			Handler:     s.HandleTask,
			Concurrency: opts.QueueConcurrency,
			Logger:      opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		s.queue = queue
		s.ownedQueue = queue
	}
	return s, nil
}

// Start launches the internal queue, if the service owns one.
func (s *Service) Start(ctx context.Context) error {
	if s.ownedQueue == nil {
		return nil
	}
	return s.ownedQueue.Start(ctx)
}

// Stop shuts the internal queue down, if the service owns one.
func (s *Service) Stop() {
	if s.ownedQueue != nil {
		s.ownedQueue.Stop()
	}
}

// StartRun admits a new run for the target and enqueues its execution.
// Returns the pending run record immediately; callers follow progress via
// GetStatus or the event stream. When the target already has an active run
// the error is a *RunConflictError carrying the existing run's ID.
func (s *Service) StartRun(ctx context.Context, target Target, steps []string) (*RunRecord, error) {
	if target.ID == "" {
		return nil, fmt.Errorf("target id is required")
	}
	record := &RunRecord{
		ID:       NewRunID(),
		TargetID: target.ID,
		JobType:  s.engine.pipeline,
		Status:   RunStatusPending,
	}
	// The store enforces single-active-run atomically; this create is the
	// admission point.
	if err := s.runs.CreateRun(ctx, record); err != nil {
		return nil, err
	}
	handle, err := s.queue.Enqueue(ctx, Task{
		Kind:  TaskStart,
		RunID: record.ID,
		Input: RunInput{RunID: record.ID, Target: target, Steps: steps},
	})
	if err != nil {
		// The run never started; release the admission slot.
		if _, ferr := s.runs.TransitionStatus(ctx, record.ID, RunStatusPending, RunStatusFailed); ferr != nil {
			s.logger.Error("failed to fail unqueued run", "run_id", record.ID, "error", ferr)
		}
		return nil, fmt.Errorf("failed to enqueue run: %w", err)
	}
	record.ExternalJobHandle = handle
	if err := s.runs.UpdateRun(ctx, record); err != nil {
		s.logger.Warn("failed to record job handle", "run_id", record.ID, "error", err)
	}
	s.logger.Info("run enqueued", "run_id", record.ID, "target_id", target.ID, "handle", handle)
	return s.runs.GetRun(ctx, record.ID)
}

// RestartRun admits a fresh run seeded from a previous run's checkpoint:
// completed steps carry over, failed steps are attempted again. The target
// comes from the prior run's checkpoint.
func (s *Service) RestartRun(ctx context.Context, fromRunID string) (*RunRecord, error) {
	prior, err := s.runs.GetRun(ctx, fromRunID)
	if err != nil {
		return nil, err
	}
	if !prior.Status.Terminal() {
		return nil, &RunConflictError{RunID: fromRunID}
	}
	checkpoint, err := s.checkpointer.Load(ctx, fromRunID)
	if err != nil {
		return nil, err
	}
	target := checkpoint.Target
	record := &RunRecord{
		ID:       NewRunID(),
		TargetID: target.ID,
		JobType:  s.engine.pipeline,
		Status:   RunStatusPending,
	}
	if err := s.runs.CreateRun(ctx, record); err != nil {
		return nil, err
	}
	handle, err := s.queue.Enqueue(ctx, Task{
		Kind:  TaskStart,
		RunID: record.ID,
		Input: RunInput{RunID: record.ID, Target: target, FromRunID: fromRunID},
	})
	if err != nil {
		if _, ferr := s.runs.TransitionStatus(ctx, record.ID, RunStatusPending, RunStatusFailed); ferr != nil {
			s.logger.Error("failed to fail unqueued run", "run_id", record.ID, "error", ferr)
		}
		return nil, fmt.Errorf("failed to enqueue run: %w", err)
	}
	record.ExternalJobHandle = handle
	if err := s.runs.UpdateRun(ctx, record); err != nil {
		s.logger.Warn("failed to record job handle", "run_id", record.ID, "error", err)
	}
	return s.runs.GetRun(ctx, record.ID)
}

// AnswerRun validates and submits a human answer for a paused run. The
// waiting_for_user → running transition happens here, on the request path,
// so that of two concurrent answers exactly one wins; the loser gets
// ErrRunConflict and nothing is enqueued for it.
func (s *Service) AnswerRun(ctx context.Context, runID, answer string) (*RunRecord, error) {
	if err := ValidateAnswer(answer); err != nil {
		return nil, err
	}
	record, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if record.Status != RunStatusWaitingForUser {
		return nil, ErrNoPendingQuestion
	}
	checkpoint, err := s.checkpointer.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if checkpoint.PendingQuestion == nil {
		return nil, ErrNoPendingQuestion
	}
	record, err = s.runs.TransitionStatus(ctx, runID, RunStatusWaitingForUser, RunStatusRunning)
	if err != nil {
		return nil, err
	}
	if _, err := s.queue.Enqueue(ctx, Task{Kind: TaskResume, RunID: runID, Answer: answer}); err != nil {
		return nil, fmt.Errorf("failed to enqueue resume: %w", err)
	}
	s.logger.Info("answer accepted", "run_id", runID, "asked_by", checkpoint.PendingQuestion.AskedBy)
	return record, nil
}

// GetStatus returns the current run record.
func (s *Service) GetStatus(ctx context.Context, runID string) (*RunRecord, error) {
	return s.runs.GetRun(ctx, runID)
}

// ListRuns returns run records matching the options, newest first.
func (s *Service) ListRuns(ctx context.Context, opts ListRunsOptions) ([]*RunRecord, error) {
	return s.runs.ListRuns(ctx, opts)
}

// RescanStep re-executes a single step of a finished run using the cached
// results of its dependencies, then persists the fresh result over the old
// one in the run's checkpoint. The run's other results are untouched and
// no other step executes.
func (s *Service) RescanStep(ctx context.Context, runID, stepName string) (*StepResult, error) {
	record, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if record.Status.Active() {
		return nil, &RunConflictError{RunID: runID}
	}
	checkpoint, err := s.checkpointer.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	result, err := s.engine.ExecuteSingleStep(ctx, stepName, RunInput{
		RunID:  runID,
		Target: checkpoint.Target,
	}, checkpoint.Results)
	if err != nil {
		return nil, err
	}
	if result.Success {
		checkpoint.Results[stepName] = result
		if err := s.checkpointer.Save(ctx, checkpoint); err != nil {
			return nil, fmt.Errorf("failed to persist rescan result: %w", err)
		}
	}
	s.logger.Info("step rescanned", "run_id", runID, "step", stepName, "success", result.Success)
	return result, nil
}

// HandleTask processes one dequeued task. Queue adapters dispatch here.
func (s *Service) HandleTask(ctx context.Context, task Task) {
	var err error
	switch task.Kind {
	case TaskStart:
		_, err = s.engine.Run(ctx, task.Input)
	case TaskResume:
		_, err = s.engine.ResumeTransitioned(ctx, task.RunID, task.Answer)
	default:
		err = fmt.Errorf("unknown task kind %q", task.Kind)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("task failed", "kind", task.Kind, "run_id", task.RunID, "error", err)
	}
}
