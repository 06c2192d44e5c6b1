package dealhunter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type eventCollector struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (c *eventCollector) Publish(event ProgressEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *eventCollector) byKind(kind EventKind) []ProgressEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ProgressEvent
	for _, event := range c.events {
		if event.Kind == kind {
			out = append(out, event)
		}
	}
	return out
}

type testHarness struct {
	engine       *Engine
	runs         *MemoryRunStore
	checkpointer *MemoryCheckpointer
	events       *eventCollector
}

func newTestHarness(t *testing.T, registry *Registry) *testHarness {
	t.Helper()
	h := &testHarness{
		runs:         NewMemoryRunStore(),
		checkpointer: NewMemoryCheckpointer(),
		events:       &eventCollector{},
	}
	engine, err := NewEngine(EngineOptions{
		Registry:     registry,
		Pipeline:     "test",
		Runs:         h.runs,
		Checkpointer: h.checkpointer,
		Events:       h.events,
	})
	require.NoError(t, err)
	h.engine = engine
	return h
}

func TestEngineRunConcurrentPhase(t *testing.T) {
	// a and b must overlap: each waits for the other to start before
	// returning, so the run only completes if the phase dispatched both
	// concurrently.
	aStarted := make(chan struct{})
	bStarted := make(chan struct{})
	registry := NewRegistry().MustRegister(
		NewStepFunc(StepDefinition{Name: "a", Phase: PhaseCollect},
			func(ctx context.Context, in StepInput) (any, error) {
				close(aStarted)
				select {
				case <-bStarted:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				return "a-out", nil
			}),
		NewStepFunc(StepDefinition{Name: "b", Phase: PhaseCollect},
			func(ctx context.Context, in StepInput) (any, error) {
				close(bStarted)
				select {
				case <-aStarted:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				return "b-out", nil
			}),
		NewStepFunc(StepDefinition{Name: "c", Phase: PhaseSynthesis, DependsOn: []string{"a", "b"}},
			func(ctx context.Context, in StepInput) (any, error) {
				aOut, ok := in.Results.Output("a")
				if !ok {
					return nil, fmt.Errorf("missing a output")
				}
				bOut, ok := in.Results.Output("b")
				if !ok {
					return nil, fmt.Errorf("missing b output")
				}
				return fmt.Sprintf("%v+%v", aOut, bOut), nil
			}),
	)

	h := newTestHarness(t, registry)
	outcome, err := h.engine.Run(context.Background(), RunInput{Target: Target{ID: "t1"}})
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, outcome.Status)
	require.Equal(t, "a-out+b-out", outcome.Results["c"].Output)

	record, err := h.runs.GetRun(context.Background(), outcome.RunID)
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, record.Status)
	require.Equal(t, 100, record.Progress)
	require.Equal(t, []string{"a", "b", "c"}, record.CompletedSteps)
	require.NotNil(t, record.CompletedAt)
}

func TestEngineRunRequiredFailure(t *testing.T) {
	var aCalls, bCalls atomic.Int32
	bDone := make(chan struct{})
	registry := NewRegistry().MustRegister(
		// a waits for b so the phase's partial result is deterministic.
		NewStepFunc(StepDefinition{Name: "a", Phase: PhaseCollect},
			func(ctx context.Context, in StepInput) (any, error) {
				aCalls.Add(1)
				<-bDone
				return nil, errors.New("upstream is down")
			}),
		NewStepFunc(StepDefinition{Name: "b", Phase: PhaseCollect},
			func(ctx context.Context, in StepInput) (any, error) {
				bCalls.Add(1)
				defer close(bDone)
				return "b-out", nil
			}),
		NewStepFunc(StepDefinition{Name: "c", Phase: PhaseSynthesis, DependsOn: []string{"a", "b"}},
			func(ctx context.Context, in StepInput) (any, error) {
				return "c-out", nil
			}),
	)

	h := newTestHarness(t, registry)
	outcome, err := h.engine.Run(context.Background(), RunInput{Target: Target{ID: "t1"}})
	require.NoError(t, err)
	require.Equal(t, RunStatusFailed, outcome.Status)
	require.Contains(t, outcome.ErrorMessage, "upstream is down")
	require.Equal(t, []string{"a"}, outcome.FailedSteps)

	t.Run("partial results preserved in checkpoint", func(t *testing.T) {
		checkpoint, err := h.checkpointer.Load(context.Background(), outcome.RunID)
		require.NoError(t, err)
		require.Contains(t, checkpoint.Results, "b")
		require.NotContains(t, checkpoint.Results, "a")
		require.Equal(t, []string{"a"}, checkpoint.FailedSteps)
	})

	t.Run("record carries the error message", func(t *testing.T) {
		record, err := h.runs.GetRun(context.Background(), outcome.RunID)
		require.NoError(t, err)
		require.Equal(t, RunStatusFailed, record.Status)
		require.Contains(t, record.ErrorMessage, "upstream is down")
	})

	require.Equal(t, int32(1), aCalls.Load())
	require.Equal(t, int32(1), bCalls.Load())
}

func TestEngineRestartFromCheckpoint(t *testing.T) {
	var aCalls, bCalls atomic.Int32
	aShouldFail := true
	registry := NewRegistry().MustRegister(
		NewStepFunc(StepDefinition{Name: "b", Phase: PhaseCollect},
			func(ctx context.Context, in StepInput) (any, error) {
				bCalls.Add(1)
				return "b-out", nil
			}),
		NewStepFunc(StepDefinition{Name: "a", Phase: PhaseAnalysis, DependsOn: []string{"b"}},
			func(ctx context.Context, in StepInput) (any, error) {
				aCalls.Add(1)
				if aShouldFail {
					return nil, errors.New("flaky")
				}
				return "a-out", nil
			}),
	)

	h := newTestHarness(t, registry)
	first, err := h.engine.Run(context.Background(), RunInput{Target: Target{ID: "t1"}})
	require.NoError(t, err)
	require.Equal(t, RunStatusFailed, first.Status)
	require.Equal(t, int32(1), aCalls.Load())
	require.Equal(t, int32(1), bCalls.Load())

	aShouldFail = false
	second, err := h.engine.Run(context.Background(), RunInput{
		Target:    Target{ID: "t1"},
		FromRunID: first.RunID,
	})
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, second.Status)
	require.Equal(t, int32(2), aCalls.Load(), "failed step runs again")
	require.Equal(t, int32(1), bCalls.Load(), "completed step is never re-executed")
	require.Equal(t, "b-out", second.Results["b"].Output)
}

func TestEngineOptionalFailureSkipsDependents(t *testing.T) {
	registry := NewRegistry().MustRegister(
		NewStepFunc(StepDefinition{Name: "flaky", Phase: PhaseCollect, Optional: true},
			func(ctx context.Context, in StepInput) (any, error) {
				return nil, errors.New("optional source unavailable")
			}),
		NewStepFunc(StepDefinition{Name: "solid", Phase: PhaseCollect},
			func(ctx context.Context, in StepInput) (any, error) {
				return "solid-out", nil
			}),
		NewStepFunc(StepDefinition{Name: "dependent", Phase: PhaseAnalysis, DependsOn: []string{"flaky"}},
			func(ctx context.Context, in StepInput) (any, error) {
				t.Error("dependent of a failed optional step must not execute")
				return nil, nil
			}),
		NewStepFunc(StepDefinition{Name: "transitive", Phase: PhaseSynthesis, DependsOn: []string{"dependent"}},
			func(ctx context.Context, in StepInput) (any, error) {
				t.Error("transitive dependent must not execute")
				return nil, nil
			}),
	)

	h := newTestHarness(t, registry)
	outcome, err := h.engine.Run(context.Background(), RunInput{Target: Target{ID: "t1"}})
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, outcome.Status, "optional failure never aborts the run")
	require.Equal(t, []string{"flaky"}, outcome.FailedSteps)
	require.Equal(t, []string{"dependent", "transitive"}, outcome.SkippedSteps)

	t.Run("skip is surfaced as a step_complete event", func(t *testing.T) {
		var skipped []string
		for _, event := range h.events.byKind(EventStepComplete) {
			if event.Status == "skipped" {
				skipped = append(skipped, event.Step)
			}
		}
		require.ElementsMatch(t, []string{"dependent", "transitive"}, skipped)
	})

	t.Run("skip is recorded in the checkpoint", func(t *testing.T) {
		checkpoint, err := h.checkpointer.Load(context.Background(), outcome.RunID)
		require.NoError(t, err)
		require.Equal(t, []string{"dependent", "transitive"}, checkpoint.SkippedSteps)
	})
}

func TestEnginePauseAndResume(t *testing.T) {
	registry := NewRegistry().MustRegister(
		NewStepFunc(StepDefinition{Name: "gather", Phase: PhaseCollect},
			func(ctx context.Context, in StepInput) (any, error) {
				return "facts", nil
			}),
		NewStepFunc(StepDefinition{Name: "decide", Phase: PhaseSynthesis, DependsOn: []string{"gather"}},
			func(ctx context.Context, in StepInput) (any, error) {
				if in.Answer == "" {
					return nil, Pause("which option?")
				}
				return "chose " + in.Answer, nil
			}),
	)

	h := newTestHarness(t, registry)
	outcome, err := h.engine.Run(context.Background(), RunInput{Target: Target{ID: "t1"}})
	require.NoError(t, err)
	require.Equal(t, RunStatusWaitingForUser, outcome.Status)
	require.NotNil(t, outcome.PendingQuestion)
	require.Equal(t, "which option?", outcome.PendingQuestion.Prompt)
	require.Equal(t, "decide", outcome.PendingQuestion.AskedBy)

	t.Run("question is persisted in the checkpoint", func(t *testing.T) {
		checkpoint, err := h.checkpointer.Load(context.Background(), outcome.RunID)
		require.NoError(t, err)
		require.NotNil(t, checkpoint.PendingQuestion)
		require.Equal(t, "which option?", checkpoint.PendingQuestion.Prompt)
	})

	t.Run("record is waiting for user", func(t *testing.T) {
		record, err := h.runs.GetRun(context.Background(), outcome.RunID)
		require.NoError(t, err)
		require.Equal(t, RunStatusWaitingForUser, record.Status)
	})

	t.Run("decision event carries the prompt", func(t *testing.T) {
		decisions := h.events.byKind(EventDecision)
		require.NotEmpty(t, decisions)
		require.Equal(t, "which option?", decisions[len(decisions)-1].Message)
	})

	t.Run("resume injects the answer into the paused step", func(t *testing.T) {
		resumed, err := h.engine.Resume(context.Background(), outcome.RunID, "option b")
		require.NoError(t, err)
		require.Equal(t, RunStatusCompleted, resumed.Status)
		require.Equal(t, "chose option b", resumed.Results["decide"].Output)
	})

	t.Run("second resume finds no pending question", func(t *testing.T) {
		_, err := h.engine.Resume(context.Background(), outcome.RunID, "again")
		require.ErrorIs(t, err, ErrNoPendingQuestion)
	})
}

func TestEngineResumeRace(t *testing.T) {
	registry := NewRegistry().MustRegister(
		NewStepFunc(StepDefinition{Name: "decide", Phase: PhaseCollect},
			func(ctx context.Context, in StepInput) (any, error) {
				if in.Answer == "" {
					return nil, Pause("pick one")
				}
				return in.Answer, nil
			}),
	)

	h := newTestHarness(t, registry)
	outcome, err := h.engine.Run(context.Background(), RunInput{Target: Target{ID: "t1"}})
	require.NoError(t, err)
	require.Equal(t, RunStatusWaitingForUser, outcome.Status)

	// Two concurrent answers: exactly one must win the transition, the
	// loser must get a conflict.
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Resume(context.Background(), outcome.RunID, "yes")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var losses, successes int
	for err := range errs {
		if err == nil {
			successes++
			continue
		}
		// The loser sees the conflict at the transition, or finds the
		// question already consumed when it loads the checkpoint late.
		if errors.Is(err, ErrRunConflict) || errors.Is(err, ErrNoPendingQuestion) {
			losses++
		} else {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, successes)
	require.Equal(t, 1, losses)
}

// brokenCheckpointer fails every save, simulating a full or unavailable
// checkpoint store.
type brokenCheckpointer struct {
	*MemoryCheckpointer
}

func (c *brokenCheckpointer) Save(ctx context.Context, checkpoint *Checkpoint) error {
	return errors.New("disk full")
}

func TestEngineInfrastructureFailureReleasesTarget(t *testing.T) {
	registry := NewRegistry().MustRegister(
		NewStepFunc(StepDefinition{Name: "a", Phase: PhaseCollect},
			func(ctx context.Context, in StepInput) (any, error) {
				return "a-out", nil
			}),
	)
	runs := NewMemoryRunStore()
	events := &eventCollector{}
	engine, err := NewEngine(EngineOptions{
		Registry:     registry,
		Pipeline:     "test",
		Runs:         runs,
		Checkpointer: &brokenCheckpointer{MemoryCheckpointer: NewMemoryCheckpointer()},
		Events:       events,
	})
	require.NoError(t, err)

	outcome, err := engine.Run(context.Background(), RunInput{RunID: "run_broken", Target: Target{ID: "t1"}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "disk full")
	require.Nil(t, outcome)

	t.Run("record is terminal and carries the error", func(t *testing.T) {
		record, err := runs.GetRun(context.Background(), "run_broken")
		require.NoError(t, err)
		require.Equal(t, RunStatusFailed, record.Status)
		require.Contains(t, record.ErrorMessage, "disk full")
		require.NotNil(t, record.CompletedAt)
	})

	t.Run("terminal error event is published", func(t *testing.T) {
		errorEvents := events.byKind(EventError)
		require.NotEmpty(t, errorEvents)
		require.Contains(t, errorEvents[len(errorEvents)-1].Message, "disk full")
	})

	t.Run("target accepts a new run", func(t *testing.T) {
		next := &RunRecord{ID: "run_next", TargetID: "t1", Status: RunStatusPending}
		require.NoError(t, runs.CreateRun(context.Background(), next))
	})
}

func TestEngineResumeValidation(t *testing.T) {
	registry := NewRegistry().MustRegister(noopStep("a", PhaseCollect, nil, false))
	h := newTestHarness(t, registry)

	t.Run("empty answer is invalid", func(t *testing.T) {
		_, err := h.engine.Resume(context.Background(), "run_x", "   ")
		var invalid *InvalidAnswerError
		require.ErrorAs(t, err, &invalid)
	})

	t.Run("unknown run has no checkpoint", func(t *testing.T) {
		_, err := h.engine.Resume(context.Background(), "run_x", "fine")
		require.ErrorIs(t, err, ErrCheckpointNotFound)
	})
}

func TestEngineExecuteSingleStep(t *testing.T) {
	var depCalls atomic.Int32
	registry := NewRegistry().MustRegister(
		NewStepFunc(StepDefinition{Name: "dep", Phase: PhaseCollect},
			func(ctx context.Context, in StepInput) (any, error) {
				depCalls.Add(1)
				return "dep-out", nil
			}),
		NewStepFunc(StepDefinition{Name: "target", Phase: PhaseAnalysis, DependsOn: []string{"dep"}},
			func(ctx context.Context, in StepInput) (any, error) {
				out, _ := in.Results.Output("dep")
				return fmt.Sprintf("rescanned with %v", out), nil
			}),
	)
	h := newTestHarness(t, registry)

	t.Run("cached dependency is never re-executed", func(t *testing.T) {
		cached := map[string]*StepResult{
			"dep": {StepName: "dep", Success: true, Output: "cached-dep"},
		}
		result, err := h.engine.ExecuteSingleStep(context.Background(), "target",
			RunInput{RunID: "run_1", Target: Target{ID: "t1"}}, cached)
		require.NoError(t, err)
		require.True(t, result.Success)
		require.Equal(t, "rescanned with cached-dep", result.Output)
		require.Equal(t, int32(0), depCalls.Load())
	})

	t.Run("missing dependency fails", func(t *testing.T) {
		_, err := h.engine.ExecuteSingleStep(context.Background(), "target",
			RunInput{RunID: "run_1"}, nil)
		var stepErr *StepExecutionError
		require.ErrorAs(t, err, &stepErr)
		require.Equal(t, "target", stepErr.Step)
	})

	t.Run("unknown step fails", func(t *testing.T) {
		_, err := h.engine.ExecuteSingleStep(context.Background(), "ghost",
			RunInput{RunID: "run_1"}, nil)
		require.Error(t, err)
		require.Contains(t, err.Error(), "unknown step")
	})
}

func TestEngineLazyStepSelection(t *testing.T) {
	var extraCalls atomic.Int32
	registry := NewRegistry().MustRegister(
		NewStepFunc(StepDefinition{Name: "wanted", Phase: PhaseCollect},
			func(ctx context.Context, in StepInput) (any, error) {
				return "ok", nil
			}),
		NewStepFunc(StepDefinition{Name: "extra", Phase: PhaseCollect},
			func(ctx context.Context, in StepInput) (any, error) {
				extraCalls.Add(1)
				return "never", nil
			}),
	)

	h := newTestHarness(t, registry)
	outcome, err := h.engine.Run(context.Background(), RunInput{
		Target: Target{ID: "t1"},
		Steps:  []string{"wanted"},
	})
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, outcome.Status)
	require.Equal(t, int32(0), extraCalls.Load(), "unrequested step must never execute")
	require.NotContains(t, outcome.Results, "extra")
}
