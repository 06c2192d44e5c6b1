package dealhunter

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitForStatus(t *testing.T, store RunStore, runID string, want RunStatus) *RunRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		record, err := store.GetRun(context.Background(), runID)
		require.NoError(t, err)
		if record.Status == want {
			return record
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never reached status %s", runID, want)
	return nil
}

func newTestService(t *testing.T, registry *Registry) (*Service, *testHarness) {
	t.Helper()
	h := newTestHarness(t, registry)
	service, err := NewService(ServiceOptions{
		Engine:       h.engine,
		Runs:         h.runs,
		Checkpointer: h.checkpointer,
	})
	require.NoError(t, err)
	require.NoError(t, service.Start(context.Background()))
	t.Cleanup(service.Stop)
	return service, h
}

func TestServiceStartRun(t *testing.T) {
	registry := NewRegistry().MustRegister(
		NewStepFunc(StepDefinition{Name: "quick", Phase: PhaseCollect},
			func(ctx context.Context, in StepInput) (any, error) {
				return "done", nil
			}),
	)
	service, h := newTestService(t, registry)
	ctx := context.Background()

	record, err := service.StartRun(ctx, Target{ID: "t1", URL: "https://example.com"}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, record.ID)
	require.NotEmpty(t, record.ExternalJobHandle)

	final := waitForStatus(t, h.runs, record.ID, RunStatusCompleted)
	require.Equal(t, []string{"quick"}, final.CompletedSteps)
	require.Equal(t, 100, final.Progress)
}

func TestServiceStartRunConflict(t *testing.T) {
	release := make(chan struct{})
	registry := NewRegistry().MustRegister(
		NewStepFunc(StepDefinition{Name: "slow", Phase: PhaseCollect},
			func(ctx context.Context, in StepInput) (any, error) {
				<-release
				return "done", nil
			}),
	)
	service, h := newTestService(t, registry)
	ctx := context.Background()

	first, err := service.StartRun(ctx, Target{ID: "t1"}, nil)
	require.NoError(t, err)

	_, err = service.StartRun(ctx, Target{ID: "t1"}, nil)
	var conflict *RunConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, first.ID, conflict.RunID)

	// A different target is unaffected.
	_, err = service.StartRun(ctx, Target{ID: "t2"}, nil)
	require.NoError(t, err)

	close(release)
	waitForStatus(t, h.runs, first.ID, RunStatusCompleted)

	t.Run("finished run frees the target", func(t *testing.T) {
		_, err := service.StartRun(ctx, Target{ID: "t1"}, nil)
		require.NoError(t, err)
	})
}

func TestServiceAnswerRun(t *testing.T) {
	registry := NewRegistry().MustRegister(
		NewStepFunc(StepDefinition{Name: "decide", Phase: PhaseCollect},
			func(ctx context.Context, in StepInput) (any, error) {
				if in.Answer == "" {
					return nil, Pause("pick a lane")
				}
				return in.Answer, nil
			}),
	)
	service, h := newTestService(t, registry)
	ctx := context.Background()

	record, err := service.StartRun(ctx, Target{ID: "t1"}, nil)
	require.NoError(t, err)
	waitForStatus(t, h.runs, record.ID, RunStatusWaitingForUser)

	t.Run("invalid answer is rejected", func(t *testing.T) {
		_, err := service.AnswerRun(ctx, record.ID, "")
		var invalid *InvalidAnswerError
		require.ErrorAs(t, err, &invalid)
	})

	t.Run("answer resumes the run", func(t *testing.T) {
		updated, err := service.AnswerRun(ctx, record.ID, "left")
		require.NoError(t, err)
		require.Equal(t, RunStatusRunning, updated.Status)

		final := waitForStatus(t, h.runs, record.ID, RunStatusCompleted)
		require.Equal(t, []string{"decide"}, final.CompletedSteps)
	})

	t.Run("answering a finished run conflicts", func(t *testing.T) {
		_, err := service.AnswerRun(ctx, record.ID, "again")
		require.ErrorIs(t, err, ErrNoPendingQuestion)
	})
}

func TestServiceRescanStep(t *testing.T) {
	var fetchCalls, analyzeCalls atomic.Int32
	registry := NewRegistry().MustRegister(
		NewStepFunc(StepDefinition{Name: "fetch", Phase: PhaseCollect},
			func(ctx context.Context, in StepInput) (any, error) {
				fetchCalls.Add(1)
				return "page", nil
			}),
		NewStepFunc(StepDefinition{Name: "analyze", Phase: PhaseAnalysis, DependsOn: []string{"fetch"}},
			func(ctx context.Context, in StepInput) (any, error) {
				analyzeCalls.Add(1)
				out, _ := in.Results.Output("fetch")
				return map[string]any{"source": out, "attempt": analyzeCalls.Load()}, nil
			}),
	)
	service, h := newTestService(t, registry)
	ctx := context.Background()

	record, err := service.StartRun(ctx, Target{ID: "t1"}, nil)
	require.NoError(t, err)
	waitForStatus(t, h.runs, record.ID, RunStatusCompleted)
	require.Equal(t, int32(1), fetchCalls.Load())

	t.Run("rescan re-executes only the named step", func(t *testing.T) {
		result, err := service.RescanStep(ctx, record.ID, "analyze")
		require.NoError(t, err)
		require.True(t, result.Success)
		require.Equal(t, int32(2), analyzeCalls.Load())
		require.Equal(t, int32(1), fetchCalls.Load(), "dependency served from cache")
	})

	t.Run("fresh result replaces the old one in the checkpoint", func(t *testing.T) {
		checkpoint, err := h.checkpointer.Load(ctx, record.ID)
		require.NoError(t, err)
		output, ok := checkpoint.Results["analyze"].Output.(map[string]any)
		require.True(t, ok)
		require.Equal(t, int32(2), output["attempt"])
	})

	t.Run("rescan of an active run conflicts", func(t *testing.T) {
		blocked := make(chan struct{})
		defer close(blocked)
		blockedRegistry := NewRegistry().MustRegister(
			NewStepFunc(StepDefinition{Name: "wait", Phase: PhaseCollect},
				func(ctx context.Context, in StepInput) (any, error) {
					<-blocked
					return nil, nil
				}),
		)
		blockedService, blockedHarness := newTestService(t, blockedRegistry)
		active, err := blockedService.StartRun(ctx, Target{ID: "t9"}, nil)
		require.NoError(t, err)
		waitForStatus(t, blockedHarness.runs, active.ID, RunStatusRunning)

		_, err = blockedService.RescanStep(ctx, active.ID, "wait")
		require.ErrorIs(t, err, ErrRunConflict)
	})

	t.Run("unknown run", func(t *testing.T) {
		_, err := service.RescanStep(ctx, "run_ghost", "analyze")
		require.ErrorIs(t, err, ErrRunNotFound)
	})
}

func TestServiceRestartRun(t *testing.T) {
	var attempts atomic.Int32
	registry := NewRegistry().MustRegister(
		NewStepFunc(StepDefinition{Name: "stable", Phase: PhaseCollect},
			func(ctx context.Context, in StepInput) (any, error) {
				return "ok", nil
			}),
		NewStepFunc(StepDefinition{Name: "flaky", Phase: PhaseAnalysis, DependsOn: []string{"stable"}},
			func(ctx context.Context, in StepInput) (any, error) {
				if attempts.Add(1) == 1 {
					return nil, context.DeadlineExceeded
				}
				return "recovered", nil
			}),
	)
	service, h := newTestService(t, registry)
	ctx := context.Background()

	first, err := service.StartRun(ctx, Target{ID: "t1"}, nil)
	require.NoError(t, err)
	waitForStatus(t, h.runs, first.ID, RunStatusFailed)

	t.Run("restart of an active run conflicts", func(t *testing.T) {
		_, err := service.RestartRun(ctx, "run_ghost")
		require.ErrorIs(t, err, ErrRunNotFound)
	})

	second, err := service.RestartRun(ctx, first.ID)
	require.NoError(t, err)
	final := waitForStatus(t, h.runs, second.ID, RunStatusCompleted)
	require.ElementsMatch(t, []string{"stable", "flaky"}, final.CompletedSteps)
	require.Equal(t, int32(2), attempts.Load())
}
