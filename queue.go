package dealhunter

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"go.jetify.com/typeid"
)

// TaskKind distinguishes queued work items.
type TaskKind string

const (
	// TaskStart executes a run from the beginning (or its checkpoint).
	TaskStart TaskKind = "start"

	// TaskResume continues a paused run with a human answer. The record has
	// already been moved to running by the enqueuer.
	TaskResume TaskKind = "resume"
)

// Task is one unit of queued work.
type Task struct {
	Kind   TaskKind
	RunID  string
	Input  RunInput
	Answer string
}

// JobQueue hands run execution off to a background worker. Enqueue returns
// an opaque handle for correlating with the external job system; callers
// never wait on it for completion, the run record is the source of truth.
type JobQueue interface {
	Enqueue(ctx context.Context, task Task) (handle string, err error)
}

// TaskHandler processes one dequeued task.
type TaskHandler func(ctx context.Context, task Task)

// newJobHandle returns a new unique queue handle.
func newJobHandle() string {
	id, err := typeid.WithPrefix("job")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// MemoryQueueOptions configures an in-process queue.
type MemoryQueueOptions struct {
	// Handler processes dequeued tasks. Required.
	Handler TaskHandler

	// Concurrency is the number of worker goroutines. Defaults to 2.
	Concurrency int

	// BufferSize is the queue depth before Enqueue blocks. Defaults to 64.
	BufferSize int

	// Logger for queue diagnostics. Defaults to a discard logger.
	Logger *slog.Logger
}

// MemoryQueue is an in-process JobQueue backed by a channel and a fixed
// worker pool. Tasks are lost on process exit; durable recovery comes from
// checkpoints, not from the queue.
type MemoryQueue struct {
	handler     TaskHandler
	tasks       chan Task
	concurrency int
	logger      *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ JobQueue = (*MemoryQueue)(nil)

// NewMemoryQueue creates a queue. Call Start before enqueueing.
func NewMemoryQueue(opts MemoryQueueOptions) (*MemoryQueue, error) {
	if opts.Handler == nil {
		return nil, fmt.Errorf("task handler is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 64
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &MemoryQueue{
		handler:     opts.Handler,
		tasks:       make(chan Task, opts.BufferSize),
		concurrency: opts.Concurrency,
		logger:      opts.Logger,
	}, nil
}

// Start launches the worker pool.
func (q *MemoryQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return fmt.Errorf("queue already started")
	}
	q.started = true
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.cancel = cancel
	for i := 0; i < q.concurrency; i++ {
		q.wg.Add(1)
		go q.work(workerCtx, i)
	}
	q.logger.Info("queue started", "concurrency", q.concurrency)
	return nil
}

// Stop drains in-flight tasks and shuts the pool down. Queued but unstarted
// tasks are discarded.
func (q *MemoryQueue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	q.cancel()
	q.mu.Unlock()
	q.wg.Wait()
	q.logger.Info("queue stopped")
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task Task) (string, error) {
	q.mu.Lock()
	started := q.started
	q.mu.Unlock()
	if !started {
		return "", fmt.Errorf("queue not started")
	}
	handle := newJobHandle()
	select {
	case q.tasks <- task:
		q.logger.Debug("task enqueued", "kind", task.Kind, "run_id", task.RunID, "handle", handle)
		return handle, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (q *MemoryQueue) work(ctx context.Context, worker int) {
	defer q.wg.Done()
	logger := q.logger.With("worker", worker)
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-q.tasks:
			logger.Debug("task dequeued", "kind", task.Kind, "run_id", task.RunID)
			q.handler(ctx, task)
		}
	}
}
