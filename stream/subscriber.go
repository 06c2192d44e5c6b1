package stream

import (
	"sync/atomic"

	"github.com/maphilipps/dealhunter"
)

// Subscriber receives the progress events of one run over a buffered
// channel. Delivery is best-effort: when the buffer is full events are
// dropped and counted, never blocked on, since the engine publishes from
// its execution path.
type Subscriber struct {
	runID string

	// ch is the buffered channel events are sent on.
	ch chan dealhunter.ProgressEvent

	// dropped counts events lost to a full buffer.
	dropped atomic.Int64

	// closed prevents double-close of the channel.
	closed atomic.Bool

	// detach removes the subscriber from its broker.
	detach func()
}

func newSubscriber(runID string, bufferSize int) *Subscriber {
	return &Subscriber{
		runID: runID,
		ch:    make(chan dealhunter.ProgressEvent, bufferSize),
	}
}

// RunID returns the run this subscriber follows.
func (s *Subscriber) RunID() string { return s.runID }

// C returns the read-only event channel. It closes when the subscriber is
// closed.
func (s *Subscriber) C() <-chan dealhunter.ProgressEvent { return s.ch }

// Dropped returns how many events were lost to a full buffer.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// send attempts a non-blocking delivery. Returns false when the event was
// dropped.
func (s *Subscriber) send(event dealhunter.ProgressEvent) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.ch <- event:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Close detaches the subscriber from the broker and closes its channel.
// Safe to call multiple times.
func (s *Subscriber) Close() {
	if s.closed.CompareAndSwap(false, true) {
		if s.detach != nil {
			s.detach()
		}
		close(s.ch)
	}
}
