// Package stream delivers run progress to remote observers: a broker fans
// engine events out to per-run subscribers on the server side, and a
// client consumes the resulting SSE feed with batching, a bounded event
// log, and reconnect with backoff.
package stream

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/maphilipps/dealhunter"
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// Compile-time interface check.
var _ dealhunter.EventSink = (*Broker)(nil)

// Broker fans progress events out to per-run subscribers. Publishing never
// blocks; slow subscribers lose events rather than stalling the engine.
type Broker struct {
	logger     *slog.Logger
	bufferSize int

	mu   sync.RWMutex
	subs map[string]map[*Subscriber]struct{}

	totalPublished atomic.Int64
	totalDropped   atomic.Int64
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) {
		if size > 0 {
			b.bufferSize = size
		}
	}
}

// WithLogger sets the broker's diagnostic logger.
func WithLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) { b.logger = logger }
}

// NewBroker creates a stream broker.
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		bufferSize: DefaultBufferSize,
		subs:       map[string]map[*Subscriber]struct{}{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe creates a subscriber for one run's events. Close it when done.
func (b *Broker) Subscribe(runID string) *Subscriber {
	sub := newSubscriber(runID, b.bufferSize)
	sub.detach = func() { b.remove(runID, sub) }
	b.mu.Lock()
	set, ok := b.subs[runID]
	if !ok {
		set = map[*Subscriber]struct{}{}
		b.subs[runID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish implements dealhunter.EventSink.
func (b *Broker) Publish(event dealhunter.ProgressEvent) {
	b.totalPublished.Add(1)
	b.mu.RLock()
	set := b.subs[event.RunID]
	subs := make([]*Subscriber, 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.send(event) {
			b.totalDropped.Add(1)
			b.logger.Debug("event dropped, subscriber buffer full",
				"run_id", event.RunID, "kind", event.Kind)
		}
	}
}

// Stats returns total published and dropped event counts.
func (b *Broker) Stats() (published, dropped int64) {
	return b.totalPublished.Load(), b.totalDropped.Load()
}

// SubscriberCount returns the number of subscribers for a run.
func (b *Broker) SubscriberCount(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[runID])
}

func (b *Broker) remove(runID string, sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[runID]
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, runID)
	}
}
