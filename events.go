package dealhunter

import (
	"time"
)

// EventKind identifies the kind of a progress event.
type EventKind string

const (
	EventStart           EventKind = "start"
	EventPhaseStart      EventKind = "phase_start"
	EventStepStart       EventKind = "step_start"
	EventStepComplete    EventKind = "step_complete"
	EventAgentProgress   EventKind = "agent_progress"
	EventSectionComplete EventKind = "section_complete"
	EventDecision        EventKind = "decision"
	EventError           EventKind = "error"
	EventComplete        EventKind = "complete"
)

// ProgressEvent is a transient progress notification emitted by the engine
// and by steps during a run. Events are not persisted as a stream; ordering
// context is implicit in delivery order.
type ProgressEvent struct {
	Kind      EventKind      `json:"kind"`
	RunID     string         `json:"run_id"`
	Phase     Phase          `json:"phase,omitempty"`
	Step      string         `json:"step,omitempty"`
	Status    string         `json:"status,omitempty"`
	Message   string         `json:"message,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Terminal reports whether the event ends the stream for its run. The
// streaming transport closes the connection after a terminal event.
func (e ProgressEvent) Terminal() bool {
	return e.Kind == EventComplete || e.Kind == EventError
}

// EventSink receives progress events from the engine. Implementations must
// not block: the engine publishes from the execution path.
type EventSink interface {
	Publish(event ProgressEvent)
}

// EventPublisher is the step-facing side of event publication. The engine
// stamps run/phase/step identity before forwarding to the sink, so steps
// only supply kind, message, and payload.
type EventPublisher interface {
	Publish(kind EventKind, message string, payload map[string]any)
}

// NullSink discards all events.
type NullSink struct{}

func (NullSink) Publish(ProgressEvent) {}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(ProgressEvent)

func (f SinkFunc) Publish(event ProgressEvent) {
	f(event)
}

// SinkChain fans one event out to multiple sinks in order.
type SinkChain struct {
	sinks []EventSink
}

// NewSinkChain creates a chain over the given sinks.
func NewSinkChain(sinks ...EventSink) *SinkChain {
	return &SinkChain{sinks: sinks}
}

// Add appends a sink to the chain.
func (c *SinkChain) Add(sink EventSink) {
	c.sinks = append(c.sinks, sink)
}

func (c *SinkChain) Publish(event ProgressEvent) {
	for _, sink := range c.sinks {
		sink.Publish(event)
	}
}

// stepPublisher stamps run and step identity onto events published by a
// step before forwarding them to the engine's sink.
type stepPublisher struct {
	runID string
	phase Phase
	step  string
	sink  EventSink
}

func (p *stepPublisher) Publish(kind EventKind, message string, payload map[string]any) {
	p.sink.Publish(ProgressEvent{
		Kind:      kind,
		RunID:     p.runID,
		Phase:     p.phase,
		Step:      p.step,
		Message:   message,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}
