package stream

import (
	"sync"

	"github.com/maphilipps/dealhunter"
)

// StepView is the display state of one step.
type StepView struct {
	Name       string          `json:"name"`
	Phase      dealhunter.Phase `json:"phase,omitempty"`
	Status     string          `json:"status"`
	Message    string          `json:"message,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
}

// ViewSnapshot is a point-in-time copy of the projected run state.
type ViewSnapshot struct {
	RunID        string
	Status       string
	CurrentPhase dealhunter.Phase
	Steps        map[string]*StepView
	Question     string
	ErrorMessage string
}

// View is the incrementally updated projection of a run's event stream.
// Display state is derived here, event by event, never by replaying the
// retained log: the log is bounded and may have dropped its head.
type View struct {
	mu           sync.Mutex
	runID        string
	status       string
	currentPhase dealhunter.Phase
	steps        map[string]*StepView
	question     string
	errorMessage string
}

// NewView creates an empty projection.
func NewView() *View {
	return &View{steps: map[string]*StepView{}}
}

// Apply folds one event into the projection.
func (v *View) Apply(event dealhunter.ProgressEvent) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.runID == "" {
		v.runID = event.RunID
	}
	switch event.Kind {
	case dealhunter.EventStart:
		v.status = "running"
	case dealhunter.EventPhaseStart:
		v.currentPhase = event.Phase
	case dealhunter.EventStepStart:
		v.step(event).Status = "running"
	case dealhunter.EventStepComplete:
		step := v.step(event)
		step.Status = event.Status
		step.Message = event.Message
		if ms, ok := event.Payload["duration_ms"].(float64); ok {
			step.DurationMs = int64(ms)
		}
	case dealhunter.EventAgentProgress, dealhunter.EventSectionComplete:
		if event.Step != "" {
			v.step(event).Message = event.Message
		}
	case dealhunter.EventDecision:
		v.status = "waiting_for_user"
		v.question = event.Message
	case dealhunter.EventError:
		v.status = "failed"
		v.errorMessage = event.Message
	case dealhunter.EventComplete:
		v.status = "completed"
	}
}

func (v *View) step(event dealhunter.ProgressEvent) *StepView {
	step, ok := v.steps[event.Step]
	if !ok {
		step = &StepView{Name: event.Step, Phase: event.Phase, Status: "pending"}
		v.steps[event.Step] = step
	}
	return step
}

// Snapshot returns a copy of the current projection.
func (v *View) Snapshot() ViewSnapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	steps := make(map[string]*StepView, len(v.steps))
	for name, step := range v.steps {
		cp := *step
		steps[name] = &cp
	}
	return ViewSnapshot{
		RunID:        v.runID,
		Status:       v.status,
		CurrentPhase: v.currentPhase,
		Steps:        steps,
		Question:     v.question,
		ErrorMessage: v.errorMessage,
	}
}

// eventRing is a fixed-capacity circular buffer of events for display.
// Oldest events are overwritten first.
type eventRing struct {
	mu    sync.Mutex
	buf   []dealhunter.ProgressEvent
	next  int
	count int
}

func newEventRing(capacity int) *eventRing {
	return &eventRing{buf: make([]dealhunter.ProgressEvent, capacity)}
}

func (r *eventRing) Add(event dealhunter.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = event
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// Snapshot returns the retained events, oldest first.
func (r *eventRing) Snapshot() []dealhunter.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]dealhunter.ProgressEvent, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}
