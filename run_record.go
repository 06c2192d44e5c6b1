package dealhunter

import (
	"time"

	"go.jetify.com/typeid"
)

// NewRunID returns a new unique run identifier.
func NewRunID() string {
	id, err := typeid.WithPrefix("run")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// RunStatus is the lifecycle state of a run record.
type RunStatus string

const (
	RunStatusPending        RunStatus = "pending"
	RunStatusRunning        RunStatus = "running"
	RunStatusWaitingForUser RunStatus = "waiting_for_user"
	RunStatusCompleted      RunStatus = "completed"
	RunStatusFailed         RunStatus = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Active reports whether a run in this status blocks new runs for the same
// target.
func (s RunStatus) Active() bool {
	return s == RunStatusPending || s == RunStatusRunning || s == RunStatusWaitingForUser
}

// CanTransition reports whether the state machine permits moving from s to
// next. running → running is the only legal self-transition (progress and
// step updates); waiting_for_user permits exactly one resume back to
// running; terminal states permit nothing.
func (s RunStatus) CanTransition(next RunStatus) bool {
	switch s {
	case RunStatusPending:
		return next == RunStatusRunning || next == RunStatusFailed
	case RunStatusRunning:
		return next == RunStatusRunning || next == RunStatusCompleted ||
			next == RunStatusFailed || next == RunStatusWaitingForUser
	case RunStatusWaitingForUser:
		return next == RunStatusRunning
	default:
		return false
	}
}

// RunRecord is the durable, externally visible job state for one run. It
// survives process restarts and is the source of truth for status queries.
// Status transitions are the only legal mutations; a record is never deleted
// while running or waiting_for_user.
type RunRecord struct {
	ID                string     `json:"id"`
	TargetID          string     `json:"target_id"`
	JobType           string     `json:"job_type"`
	Status            RunStatus  `json:"status"`
	Progress          int        `json:"progress"`
	CurrentStep       string     `json:"current_step,omitempty"`
	CompletedSteps    []string   `json:"completed_steps,omitempty"`
	PendingSteps      []string   `json:"pending_steps,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	ExternalJobHandle string     `json:"external_job_handle,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// Copy returns a copy safe to hand across goroutines.
func (r *RunRecord) Copy() *RunRecord {
	cp := *r
	cp.CompletedSteps = append([]string(nil), r.CompletedSteps...)
	cp.PendingSteps = append([]string(nil), r.PendingSteps...)
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
