// Package interpreter executes an automation script step by step against a
// live browser session with a fail-fast policy.
package interpreter

import (
	"fmt"
	"time"

	"github.com/hairizuanbinnoorazman/ui-verdict/script"
)

// StepStatus is the state of a step.
type StepStatus string

const (
	StatusPending StepStatus = "pending"
	StatusRunning StepStatus = "running"
	StatusSuccess StepStatus = "success"
	StatusFailed  StepStatus = "failed"
	StatusSkipped StepStatus = "skipped"
)

// IsFinal reports whether the status seals the step.
func (s StepStatus) IsFinal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusSkipped
}

var transitions = map[StepStatus][]StepStatus{
	StatusPending: {StatusRunning, StatusSkipped},
	StatusRunning: {StatusSuccess, StatusFailed},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to StepStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StepResult is the outcome of one step. ScreenshotPath is relative to the
// artifact root.
type StepResult struct {
	Index             int           `json:"index"`
	Action            script.Action `json:"action,omitempty"`
	Description       string        `json:"description"`
	Status            StepStatus    `json:"status"`
	ScreenshotPath    string        `json:"screenshot_path,omitempty"`
	VisionObservation string        `json:"vision_observation,omitempty"`
	StartTime         time.Time     `json:"start_time"`
	EndTime           time.Time     `json:"end_time"`
	ErrorMessage      string        `json:"error_message,omitempty"`
}

// NewStepResult creates a pending result for a step.
func NewStepResult(st script.Step) StepResult {
	return StepResult{
		Index:       st.Index,
		Action:      st.Action,
		Description: st.Description,
		Status:      StatusPending,
	}
}

// Transition moves the step to a new status, stamping start and end times.
func (r *StepResult) Transition(to StepStatus, at time.Time) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("illegal step transition %s -> %s", r.Status, to)
	}
	switch to {
	case StatusRunning:
		r.StartTime = at
	case StatusSkipped:
		r.StartTime = at
		r.EndTime = at
	case StatusSuccess, StatusFailed:
		r.EndTime = at
	}
	r.Status = to
	return nil
}

// AllSucceeded reports whether every step succeeded. An empty list has not succeeded.
func AllSucceeded(steps []StepResult) bool {
	if len(steps) == 0 {
		return false
	}
	for _, s := range steps {
		if s.Status != StatusSuccess {
			return false
		}
	}
	return true
}
