// Package progress defines the task lifecycle events emitted by the task
// orchestrator.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the lifecycle milestone represented by an Event.
type Stage string

// Supported lifecycle stages.
const (
	StageTaskCreated   Stage = "TASK_CREATED"
	StageTaskStart     Stage = "TASK_START"
	StageTaskDone      Stage = "TASK_DONE"
	StageTaskError     Stage = "TASK_ERROR"
	StageTaskCancelled Stage = "TASK_CANCELLED"
)

// Event captures one task lifecycle transition.
type Event struct {
	// TaskID is the orchestrator's task identifier.
	TaskID string
	// Kind is the work-unit kind, e.g. crawl_incremental.
	Kind string
	// TS is the time of the transition.
	TS time.Time
	Stage Stage
	// Dur is the time since the task started; set on terminal stages.
	Dur time.Duration
	// Note carries the status message (error text on failure).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TaskID == "" {
		return errors.New("task id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageTaskCreated, StageTaskStart, StageTaskDone, StageTaskError, StageTaskCancelled:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the stage ends a task.
func (s Stage) Terminal() bool {
	return s == StageTaskDone || s == StageTaskError || s == StageTaskCancelled
}

// Result maps terminal stages to the archive status name.
func (s Stage) Result() string {
	switch s {
	case StageTaskDone:
		return "completed"
	case StageTaskError:
		return "failed"
	case StageTaskCancelled:
		return "cancelled"
	default:
		return "running"
	}
}
