// Package store declares the task history archive contract. Implementations
// live elsewhere; this package imports no drivers.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested run does not exist.
var ErrNotFound = errors.New("task run not found")

// RunStatus mirrors the status column of the archive.
type RunStatus string

// Archived run statuses.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// TaskRun is one archived task execution.
type TaskRun struct {
	TaskID     string     `json:"task_id"`
	Kind       string     `json:"kind"`
	Status     RunStatus  `json:"status"`
	Message    *string    `json:"message,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// HistoryRepository persists task runs beyond the process lifetime.
type HistoryRepository interface {
	// RecordStart inserts the run or leaves an existing row untouched.
	RecordStart(ctx context.Context, taskID, kind string, startedAt time.Time) error
	// RecordFinish closes a run with its terminal status and message.
	RecordFinish(ctx context.Context, taskID string, finishedAt time.Time, status RunStatus, message *string) error
	// GetRun loads one run or returns ErrNotFound.
	GetRun(ctx context.Context, taskID string) (TaskRun, error)
	// ListRuns returns runs newest first, optionally filtered by status.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]TaskRun, error)
}
