// Package task owns background task records: their status machine, their
// append-only log and live log streams.
package task

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

// Task statuses.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Kind names the work unit a task runs.
type Kind string

// Task kinds.
const (
	KindCrawlRange    Kind = "crawl_time_range"
	KindCrawlIncr     Kind = "crawl_incremental"
	KindCrawlAll      Kind = "crawl_all"
	KindCrawlLatest   Kind = "crawl_latest"
	KindCollectFiles  Kind = "collect_files"
	KindDownloadFiles Kind = "download_files"
	KindDownloadFile  Kind = "download_single_file"
	KindRefreshTopic  Kind = "refresh_topic"
	KindFetchTopic    Kind = "fetch_single_topic"
	KindScheduledSync Kind = "scheduled_sync"
)

var (
	// ErrNotFound is returned for unknown task ids.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid task status transition")
)

// Task is the externally visible record.
type Task struct {
	ID        string    `json:"task_id"`
	Kind      Kind      `json:"type"`
	GroupID   int64     `json:"group_id,omitempty"`
	Status    Status    `json:"status"`
	Message   string    `json:"message"`
	Result    any       `json:"result,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EventType discriminates stream events.
type EventType string

// Stream event types.
const (
	EventLog       EventType = "log"
	EventStatus    EventType = "status"
	EventHeartbeat EventType = "heartbeat"
)

// Event is one item of a task stream.
type Event struct {
	Type    EventType `json:"type"`
	Message string    `json:"message,omitempty"`
	Status  Status    `json:"status,omitempty"`
}

func validTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}
