package task

import "context"

// Outcome is what a finished work unit reports.
type Outcome struct {
	Message string
	Result  any
}

// Work is the body of a work unit. It logs through log and must observe
// ctx as its stop flag.
type Work func(ctx context.Context, log func(string)) (Outcome, error)

// Job pairs a task record with the work that drives it.
type Job struct {
	TaskID string
	// Label names the work in failure messages, e.g. "爬取".
	Label string
	Work  Work
}

// ExpiryResult is the task result of a run rejected for an expired
// membership or session.
type ExpiryResult struct {
	Expired bool   `json:"expired"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}
