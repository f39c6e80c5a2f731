// Package system provides a real clock anchored to the platform's time zone.
package system

import (
	"context"
	"time"
)

// Beijing is the fixed UTC+8 zone the remote platform reports timestamps in.
var Beijing = time.FixedZone("CST", 8*60*60)

// Clock implements the crawler and task clocks using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC+8.
func (Clock) Now() time.Time {
	return time.Now().In(Beijing)
}

// Sleep pauses for d or until ctx is done, whichever happens first.
func (Clock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
