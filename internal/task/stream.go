package task

import (
	"context"
	"time"
)

// Stream replays the task log, then the current status, then follows new
// lines live. A heartbeat is sent when nothing happened for the heartbeat
// interval. The channel closes after a terminal status has been delivered
// or when ctx is done. Producers never block on a slow reader: each
// subscriber keeps a cursor into the log and catches up on wake-up.
func (o *Orchestrator) Stream(ctx context.Context, taskID string) (<-chan Event, error) {
	e, err := o.entry(taskID)
	if err != nil {
		return nil, err
	}
	notify := make(chan struct{}, 1)
	e.mu.Lock()
	e.subs[notify] = struct{}{}
	e.mu.Unlock()

	out := make(chan Event, o.buffer)
	go o.follow(ctx, e, notify, out)
	return out, nil
}

func (o *Orchestrator) follow(ctx context.Context, e *entry, notify chan struct{}, out chan<- Event) {
	defer close(out)
	defer func() {
		e.mu.Lock()
		delete(e.subs, notify)
		e.mu.Unlock()
	}()

	send := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	// Replay, then a status snapshot.
	cursor := 0
	lines, status := e.since(cursor)
	cursor += len(lines)
	for _, l := range lines {
		if !send(Event{Type: EventLog, Message: l}) {
			return
		}
	}
	if !send(Event{Type: EventStatus, Status: status}) || status.Terminal() {
		return
	}

	ticker := time.NewTicker(o.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !send(Event{Type: EventHeartbeat}) {
				return
			}
		case <-notify:
			lines, next := e.since(cursor)
			cursor += len(lines)
			for _, l := range lines {
				if !send(Event{Type: EventLog, Message: l}) {
					return
				}
			}
			if next != status {
				status = next
				if !send(Event{Type: EventStatus, Status: status}) {
					return
				}
			}
			if status.Terminal() {
				return
			}
			ticker.Reset(o.heartbeat)
		}
	}
}

// since returns the log lines after cursor and the current status.
func (e *entry) since(cursor int) ([]string, Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cursor >= len(e.logs) {
		return nil, e.task.Status
	}
	return append([]string(nil), e.logs[cursor:]...), e.task.Status
}
