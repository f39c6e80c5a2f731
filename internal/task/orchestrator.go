package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/zsxq-crawler/internal/metrics"
	"github.com/JakeFAU/zsxq-crawler/internal/progress"
	"github.com/JakeFAU/zsxq-crawler/internal/zsxq"
)

const (
	defaultHeartbeat    = 15 * time.Second
	defaultStreamBuffer = 256

	stopRequestedLine = "🛑 收到停止请求，正在停止任务..."
	stoppedMessage    = "任务已被用户停止"
)

// Options configures an Orchestrator.
type Options struct {
	Now          func() time.Time
	Heartbeat    time.Duration
	StreamBuffer int
	Emitter      progress.Emitter
	Logger       *zap.Logger
}

// Orchestrator is the process-wide task registry.
type Orchestrator struct {
	mu      sync.RWMutex
	counter int64
	tasks   map[string]*entry

	now       func() time.Time
	heartbeat time.Duration
	buffer    int
	emitter   progress.Emitter
	logger    *zap.Logger
}

// entry is one task with its log, stop handle and stream subscribers.
type entry struct {
	mu      sync.Mutex
	seq     int64
	task    Task
	logs    []string
	ctx     context.Context
	cancel  context.CancelFunc
	subs    map[chan struct{}]struct{}
	started time.Time
}

// New builds an Orchestrator.
func New(opts Options) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = defaultStreamBuffer
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Orchestrator{
		tasks:     make(map[string]*entry),
		now:       opts.Now,
		heartbeat: opts.Heartbeat,
		buffer:    opts.StreamBuffer,
		emitter:   opts.Emitter,
		logger:    opts.Logger.Named("tasks"),
	}
}

// Create allocates a pending task and logs its description.
func (o *Orchestrator) Create(kind Kind, groupID int64, description string) Task {
	now := o.now()
	ctx, cancel := context.WithCancel(context.Background())

	o.mu.Lock()
	o.counter++
	e := &entry{
		seq: o.counter,
		task: Task{
			ID:        fmt.Sprintf("task_%d_%d", o.counter, now.Unix()),
			Kind:      kind,
			GroupID:   groupID,
			Status:    StatusPending,
			Message:   description,
			CreatedAt: now,
			UpdatedAt: now,
		},
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[chan struct{}]struct{}),
	}
	o.tasks[e.task.ID] = e
	o.mu.Unlock()

	e.mu.Lock()
	o.appendLocked(e, "任务创建: "+description)
	t := e.task
	e.mu.Unlock()

	metrics.ObserveTask(string(kind), string(StatusPending))
	o.emit(t, progress.StageTaskCreated, 0)
	o.logger.Info("task created", zap.String("task_id", t.ID), zap.String("kind", string(kind)), zap.Int64("group_id", groupID))
	return t
}

// Update moves a task to status. Only pending→running and
// running→{completed, failed} are accepted; cancelled is reserved for
// RequestStop.
func (o *Orchestrator) Update(taskID string, status Status, message string, result any) error {
	e, err := o.entry(taskID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	from := e.task.Status
	if !validTransition(from, status) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}
	now := o.now()
	e.task.Status = status
	e.task.Message = message
	if result != nil {
		e.task.Result = result
	}
	e.task.UpdatedAt = now
	if status == StatusRunning {
		e.started = now
	}
	o.appendLocked(e, "状态更新: "+message)
	t, dur := e.task, e.runningFor(now)
	if status.Terminal() {
		e.cancel()
	}
	e.mu.Unlock()

	metrics.ObserveTask(string(t.Kind), string(status))
	switch status {
	case StatusRunning:
		o.emit(t, progress.StageTaskStart, 0)
	case StatusCompleted:
		o.emit(t, progress.StageTaskDone, dur)
	case StatusFailed:
		o.emit(t, progress.StageTaskError, dur)
	}
	return nil
}

// AppendLog adds a timestamped line to the task log.
func (o *Orchestrator) AppendLog(taskID, line string) error {
	e, err := o.entry(taskID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	o.appendLocked(e, line)
	e.mu.Unlock()
	return nil
}

// Logger returns a function appending to the task log; unknown ids are
// ignored.
func (o *Orchestrator) Logger(taskID string) func(string) {
	return func(line string) { _ = o.AppendLog(taskID, line) }
}

// RequestStop cancels a pending or running task. It reports false when
// the task is unknown or already terminal.
func (o *Orchestrator) RequestStop(taskID string) bool {
	e, err := o.entry(taskID)
	if err != nil {
		return false
	}
	e.mu.Lock()
	if e.task.Status.Terminal() {
		e.mu.Unlock()
		return false
	}
	o.appendLocked(e, stopRequestedLine)
	e.cancel()
	now := o.now()
	e.task.Status = StatusCancelled
	e.task.Message = stoppedMessage
	e.task.UpdatedAt = now
	o.appendLocked(e, "状态更新: "+stoppedMessage)
	t, dur := e.task, e.runningFor(now)
	e.mu.Unlock()

	metrics.ObserveTask(string(t.Kind), string(StatusCancelled))
	o.emit(t, progress.StageTaskCancelled, dur)
	o.logger.Info("task stopped", zap.String("task_id", taskID))
	return true
}

// Context returns the task's stop context. It is cancelled by RequestStop
// and once the task reaches a terminal status.
func (o *Orchestrator) Context(taskID string) (context.Context, error) {
	e, err := o.entry(taskID)
	if err != nil {
		return nil, err
	}
	return e.ctx, nil
}

// Stopped reports whether a stop was requested for the task.
func (o *Orchestrator) Stopped(taskID string) bool {
	e, err := o.entry(taskID)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Status == StatusCancelled
}

// Get returns a snapshot of one task.
func (o *Orchestrator) Get(taskID string) (Task, error) {
	e, err := o.entry(taskID)
	if err != nil {
		return Task{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task, nil
}

// List returns every task, newest first.
func (o *Orchestrator) List() []Task {
	o.mu.RLock()
	entries := make([]*entry, 0, len(o.tasks))
	for _, e := range o.tasks {
		entries = append(entries, e)
	}
	o.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq > entries[j].seq })
	out := make([]Task, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.task)
		e.mu.Unlock()
	}
	return out
}

// ActiveForGroup returns a non-terminal task targeting groupID.
func (o *Orchestrator) ActiveForGroup(groupID int64) (Task, bool) {
	for _, t := range o.List() {
		if t.GroupID == groupID && !t.Status.Terminal() {
			return t, true
		}
	}
	return Task{}, false
}

// Logs returns a copy of the task log.
func (o *Orchestrator) Logs(taskID string) ([]string, error) {
	e, err := o.entry(taskID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.logs...), nil
}

func (o *Orchestrator) entry(taskID string) (*entry, error) {
	o.mu.RLock()
	e, ok := o.tasks[taskID]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return e, nil
}

// appendLocked stamps and appends a line, then wakes stream subscribers.
// e.mu must be held.
func (o *Orchestrator) appendLocked(e *entry, line string) {
	stamp := o.now().In(zsxq.Zone).Format("15:04:05")
	e.logs = append(e.logs, fmt.Sprintf("[%s] %s", stamp, line))
	e.notifyLocked()
}

func (e *entry) notifyLocked() {
	for ch := range e.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (e *entry) runningFor(now time.Time) time.Duration {
	if e.started.IsZero() {
		return 0
	}
	return now.Sub(e.started)
}

func (o *Orchestrator) emit(t Task, stage progress.Stage, dur time.Duration) {
	if o.emitter == nil {
		return
	}
	note := ""
	if stage.Terminal() {
		note = t.Message
	}
	o.emitter.Emit(progress.Event{
		TaskID: t.ID,
		Kind:   string(t.Kind),
		TS:     t.UpdatedAt,
		Stage:  stage,
		Dur:    dur,
		Note:   note,
	})
}
