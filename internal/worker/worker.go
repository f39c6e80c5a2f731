// Package worker runs queued work units against the task orchestrator and
// applies their failure semantics.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/JakeFAU/zsxq-crawler/internal/crawler"
	"github.com/JakeFAU/zsxq-crawler/internal/metrics"
	"github.com/JakeFAU/zsxq-crawler/internal/task"
	"github.com/JakeFAU/zsxq-crawler/internal/zsxq"
)

// Messages recorded on task records.
const (
	startedMessage     = "任务开始执行"
	expiredMessage     = "会员已过期"
	interruptedMessage = "任务已中断"
	defaultLabel       = "任务"
)

// Queue hands out jobs.
type Queue interface {
	Dequeue(ctx context.Context) (task.Job, error)
}

// Tasks is the slice of the orchestrator a worker drives.
type Tasks interface {
	Update(taskID string, status task.Status, message string, result any) error
	Context(taskID string) (context.Context, error)
	Logger(taskID string) func(string)
	Stopped(taskID string) bool
}

// Worker consumes queue items and executes their work units.
type Worker struct {
	queue  Queue
	tasks  Tasks
	logger *zap.Logger
}

// New constructs a Worker.
func New(queue Queue, tasks Tasks, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:  queue,
		tasks:  tasks,
		logger: logger.Named("worker"),
	}
}

// Run blocks, consuming queue items until the context finishes or the
// queue is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Info("queue drained", zap.Error(err))
			return
		}
		w.logger.Debug("dequeued task", zap.String("task_id", job.TaskID))
		w.Process(ctx, job)
	}
}

// Process runs one job to a terminal status. ctx is the worker's lifetime;
// the work itself also stops when the task's own stop flag is raised.
func (w *Worker) Process(ctx context.Context, job task.Job) {
	taskCtx, err := w.tasks.Context(job.TaskID)
	if err != nil {
		w.logger.Error("unknown task", zap.String("task_id", job.TaskID), zap.Error(err))
		return
	}
	if w.tasks.Stopped(job.TaskID) {
		w.logger.Debug("task stopped before start", zap.String("task_id", job.TaskID))
		return
	}
	if err := w.tasks.Update(job.TaskID, task.StatusRunning, startedMessage, nil); err != nil {
		w.logger.Error("start task failed", zap.String("task_id", job.TaskID), zap.Error(err))
		return
	}

	metrics.IncRunningTasks()
	defer metrics.DecRunningTasks()

	runCtx, cancel := context.WithCancel(taskCtx)
	defer cancel()
	stopOnShutdown := context.AfterFunc(ctx, cancel)
	defer stopOnShutdown()

	log := w.tasks.Logger(job.TaskID)
	out, err := w.execute(runCtx, job, log)
	w.finish(job, log, out, err)
}

func (w *Worker) execute(ctx context.Context, job task.Job, log func(string)) (out task.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("work unit panicked",
				zap.String("task_id", job.TaskID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if job.Work == nil {
		return task.Outcome{}, errors.New("no work attached")
	}
	return job.Work(ctx, log)
}

func (w *Worker) finish(job task.Job, log func(string), out task.Outcome, err error) {
	id := job.TaskID
	// A stop request already moved the task to cancelled; errors raised by
	// the interrupted work are not failures.
	if w.tasks.Stopped(id) {
		w.logger.Info("task stopped", zap.String("task_id", id), zap.Error(err))
		return
	}

	status, message, result := task.StatusCompleted, out.Message, out.Result
	switch {
	case err == nil:
		if message == "" {
			message = "任务完成"
		}
	case errors.Is(err, zsxq.ErrAuthExpired):
		code, msg, _ := zsxq.ExpiryDetails(err)
		log(fmt.Sprintf("❌ %s: %s", expiredMessage, msg))
		status, message = task.StatusFailed, expiredMessage
		if result == nil {
			result = task.ExpiryResult{Expired: true, Code: code, Message: msg}
		}
	case errors.Is(err, crawler.ErrStopped), errors.Is(err, context.Canceled):
		log("⚠️ " + interruptedMessage)
		status, message = task.StatusFailed, interruptedMessage
	default:
		label := job.Label
		if label == "" {
			label = defaultLabel
		}
		message = fmt.Sprintf("%s失败: %v", label, err)
		log("❌ " + message)
		status = task.StatusFailed
	}

	if err != nil {
		w.logger.Warn("task failed", zap.String("task_id", id), zap.Error(err))
	}
	if uerr := w.tasks.Update(id, status, message, result); uerr != nil {
		if errors.Is(uerr, task.ErrInvalidTransition) && w.tasks.Stopped(id) {
			return
		}
		w.logger.Error("final task status update failed", zap.String("task_id", id), zap.Error(uerr))
	}
}
