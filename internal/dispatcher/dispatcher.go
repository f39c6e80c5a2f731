// Package dispatcher manages worker fan-out over the task queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/zsxq-crawler/internal/task"
	"github.com/JakeFAU/zsxq-crawler/internal/worker"
)

// Queue buffers jobs between submitters and workers.
type Queue interface {
	worker.Queue
	Enqueue(ctx context.Context, job task.Job) error
	Len() int
}

// Tasks creates task records and withdraws them when they cannot run.
type Tasks interface {
	Create(kind task.Kind, groupID int64, description string) task.Task
	RequestStop(taskID string) bool
}

// Spec describes a work unit to submit.
type Spec struct {
	Kind        task.Kind
	GroupID     int64
	Description string
	Label       string
	Work        task.Work
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   Queue
	tasks   Tasks
	workers []*worker.Worker
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(queue Queue, tasks Tasks, workers []*worker.Worker, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		tasks:   tasks,
		workers: workers,
		logger:  logger.Named("dispatcher"),
	}
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, job task.Job) error {
	if err := d.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Submit creates a pending task and queues its work. A task whose work
// could not be queued is withdrawn and the error returned.
func (d *Dispatcher) Submit(ctx context.Context, spec Spec) (task.Task, error) {
	t := d.tasks.Create(spec.Kind, spec.GroupID, spec.Description)
	job := task.Job{TaskID: t.ID, Label: spec.Label, Work: spec.Work}
	if err := d.Enqueue(ctx, job); err != nil {
		d.tasks.RequestStop(t.ID)
		d.logger.Warn("task withdrawn", zap.String("task_id", t.ID), zap.Error(err))
		return t, err
	}
	d.logger.Debug("task queued",
		zap.String("task_id", t.ID),
		zap.String("kind", string(spec.Kind)),
		zap.Int("queue_depth", d.queue.Len()),
	)
	return t, nil
}
