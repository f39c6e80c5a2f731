// Package dispatcher contains tests for worker coordination.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/zsxq-crawler/internal/queue/memory"
	"github.com/JakeFAU/zsxq-crawler/internal/task"
	"github.com/JakeFAU/zsxq-crawler/internal/worker"
)

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	queue := &blockingQueue{started: make(chan struct{}, 1)}
	w := worker.New(queue, nil, zap.NewNop())
	dispatch := New(queue, nil, []*worker.Worker{w}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	select {
	case <-queue.started:
	case <-time.After(time.Second):
		t.Fatal("worker did not begin dequeuing")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	queue := &errorQueue{err: errors.New("boom")}
	dispatch := New(queue, nil, nil, nil)

	err := dispatch.Enqueue(context.Background(), task.Job{TaskID: "task_1_1"})
	if err == nil || err.Error() != "queue enqueue: boom" {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestDispatcherSubmitRunsWork(t *testing.T) {
	t.Parallel()

	tasks := task.New(task.Options{})
	q := memory.NewQueue(2)
	w := worker.New(q, tasks, zap.NewNop())
	dispatch := New(q, tasks, []*worker.Worker{w}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatch.Run(ctx)

	tk, err := dispatch.Submit(context.Background(), Spec{
		Kind:        task.KindCollectFiles,
		GroupID:     9,
		Description: "收集文件",
		Label:       "文件收集",
		Work: func(context.Context, func(string)) (task.Outcome, error) {
			return task.Outcome{Message: "done"}, nil
		},
	})
	require.NoError(t, err)
	require.Equal(t, int64(9), tk.GroupID)

	require.Eventually(t, func() bool {
		got, _ := tasks.Get(tk.ID)
		return got.Status == task.StatusCompleted
	}, time.Second, 10*time.Millisecond)
}

func TestDispatcherSubmitLogsQueueDepth(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	tasks := task.New(task.Options{})
	q := memory.NewQueue(4)
	dispatch := New(q, tasks, nil, zap.New(core))

	for i := 0; i < 2; i++ {
		_, err := dispatch.Submit(context.Background(), Spec{Kind: task.KindCrawlLatest, GroupID: 3, Description: "增量"})
		require.NoError(t, err)
	}

	entries := logs.FilterMessage("task queued").All()
	require.Len(t, entries, 2)
	require.EqualValues(t, 1, entries[0].ContextMap()["queue_depth"])
	require.EqualValues(t, 2, entries[1].ContextMap()["queue_depth"])
}

func TestDispatcherSubmitWithdrawsUnqueuedTask(t *testing.T) {
	t.Parallel()

	tasks := task.New(task.Options{})
	dispatch := New(&errorQueue{err: memory.ErrFull}, tasks, nil, nil)

	tk, err := dispatch.Submit(context.Background(), Spec{Kind: task.KindCrawlAll, GroupID: 1, Description: "全量"})
	require.ErrorIs(t, err, memory.ErrFull)

	got, err := tasks.Get(tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusCancelled, got.Status)
}

type blockingQueue struct {
	started chan struct{}
}

func (q *blockingQueue) Enqueue(_ context.Context, _ task.Job) error {
	select {
	case q.started <- struct{}{}:
	default:
	}
	return nil
}

func (q *blockingQueue) Dequeue(ctx context.Context) (task.Job, error) {
	select {
	case q.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return task.Job{}, fmt.Errorf("blocking dequeue canceled: %w", ctx.Err())
}

func (q *blockingQueue) Len() int { return 0 }

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, task.Job) error {
	return q.err
}

func (q *errorQueue) Dequeue(ctx context.Context) (task.Job, error) {
	<-ctx.Done()
	return task.Job{}, ctx.Err()
}

func (q *errorQueue) Len() int { return 0 }
