package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/zsxq-crawler/internal/dispatcher"
	"github.com/JakeFAU/zsxq-crawler/internal/queue/memory"
	"github.com/JakeFAU/zsxq-crawler/internal/task"
)

type mockSubmitter struct {
	mock.Mock
}

func (m *mockSubmitter) Submit(ctx context.Context, spec dispatcher.Spec) (task.Task, error) {
	args := m.Called(ctx, spec)
	return args.Get(0).(task.Task), args.Error(1)
}

type busyGroups map[int64]string

func (b busyGroups) ActiveForGroup(groupID int64) (task.Task, bool) {
	id, ok := b[groupID]
	return task.Task{ID: id, GroupID: groupID}, ok
}

func noopWork(int64, int) task.Work {
	return func(context.Context, func(string)) (task.Outcome, error) { return task.Outcome{}, nil }
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Spec: "@every 6h"}, nil, nil, noopWork, nil)
	require.Error(t, err)

	_, err = New(Config{Spec: "not a spec", Groups: []int64{1}}, nil, nil, noopWork, nil)
	require.ErrorContains(t, err, "parse spec")

	s, err := New(Config{Spec: "@every 6h", Groups: []int64{1}, Pages: 5}, nil, nil, noopWork, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, s)

	_, err = New(Config{Spec: "0 */2 * * *", Groups: []int64{1}}, nil, nil, noopWork, nil)
	require.NoError(t, err)
}

func TestSyncAllSkipsBusyGroups(t *testing.T) {
	t.Parallel()

	sub := &mockSubmitter{}
	var pages []int
	work := func(gid int64, n int) task.Work {
		pages = append(pages, n)
		return noopWork(gid, n)
	}
	sub.On("Submit", mock.Anything, mock.MatchedBy(func(spec dispatcher.Spec) bool {
		return spec.GroupID == 1 && spec.Kind == task.KindScheduledSync && spec.Work != nil
	})).Return(task.Task{ID: "task_1_1", GroupID: 1}, nil).Once()
	sub.On("Submit", mock.Anything, mock.MatchedBy(func(spec dispatcher.Spec) bool {
		return spec.GroupID == 3
	})).Return(task.Task{ID: "task_2_1", GroupID: 3}, nil).Once()

	s, err := New(Config{Spec: "@every 1h", Groups: []int64{1, 2, 3}, Pages: 4}, sub, busyGroups{2: "task_0_1"}, work, nil)
	require.NoError(t, err)

	queued := s.SyncAll(context.Background())
	require.Len(t, queued, 2)
	require.Equal(t, []int{4, 4}, pages)
	sub.AssertExpectations(t)
	sub.AssertNumberOfCalls(t, "Submit", 2)
}

func TestSyncAllContinuesAfterSubmitError(t *testing.T) {
	t.Parallel()

	sub := &mockSubmitter{}
	sub.On("Submit", mock.Anything, mock.MatchedBy(func(spec dispatcher.Spec) bool { return spec.GroupID == 1 })).
		Return(task.Task{}, errors.New("queue full")).Once()
	sub.On("Submit", mock.Anything, mock.MatchedBy(func(spec dispatcher.Spec) bool { return spec.GroupID == 2 })).
		Return(task.Task{ID: "task_3_1", GroupID: 2}, nil).Once()

	s, err := New(Config{Spec: "@daily", Groups: []int64{1, 2}, Pages: 1}, sub, busyGroups{}, noopWork, nil)
	require.NoError(t, err)

	queued := s.SyncAll(context.Background())
	require.Len(t, queued, 1)
	require.Equal(t, "task_3_1", queued[0].ID)
	sub.AssertExpectations(t)
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	s, err := New(Config{Spec: "@every 1h", Groups: []int64{1}}, &mockSubmitter{}, busyGroups{}, noopWork, nil)
	require.NoError(t, err)
	s.Start()
	require.NoError(t, s.Stop(context.Background()))
}

// fullQueue returns a dispatcher without workers whose single queue slot is
// already taken.
func fullQueue(t *testing.T) (*memory.Queue, *task.Orchestrator, *dispatcher.Dispatcher) {
	t.Helper()
	tasks := task.New(task.Options{})
	q := memory.NewQueue(1)
	require.NoError(t, q.TryEnqueue(task.Job{TaskID: "occupied"}))
	return q, tasks, dispatcher.New(q, tasks, nil, zap.NewNop())
}

func TestStopReleasesPassBlockedOnFullQueue(t *testing.T) {
	t.Parallel()

	q, tasks, dispatch := fullQueue(t)
	s, err := New(Config{Spec: "@every 1h", Groups: []int64{5, 6}, Pages: 2, SubmitTimeout: time.Hour},
		dispatch, tasks, noopWork, zap.NewNop())
	require.NoError(t, err)

	passDone := make(chan struct{})
	go func() {
		defer close(passDone)
		s.runScheduled()
	}()
	require.Eventually(t, func() bool {
		_, busy := tasks.ActiveForGroup(5)
		return busy
	}, time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))

	select {
	case <-passDone:
	case <-time.After(time.Second):
		t.Fatal("scheduled pass still blocked after Stop")
	}

	closed := make(chan struct{})
	go func() {
		q.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("queue Close blocked after the scheduler stopped")
	}

	for _, tk := range tasks.List() {
		require.NotEqual(t, int64(6), tk.GroupID, "pass must end at the canceled submit")
		require.Equal(t, task.StatusCancelled, tk.Status)
	}
}

func TestSyncAllSubmitTimeout(t *testing.T) {
	t.Parallel()

	_, tasks, dispatch := fullQueue(t)
	s, err := New(Config{Spec: "@daily", Groups: []int64{8}, SubmitTimeout: 20 * time.Millisecond},
		dispatch, tasks, noopWork, nil)
	require.NoError(t, err)

	start := time.Now()
	queued := s.SyncAll(context.Background())
	require.Empty(t, queued)
	require.Less(t, time.Since(start), time.Second)

	tasks8 := tasks.List()
	require.Len(t, tasks8, 1)
	require.Equal(t, task.StatusCancelled, tasks8[0].Status)
}
