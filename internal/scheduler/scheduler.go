// Package scheduler periodically re-syncs configured communities with
// incremental crawls.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/zsxq-crawler/internal/dispatcher"
	"github.com/JakeFAU/zsxq-crawler/internal/task"
	"github.com/JakeFAU/zsxq-crawler/internal/zsxq"
)

// Submitter queues work units.
type Submitter interface {
	Submit(ctx context.Context, spec dispatcher.Spec) (task.Task, error)
}

// Activity reports tasks still pending or running for a community.
type Activity interface {
	ActiveForGroup(groupID int64) (task.Task, bool)
}

// WorkFactory builds the incremental crawl of one community.
type WorkFactory func(groupID int64, pages int) task.Work

// defaultSubmitTimeout bounds the wait for a queue slot per community.
const defaultSubmitTimeout = 30 * time.Second

// Config selects what is synced and when.
type Config struct {
	Spec   string
	Groups []int64
	Pages  int
	// SubmitTimeout bounds each scheduled submit; zero means 30s.
	SubmitTimeout time.Duration
}

var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler owns the cron loop.
type Scheduler struct {
	cfg      Config
	cron     *cron.Cron
	schedule cron.Schedule
	submit   Submitter
	active   Activity
	work     WorkFactory
	logger   *zap.Logger

	// runCtx is canceled by Stop so a pass waiting on a full queue ends.
	runCtx    context.Context
	cancelRun context.CancelFunc
}

// New validates the cron spec and wires a Scheduler. It does not start.
func New(cfg Config, submit Submitter, active Activity, work WorkFactory, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Groups) == 0 {
		return nil, errors.New("scheduler: no groups configured")
	}
	schedule, err := parser.Parse(cfg.Spec)
	if err != nil {
		return nil, fmt.Errorf("scheduler: parse spec %q: %w", cfg.Spec, err)
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = defaultSubmitTimeout
	}
	logger = logger.Named("scheduler")
	cl := cronLogger{logger.Sugar()}
	s := &Scheduler{
		cfg:      cfg,
		schedule: schedule,
		submit:   submit,
		active:   active,
		work:     work,
		logger:   logger,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(zsxq.Zone),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
	s.runCtx, s.cancelRun = context.WithCancel(context.Background())
	if _, err := s.cron.AddFunc(cfg.Spec, s.runScheduled); err != nil {
		return nil, fmt.Errorf("scheduler: add job: %w", err)
	}
	return s, nil
}

// Start runs the cron loop in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.String("spec", s.cfg.Spec),
		zap.Int64s("groups", s.cfg.Groups),
		zap.Time("next_run", s.schedule.Next(time.Now().In(zsxq.Zone))),
	)
}

// Stop halts the loop and waits for a running sync pass, bounded by ctx.
// A pass blocked on submitting is canceled.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancelRun()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

func (s *Scheduler) runScheduled() {
	s.SyncAll(s.runCtx)
}

// SyncAll queues one scheduled_sync task per configured community. A
// community with a pending or running task is skipped. Each submit waits at
// most SubmitTimeout for a queue slot.
func (s *Scheduler) SyncAll(ctx context.Context) []task.Task {
	var queued []task.Task
	for _, gid := range s.cfg.Groups {
		if ctx.Err() != nil {
			s.logger.Info("scheduled sync pass canceled", zap.Int64("next_group_id", gid))
			break
		}
		if t, busy := s.active.ActiveForGroup(gid); busy {
			s.logger.Info("skipping scheduled sync; community busy",
				zap.Int64("group_id", gid), zap.String("task_id", t.ID))
			continue
		}
		t, err := s.submitOne(ctx, gid)
		if err != nil {
			s.logger.Warn("scheduled sync not queued", zap.Int64("group_id", gid), zap.Error(err))
			continue
		}
		queued = append(queued, t)
	}
	return queued
}

func (s *Scheduler) submitOne(ctx context.Context, gid int64) (task.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
	defer cancel()
	return s.submit.Submit(ctx, dispatcher.Spec{
		Kind:        task.KindScheduledSync,
		GroupID:     gid,
		Description: fmt.Sprintf("定时增量同步 社群 %d (%d 页)", gid, s.cfg.Pages),
		Label:       "定时同步",
		Work:        s.work(gid, s.cfg.Pages),
	})
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
