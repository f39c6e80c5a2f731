package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/zsxq-crawler/internal/progress"
)

// LogSink mirrors task lifecycle events into the process log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("tasks")}
}

// Consume logs each event; failures at warn level.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("task_id", evt.TaskID),
			zap.String("kind", evt.Kind),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Stage == progress.StageTaskError {
			s.logger.Warn("task event", fields...)
			continue
		}
		s.logger.Info("task event", fields...)
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error {
	return nil
}
