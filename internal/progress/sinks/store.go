package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/zsxq-crawler/internal/progress"
	"github.com/JakeFAU/zsxq-crawler/internal/store"
)

// StoreSink archives task starts and finishes in a history repository.
type StoreSink struct {
	repo   store.HistoryRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for repo.
func NewStoreSink(repo store.HistoryRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards start and terminal events in order. The first
// repository error stops the batch and is returned.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, evt := range batch {
		switch {
		case evt.Stage == progress.StageTaskStart:
			if err := s.repo.RecordStart(ctx, evt.TaskID, evt.Kind, evt.TS); err != nil {
				return fmt.Errorf("record start of %s: %w", evt.TaskID, err)
			}
		case evt.Stage.Terminal():
			var note *string
			if evt.Note != "" {
				n := evt.Note
				note = &n
			}
			status := store.RunStatus(evt.Stage.Result())
			if err := s.repo.RecordFinish(ctx, evt.TaskID, evt.TS, status, note); err != nil {
				return fmt.Errorf("record finish of %s: %w", evt.TaskID, err)
			}
		}
	}
	return nil
}

// Close is a no-op; the repository is closed by its owner.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
