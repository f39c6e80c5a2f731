package files

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/zsxq-crawler/internal/crawler"
	"github.com/JakeFAU/zsxq-crawler/internal/metrics"
	"github.com/JakeFAU/zsxq-crawler/internal/zsxq"
)

// Collection log statuses.
const (
	collectionCompleted = "completed"
	collectionFailed    = "failed"
	collectionCancelled = "cancelled"
)

// CollectResult counts one collection run.
type CollectResult struct {
	Pages      int    `json:"pages"`
	TotalFiles int    `json:"total_files"`
	NewFiles   int    `json:"new_files"`
	Errors     int    `json:"errors"`
	Expired    bool   `json:"expired,omitempty"`
	Code       int    `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Collect pages through the community's file listing and records every
// file with its owning topic. A collection_log row brackets the run.
func (s *Service) Collect(ctx context.Context, cred zsxq.Credential, groupID int64, store Store, log crawler.LogFunc) (CollectResult, error) {
	if log == nil {
		log = func(string) {}
	}
	var res CollectResult
	runID, err := store.StartCollection(ctx)
	if err != nil {
		return res, err
	}
	status := collectionFailed
	defer func() {
		finishCtx := context.WithoutCancel(ctx)
		_ = store.FinishCollection(finishCtx, runID, int64(res.TotalFiles), int64(res.NewFiles), status)
	}()

	pacer := crawler.NewPacer(s.settings.Pacing, s.clock, log, "页")
	index := ""
	for {
		if ctx.Err() != nil {
			status = collectionCancelled
			log("🛑 文件收集已停止")
			return res, crawler.ErrStopped
		}
		page, err := s.fetchFiles(ctx, cred, groupID, index, &res, log)
		if err != nil {
			if errors.Is(err, crawler.ErrStopped) {
				status = collectionCancelled
			}
			return res, err
		}
		if len(page.Files) == 0 {
			log("📭 没有更多文件")
			break
		}
		res.Pages++

		created := 0
		for _, item := range page.Files {
			isNew, err := store.ImportFileItem(ctx, item)
			if err != nil {
				res.Errors++
				metrics.ObserveFile("collect", "error")
				s.logger.Warn("import file failed",
					zap.Int64("group_id", groupID),
					zap.Int64("file_id", item.FileID()),
					zap.Error(err),
				)
				continue
			}
			res.TotalFiles++
			if isNew {
				created++
			}
		}
		res.NewFiles += created
		metrics.ObserveFile("collect", "ok")
		log(fmt.Sprintf("📁 第 %d 页: %d 个文件，新增 %d", res.Pages, len(page.Files), created))

		if page.Index == "" || page.Index == index {
			break
		}
		index = page.Index
		if err := pacer.Short(ctx); err != nil {
			status = collectionCancelled
			return res, crawler.ErrStopped
		}
	}
	status = collectionCompleted
	log(fmt.Sprintf("📊 文件收集完成: 共 %d 个，新增 %d 个", res.TotalFiles, res.NewFiles))
	return res, nil
}

func (s *Service) fetchFiles(ctx context.Context, cred zsxq.Credential, groupID int64, index string, res *CollectResult, log crawler.LogFunc) (*zsxq.FilesPage, error) {
	q := zsxq.FilesQuery{Count: s.settings.PerPage, Index: index}
	for attempt := 1; ; attempt++ {
		page, err := s.remote.FetchFiles(ctx, cred, groupID, q)
		if err == nil {
			return page, nil
		}
		if errors.Is(err, zsxq.ErrAuthExpired) {
			code, msg, _ := zsxq.ExpiryDetails(err)
			res.Expired, res.Code, res.Message = true, code, msg
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, crawler.ErrStopped
		}
		res.Errors++
		if !s.retry.ShouldRetry(err, attempt) {
			return nil, fmt.Errorf("fetch files: %w", err)
		}
		log(fmt.Sprintf("❌ 文件列表获取失败 (重试 %d/%d): %v", attempt, s.retry.MaxAttempts(), err))
		if err := s.clock.Sleep(ctx, s.retry.Backoff(attempt-1)); err != nil {
			return nil, crawler.ErrStopped
		}
	}
}
