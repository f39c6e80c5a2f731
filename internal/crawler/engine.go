package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/zsxq-crawler/internal/metrics"
	"github.com/JakeFAU/zsxq-crawler/internal/zsxq"
)

// maxConsecutiveStoreErrors aborts a run whose writes keep failing.
const maxConsecutiveStoreErrors = 5

// Engine pages through a community feed with a sliding end_time cursor.
type Engine struct {
	remote   Remote
	clock    Clock
	settings Settings
	retry    *ExponentialRetryPolicy
	logger   *zap.Logger
}

// NewEngine constructs an Engine. The settings must be valid.
func NewEngine(remote Remote, clock Clock, settings Settings, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if settings.TimestampOffset <= 0 {
		settings.TimestampOffset = time.Millisecond
	}
	return &Engine{
		remote:   remote,
		clock:    clock,
		settings: settings,
		retry:    NewExponentialRetryPolicy(settings.MaxRetriesPerPage),
		logger:   logger.Named("crawler"),
	}
}

// run holds the transient cursor state of one crawl.
type run struct {
	req    Request
	store  Store
	log    LogFunc
	pacer  *Pacer
	cursor string
	res    Result
}

// budgetSpent reports whether MaxPages pages were fetched and logs the stop.
func (r *run) budgetSpent() bool {
	if r.req.MaxPages <= 0 || r.res.Pages < r.req.MaxPages {
		return false
	}
	r.log(fmt.Sprintf("✅ 已达到页数上限 %d", r.req.MaxPages))
	return true
}

// Run executes one crawl. Stop requests surface as ErrStopped, expiry as
// an error matching zsxq.ErrAuthExpired with Result.Expired set. Partial
// counts are returned alongside any error.
func (e *Engine) Run(ctx context.Context, req Request, store Store, log LogFunc) (Result, error) {
	if log == nil {
		log = func(string) {}
	}
	if req.PerPage <= 0 {
		req.PerPage = e.settings.PerPage
	}
	if req.Mode == ModeIncremental && req.MaxPages <= 0 {
		req.MaxPages = e.settings.IncrementalPages
	}
	pacing := req.Pacing.Merge(e.settings.Pacing)
	if err := pacing.Validate(); err != nil {
		return Result{}, fmt.Errorf("pacing: %w", err)
	}

	r := &run{
		req:   req,
		store: store,
		log:   log,
		pacer: NewPacer(pacing, e.clock, log, "页"),
	}
	logger := e.logger.With(zap.Int64("group_id", req.GroupID), zap.String("mode", string(req.Mode)))

	if err := e.seedCursor(ctx, r); err != nil {
		return r.res, err
	}
	if req.Mode == ModeRange {
		log(fmt.Sprintf("🗓️ 时间范围: %s ~ %s", zsxq.FormatTime(req.Start), zsxq.FormatTime(req.End)))
	}

	consecutiveStoreErrors := 0
	for {
		if ctx.Err() != nil {
			log("🛑 任务已停止")
			return r.res, ErrStopped
		}
		if r.budgetSpent() {
			break
		}

		page, err := e.fetchPage(ctx, r)
		if err != nil {
			logger.Warn("crawl aborted", zap.Int("pages", r.res.Pages), zap.Error(err))
			return r.res, err
		}
		topics := page.Topics
		if len(topics) == 0 {
			log("📭 无更多数据，任务结束")
			break
		}
		r.res.Pages++
		metrics.ObservePage(string(req.Mode))

		var known map[int64]bool
		if req.Mode == ModeLatest || req.Mode == ModeIncremental {
			if known, err = store.ExistingTopicIDs(ctx, topicIDs(topics)); err != nil {
				return r.res, fmt.Errorf("check stored topics: %w", err)
			}
		}

		created, updated, failed := 0, 0, 0
		for _, t := range e.selectTopics(req, topics) {
			isNew, err := store.ImportTopic(ctx, t)
			if err != nil {
				failed++
				consecutiveStoreErrors++
				logger.Error("import topic failed", zap.Int64("topic_id", t.TopicID), zap.Error(err))
				if consecutiveStoreErrors >= maxConsecutiveStoreErrors {
					r.res.Errors += failed
					return r.res, fmt.Errorf("%w: %v", ErrStoreFailing, err)
				}
				continue
			}
			consecutiveStoreErrors = 0
			if isNew {
				created++
			} else {
				updated++
			}
		}
		r.res.NewTopics += created
		r.res.UpdatedTopics += updated
		r.res.Errors += failed
		metrics.ObserveTopics("created", created)
		metrics.ObserveTopics("updated", updated)
		metrics.ObserveTopics("failed", failed)
		log(fmt.Sprintf("📄 第 %d 页: 获取 %d 条，新增 %d，更新 %d", r.res.Pages, len(topics), created, updated))

		oldest, hasOldest := r.advance(topics, e.settings.TimestampOffset)
		if r.cursor == "" {
			log("✅ 没有可继续的游标，任务结束")
			break
		}
		if req.Mode == ModeRange && hasOldest && oldest.Before(req.Start) {
			log("✅ 已到达起始时间之前，任务结束")
			break
		}
		if req.Mode == ModeLatest && len(known) > 0 {
			log("✅ 已追上本地已有数据，任务结束")
			break
		}
		if req.Mode == ModeIncremental && len(known) == len(topics) {
			log("✅ 本页话题均已存在，任务结束")
			break
		}
		// No pause once the page budget is used up.
		if r.budgetSpent() {
			break
		}

		if ctx.Err() != nil {
			log("🛑 任务已停止")
			return r.res, ErrStopped
		}
		if err := r.pacer.After(ctx, r.res.Pages); err != nil {
			log("🛑 任务已停止")
			return r.res, ErrStopped
		}
	}

	logger.Info("crawl finished",
		zap.Int("pages", r.res.Pages),
		zap.Int("new_topics", r.res.NewTopics),
		zap.Int("updated_topics", r.res.UpdatedTopics),
		zap.Int("errors", r.res.Errors),
	)
	return r.res, nil
}

// seedCursor starts history-continuing modes just below the oldest stored
// topic. Other modes start at the newest topic.
func (e *Engine) seedCursor(ctx context.Context, r *run) error {
	if r.req.Mode != ModeIncremental && r.req.Mode != ModeAll {
		return nil
	}
	rng, err := r.store.TimestampRange(ctx)
	if err != nil {
		return fmt.Errorf("load stored range: %w", err)
	}
	if !rng.HasData || rng.OldestTime == "" {
		return nil
	}
	r.cursor = nextCursor(rng.OldestTime, e.settings.TimestampOffset)
	r.log(fmt.Sprintf("📍 从本地最早话题之前继续: %s", r.cursor))
	return nil
}

// fetchPage retries one page until it succeeds, the cap is hit, the run is
// stopped or the account expires.
func (e *Engine) fetchPage(ctx context.Context, r *run) (*zsxq.TopicsPage, error) {
	query := zsxq.TopicsQuery{Count: r.req.PerPage, EndTime: r.cursor}
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			r.log("🛑 任务已停止")
			return nil, ErrStopped
		}
		page, err := e.remote.FetchTopics(ctx, r.req.Credential, r.req.GroupID, query)
		if err == nil {
			return page, nil
		}
		if errors.Is(err, zsxq.ErrAuthExpired) {
			code, msg, _ := zsxq.ExpiryDetails(err)
			r.res.Expired, r.res.Code, r.res.Message = true, code, msg
			return nil, err
		}
		if ctx.Err() != nil {
			r.log("🛑 任务已停止")
			return nil, ErrStopped
		}
		r.res.Errors++
		if !e.retry.ShouldRetry(err, attempt) {
			if !zsxq.IsRetryable(err) {
				return nil, err
			}
			r.log(fmt.Sprintf("🚫 第 %d 页达到最大重试次数，终止任务", r.res.Pages+1))
			return nil, fmt.Errorf("page %d: %w after %d attempts: %v", r.res.Pages+1, ErrRetriesExhausted, attempt, err)
		}
		r.log(fmt.Sprintf("❌ 页面获取失败 (重试 %d/%d): %v", attempt, e.retry.MaxAttempts(), err))
		if err := e.clock.Sleep(ctx, e.retry.Backoff(attempt-1)); err != nil {
			r.log("🛑 任务已停止")
			return nil, ErrStopped
		}
	}
}

// selectTopics applies the range filter; other modes keep everything.
func (e *Engine) selectTopics(req Request, topics []zsxq.Topic) []zsxq.Topic {
	if req.Mode != ModeRange {
		return topics
	}
	kept := make([]zsxq.Topic, 0, len(topics))
	for _, t := range topics {
		ts, err := zsxq.ParseTime(t.CreateTime)
		if err != nil {
			continue
		}
		if !ts.Before(req.Start) && !ts.After(req.End) {
			kept = append(kept, t)
		}
	}
	return kept
}

// advance moves the cursor just below the oldest topic of the unfiltered
// page and returns that topic's time when it parses.
func (r *run) advance(topics []zsxq.Topic, offset time.Duration) (time.Time, bool) {
	raw := topics[len(topics)-1].CreateTime
	r.cursor = nextCursor(raw, offset)
	oldest, err := zsxq.ParseTime(raw)
	if err != nil {
		return time.Time{}, false
	}
	return oldest, true
}

// nextCursor subtracts offset from a platform timestamp. Unparseable input
// is passed through unchanged.
func nextCursor(raw string, offset time.Duration) string {
	t, err := zsxq.ParseTime(raw)
	if err != nil {
		return raw
	}
	return zsxq.FormatTime(t.Add(-offset))
}

func topicIDs(topics []zsxq.Topic) []int64 {
	ids := make([]int64, 0, len(topics))
	for _, t := range topics {
		ids = append(ids, t.TopicID)
	}
	return ids
}
