package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/zsxq-crawler/internal/crawler"
	"github.com/JakeFAU/zsxq-crawler/internal/dispatcher"
	"github.com/JakeFAU/zsxq-crawler/internal/task"
)

const (
	defaultPerPage     = 20
	defaultHistoryPage = 10
	maxPerPage         = 100
	maxPages           = 1000
	maxLastDays        = 3650
)

// intervalRequest carries the optional pacing overrides shared by every crawl body.
type intervalRequest struct {
	CrawlIntervalMin     *float64 `json:"crawlIntervalMin"`
	CrawlIntervalMax     *float64 `json:"crawlIntervalMax"`
	LongSleepIntervalMin *float64 `json:"longSleepIntervalMin"`
	LongSleepIntervalMax *float64 `json:"longSleepIntervalMax"`
	PagesPerBatch        *int     `json:"pagesPerBatch"`
}

type crawlRequest struct {
	intervalRequest
	PerPage *int `json:"perPage"`
	Pages   *int `json:"pages"`
	// PerPageLegacy accepts the snake_case spelling of older clients.
	PerPageLegacy *int `json:"per_page"`
}

type rangeRequest struct {
	intervalRequest
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
	LastDays  *int   `json:"lastDays"`
	PerPage   *int   `json:"perPage"`
}

func (s *Server) crawlRange(w http.ResponseWriter, r *http.Request) {
	groupID, ok := groupParam(w, r)
	if !ok {
		return
	}
	var body rangeRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	perPage, err := boundedInt(body.PerPage, defaultPerPage, 1, maxPerPage, "perPage")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	lastDays, err := boundedInt(body.LastDays, 0, 1, maxLastDays, "lastDays")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pacing, err := body.pacing()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	start, end, err := crawler.ResolveBounds(s.deps.Now(), body.StartTime, body.EndTime, lastDays)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.hasCredential(w, r, groupID) {
		return
	}
	req := crawler.Request{
		GroupID: groupID,
		Mode:    crawler.ModeRange,
		PerPage: perPage,
		Start:   start,
		End:     end,
		Pacing:  pacing,
	}
	s.submit(w, r, dispatcher.Spec{
		Kind:    task.KindCrawlRange,
		GroupID: groupID,
		Description: fmt.Sprintf("按时间区间爬取 社群 %d (%s ~ %s)", groupID,
			start.Format(time.DateTime), end.Format(time.DateTime)),
		Label: "时间区间爬取",
		Work:  s.deps.Units.Crawl(req),
	})
}

func (s *Server) crawlIncremental(w http.ResponseWriter, r *http.Request) {
	s.crawlMode(w, r, crawler.ModeIncremental)
}

func (s *Server) crawlAll(w http.ResponseWriter, r *http.Request) {
	s.crawlMode(w, r, crawler.ModeAll)
}

func (s *Server) crawlLatest(w http.ResponseWriter, r *http.Request) {
	s.crawlMode(w, r, crawler.ModeLatest)
}

var modeTasks = map[crawler.Mode]struct {
	kind  task.Kind
	label string
	desc  string
}{
	crawler.ModeIncremental: {task.KindCrawlIncr, "增量爬取", "增量爬取 社群 %d"},
	crawler.ModeAll:         {task.KindCrawlAll, "全量爬取", "全量爬取 社群 %d"},
	crawler.ModeLatest:      {task.KindCrawlLatest, "获取最新", "获取最新话题 社群 %d"},
}

func (s *Server) crawlMode(w http.ResponseWriter, r *http.Request, mode crawler.Mode) {
	groupID, ok := groupParam(w, r)
	if !ok {
		return
	}
	var body crawlRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.PerPage == nil {
		body.PerPage = body.PerPageLegacy
	}
	perPage, err := boundedInt(body.PerPage, defaultPerPage, 1, maxPerPage, "perPage")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := crawler.Request{GroupID: groupID, Mode: mode, PerPage: perPage}
	if mode == crawler.ModeIncremental {
		pages, err := boundedInt(body.Pages, defaultHistoryPage, 1, maxPages, "pages")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.MaxPages = pages
	}
	if req.Pacing, err = body.pacing(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.hasCredential(w, r, groupID) {
		return
	}
	meta := modeTasks[mode]
	s.submit(w, r, dispatcher.Spec{
		Kind:        meta.kind,
		GroupID:     groupID,
		Description: fmt.Sprintf(meta.desc, groupID),
		Label:       meta.label,
		Work:        s.deps.Units.Crawl(req),
	})
}

// pacing converts the interval overrides. Zero fields fall back to the
// engine defaults.
func (b intervalRequest) pacing() (crawler.Pacing, error) {
	var p crawler.Pacing
	var err error
	if p.IntervalMin, err = seconds(b.CrawlIntervalMin, 1, 60, "crawlIntervalMin"); err != nil {
		return p, err
	}
	if p.IntervalMax, err = seconds(b.CrawlIntervalMax, 1, 60, "crawlIntervalMax"); err != nil {
		return p, err
	}
	if p.LongSleepMin, err = seconds(b.LongSleepIntervalMin, 60, 3600, "longSleepIntervalMin"); err != nil {
		return p, err
	}
	if p.LongSleepMax, err = seconds(b.LongSleepIntervalMax, 60, 3600, "longSleepIntervalMax"); err != nil {
		return p, err
	}
	if p.PagesPerBatch, err = boundedInt(b.PagesPerBatch, 0, 5, 50, "pagesPerBatch"); err != nil {
		return p, err
	}
	if (p.IntervalMin == 0) != (p.IntervalMax == 0) {
		return p, errors.New("crawlIntervalMin and crawlIntervalMax must be given together")
	}
	if (p.LongSleepMin == 0) != (p.LongSleepMax == 0) {
		return p, errors.New("longSleepIntervalMin and longSleepIntervalMax must be given together")
	}
	if p.IntervalMin > p.IntervalMax {
		return p, errors.New("crawlIntervalMin must not exceed crawlIntervalMax")
	}
	if p.LongSleepMin > p.LongSleepMax {
		return p, errors.New("longSleepIntervalMin must not exceed longSleepIntervalMax")
	}
	return p, nil
}

func seconds(v *float64, lo, hi float64, name string) (time.Duration, error) {
	if v == nil {
		return 0, nil
	}
	if *v < lo || *v > hi {
		return 0, fmt.Errorf("%s must be between %g and %g", name, lo, hi)
	}
	return time.Duration(*v * float64(time.Second)), nil
}

func boundedInt(v *int, def, lo, hi int, name string) (int, error) {
	if v == nil {
		return def, nil
	}
	if *v < lo || *v > hi {
		return 0, fmt.Errorf("%s must be between %d and %d", name, lo, hi)
	}
	return *v, nil
}

// hasCredential rejects work for communities no account can serve.
func (s *Server) hasCredential(w http.ResponseWriter, r *http.Request, groupID int64) bool {
	if s.deps.Accounts == nil {
		return true
	}
	if s.deps.Accounts.ResolveCredential(r.Context(), groupID).Cookie == "" {
		writeError(w, http.StatusBadRequest, "未找到可用的账号，请先配置 Cookie 或绑定账号")
		return false
	}
	return true
}

func groupParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	return int64Param(w, r, "group_id")
}

func int64Param(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || v <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return v, true
}
