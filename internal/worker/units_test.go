package worker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/zsxq-crawler/internal/crawler"
	"github.com/JakeFAU/zsxq-crawler/internal/files"
	"github.com/JakeFAU/zsxq-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/zsxq-crawler/internal/zsxq"
)

type fakeCrawler struct {
	req      crawler.Request
	result   crawler.Result
	err      error
	refresh  []int64
	comments []int64
	fetched  []int64
}

func (f *fakeCrawler) Run(_ context.Context, req crawler.Request, store crawler.Store, _ crawler.LogFunc) (crawler.Result, error) {
	if store == nil {
		return crawler.Result{}, errors.New("nil store")
	}
	f.req = req
	return f.result, f.err
}

func (f *fakeCrawler) RefreshTopic(_ context.Context, _ zsxq.Credential, _ crawler.TopicStore, _, topicID int64, _ bool, _ crawler.LogFunc) (crawler.RefreshResult, error) {
	f.refresh = append(f.refresh, topicID)
	return crawler.RefreshResult{TopicID: topicID, Updated: true}, nil
}

func (f *fakeCrawler) FetchMoreComments(_ context.Context, _ zsxq.Credential, _ crawler.TopicStore, topicID int64, _ crawler.LogFunc) (int, error) {
	f.comments = append(f.comments, topicID)
	return 12, nil
}

func (f *fakeCrawler) FetchTopic(_ context.Context, _ zsxq.Credential, _ crawler.TopicStore, groupID, topicID int64, _ bool, _ crawler.LogFunc) (crawler.FetchResult, error) {
	f.fetched = append(f.fetched, topicID)
	return crawler.FetchResult{TopicID: topicID, GroupID: groupID, Imported: "created", CommentsFetched: 3}, nil
}

type fakeFiles struct {
	dir      string
	maxFiles int
	fileID   int64
	cred     zsxq.Credential
}

func (f *fakeFiles) Collect(_ context.Context, cred zsxq.Credential, _ int64, _ files.Store, _ crawler.LogFunc) (files.CollectResult, error) {
	f.cred = cred
	return files.CollectResult{Pages: 1, TotalFiles: 3, NewFiles: 2}, nil
}

func (f *fakeFiles) DownloadPending(_ context.Context, cred zsxq.Credential, _ files.Store, dir string, maxFiles int, _ crawler.LogFunc) (files.DownloadResult, error) {
	f.cred, f.dir, f.maxFiles = cred, dir, maxFiles
	return files.DownloadResult{Total: 2, Downloaded: 2}, nil
}

func (f *fakeFiles) DownloadFile(_ context.Context, cred zsxq.Credential, _ files.Store, dir string, fileID int64, _ crawler.LogFunc) (files.DownloadResult, error) {
	f.cred, f.dir, f.fileID = cred, dir, fileID
	return files.DownloadResult{Total: 1, Downloaded: 1}, nil
}

type staticCreds struct{ cred zsxq.Credential }

func (s staticCreds) ResolveCredential(context.Context, int64) zsxq.Credential { return s.cred }

func newUnits(t *testing.T, c *fakeCrawler, f *fakeFiles, cred zsxq.Credential) (*Units, *sqlite.Manager) {
	t.Helper()
	mgr := sqlite.NewManager(t.TempDir(), time.Now, zap.NewNop())
	t.Cleanup(func() { _ = mgr.Close() })
	return NewUnits(c, f, mgr, staticCreds{cred: cred}), mgr
}

func collectLog() (*[]string, func(string)) {
	var lines []string
	return &lines, func(l string) { lines = append(lines, l) }
}

func TestUnits_CrawlInjectsCredential(t *testing.T) {
	t.Parallel()

	c := &fakeCrawler{result: crawler.Result{NewTopics: 5, UpdatedTopics: 1, Pages: 2}}
	u, _ := newUnits(t, c, &fakeFiles{}, zsxq.Credential{AccountID: "acc_1", Cookie: "zsxq_access_token=x"})

	lines, log := collectLog()
	out, err := u.Crawl(crawler.Request{GroupID: 42, Mode: crawler.ModeLatest})(context.Background(), log)
	require.NoError(t, err)
	require.Equal(t, "zsxq_access_token=x", c.req.Credential.Cookie)
	require.Equal(t, int64(42), c.req.GroupID)
	require.Equal(t, "爬取完成: 新增 5，更新 1，错误 0，共 2 页", out.Message)
	require.Equal(t, c.result, out.Result)
	require.Contains(t, (*lines)[0], "acc_1")
}

func TestUnits_CrawlWithoutCredential(t *testing.T) {
	t.Parallel()

	c := &fakeCrawler{}
	u, _ := newUnits(t, c, &fakeFiles{}, zsxq.Credential{})
	_, log := collectLog()
	_, err := u.Crawl(crawler.Request{GroupID: 42, Mode: crawler.ModeAll})(context.Background(), log)
	require.ErrorIs(t, err, zsxq.ErrNoCredential)
	require.Zero(t, c.req.GroupID)
}

func TestUnits_CrawlReturnsPartialResultWithError(t *testing.T) {
	t.Parallel()

	c := &fakeCrawler{result: crawler.Result{Pages: 3}, err: crawler.ErrRetriesExhausted}
	u, _ := newUnits(t, c, &fakeFiles{}, zsxq.Credential{Cookie: "c"})
	_, log := collectLog()
	out, err := u.Crawl(crawler.Request{GroupID: 1, Mode: crawler.ModeAll})(context.Background(), log)
	require.ErrorIs(t, err, crawler.ErrRetriesExhausted)
	require.Equal(t, crawler.Result{Pages: 3}, out.Result)
}

func TestUnits_FileWork(t *testing.T) {
	t.Parallel()

	f := &fakeFiles{}
	u, mgr := newUnits(t, &fakeCrawler{}, f, zsxq.Credential{Cookie: "c"})
	_, log := collectLog()

	out, err := u.CollectFiles(7)(context.Background(), log)
	require.NoError(t, err)
	require.Equal(t, "文件收集完成: 共 3 个，新增 2 个", out.Message)

	out, err = u.DownloadFiles(7, 25)(context.Background(), log)
	require.NoError(t, err)
	require.Equal(t, 25, f.maxFiles)
	require.Equal(t, mgr.DownloadsDir(7), f.dir)
	require.Equal(t, filepath.Join(mgr.DataDir(), "7", "downloads"), f.dir)
	require.Equal(t, files.DownloadResult{Total: 2, Downloaded: 2}, out.Result)

	out, err = u.DownloadFile(7, 555)(context.Background(), log)
	require.NoError(t, err)
	require.Equal(t, int64(555), f.fileID)
	require.Equal(t, mgr.DownloadsDir(7), f.dir)
	require.Equal(t, "文件 555 下载完成: 成功 1，跳过 0", out.Message)
}

func TestUnits_TopicWork(t *testing.T) {
	t.Parallel()

	c := &fakeCrawler{}
	u, _ := newUnits(t, c, &fakeFiles{}, zsxq.Credential{Cookie: "c"})
	_, log := collectLog()

	out, err := u.RefreshTopic(7, 100, false)(context.Background(), log)
	require.NoError(t, err)
	require.Equal(t, []int64{100}, c.refresh)
	require.Equal(t, crawler.RefreshResult{TopicID: 100, Updated: true}, out.Result)

	out, err = u.FetchComments(7, 101)(context.Background(), log)
	require.NoError(t, err)
	require.Equal(t, []int64{101}, c.comments)
	require.Equal(t, "话题 101 补充评论 12 条", out.Message)

	out, err = u.FetchTopic(7, 102, true)(context.Background(), log)
	require.NoError(t, err)
	require.Equal(t, []int64{102}, c.fetched)
	require.Equal(t, "话题 102 采集完成 (created)，评论 3 条", out.Message)
}

func TestModeName(t *testing.T) {
	t.Parallel()
	require.Equal(t, "增量", modeName(crawler.ModeIncremental))
	require.Equal(t, "custom", modeName(crawler.Mode("custom")))
}
