package files

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/zsxq-crawler/internal/crawler"
	"github.com/JakeFAU/zsxq-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/zsxq-crawler/internal/zsxq"
)

type fakeClock struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return time.Unix(1714550000, 0) }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return ctx.Err()
}

type fakeRemote struct {
	pages   []*zsxq.FilesPage
	indexes []string
	errs    map[int]error
	calls   int
	urls    map[int64]string
	urlErr  error
}

func (f *fakeRemote) FetchFiles(_ context.Context, _ zsxq.Credential, _ int64, q zsxq.FilesQuery) (*zsxq.FilesPage, error) {
	call := f.calls
	f.calls++
	f.indexes = append(f.indexes, q.Index)
	if err, ok := f.errs[call]; ok {
		return nil, err
	}
	if len(f.pages) == 0 {
		return &zsxq.FilesPage{}, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func (f *fakeRemote) FileDownloadURL(_ context.Context, _ zsxq.Credential, fileID int64) (string, error) {
	if f.urlErr != nil {
		return "", f.urlErr
	}
	u, ok := f.urls[fileID]
	if !ok {
		return "", &zsxq.APIError{Endpoint: "download_url", Code: 1, Message: "no such file"}
	}
	return u, nil
}

type fakeTransfer struct {
	body  map[string]string
	calls []string
}

func (f *fakeTransfer) Download(_ context.Context, url, dest string) (int64, error) {
	f.calls = append(f.calls, url)
	body, ok := f.body[url]
	if !ok {
		return 0, errors.New("404")
	}
	return int64(len(body)), os.WriteFile(dest, []byte(body), 0o600)
}

func fileItem(id int64, name string, size int64, topicID int64) zsxq.FileItem {
	created := zsxq.FormatTime(time.Date(2024, 5, 1, 10, 0, int(id), 0, zsxq.Zone))
	return zsxq.FileItem{
		File: &zsxq.File{FileID: id, Name: name, Size: size, CreateTime: created},
		Topic: &zsxq.Topic{
			TopicID:    topicID,
			Type:       "talk",
			CreateTime: created,
			Talk:       &zsxq.Talk{Owner: &zsxq.User{UserID: 1, Name: "owner"}, Text: "see attachment"},
		},
	}
}

func newFileStore(t *testing.T) *sqlite.FileStore {
	t.Helper()
	now := func() time.Time { return time.Date(2024, 5, 2, 0, 0, 0, 0, zsxq.Zone) }
	store, err := sqlite.OpenFileStore(context.Background(), filepath.Join(t.TempDir(), "files.db"), 42, now)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testSettings() Settings {
	return Settings{
		PerPage:    2,
		MaxRetries: 2,
		Pacing: crawler.Pacing{
			IntervalMin: time.Second, IntervalMax: time.Second,
			LongSleepMin: time.Minute, LongSleepMax: time.Minute,
			PagesPerBatch: 2,
		},
	}
}

func TestCollectPagesByIndex(t *testing.T) {
	t.Parallel()

	store := newFileStore(t)
	remote := &fakeRemote{pages: []*zsxq.FilesPage{
		{Files: []zsxq.FileItem{fileItem(1, "a.pdf", 10, 100), fileItem(2, "b.pdf", 20, 101)}, Index: "idx-1"},
		{Files: []zsxq.FileItem{fileItem(3, "c.pdf", 30, 102)}, Index: ""},
	}}
	clock := &fakeClock{}
	svc := NewService(remote, &fakeTransfer{}, clock, testSettings(), nil)

	res, err := svc.Collect(context.Background(), zsxq.Credential{}, 42, store, nil)
	require.NoError(t, err)
	require.Equal(t, CollectResult{Pages: 2, TotalFiles: 3, NewFiles: 3}, res)
	require.Equal(t, []string{"", "idx-1"}, remote.indexes)
	require.Len(t, clock.sleeps, 1)

	ok, err := store.TopicExists(context.Background(), 101)
	require.NoError(t, err)
	require.True(t, ok)

	stats, err := store.FileStats(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 3, stats.TotalFiles)
	require.EqualValues(t, 3, stats.ByStatus[sqlite.FilePending])
	require.EqualValues(t, 1, stats.Collections)
	require.NotNil(t, stats.LastCollection)
	require.Equal(t, "completed", stats.LastCollection.Status)
	require.EqualValues(t, 3, stats.LastCollection.NewFiles)
}

func TestCollectExpiryIsReported(t *testing.T) {
	t.Parallel()

	store := newFileStore(t)
	remote := &fakeRemote{errs: map[int]error{0: &zsxq.APIError{Code: zsxq.CodeSessionExpired, Message: "登录已过期"}}}
	svc := NewService(remote, &fakeTransfer{}, &fakeClock{}, testSettings(), nil)

	res, err := svc.Collect(context.Background(), zsxq.Credential{}, 42, store, nil)
	require.ErrorIs(t, err, zsxq.ErrAuthExpired)
	require.True(t, res.Expired)
	require.Equal(t, zsxq.CodeSessionExpired, res.Code)

	stats, err := store.FileStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, "failed", stats.LastCollection.Status)
}

func TestCollectRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	store := newFileStore(t)
	remote := &fakeRemote{
		errs:  map[int]error{0: &zsxq.TransportError{Endpoint: "files", Err: errors.New("reset")}},
		pages: []*zsxq.FilesPage{{Files: []zsxq.FileItem{fileItem(1, "a.pdf", 1, 100)}}},
	}
	svc := NewService(remote, &fakeTransfer{}, &fakeClock{}, testSettings(), nil)

	res, err := svc.Collect(context.Background(), zsxq.Credential{}, 42, store, nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Errors)
	require.Equal(t, 1, res.NewFiles)
}

func TestDownloadPending(t *testing.T) {
	t.Parallel()

	store := newFileStore(t)
	ctx := context.Background()
	for _, item := range []zsxq.FileItem{
		fileItem(1, "report 2024.pdf", 5, 100),
		fileItem(2, "missing.zip", 5, 101),
		fileItem(3, "cached.txt", 6, 102),
	} {
		_, err := store.ImportFileItem(ctx, item)
		require.NoError(t, err)
	}
	dir := filepath.Join(t.TempDir(), "downloads")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "3_cached.txt"), []byte("cached"), 0o600))

	remote := &fakeRemote{urls: map[int64]string{1: "https://cdn/1", 2: "https://cdn/2"}}
	transfer := &fakeTransfer{body: map[string]string{"https://cdn/1": "hello"}}
	clock := &fakeClock{}
	svc := NewService(remote, transfer, clock, testSettings(), nil)

	var lines []string
	res, err := svc.DownloadPending(ctx, zsxq.Credential{}, store, dir, 0, func(m string) { lines = append(lines, m) })
	require.NoError(t, err)
	require.Equal(t, DownloadResult{Total: 3, Downloaded: 1, Skipped: 1, Failed: 1}, res)

	f, err := store.File(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, sqlite.FileDownloaded, f.DownloadStatus)
	require.Equal(t, filepath.Join(dir, "1_report2024.pdf"), f.LocalPath)
	require.NotEmpty(t, f.DownloadTime)

	f, err = store.File(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, sqlite.FileSkipped, f.DownloadStatus)

	f, err = store.File(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, sqlite.FileFailed, f.DownloadStatus)

	pending, err := store.PendingFiles(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, pending)
	require.Contains(t, lines[len(lines)-1], "成功 1")
}

func TestCollectLogsImportFailures(t *testing.T) {
	t.Parallel()

	store := newFileStore(t)
	broken := fileItem(5, "broken.pdf", 1, 105)
	broken.File.FileID = 0
	remote := &fakeRemote{pages: []*zsxq.FilesPage{
		{Files: []zsxq.FileItem{fileItem(1, "a.pdf", 10, 100), broken}},
	}}
	core, logs := observer.New(zapcore.WarnLevel)
	svc := NewService(remote, &fakeTransfer{}, &fakeClock{}, testSettings(), zap.New(core))

	res, err := svc.Collect(context.Background(), zsxq.Credential{}, 42, store, nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Errors)
	require.Equal(t, 1, res.TotalFiles)

	entries := logs.FilterMessage("import file failed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.EqualValues(t, 0, fields["file_id"])
	require.EqualValues(t, 42, fields["group_id"])
	require.Contains(t, fields["error"], "no file_id")
}

func TestDownloadKeepsSameNamedFilesApart(t *testing.T) {
	t.Parallel()

	store := newFileStore(t)
	ctx := context.Background()
	for _, item := range []zsxq.FileItem{fileItem(1, "notes.pdf", 3, 100), fileItem(2, "notes.pdf", 4, 101)} {
		_, err := store.ImportFileItem(ctx, item)
		require.NoError(t, err)
	}
	remote := &fakeRemote{urls: map[int64]string{1: "u1", 2: "u2"}}
	transfer := &fakeTransfer{body: map[string]string{"u1": "one", "u2": "two!"}}
	svc := NewService(remote, transfer, &fakeClock{}, testSettings(), nil)

	dir := t.TempDir()
	res, err := svc.DownloadPending(ctx, zsxq.Credential{}, store, dir, 0, nil)
	require.NoError(t, err)
	require.Equal(t, 2, res.Downloaded)

	first, err := os.ReadFile(filepath.Join(dir, "1_notes.pdf"))
	require.NoError(t, err)
	require.Equal(t, "one", string(first))
	second, err := os.ReadFile(filepath.Join(dir, "2_notes.pdf"))
	require.NoError(t, err)
	require.Equal(t, "two!", string(second))
}

func TestDownloadFile(t *testing.T) {
	t.Parallel()

	store := newFileStore(t)
	ctx := context.Background()
	_, err := store.ImportFileItem(ctx, fileItem(9, "deck.key", 4, 100))
	require.NoError(t, err)
	require.NoError(t, store.MarkDownload(ctx, 9, sqlite.FileFailed, ""))

	remote := &fakeRemote{urls: map[int64]string{9: "u9"}}
	transfer := &fakeTransfer{body: map[string]string{"u9": "deck"}}
	svc := NewService(remote, transfer, &fakeClock{}, testSettings(), nil)

	dir := filepath.Join(t.TempDir(), "downloads")
	res, err := svc.DownloadFile(ctx, zsxq.Credential{}, store, dir, 9, nil)
	require.NoError(t, err)
	require.Equal(t, DownloadResult{Total: 1, Downloaded: 1}, res)

	f, err := store.File(ctx, 9)
	require.NoError(t, err)
	require.Equal(t, sqlite.FileDownloaded, f.DownloadStatus)
	require.Equal(t, filepath.Join(dir, "9_deck.key"), f.LocalPath)

	_, err = svc.DownloadFile(ctx, zsxq.Credential{}, store, dir, 404, nil)
	require.Error(t, err)
	require.Len(t, transfer.calls, 1)
}

func TestDownloadStopsBeforeNextFile(t *testing.T) {
	t.Parallel()

	store := newFileStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := int64(1); i <= 3; i++ {
		_, err := store.ImportFileItem(ctx, fileItem(i, fmt.Sprintf("f%d.bin", i), 1, 100+i))
		require.NoError(t, err)
	}
	remote := &fakeRemote{urls: map[int64]string{1: "u1", 2: "u2", 3: "u3"}}
	transfer := &fakeTransfer{body: map[string]string{"u1": "1", "u2": "2", "u3": "3"}}
	svc := NewService(remote, transfer, &fakeClock{}, testSettings(), nil)

	stopAfterFirst := func(m string) {
		if len(transfer.calls) == 1 {
			cancel()
		}
	}
	res, err := svc.DownloadPending(ctx, zsxq.Credential{}, store, t.TempDir(), 0, stopAfterFirst)
	require.ErrorIs(t, err, crawler.ErrStopped)
	require.Equal(t, 1, res.Downloaded)
	require.Len(t, transfer.calls, 1)
}

func TestDownloadExpiryAborts(t *testing.T) {
	t.Parallel()

	store := newFileStore(t)
	ctx := context.Background()
	_, err := store.ImportFileItem(ctx, fileItem(1, "a", 1, 100))
	require.NoError(t, err)

	remote := &fakeRemote{urlErr: &zsxq.APIError{Code: zsxq.CodeMembershipExpired, Message: "expired"}}
	svc := NewService(remote, &fakeTransfer{}, &fakeClock{}, testSettings(), nil)
	res, err := svc.DownloadPending(ctx, zsxq.Credential{}, store, t.TempDir(), 0, nil)
	require.ErrorIs(t, err, zsxq.ErrAuthExpired)
	require.True(t, res.Expired)

	f, err := store.File(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, sqlite.FilePending, f.DownloadStatus)
}

func TestSafeName(t *testing.T) {
	t.Parallel()
	require.Equal(t, "1_报告(final).pdf", SafeName("报告 (final).pdf", 1))
	require.Equal(t, "file_7", SafeName("///", 7))
	require.Equal(t, "2_etcpasswd", SafeName("../etc/passwd", 2))
	require.NotEqual(t, SafeName("a/b.pdf", 3), SafeName("ab.pdf", 4))
}

func TestHTTPTransfer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		require.Equal(t, "agent", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	h := NewHTTPTransfer(time.Second, "agent")

	n, err := h.Download(context.Background(), srv.URL+"/ok", filepath.Join(dir, "ok.bin"))
	require.NoError(t, err)
	require.EqualValues(t, 7, n)
	data, err := os.ReadFile(filepath.Join(dir, "ok.bin"))
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))

	_, err = h.Download(context.Background(), srv.URL+"/missing", filepath.Join(dir, "missing.bin"))
	require.ErrorContains(t, err, "404")
	_, statErr := os.Stat(filepath.Join(dir, "missing.bin.part"))
	require.True(t, os.IsNotExist(statErr))
}
