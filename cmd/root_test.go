package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/zsxq-crawler/internal/config"
	"github.com/JakeFAU/zsxq-crawler/internal/dispatcher"
	"github.com/JakeFAU/zsxq-crawler/internal/task"
	"github.com/JakeFAU/zsxq-crawler/internal/worker"
)

type fakeApp struct {
	spec   dispatcher.Spec
	final  task.Task
	ran    bool
	closed bool
}

func (f *fakeApp) Run(context.Context) error {
	f.ran = true
	return nil
}

func (f *fakeApp) RunTask(_ context.Context, spec dispatcher.Spec, out func(string)) (task.Task, error) {
	f.spec = spec
	out("[12:00:00] working")
	return f.final, nil
}

func (f *fakeApp) Units() *worker.Units { return worker.NewUnits(nil, nil, nil, nil) }

func (f *fakeApp) Close(context.Context) error {
	f.closed = true
	return nil
}

// withFakeApp swaps the factory; tests using it must not run in parallel.
func withFakeApp(t *testing.T, app *fakeApp) {
	t.Helper()
	t.Setenv("ZSXQ_STORAGE_DATA_DIR", t.TempDir())
	prev := newApp
	newApp = func(context.Context, config.Config) (App, error) { return app, nil }
	t.Cleanup(func() { newApp = prev })
}

func execute(args ...string) (string, error) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCrawlLatest_RunsTask(t *testing.T) {
	app := &fakeApp{final: task.Task{ID: "task_1", Status: task.StatusCompleted, Message: "爬取完成"}}
	withFakeApp(t, app)

	out, err := execute("crawl", "latest", "123", "--per-page", "50")
	require.NoError(t, err)
	require.Equal(t, task.KindCrawlLatest, app.spec.Kind)
	require.Equal(t, int64(123), app.spec.GroupID)
	require.NotNil(t, app.spec.Work)
	require.Contains(t, out, "working")
	require.Contains(t, out, "爬取完成")
	require.True(t, app.closed)
}

func TestCrawlIncremental_FailedTaskIsError(t *testing.T) {
	app := &fakeApp{final: task.Task{ID: "task_2", Status: task.StatusFailed, Message: "会员已过期"}}
	withFakeApp(t, app)

	_, err := execute("crawl", "incremental", "9", "--pages", "3")
	require.Error(t, err)
	require.Contains(t, err.Error(), "会员已过期")
	require.Equal(t, task.KindCrawlIncr, app.spec.Kind)
}

func TestCrawlRange_Validation(t *testing.T) {
	withFakeApp(t, &fakeApp{})

	_, err := execute("crawl", "range", "abc")
	require.ErrorContains(t, err, "invalid group id")

	_, err = execute("crawl", "range", "1", "--start", "not-a-time")
	require.ErrorContains(t, err, "resolve time range")

	_, err = execute("crawl", "all", "1", "--per-page", "0")
	require.ErrorContains(t, err, "--per-page")
}

func TestCrawlRange_CancelledTask(t *testing.T) {
	app := &fakeApp{final: task.Task{ID: "task_3", Status: task.StatusCancelled, Message: "任务已被用户停止"}}
	withFakeApp(t, app)

	_, err := execute("crawl", "range", "1", "--last-days", "3")
	require.True(t, errors.Is(err, context.Canceled))
	require.Equal(t, task.KindCrawlRange, app.spec.Kind)
}

func TestFilesDownload(t *testing.T) {
	app := &fakeApp{final: task.Task{ID: "task_4", Status: task.StatusCompleted}}
	withFakeApp(t, app)

	_, err := execute("files", "download", "7", "--max-files", "5")
	require.NoError(t, err)
	require.Equal(t, task.KindDownloadFiles, app.spec.Kind)
	require.Contains(t, app.spec.Description, "最多 5 个")

	_, err = execute("files", "collect", "7")
	require.NoError(t, err)
	require.Equal(t, task.KindCollectFiles, app.spec.Kind)
}

func TestServe(t *testing.T) {
	app := &fakeApp{}
	withFakeApp(t, app)

	_, err := execute("serve")
	require.NoError(t, err)
	require.True(t, app.ran)
}

func TestVersion_SkipsApp(t *testing.T) {
	prev := newApp
	newApp = func(context.Context, config.Config) (App, error) {
		return nil, errors.New("must not build")
	}
	t.Cleanup(func() { newApp = prev })

	out, err := execute("version")
	require.NoError(t, err)
	require.Contains(t, out, "zsxqcrawler")
}
