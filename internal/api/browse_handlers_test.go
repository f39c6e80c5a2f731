package api

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/zsxq-crawler/internal/files"
	"github.com/JakeFAU/zsxq-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/zsxq-crawler/internal/task"
	"github.com/JakeFAU/zsxq-crawler/internal/zsxq"
)

func seedTopic(t *testing.T, env *testEnv, groupID, topicID int64, text string) {
	t.Helper()
	store, err := env.stores.Topics(context.Background(), groupID)
	require.NoError(t, err)
	_, err = store.ImportTopic(context.Background(), zsxq.Topic{
		TopicID:    topicID,
		Group:      &zsxq.Group{GroupID: groupID, Name: "本地笔记"},
		Type:       "talk",
		CreateTime: "2024-04-01T10:00:00.000+0800",
		Talk:       &zsxq.Talk{Owner: &zsxq.User{UserID: 1, Name: "author"}, Text: text},
	})
	require.NoError(t, err)
}

func seedFile(t *testing.T, env *testEnv, groupID, fileID int64, name string, size int64) {
	t.Helper()
	store, err := env.stores.Files(context.Background(), groupID)
	require.NoError(t, err)
	_, err = store.ImportFileItem(context.Background(), zsxq.FileItem{
		File: &zsxq.File{FileID: fileID, Name: name, Size: size, CreateTime: "2024-04-01T10:00:00.000+0800"},
	})
	require.NoError(t, err)
}

func TestServer_ListGroups_MergesAccountsAndLocal(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	seedTopic(t, env, 2, 10, "hello")
	seedTopic(t, env, 3, 11, "hello")

	rec := env.do(http.MethodGet, "/api/groups", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Groups []groupEntry `json:"groups"`
		Total  int          `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 3, body.Total)
	require.False(t, env.accounts.forced)

	one, two, three := body.Groups[0], body.Groups[1], body.Groups[2]
	require.Equal(t, int64(1), one.GroupID)
	require.Equal(t, sourceAccount, one.Source)
	require.Equal(t, "一号", one.Name)
	require.False(t, one.HasTopics)

	require.Equal(t, sourceBoth, two.Source)
	require.Equal(t, "本地笔记", two.Name)
	require.Equal(t, "acc_1", two.Account.ID)
	require.True(t, two.HasTopics)

	require.Equal(t, sourceLocal, three.Source)
	require.Nil(t, three.Account)
}

func TestServer_GroupTopics_ListAndDetail(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	seedTopic(t, env, 5, 1, "first gopher note")
	seedTopic(t, env, 5, 2, "second note")

	rec := env.do(http.MethodGet, "/api/groups/5/topics?perPage=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page sqlite.TopicPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Equal(t, sqlite.Pagination{Page: 1, PerPage: 1, Total: 2, Pages: 2}, page.Pagination)

	rec = env.do(http.MethodGet, "/api/groups/5/topics?search=gopher", "")
	require.Equal(t, http.StatusOK, rec.Code)
	page = sqlite.TopicPage{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Topics, 1)
	require.Equal(t, int64(1), page.Topics[0].TopicID)

	rec = env.do(http.MethodGet, "/api/groups/5/topics?page=0", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodGet, "/api/groups/5/topics/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var detail sqlite.TopicDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	require.Equal(t, "first gopher note", detail.Talk.Text)
	require.Equal(t, "author", detail.Talk.Owner.Name)

	rec = env.do(http.MethodGet, "/api/groups/5/topics/404", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_TopicDetail_RejectsForeignGroup(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	store, err := env.stores.Topics(context.Background(), 5)
	require.NoError(t, err)
	_, err = store.ImportTopic(context.Background(), zsxq.Topic{
		TopicID:    9,
		Group:      &zsxq.Group{GroupID: 6},
		Type:       "talk",
		CreateTime: "2024-04-01T10:00:00.000+0800",
		Talk:       &zsxq.Talk{Owner: &zsxq.User{UserID: 1}, Text: "elsewhere"},
	})
	require.NoError(t, err)

	rec := env.do(http.MethodGet, "/api/groups/5/topics/9", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "话题不存在")
}

func TestServer_FetchTopic_QueuesTask(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/api/groups/5/topics/77/fetch?comments=false", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, int64(77), env.units.topicID)
	require.False(t, env.units.comments)

	job, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	got, err := env.tasks.Get(job.TaskID)
	require.NoError(t, err)
	require.Equal(t, task.KindFetchTopic, got.Kind)

	rec = env.do(http.MethodPost, "/api/groups/5/topics/78/fetch", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.True(t, env.units.comments)

	env.accounts.cookie = ""
	rec = env.do(http.MethodPost, "/api/groups/5/topics/79/fetch", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ListFiles(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	seedFile(t, env, 8, 1, "a.pdf", 3)
	seedFile(t, env, 8, 2, "b.pdf", 4)
	store, err := env.stores.Files(context.Background(), 8)
	require.NoError(t, err)
	require.NoError(t, store.MarkDownload(context.Background(), 2, sqlite.FileDownloaded, "/d/2_b.pdf"))

	rec := env.do(http.MethodGet, "/api/files/8", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page sqlite.FilePage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.EqualValues(t, 2, page.Pagination.Total)

	rec = env.do(http.MethodGet, "/api/files/8?status=pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	page = sqlite.FilePage{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Files, 1)
	require.Equal(t, int64(1), page.Files[0].FileID)

	rec = env.do(http.MethodGet, "/api/files/8?status=lost", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_FileStatus(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/api/files/8/5/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st fileStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.Equal(t, "not_collected", st.DownloadStatus)
	require.False(t, st.LocalExists)

	seedFile(t, env, 8, 5, "notes.txt", 5)
	rec = env.do(http.MethodGet, "/api/files/8/5/status", "")
	st = fileStatus{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.Equal(t, sqlite.FilePending, st.DownloadStatus)
	require.False(t, st.LocalExists)
	require.Nil(t, st.LocalPath)

	dir := env.stores.DownloadsDir(8)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, files.SafeName("notes.txt", 5))
	require.NoError(t, os.WriteFile(path, []byte("hel"), 0o600))

	rec = env.do(http.MethodGet, "/api/files/8/5/status", "")
	st = fileStatus{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.True(t, st.LocalExists)
	require.EqualValues(t, 3, st.LocalSize)
	require.Equal(t, path, *st.LocalPath)
	require.False(t, st.IsComplete)

	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))
	rec = env.do(http.MethodGet, "/api/files/8/5/status", "")
	st = fileStatus{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.True(t, st.IsComplete)
}

func TestServer_DownloadFile(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/api/files/8/5/download", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	seedFile(t, env, 8, 5, "notes.txt", 5)
	rec = env.do(http.MethodPost, "/api/files/8/5/download", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, int64(5), env.units.fileID)

	job, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	got, err := env.tasks.Get(job.TaskID)
	require.NoError(t, err)
	require.Equal(t, task.KindDownloadFile, got.Kind)

	env.accounts.cookie = ""
	rec = env.do(http.MethodPost, "/api/files/8/5/download", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/api/files/8/0/download", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
