package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/zsxq-crawler/internal/zsxq"
)

func newFileStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := OpenFileStore(context.Background(), filepath.Join(t.TempDir(), "files.db"), 99, fixedNow)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestImportFileItemLinksTopic(t *testing.T) {
	t.Parallel()
	store := newFileStore(t)
	ctx := context.Background()

	topic := zsxq.Topic{TopicID: 3, Type: "talk", Talk: &zsxq.Talk{Owner: &zsxq.User{UserID: 1, Name: "o"}, Text: "file post"}}
	item := zsxq.FileItem{
		File:  &zsxq.File{FileID: 100, Name: "a.pdf", Size: 12, CreateTime: "2024-04-01T10:00:00.000+0800"},
		Topic: &topic,
	}

	created, err := store.ImportFileItem(ctx, item)
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, store.MarkDownload(ctx, 100, FileDownloaded, "/tmp/a.pdf"))

	created, err = store.ImportFileItem(ctx, item)
	require.NoError(t, err)
	require.False(t, created)

	f, err := store.File(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, FileDownloaded, f.DownloadStatus, "re-listing keeps download state")
	require.Equal(t, "/tmp/a.pdf", f.LocalPath)
	require.NotEmpty(t, f.DownloadTime)

	rec, err := store.Topic(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, int64(99), rec.GroupID)

	var links int
	require.NoError(t, store.db.Get(&links, `SELECT COUNT(*) FROM file_topic_relations WHERE file_id = 100 AND topic_id = 3`))
	require.Equal(t, 1, links)

	_, err = store.ImportFileItem(ctx, zsxq.FileItem{})
	require.Error(t, err)
}

func TestPendingFilesAndStats(t *testing.T) {
	t.Parallel()
	store := newFileStore(t)
	ctx := context.Background()

	for i, ts := range []string{"2024-01-01", "2024-03-01", "2024-02-01"} {
		_, err := store.ImportFileItem(ctx, zsxq.FileItem{File: &zsxq.File{
			FileID:     int64(i + 1),
			Name:       "f",
			Size:       10,
			CreateTime: ts + "T00:00:00.000+0800",
		}})
		require.NoError(t, err)
	}
	require.NoError(t, store.MarkDownload(ctx, 3, FileFailed, ""))

	pending, err := store.PendingFiles(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, int64(2), pending[0].FileID)

	limited, err := store.PendingFiles(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)

	runID, err := store.StartCollection(ctx)
	require.NoError(t, err)
	require.NoError(t, store.FinishCollection(ctx, runID, 3, 3, "completed"))

	stats, err := store.FileStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.TotalFiles)
	require.Equal(t, int64(30), stats.TotalSize)
	require.Equal(t, map[string]int64{FilePending: 2, FileFailed: 1}, stats.ByStatus)
	require.Equal(t, int64(1), stats.Collections)
	require.NotNil(t, stats.LastCollection)
	require.Equal(t, "completed", stats.LastCollection.Status)
	require.Equal(t, int64(3), stats.LastCollection.NewFiles)
}

func TestListFilesFiltersByStatus(t *testing.T) {
	t.Parallel()
	store := newFileStore(t)
	ctx := context.Background()

	for i, ts := range []string{"2024-01-01", "2024-03-01", "2024-02-01"} {
		_, err := store.ImportFileItem(ctx, zsxq.FileItem{File: &zsxq.File{
			FileID:     int64(i + 1),
			Name:       "f",
			Size:       10,
			CreateTime: ts + "T00:00:00.000+0800",
		}})
		require.NoError(t, err)
	}
	require.NoError(t, store.MarkDownload(ctx, 2, FileDownloaded, "/d/2_f"))

	page, err := store.ListFiles(ctx, 1, 2, "")
	require.NoError(t, err)
	require.Equal(t, Pagination{Page: 1, PerPage: 2, Total: 3, Pages: 2}, page.Pagination)
	require.Equal(t, []int64{2, 3}, []int64{page.Files[0].FileID, page.Files[1].FileID})

	page, err = store.ListFiles(ctx, 1, 20, FilePending)
	require.NoError(t, err)
	require.EqualValues(t, 2, page.Pagination.Total)
	require.Equal(t, int64(3), page.Files[0].FileID)

	page, err = store.ListFiles(ctx, 3, 20, FileFailed)
	require.NoError(t, err)
	require.NotNil(t, page.Files)
	require.Empty(t, page.Files)

	_, err = store.File(ctx, 404)
	require.ErrorIs(t, err, ErrFileNotFound)
}
