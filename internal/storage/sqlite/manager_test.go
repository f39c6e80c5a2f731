package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestManagerPaths(t *testing.T) {
	t.Parallel()
	m := NewManager("/data", nil, nil)

	require.Equal(t, filepath.Join("/data", "42", "zsxq_topics_42.db"), m.TopicsPath(42))
	require.Equal(t, filepath.Join("/data", "42", "zsxq_files_42.db"), m.FilesPath(42))
	require.Equal(t, filepath.Join("/data", "42", "downloads"), m.DownloadsDir(42))
	require.Equal(t, filepath.Join("/data", "accounts.db"), m.AccountsPath())
}

func TestManagerCachesStores(t *testing.T) {
	t.Parallel()
	m := NewManager(t.TempDir(), fixedNow, nil)
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	ctx := context.Background()

	var wg sync.WaitGroup
	stores := make([]*TopicStore, 8)
	for i := range stores {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.Topics(ctx, 42)
			require.NoError(t, err)
			stores[i] = s
		}(i)
	}
	wg.Wait()
	for _, s := range stores[1:] {
		require.Same(t, stores[0], s)
	}

	files, err := m.Files(ctx, 42)
	require.NoError(t, err)
	again, err := m.Files(ctx, 42)
	require.NoError(t, err)
	require.Same(t, files, again)
	require.FileExists(t, m.FilesPath(42))
	require.FileExists(t, m.TopicsPath(42))
}

func TestManagerLocalGroups(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	m := NewManager(dir, fixedNow, nil)
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	ctx := context.Background()

	empty, err := NewManager(filepath.Join(dir, "missing"), fixedNow, nil).LocalGroups(ctx)
	require.NoError(t, err)
	require.Empty(t, empty)

	topics, err := m.Topics(ctx, 99)
	require.NoError(t, err)
	_, err = topics.ImportTopic(ctx, sampleTopic(1))
	require.NoError(t, err)
	_, err = m.Files(ctx, 7)
	require.NoError(t, err)

	// Directories without stores and non-numeric names are ignored.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "12", "downloads"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "backup"), 0o755))

	groups, err := m.LocalGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	require.Equal(t, int64(7), groups[0].GroupID)
	require.True(t, groups[0].HasFiles)
	require.False(t, groups[0].HasTopics)
	require.NoFileExists(t, m.TopicsPath(7))
	require.Equal(t, LocalGroup{GroupID: 99, Name: "planet", Type: "pay", HasTopics: true}, groups[1])
}
