package sqlite

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager resolves per-community store locations and caches opened stores.
type Manager struct {
	dataDir string
	now     func() time.Time
	logger  *zap.Logger

	mu     sync.RWMutex
	topics map[int64]*TopicStore
	files  map[int64]*FileStore
}

// NewManager roots every store under dataDir.
func NewManager(dataDir string, now func() time.Time, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		dataDir: dataDir,
		now:     now,
		logger:  logger.Named("stores"),
		topics:  make(map[int64]*TopicStore),
		files:   make(map[int64]*FileStore),
	}
}

// DataDir returns the root directory of all stores.
func (m *Manager) DataDir() string {
	return m.dataDir
}

// GroupDir is the directory holding one community's stores and downloads.
func (m *Manager) GroupDir(groupID int64) string {
	return filepath.Join(m.dataDir, strconv.FormatInt(groupID, 10))
}

// TopicsPath is the topic database of a community.
func (m *Manager) TopicsPath(groupID int64) string {
	return filepath.Join(m.GroupDir(groupID), fmt.Sprintf("zsxq_topics_%d.db", groupID))
}

// FilesPath is the file database of a community.
func (m *Manager) FilesPath(groupID int64) string {
	return filepath.Join(m.GroupDir(groupID), fmt.Sprintf("zsxq_files_%d.db", groupID))
}

// DownloadsDir is where downloaded files of a community land.
func (m *Manager) DownloadsDir(groupID int64) string {
	return filepath.Join(m.GroupDir(groupID), "downloads")
}

// AccountsPath is the account database.
func (m *Manager) AccountsPath() string {
	return filepath.Join(m.dataDir, "accounts.db")
}

// Topics returns the cached topic store of a community, opening it once.
func (m *Manager) Topics(ctx context.Context, groupID int64) (*TopicStore, error) {
	m.mu.RLock()
	store, ok := m.topics[groupID]
	m.mu.RUnlock()
	if ok {
		return store, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if store, ok := m.topics[groupID]; ok {
		return store, nil
	}
	store, err := OpenTopicStore(ctx, m.TopicsPath(groupID), m.now)
	if err != nil {
		return nil, err
	}
	m.topics[groupID] = store
	m.logger.Debug("opened topic store", zap.Int64("group_id", groupID))
	return store, nil
}

// Files returns the cached file store of a community, opening it once.
func (m *Manager) Files(ctx context.Context, groupID int64) (*FileStore, error) {
	m.mu.RLock()
	store, ok := m.files[groupID]
	m.mu.RUnlock()
	if ok {
		return store, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if store, ok := m.files[groupID]; ok {
		return store, nil
	}
	store, err := OpenFileStore(ctx, m.FilesPath(groupID), groupID, m.now)
	if err != nil {
		return nil, err
	}
	m.files[groupID] = store
	m.logger.Debug("opened file store", zap.Int64("group_id", groupID))
	return store, nil
}

// LocalGroup is a community that has stores under the data directory.
type LocalGroup struct {
	GroupID       int64  `json:"group_id"`
	Name          string `json:"name,omitempty"`
	Type          string `json:"type,omitempty"`
	BackgroundURL string `json:"background_url,omitempty"`
	HasTopics     bool   `json:"has_topics"`
	HasFiles      bool   `json:"has_files"`
}

// LocalGroups scans the data directory for community directories holding
// a topic or file database, in ascending id order. Names come from the
// stored community row when the topic database has one.
func (m *Manager) LocalGroups(ctx context.Context) ([]LocalGroup, error) {
	entries, err := os.ReadDir(m.dataDir)
	if errors.Is(err, fs.ErrNotExist) {
		return []LocalGroup{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan data dir: %w", err)
	}

	groups := []LocalGroup{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := strconv.ParseInt(entry.Name(), 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		g := LocalGroup{
			GroupID:   id,
			HasTopics: fileExists(m.TopicsPath(id)),
			HasFiles:  fileExists(m.FilesPath(id)),
		}
		if !g.HasTopics && !g.HasFiles {
			continue
		}
		if g.HasTopics {
			store, err := m.Topics(ctx, id)
			if err != nil {
				return nil, err
			}
			info, found, err := storedGroup(ctx, store.db, id)
			if err != nil {
				return nil, err
			}
			if found {
				g.Name, g.Type, g.BackgroundURL = info.Name, info.Type, info.BackgroundURL
			}
		}
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].GroupID < groups[j].GroupID })
	return groups, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// OpenAccounts opens the account database.
func (m *Manager) OpenAccounts(ctx context.Context) (*AccountStore, error) {
	return OpenAccountStore(ctx, m.AccountsPath(), m.now)
}

// Close closes every cached store.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for id, store := range m.topics {
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close topic store %d: %w", id, err))
		}
		delete(m.topics, id)
	}
	for id, store := range m.files {
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close file store %d: %w", id, err))
		}
		delete(m.files, id)
	}
	return errors.Join(errs...)
}
