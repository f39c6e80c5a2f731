package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/zsxq-crawler/internal/account"
	"github.com/JakeFAU/zsxq-crawler/internal/dispatcher"
	"github.com/JakeFAU/zsxq-crawler/internal/files"
	"github.com/JakeFAU/zsxq-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/zsxq-crawler/internal/task"
)

// Group sources reported by listGroups.
const (
	sourceAccount = "account"
	sourceLocal   = "local"
	sourceBoth    = "account|local"
)

type groupEntry struct {
	GroupID       int64            `json:"group_id"`
	Name          string           `json:"name"`
	Type          string           `json:"type,omitempty"`
	BackgroundURL string           `json:"background_url,omitempty"`
	HasTopics     bool             `json:"has_topics"`
	HasFiles      bool             `json:"has_files"`
	Account       *account.Summary `json:"account"`
	Source        string           `json:"source"`
}

// listGroups merges communities reachable through an account with those
// that only have local stores.
func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	local, err := s.deps.Stores.LocalGroups(ctx)
	if err != nil {
		s.logger.Error("scan local groups failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list groups")
		return
	}

	byID := make(map[int64]*groupEntry)
	for gid, acc := range s.deps.Accounts.BuildDetectionMap(ctx, false) {
		acc := acc
		byID[gid] = &groupEntry{GroupID: gid, Name: acc.GroupName, Account: &acc, Source: sourceAccount}
	}
	for _, g := range local {
		entry, ok := byID[g.GroupID]
		if !ok {
			entry = &groupEntry{GroupID: g.GroupID, Name: "本地群（未绑定账号）", Source: sourceLocal}
			byID[g.GroupID] = entry
		} else {
			entry.Source = sourceBoth
		}
		if g.Name != "" {
			entry.Name = g.Name
		}
		entry.Type, entry.BackgroundURL = g.Type, g.BackgroundURL
		entry.HasTopics, entry.HasFiles = g.HasTopics, g.HasFiles
	}

	out := make([]*groupEntry, 0, len(byID))
	for _, entry := range byID {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	writeJSON(w, http.StatusOK, map[string]any{"groups": out, "total": len(out)})
}

func (s *Server) groupTopics(w http.ResponseWriter, r *http.Request) {
	groupID, ok := groupParam(w, r)
	if !ok {
		return
	}
	page, perPage, ok := pageParams(w, r)
	if !ok {
		return
	}
	store, ok := s.topicStore(w, r, groupID)
	if !ok {
		return
	}
	topics, err := store.ListTopics(r.Context(), groupID, page, perPage, r.URL.Query().Get("search"))
	if err != nil {
		s.logger.Error("list topics failed", zap.Int64("group_id", groupID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list topics")
		return
	}
	writeJSON(w, http.StatusOK, topics)
}

func (s *Server) topicDetail(w http.ResponseWriter, r *http.Request) {
	groupID, ok := groupParam(w, r)
	if !ok {
		return
	}
	topicID, ok := int64Param(w, r, "topic_id")
	if !ok {
		return
	}
	store, ok := s.topicStore(w, r, groupID)
	if !ok {
		return
	}
	detail, err := store.TopicDetail(r.Context(), topicID)
	switch {
	case errors.Is(err, sqlite.ErrTopicNotFound):
		writeError(w, http.StatusNotFound, "话题不存在")
		return
	case err != nil:
		s.logger.Error("topic detail failed", zap.Int64("topic_id", topicID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load topic")
		return
	case detail.GroupID() != groupID:
		writeError(w, http.StatusNotFound, "话题不存在")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// fetchTopic imports one topic from the platform whether or not it is
// stored yet.
func (s *Server) fetchTopic(w http.ResponseWriter, r *http.Request) {
	groupID, ok := groupParam(w, r)
	if !ok {
		return
	}
	topicID, ok := int64Param(w, r, "topic_id")
	if !ok || !s.hasCredential(w, r, groupID) {
		return
	}
	withComments := r.URL.Query().Get("comments") != "false"
	s.submit(w, r, dispatcher.Spec{
		Kind:        task.KindFetchTopic,
		GroupID:     groupID,
		Description: fmt.Sprintf("采集单个话题 %d 社群 %d", topicID, groupID),
		Label:       "单话题采集",
		Work:        s.deps.Units.FetchTopic(groupID, topicID, withComments),
	})
}

func (s *Server) listFiles(w http.ResponseWriter, r *http.Request) {
	groupID, ok := groupParam(w, r)
	if !ok {
		return
	}
	page, perPage, ok := pageParams(w, r)
	if !ok {
		return
	}
	status := r.URL.Query().Get("status")
	switch status {
	case "", sqlite.FilePending, sqlite.FileDownloaded, sqlite.FileFailed, sqlite.FileSkipped:
	default:
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	store, ok := s.fileStore(w, r, groupID)
	if !ok {
		return
	}
	list, err := store.ListFiles(r.Context(), page, perPage, status)
	if err != nil {
		s.logger.Error("list files failed", zap.Int64("group_id", groupID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list files")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type fileStatus struct {
	FileID         int64   `json:"file_id"`
	Name           string  `json:"name"`
	Size           int64   `json:"size"`
	DownloadStatus string  `json:"download_status"`
	LocalExists    bool    `json:"local_exists"`
	LocalSize      int64   `json:"local_size"`
	LocalPath      *string `json:"local_path"`
	IsComplete     bool    `json:"is_complete"`
	Message        string  `json:"message,omitempty"`
}

// fileStatus reports the recorded state of one file and what is on disk.
func (s *Server) fileStatus(w http.ResponseWriter, r *http.Request) {
	groupID, fileID, ok := fileParams(w, r)
	if !ok {
		return
	}
	store, ok := s.fileStore(w, r, groupID)
	if !ok {
		return
	}
	rec, err := store.File(r.Context(), fileID)
	if errors.Is(err, sqlite.ErrFileNotFound) {
		writeJSON(w, http.StatusOK, fileStatus{
			FileID:         fileID,
			Name:           fmt.Sprintf("file_%d", fileID),
			DownloadStatus: "not_collected",
			Message:        "文件信息未收集，请先运行文件收集任务",
		})
		return
	}
	if err != nil {
		s.logger.Error("load file failed", zap.Int64("file_id", fileID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load file")
		return
	}

	out := fileStatus{FileID: rec.FileID, Name: rec.Name, Size: rec.Size, DownloadStatus: rec.DownloadStatus}
	path := rec.LocalPath
	if path == "" {
		path = filepath.Join(s.deps.Stores.DownloadsDir(groupID), files.SafeName(rec.Name, rec.FileID))
	}
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		out.LocalExists = true
		out.LocalSize = info.Size()
		out.LocalPath = &path
		out.IsComplete = info.Size() == rec.Size
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) downloadFile(w http.ResponseWriter, r *http.Request) {
	groupID, fileID, ok := fileParams(w, r)
	if !ok {
		return
	}
	store, ok := s.fileStore(w, r, groupID)
	if !ok {
		return
	}
	rec, err := store.File(r.Context(), fileID)
	if errors.Is(err, sqlite.ErrFileNotFound) {
		writeError(w, http.StatusNotFound, "文件信息未收集，请先运行文件收集任务")
		return
	}
	if err != nil {
		s.logger.Error("load file failed", zap.Int64("file_id", fileID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load file")
		return
	}
	if !s.hasCredential(w, r, groupID) {
		return
	}
	s.submit(w, r, dispatcher.Spec{
		Kind:        task.KindDownloadFile,
		GroupID:     groupID,
		Description: fmt.Sprintf("下载单个文件 %s (ID: %d)", rec.Name, fileID),
		Label:       "单文件下载",
		Work:        s.deps.Units.DownloadFile(groupID, fileID),
	})
}

func (s *Server) fileStore(w http.ResponseWriter, r *http.Request, groupID int64) (*sqlite.FileStore, bool) {
	store, err := s.deps.Stores.Files(r.Context(), groupID)
	if err != nil {
		s.logger.Error("open file store failed", zap.Int64("group_id", groupID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to open file database")
		return nil, false
	}
	return store, true
}

func fileParams(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	groupID, ok := groupParam(w, r)
	if !ok {
		return 0, 0, false
	}
	fileID, ok := int64Param(w, r, "file_id")
	if !ok {
		return 0, 0, false
	}
	return groupID, fileID, true
}

// pageParams reads page and perPage; per_page is accepted as well.
func pageParams(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	page, err := queryInt(r, "page", 1, 1, 1<<20)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return 0, 0, false
	}
	name := "perPage"
	if r.URL.Query().Get(name) == "" && r.URL.Query().Get("per_page") != "" {
		name = "per_page"
	}
	perPage, err := queryInt(r, name, defaultPerPage, 1, maxPerPage)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return 0, 0, false
	}
	return page, perPage, true
}
