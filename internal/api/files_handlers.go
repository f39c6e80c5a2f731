package api

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/zsxq-crawler/internal/dispatcher"
	"github.com/JakeFAU/zsxq-crawler/internal/task"
)

const (
	defaultMaxFiles = 10
	maxMaxFiles     = 1000
)

type downloadRequest struct {
	MaxFiles *int `json:"maxFiles"`
	// MaxFilesLegacy accepts the snake_case spelling.
	MaxFilesLegacy *int `json:"max_files"`
}

func (s *Server) collectFiles(w http.ResponseWriter, r *http.Request) {
	groupID, ok := groupParam(w, r)
	if !ok || !s.hasCredential(w, r, groupID) {
		return
	}
	s.submit(w, r, dispatcher.Spec{
		Kind:        task.KindCollectFiles,
		GroupID:     groupID,
		Description: fmt.Sprintf("收集文件列表 社群 %d", groupID),
		Label:       "文件收集",
		Work:        s.deps.Units.CollectFiles(groupID),
	})
}

func (s *Server) downloadFiles(w http.ResponseWriter, r *http.Request) {
	groupID, ok := groupParam(w, r)
	if !ok {
		return
	}
	var body downloadRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.MaxFiles == nil {
		body.MaxFiles = body.MaxFilesLegacy
	}
	maxFiles, err := boundedInt(body.MaxFiles, defaultMaxFiles, 1, maxMaxFiles, "maxFiles")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.hasCredential(w, r, groupID) {
		return
	}
	s.submit(w, r, dispatcher.Spec{
		Kind:        task.KindDownloadFiles,
		GroupID:     groupID,
		Description: fmt.Sprintf("下载文件 社群 %d (最多 %d 个)", groupID, maxFiles),
		Label:       "文件下载",
		Work:        s.deps.Units.DownloadFiles(groupID, maxFiles),
	})
}

func (s *Server) fileStats(w http.ResponseWriter, r *http.Request) {
	groupID, ok := groupParam(w, r)
	if !ok {
		return
	}
	store, err := s.deps.Stores.Files(r.Context(), groupID)
	if err != nil {
		s.logger.Error("open file store failed", zap.Int64("group_id", groupID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to open file database")
		return
	}
	stats, err := store.FileStats(r.Context())
	if err != nil {
		s.logger.Error("file stats failed", zap.Int64("group_id", groupID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load file stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
