package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/zsxq-crawler/internal/dispatcher"
	"github.com/JakeFAU/zsxq-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/zsxq-crawler/internal/task"
	"github.com/JakeFAU/zsxq-crawler/internal/zsxq"
)

const defaultTagPerPage = 20

func (s *Server) topicStore(w http.ResponseWriter, r *http.Request, groupID int64) (*sqlite.TopicStore, bool) {
	store, err := s.deps.Stores.Topics(r.Context(), groupID)
	if err != nil {
		s.logger.Error("open topic store failed", zap.Int64("group_id", groupID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to open topic database")
		return nil, false
	}
	return store, true
}

// groupInfo answers with platform metadata when it can be fetched and with
// a local summary otherwise. It never fails on remote errors.
func (s *Server) groupInfo(w http.ResponseWriter, r *http.Request) {
	groupID, ok := groupParam(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	var owner any
	if summary, found := s.deps.Accounts.AccountForGroup(ctx, groupID); found {
		owner = summary
	}

	cred := s.deps.Accounts.ResolveCredential(ctx, groupID)
	switch {
	case s.deps.Groups == nil:
		writeJSON(w, http.StatusOK, s.localGroupInfo(ctx, groupID, owner, "remote_unavailable"))
		return
	case cred.Cookie == "":
		writeJSON(w, http.StatusOK, s.localGroupInfo(ctx, groupID, owner, "no_cookie"))
		return
	}

	group, err := s.deps.Groups.FetchGroup(ctx, cred, groupID)
	if err != nil {
		note := "remote_request_failed"
		var apiErr *zsxq.APIError
		if _, _, expired := zsxq.ExpiryDetails(err); expired {
			note = "remote_auth_expired"
		} else if errors.As(err, &apiErr) {
			note = "remote_response_failed"
		}
		s.logger.Warn("group info fetch failed", zap.Int64("group_id", groupID), zap.String("note", note), zap.Error(err))
		writeJSON(w, http.StatusOK, s.localGroupInfo(ctx, groupID, owner, note))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"group_id":       group.GroupID,
		"name":           group.Name,
		"type":           group.Type,
		"description":    group.Description,
		"owner":          group.Owner,
		"statistics":     group.Statistics,
		"background_url": group.BackgroundURL,
		"account":        owner,
		"source":         "remote",
	})
}

func (s *Server) localGroupInfo(ctx context.Context, groupID int64, owner any, note string) map[string]any {
	var filesCount int64
	if store, err := s.deps.Stores.Files(ctx, groupID); err == nil {
		if stats, err := store.FileStats(ctx); err == nil {
			filesCount = stats.TotalFiles
		}
	}
	return map[string]any{
		"group_id":       groupID,
		"name":           fmt.Sprintf("群组 %d", groupID),
		"description":    "",
		"statistics":     map[string]any{"files": map[string]int64{"count": filesCount}},
		"background_url": nil,
		"account":        owner,
		"source":         "fallback",
		"note":           note,
	}
}

func (s *Server) groupStats(w http.ResponseWriter, r *http.Request) {
	groupID, ok := groupParam(w, r)
	if !ok {
		return
	}
	store, ok := s.topicStore(w, r, groupID)
	if !ok {
		return
	}
	counts, err := store.Stats(r.Context())
	if err != nil {
		s.logger.Error("group stats failed", zap.Int64("group_id", groupID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	timeline, err := store.TimestampRange(r.Context())
	if err != nil {
		s.logger.Error("timestamp range failed", zap.Int64("group_id", groupID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"group_id":        groupID,
		"table_counts":    counts,
		"timestamp_range": timeline,
	})
}

func (s *Server) groupTags(w http.ResponseWriter, r *http.Request) {
	groupID, ok := groupParam(w, r)
	if !ok {
		return
	}
	store, ok := s.topicStore(w, r, groupID)
	if !ok {
		return
	}
	tags, err := store.Tags(r.Context(), groupID)
	if err != nil {
		s.logger.Error("list tags failed", zap.Int64("group_id", groupID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list tags")
		return
	}
	if tags == nil {
		tags = []sqlite.Tag{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tags": tags, "total": len(tags)})
}

func (s *Server) tagTopics(w http.ResponseWriter, r *http.Request) {
	groupID, ok := groupParam(w, r)
	if !ok {
		return
	}
	tagID, ok := int64Param(w, r, "tag_id")
	if !ok {
		return
	}
	page, err := queryInt(r, "page", 1, 1, 1<<20)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	perPage, err := queryInt(r, "perPage", defaultTagPerPage, 1, maxPerPage)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	store, ok := s.topicStore(w, r, groupID)
	if !ok {
		return
	}
	topics, err := store.TopicsByTag(r.Context(), groupID, tagID, page, perPage)
	if err != nil {
		if errors.Is(err, sqlite.ErrTagNotFound) {
			writeError(w, http.StatusNotFound, "标签不存在")
			return
		}
		s.logger.Error("tag topics failed", zap.Int64("tag_id", tagID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list topics")
		return
	}
	writeJSON(w, http.StatusOK, topics)
}

func (s *Server) refreshTopic(w http.ResponseWriter, r *http.Request) {
	groupID, topicID, ok := s.storedTopic(w, r)
	if !ok {
		return
	}
	withComments := r.URL.Query().Get("comments") != "false"
	s.submit(w, r, dispatcher.Spec{
		Kind:        task.KindRefreshTopic,
		GroupID:     groupID,
		Description: fmt.Sprintf("刷新话题 %d 社群 %d", topicID, groupID),
		Label:       "话题刷新",
		Work:        s.deps.Units.RefreshTopic(groupID, topicID, withComments),
	})
}

func (s *Server) fetchComments(w http.ResponseWriter, r *http.Request) {
	groupID, topicID, ok := s.storedTopic(w, r)
	if !ok {
		return
	}
	s.submit(w, r, dispatcher.Spec{
		Kind:        task.KindRefreshTopic,
		GroupID:     groupID,
		Description: fmt.Sprintf("获取话题 %d 全部评论 社群 %d", topicID, groupID),
		Label:       "评论获取",
		Work:        s.deps.Units.FetchComments(groupID, topicID),
	})
}

// storedTopic parses the ids, checks that the topic is stored and that an
// account can serve the community.
func (s *Server) storedTopic(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	groupID, ok := groupParam(w, r)
	if !ok {
		return 0, 0, false
	}
	topicID, ok := int64Param(w, r, "topic_id")
	if !ok {
		return 0, 0, false
	}
	store, ok := s.topicStore(w, r, groupID)
	if !ok {
		return 0, 0, false
	}
	rec, err := store.Topic(r.Context(), topicID)
	switch {
	case errors.Is(err, sqlite.ErrTopicNotFound):
		writeError(w, http.StatusNotFound, "话题不存在")
		return 0, 0, false
	case err != nil:
		s.logger.Error("load topic failed", zap.Int64("topic_id", topicID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load topic")
		return 0, 0, false
	case rec.GroupID != groupID:
		writeError(w, http.StatusNotFound, "话题不存在")
		return 0, 0, false
	}
	if !s.hasCredential(w, r, groupID) {
		return 0, 0, false
	}
	return groupID, topicID, true
}

func (s *Server) deleteTopic(w http.ResponseWriter, r *http.Request) {
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
	deleted, err := store.DeleteTopic(r.Context(), groupID, topicID)
	if err != nil {
		s.logger.Error("delete topic failed", zap.Int64("topic_id", topicID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete topic")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "话题不存在")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "topic_id": topicID})
}

func (s *Server) deleteGroupTopics(w http.ResponseWriter, r *http.Request) {
	groupID, ok := groupParam(w, r)
	if !ok {
		return
	}
	store, ok := s.topicStore(w, r, groupID)
	if !ok {
		return
	}
	removed, err := store.DeleteGroup(r.Context(), groupID)
	if err != nil {
		s.logger.Error("delete group failed", zap.Int64("group_id", groupID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete group data")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "deleted_topics": removed})
}

func queryInt(r *http.Request, name string, def, lo, hi int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || v > hi {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return v, nil
}
