package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/zsxq-crawler/internal/task"
)

func (s *Server) listTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Tasks.List())
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Tasks.Get(chi.URLParam(r, "task_id"))
	if err != nil {
		s.taskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) taskLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")
	logs, err := s.deps.Tasks.Logs(id)
	if err != nil {
		s.taskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "logs": logs})
}

// stopTask answers {"success": false} for unknown or finished tasks rather
// than an error status.
func (s *Server) stopTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")
	ok := s.deps.Tasks.RequestStop(id)
	body := map[string]any{"success": ok, "task_id": id}
	if ok {
		body["message"] = "任务停止请求已发送"
	} else {
		body["message"] = "任务不存在或已结束"
	}
	writeJSON(w, http.StatusOK, body)
}

// streamTask serves the task stream as server-sent events, one JSON event
// per data frame.
func (s *Server) streamTask(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	events, err := s.deps.Tasks.Stream(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		s.taskError(w, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("encode stream event", zap.Error(err))
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			s.logger.Debug("stream client gone", zap.Error(err))
			return
		}
		flusher.Flush()
	}
}

func (s *Server) taskError(w http.ResponseWriter, err error) {
	if errors.Is(err, task.ErrNotFound) {
		writeError(w, http.StatusNotFound, "任务不存在")
		return
	}
	s.logger.Error("task lookup failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "task lookup failed")
}
