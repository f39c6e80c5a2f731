// Package api exposes the HTTP interface for the crawler service.
package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/zsxq-crawler/internal/account"
	"github.com/JakeFAU/zsxq-crawler/internal/crawler"
	"github.com/JakeFAU/zsxq-crawler/internal/dispatcher"
	"github.com/JakeFAU/zsxq-crawler/internal/metrics"
	"github.com/JakeFAU/zsxq-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/zsxq-crawler/internal/store"
	"github.com/JakeFAU/zsxq-crawler/internal/task"
	"github.com/JakeFAU/zsxq-crawler/internal/zsxq"
)

const (
	defaultHandlerTimeout = 60 * time.Second
	defaultSubmitTimeout  = 5 * time.Second
)

// Tasks is the read and stop surface of the orchestrator.
type Tasks interface {
	Get(taskID string) (task.Task, error)
	List() []task.Task
	Logs(taskID string) ([]string, error)
	RequestStop(taskID string) bool
	Stream(ctx context.Context, taskID string) (<-chan task.Event, error)
}

// Submitter queues work units as tasks.
type Submitter interface {
	Submit(ctx context.Context, spec dispatcher.Spec) (task.Task, error)
}

// Units builds work bodies.
type Units interface {
	Crawl(req crawler.Request) task.Work
	CollectFiles(groupID int64) task.Work
	DownloadFiles(groupID int64, maxFiles int) task.Work
	RefreshTopic(groupID, topicID int64, withComments bool) task.Work
	FetchComments(groupID, topicID int64) task.Work
	FetchTopic(groupID, topicID int64, withComments bool) task.Work
	DownloadFile(groupID, fileID int64) task.Work
}

// Accounts administers accounts and community routing.
type Accounts interface {
	ResolveCredential(ctx context.Context, groupID int64) zsxq.Credential
	AccountForGroup(ctx context.Context, groupID int64) (account.Summary, bool)
	BuildDetectionMap(ctx context.Context, forceRefresh bool) map[int64]account.Summary
	ListAccounts(ctx context.Context) ([]account.Summary, error)
	AddAccount(ctx context.Context, name, cookie string, isDefault bool) (account.Summary, error)
	RemoveAccount(ctx context.Context, id string) error
	SetDefault(ctx context.Context, id string) error
	AssignGroup(ctx context.Context, groupID int64, accountID string) error
	RefreshSelf(ctx context.Context, accountID string) (sqlite.SelfRecord, error)
	Self(ctx context.Context, accountID string) (sqlite.SelfRecord, bool, error)
}

// Stores opens per-community databases.
type Stores interface {
	Topics(ctx context.Context, groupID int64) (*sqlite.TopicStore, error)
	Files(ctx context.Context, groupID int64) (*sqlite.FileStore, error)
	DownloadsDir(groupID int64) string
	LocalGroups(ctx context.Context) ([]sqlite.LocalGroup, error)
}

// GroupFetcher reads community metadata from the platform.
type GroupFetcher interface {
	FetchGroup(ctx context.Context, cred zsxq.Credential, groupID int64) (*zsxq.Group, error)
}

// Deps are the collaborators behind the routes. Groups and History may be nil.
type Deps struct {
	Tasks    Tasks
	Submit   Submitter
	Units    Units
	Accounts Accounts
	Stores   Stores
	Groups   GroupFetcher
	History  store.HistoryRepository
	// Now anchors crawl time-range defaults.
	Now func() time.Time
}

// Options tune the HTTP surface.
type Options struct {
	// APIKey enables key checking on /api when non-empty. Health checks and
	// metrics stay open.
	APIKey         string
	HandlerTimeout time.Duration
	// SubmitTimeout bounds the wait for a free queue slot.
	SubmitTimeout  time.Duration
	Logger         *zap.Logger
}

// Server wires HTTP handlers to the orchestrator, the accounts and the stores.
type Server struct {
	router        chi.Router
	deps          Deps
	history       *HistoryHandler
	submitTimeout time.Duration
	logger        *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = defaultHandlerTimeout
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = defaultSubmitTimeout
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	logger := opts.Logger.Named("api")
	s := &Server{
		deps:          deps,
		history:       NewHistoryHandler(deps.History, logger),
		submitTimeout: opts.SubmitTimeout,
		logger:        logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		// Streams outlive the handler timeout.
		r.Get("/tasks/{task_id}/stream", s.streamTask)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(opts.HandlerTimeout))

			r.Get("/tasks", s.listTasks)
			r.Get("/tasks/{task_id}", s.getTask)
			r.Get("/tasks/{task_id}/logs", s.taskLogs)
			r.Post("/tasks/{task_id}/stop", s.stopTask)

			r.Post("/crawl/range/{group_id}", s.crawlRange)
			r.Post("/crawl/incremental/{group_id}", s.crawlIncremental)
			r.Post("/crawl/all/{group_id}", s.crawlAll)
			r.Post("/crawl/latest/{group_id}", s.crawlLatest)

			r.Post("/files/collect/{group_id}", s.collectFiles)
			r.Post("/files/download/{group_id}", s.downloadFiles)
			r.Get("/files/stats/{group_id}", s.fileStats)
			r.Get("/files/{group_id}", s.listFiles)
			r.Get("/files/{group_id}/{file_id}/status", s.fileStatus)
			r.Post("/files/{group_id}/{file_id}/download", s.downloadFile)

			r.Get("/accounts", s.listAccounts)
			r.Post("/accounts", s.addAccount)
			r.Delete("/accounts/{account_id}", s.removeAccount)
			r.Post("/accounts/{account_id}/default", s.setDefaultAccount)
			r.Get("/accounts/{account_id}/self", s.accountSelf)
			r.Post("/accounts/{account_id}/self/refresh", s.refreshAccountSelf)

			r.Get("/groups", s.listGroups)
			r.Get("/groups/detect", s.detectGroups)
			r.Post("/groups/{group_id}/assign-account", s.assignAccount)
			r.Get("/groups/{group_id}/account", s.groupAccount)
			r.Get("/groups/{group_id}/info", s.groupInfo)
			r.Get("/groups/{group_id}/stats", s.groupStats)
			r.Get("/groups/{group_id}/tags", s.groupTags)
			r.Get("/groups/{group_id}/tags/{tag_id}/topics", s.tagTopics)
			r.Get("/groups/{group_id}/topics", s.groupTopics)
			r.Get("/groups/{group_id}/topics/{topic_id}", s.topicDetail)
			r.Post("/groups/{group_id}/topics/{topic_id}/fetch", s.fetchTopic)
			r.Post("/groups/{group_id}/topics/{topic_id}/refresh", s.refreshTopic)
			r.Post("/groups/{group_id}/topics/{topic_id}/comments", s.fetchComments)
			r.Delete("/groups/{group_id}/topics/{topic_id}", s.deleteTopic)
			r.Delete("/groups/{group_id}/topics", s.deleteGroupTopics)

			r.Get("/history", s.history.ListRuns)
			r.Get("/history/{task_id}", s.history.GetRun)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Tasks == nil || s.deps.Submit == nil {
		writeError(w, http.StatusServiceUnavailable, "task runner unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// submit queues spec and answers 202 with the new task id.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, spec dispatcher.Spec) {
	ctx, cancel := context.WithTimeout(r.Context(), s.submitTimeout)
	defer cancel()
	t, err := s.deps.Submit.Submit(ctx, spec)
	if err != nil {
		s.logger.Warn("submit task failed", zap.String("kind", string(spec.Kind)), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "任务队列已满，请稍后再试")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id": t.ID,
		"status":  t.Status,
		"message": "任务已创建，正在后台执行",
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", requestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", requestID(r.Context())),
						zap.Any("error", rec),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid JSON")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
