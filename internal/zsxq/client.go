// Package zsxq is the client for the remote community platform's JSON API.
package zsxq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/zsxq-crawler/internal/metrics"
)

// DefaultBaseURL is the production API host.
const DefaultBaseURL = "https://api.zsxq.com"

const (
	webOrigin         = "https://wx.zsxq.com"
	defaultAppVersion = "2.77.0"
	defaultTimeout    = 30 * time.Second
	maxBodyBytes      = 16 << 20
)

var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:132.0) Gecko/20100101 Firefox/132.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36 Edg/131.0.0.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
}

// Credential identifies the account a call is made on behalf of.
type Credential struct {
	AccountID string
	Cookie    string
}

// Doer abstracts the HTTP transport.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Limiter paces calls per account.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// RequestIDer produces X-Request-Id values.
type RequestIDer interface {
	RequestID() string
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	UserAgents []string
	AppVersion string
	HTTPClient Doer
	Limiter    Limiter
	IDs        RequestIDer
	Logger     *zap.Logger
	Now        func() time.Time
}

// Client issues authenticated calls with browser-like headers.
type Client struct {
	baseURL    string
	timeout    time.Duration
	userAgents []string
	appVersion string
	http       Doer
	limiter    Limiter
	ids        RequestIDer
	logger     *zap.Logger
	now        func() time.Time
}

// NewClient builds a Client, filling defaults for unset options.
func NewClient(opts Options) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		timeout:    opts.Timeout,
		userAgents: opts.UserAgents,
		appVersion: opts.AppVersion,
		http:       opts.HTTPClient,
		limiter:    opts.Limiter,
		ids:        opts.IDs,
		logger:     opts.Logger,
		now:        opts.Now,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if len(c.userAgents) == 0 {
		c.userAgents = defaultUserAgents
	}
	if c.appVersion == "" {
		c.appVersion = defaultAppVersion
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// ListGroups returns the groups the credential is a member of.
func (c *Client) ListGroups(ctx context.Context, cred Credential) ([]Group, error) {
	var out struct {
		Groups []Group `json:"groups"`
	}
	if err := c.get(ctx, cred, "groups", "/v2/groups", nil, &out); err != nil {
		return nil, err
	}
	return out.Groups, nil
}

// FetchGroup returns one group's metadata.
func (c *Client) FetchGroup(ctx context.Context, cred Credential, groupID int64) (*Group, error) {
	var out struct {
		Group Group `json:"group"`
	}
	path := "/v2/groups/" + strconv.FormatInt(groupID, 10)
	if err := c.get(ctx, cred, "group", path, nil, &out); err != nil {
		return nil, err
	}
	return &out.Group, nil
}

// TopicsQuery selects one page of a group feed.
type TopicsQuery struct {
	Count int
	// EndTime is the exclusive upper cursor; empty for the newest page.
	EndTime string
}

// FetchTopics returns one page of topics, newest first.
func (c *Client) FetchTopics(ctx context.Context, cred Credential, groupID int64, q TopicsQuery) (*TopicsPage, error) {
	params := url.Values{}
	params.Set("scope", "all")
	params.Set("count", strconv.Itoa(q.Count))
	if q.EndTime != "" {
		params.Set("end_time", q.EndTime)
	}
	var out TopicsPage
	path := "/v2/groups/" + strconv.FormatInt(groupID, 10) + "/topics"
	if err := c.get(ctx, cred, "topics", path, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchTopic returns the full detail of one topic.
func (c *Client) FetchTopic(ctx context.Context, cred Credential, topicID int64) (*Topic, error) {
	var out struct {
		Topic *Topic `json:"topic"`
	}
	path := "/v2/topics/" + strconv.FormatInt(topicID, 10) + "/info"
	if err := c.get(ctx, cred, "topic", path, nil, &out); err != nil {
		return nil, err
	}
	if out.Topic == nil || out.Topic.TopicID == 0 {
		return nil, &TransportError{Endpoint: "topic", Err: errors.New("response carried no topic")}
	}
	return out.Topic, nil
}

// CommentsQuery selects one page of comments in ascending order.
type CommentsQuery struct {
	Count     int
	BeginTime string
}

// FetchComments returns one page of a topic's comments.
func (c *Client) FetchComments(ctx context.Context, cred Credential, topicID int64, q CommentsQuery) (*CommentsPage, error) {
	count := q.Count
	if count <= 0 {
		count = 30
	}
	params := url.Values{}
	params.Set("sort", "asc")
	params.Set("count", strconv.Itoa(count))
	if q.BeginTime != "" {
		params.Set("begin_time", q.BeginTime)
	}
	var out CommentsPage
	path := "/v2/topics/" + strconv.FormatInt(topicID, 10) + "/comments"
	if err := c.get(ctx, cred, "comments", path, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FilesQuery selects one page of the group file listing.
type FilesQuery struct {
	Count int
	Index string
}

// FetchFiles returns one page of files with the next index cursor.
func (c *Client) FetchFiles(ctx context.Context, cred Credential, groupID int64, q FilesQuery) (*FilesPage, error) {
	params := url.Values{}
	params.Set("count", strconv.Itoa(q.Count))
	if q.Index != "" {
		params.Set("index", q.Index)
	}
	var out FilesPage
	path := "/v2/groups/" + strconv.FormatInt(groupID, 10) + "/files"
	if err := c.get(ctx, cred, "files", path, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FileDownloadURL resolves a short-lived download link for a file.
func (c *Client) FileDownloadURL(ctx context.Context, cred Credential, fileID int64) (string, error) {
	var out struct {
		DownloadURL string `json:"download_url"`
	}
	path := "/v2/files/" + strconv.FormatInt(fileID, 10) + "/download_url"
	if err := c.get(ctx, cred, "download_url", path, nil, &out); err != nil {
		return "", err
	}
	if out.DownloadURL == "" {
		return "", &TransportError{Endpoint: "download_url", Err: errors.New("empty download url")}
	}
	return out.DownloadURL, nil
}

// FetchSelf returns the account's own profile and the raw response data.
func (c *Client) FetchSelf(ctx context.Context, cred Credential) (SelfInfo, json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.get(ctx, cred, "self", "/v3/users/self", nil, &raw); err != nil {
		return SelfInfo{}, nil, err
	}
	var payload selfPayload
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return SelfInfo{}, nil, &TransportError{Endpoint: "self", Err: fmt.Errorf("decode self: %w", err)}
	}
	return payload.info(), raw, nil
}

// StealthHeaders returns the browser-like header set sent with every call.
func (c *Client) StealthHeaders(cookie string) http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json, text/plain, */*")
	h.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8,zh-TW;q=0.7")
	h.Set("Cache-Control", "no-cache")
	h.Set("Pragma", "no-cache")
	h.Set("Origin", webOrigin)
	h.Set("Referer", webOrigin+"/")
	h.Set("Sec-Fetch-Dest", "empty")
	h.Set("Sec-Fetch-Mode", "cors")
	h.Set("Sec-Fetch-Site", "same-site")
	h.Set("User-Agent", c.userAgents[rand.Intn(len(c.userAgents))]) //nolint:gosec // header rotation only
	h.Set("X-Timestamp", strconv.FormatInt(c.now().Unix(), 10))
	h.Set("X-Version", c.appVersion)
	if c.ids != nil {
		h.Set("X-Request-Id", c.ids.RequestID())
	}
	if cookie != "" {
		h.Set("Cookie", cookie)
	}
	return h
}

func (c *Client) get(ctx context.Context, cred Credential, endpoint, path string, params url.Values, out any) error {
	if strings.TrimSpace(cred.Cookie) == "" {
		return ErrNoCredential
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, cred.AccountID); err != nil {
			return err
		}
	}

	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", endpoint, err)
	}
	req.Header = c.StealthHeaders(cred.Cookie)

	start := time.Now()
	err = c.do(req, endpoint, out)
	outcome := "ok"
	var ae *APIError
	switch {
	case err == nil:
	case errors.Is(err, ErrAuthExpired):
		outcome = "expired"
	case errors.As(err, &ae):
		outcome = "api_error"
	default:
		outcome = "transport_error"
	}
	metrics.ObserveAPIRequest(endpoint, outcome, time.Since(start))
	c.logger.Debug("zsxq request",
		zap.String("endpoint", endpoint),
		zap.String("path", path),
		zap.String("outcome", outcome),
		zap.Duration("duration", time.Since(start)),
	)
	return err
}

func (c *Client) do(req *http.Request, endpoint string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		// Parent cancellation is a stop, not a transport failure.
		if ctxErr := req.Context().Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
			return ctxErr
		}
		return &TransportError{Endpoint: endpoint, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &TransportError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &TransportError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return &TransportError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: errors.New("empty body")}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return &TransportError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode envelope: %w", err)}
	}
	if !env.Succeeded {
		return &APIError{Endpoint: endpoint, Code: env.Code, Message: env.message()}
	}
	if out == nil || len(env.RespData) == 0 {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], env.RespData...)
		return nil
	}
	if err := json.Unmarshal(env.RespData, out); err != nil {
		return &TransportError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode resp_data: %w", err)}
	}
	return nil
}
