package zsxq

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fixedIDs struct{}

func (fixedIDs) RequestID() string { return "req-1" }

type recordingLimiter struct {
	mu   sync.Mutex
	keys []string
}

func (l *recordingLimiter) Wait(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, key)
	return nil
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *recordingLimiter) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	lim := &recordingLimiter{}
	return NewClient(Options{
		BaseURL:    srv.URL,
		Timeout:    2 * time.Second,
		UserAgents: []string{"test-agent"},
		Limiter:    lim,
		IDs:        fixedIDs{},
		Now:        func() time.Time { return time.Unix(1700000000, 0) },
	}), lim
}

var cred = Credential{AccountID: "acc-1", Cookie: "zsxq_access_token=abc"}

func TestFetchTopicsSendsStealthHeadersAndCursor(t *testing.T) {
	t.Parallel()

	var got *http.Request
	client, lim := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		_, _ = w.Write([]byte(`{"succeeded":true,"resp_data":{"topics":[
			{"topic_id":1,"create_time":"2024-01-02T10:00:00.000+0800","group":{"group_id":9},
			 "talk":{"owner":{"user_id":5,"name":"a"},"text":"hello"}}]}}`))
	})

	page, err := client.FetchTopics(context.Background(), cred, 9, TopicsQuery{Count: 20, EndTime: "2024-01-02T09:59:59.999+0800"})
	require.NoError(t, err)
	require.Len(t, page.Topics, 1)
	require.Equal(t, int64(9), page.Topics[0].GroupID())
	require.Equal(t, "hello", page.Topics[0].Talk.Text)

	require.Equal(t, "/v2/groups/9/topics", got.URL.Path)
	require.Equal(t, "all", got.URL.Query().Get("scope"))
	require.Equal(t, "20", got.URL.Query().Get("count"))
	require.Equal(t, "2024-01-02T09:59:59.999+0800", got.URL.Query().Get("end_time"))
	require.Equal(t, "zsxq_access_token=abc", got.Header.Get("Cookie"))
	require.Equal(t, "https://wx.zsxq.com", got.Header.Get("Origin"))
	require.Equal(t, "https://wx.zsxq.com/", got.Header.Get("Referer"))
	require.Equal(t, "test-agent", got.Header.Get("User-Agent"))
	require.Equal(t, "1700000000", got.Header.Get("X-Timestamp"))
	require.Equal(t, "req-1", got.Header.Get("X-Request-Id"))
	require.Equal(t, "2.77.0", got.Header.Get("X-Version"))
	require.Equal(t, []string{"acc-1"}, lim.keys)
}

func TestFirstPageOmitsEndTime(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.URL.Query()["end_time"]; ok {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"succeeded":true,"resp_data":{"topics":[]}}`))
	})
	page, err := client.FetchTopics(context.Background(), cred, 1, TopicsQuery{Count: 20})
	require.NoError(t, err)
	require.Empty(t, page.Topics)
}

func TestErrorTaxonomy(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		status    int
		body      string
		expired   bool
		retryable bool
		transport bool
	}{
		{name: "membership expired code", status: 200, body: `{"succeeded":false,"code":14210,"info":"成员体验已到期"}`, expired: true},
		{name: "expired message", status: 200, body: `{"succeeded":false,"code":1,"error":"会员已过期"}`, expired: true},
		{name: "rate limited", status: 200, body: `{"succeeded":false,"code":1059,"info":"too fast"}`, retryable: true},
		{name: "server error", status: 502, body: `bad gateway`, retryable: true, transport: true},
		{name: "empty body", status: 200, body: ``, retryable: true, transport: true},
		{name: "garbage", status: 200, body: `<html>`, retryable: true, transport: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := client.FetchTopics(context.Background(), cred, 1, TopicsQuery{Count: 20})
			require.Error(t, err)
			require.Equal(t, tc.expired, errors.Is(err, ErrAuthExpired))
			require.Equal(t, tc.retryable, IsRetryable(err))
			var te *TransportError
			require.Equal(t, tc.transport, errors.As(err, &te))
		})
	}
}

func TestExpiryDetails(t *testing.T) {
	t.Parallel()

	code, msg, ok := ExpiryDetails(&APIError{Code: CodeMembershipExpired, Message: "到期"})
	require.True(t, ok)
	require.Equal(t, CodeMembershipExpired, code)
	require.Equal(t, "到期", msg)

	_, _, ok = ExpiryDetails(&TransportError{Err: errors.New("timeout")})
	require.False(t, ok)
}

func TestMissingCookieFailsBeforeRequest(t *testing.T) {
	t.Parallel()

	called := false
	client, _ := newTestClient(t, func(http.ResponseWriter, *http.Request) { called = true })
	_, err := client.ListGroups(context.Background(), Credential{AccountID: "x"})
	require.ErrorIs(t, err, ErrNoCredential)
	require.False(t, called)
	require.False(t, IsRetryable(err))
}

func TestTimeoutIsTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	client := NewClient(Options{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})

	_, err := client.FetchTopic(context.Background(), cred, 1)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	require.True(t, IsRetryable(err))
}

func TestCallerCancellationIsNotTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	client := NewClient(Options{BaseURL: srv.URL, Timeout: 5 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := client.FetchTopic(ctx, cred, 1)
	require.ErrorIs(t, err, context.Canceled)
}

func TestListGroupsAndSelf(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/groups":
			_, _ = w.Write([]byte(`{"succeeded":true,"resp_data":{"groups":[{"group_id":11,"name":"g1"},{"group_id":12,"name":"g2"}]}}`))
		case "/v3/users/self":
			_, _ = w.Write([]byte(`{"succeeded":true,"resp_data":{"user":{"uid":584121452421234,"location":"杭州","grade":3},
				"accounts":{"wechat":{"name":"wx-name","avatar_url":"https://img/a.png"}}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	groups, err := client.ListGroups(context.Background(), cred)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	require.Equal(t, "g2", groups[1].Name)

	self, raw, err := client.FetchSelf(context.Background(), cred)
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	require.Equal(t, "584121452421234", self.UID)
	require.Equal(t, "wx-name", self.Name)
	require.Equal(t, "https://img/a.png", self.AvatarURL)
	require.Equal(t, "3", self.Grade)
}

func TestFetchGroup(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/groups/51", r.URL.Path)
		_, _ = w.Write([]byte(`{"succeeded":true,"resp_data":{"group":{"group_id":51,"name":"读书会",
			"type":"pay","description":"每周共读","statistics":{"members":{"count":320},"files":{"count":9}}}}}`))
	})

	group, err := client.FetchGroup(context.Background(), cred, 51)
	require.NoError(t, err)
	require.Equal(t, int64(51), group.GroupID)
	require.Equal(t, "每周共读", group.Description)
	require.NotNil(t, group.Statistics)
	require.Equal(t, 320, group.Statistics.Members.Count)
	require.Equal(t, 9, group.Statistics.Files.Count)
	require.Nil(t, group.Statistics.Topics)
}

func TestFetchFilesAndDownloadURL(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/groups/7/files":
			require.Equal(t, "abc", r.URL.Query().Get("index"))
			_, _ = w.Write([]byte(`{"succeeded":true,"resp_data":{"index":"next","files":[
				{"file":{"file_id":100,"name":"a.pdf","size":12},"topic":{"topic_id":3}}]}}`))
		case "/v2/files/100/download_url":
			_, _ = w.Write([]byte(`{"succeeded":true,"resp_data":{"download_url":"https://files/a.pdf"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	page, err := client.FetchFiles(context.Background(), cred, 7, FilesQuery{Count: 20, Index: "abc"})
	require.NoError(t, err)
	require.Equal(t, "next", page.Index)
	require.Equal(t, int64(100), page.Files[0].File.FileID)

	link, err := client.FileDownloadURL(context.Background(), cred, 100)
	require.NoError(t, err)
	require.Equal(t, "https://files/a.pdf", link)
}

func TestParseAndFormatTime(t *testing.T) {
	t.Parallel()

	a, err := ParseTime("2024-03-01T12:30:00.123+0800")
	require.NoError(t, err)
	b, err := ParseTime("2024-03-01T12:30:00.123+08:00")
	require.NoError(t, err)
	require.True(t, a.Equal(b))
	require.Equal(t, "2024-03-01T12:30:00.123+0800", FormatTime(a.UTC()))

	_, err = ParseTime("yesterday")
	require.Error(t, err)
}
