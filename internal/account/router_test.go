package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/zsxq-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/zsxq-crawler/internal/zsxq"
)

type fakeRemote struct {
	mu     sync.Mutex
	groups map[string][]zsxq.Group
	fail   map[string]bool
	calls  int
}

func (f *fakeRemote) ListGroups(_ context.Context, cred zsxq.Credential) ([]zsxq.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail[cred.Cookie] {
		return nil, &zsxq.TransportError{Endpoint: "groups", Err: errors.New("boom")}
	}
	return f.groups[cred.Cookie], nil
}

func (f *fakeRemote) FetchSelf(_ context.Context, cred zsxq.Credential) (zsxq.SelfInfo, json.RawMessage, error) {
	return zsxq.SelfInfo{UID: "u-" + cred.Cookie, Name: "me"}, json.RawMessage(`{"user":{}}`), nil
}

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("acc-%d", s.n), nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRouter(t *testing.T, remote *fakeRemote, defaultCookie string) (*Router, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Unix(1714550000, 0)}
	store, err := sqlite.OpenAccountStore(context.Background(), filepath.Join(t.TempDir(), "accounts.db"), clock.Now)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewRouter(Options{
		Store:         store,
		Remote:        remote,
		IDs:           &seqIDs{},
		DefaultCookie: defaultCookie,
		Now:           clock.Now,
	}), clock
}

func TestBindingWinsOverDetection(t *testing.T) {
	t.Parallel()
	remote := &fakeRemote{groups: map[string][]zsxq.Group{
		"cookie-a": {{GroupID: 7, Name: "seven"}},
	}}
	r, _ := newRouter(t, remote, "")
	ctx := context.Background()

	a, err := r.AddAccount(ctx, "A", "cookie-a", false)
	require.NoError(t, err)
	b, err := r.AddAccount(ctx, "B", "cookie-b", false)
	require.NoError(t, err)

	require.Equal(t, "cookie-a", r.ResolveCredential(ctx, 7).Cookie)

	require.NoError(t, r.AssignGroup(ctx, 7, b.ID))
	cred := r.ResolveCredential(ctx, 7)
	require.Equal(t, "cookie-b", cred.Cookie)
	require.Equal(t, b.ID, cred.AccountID)

	summary, ok := r.AccountForGroup(ctx, 7)
	require.True(t, ok)
	require.Equal(t, SourceBinding, summary.Source)
	require.Equal(t, "***", summary.Cookie)
	require.NotEqual(t, a.ID, summary.ID)
}

func TestDetectionFirstWriterWinsAndSwallowsFailures(t *testing.T) {
	t.Parallel()
	remote := &fakeRemote{
		groups: map[string][]zsxq.Group{
			"cookie-a": {{GroupID: 1, Name: "one"}, {GroupID: 2, Name: "two"}},
			"cookie-c": {{GroupID: 2, Name: "two"}, {GroupID: 3, Name: "three"}},
			"config":   {{GroupID: 3}, {GroupID: 4}},
		},
		fail: map[string]bool{"cookie-b": true},
	}
	r, _ := newRouter(t, remote, "config")
	ctx := context.Background()

	for _, c := range []string{"cookie-a", "cookie-b", "cookie-c"} {
		_, err := r.AddAccount(ctx, c, c, false)
		require.NoError(t, err)
	}

	detection := r.BuildDetectionMap(ctx, false)
	require.Len(t, detection, 4)
	require.Equal(t, "acc-1", detection[1].ID)
	require.Equal(t, "acc-1", detection[2].ID)
	require.Equal(t, "acc-3", detection[3].ID)
	require.Equal(t, DefaultAccountID, detection[4].ID)
	require.Equal(t, "one", detection[1].GroupName)
	for _, s := range detection {
		require.Equal(t, "***", s.Cookie)
		require.Equal(t, SourceDetected, s.Source)
	}
}

func TestDetectionIsCachedForTTL(t *testing.T) {
	t.Parallel()
	remote := &fakeRemote{groups: map[string][]zsxq.Group{"config": {{GroupID: 9}}}}
	r, clock := newRouter(t, remote, "config")
	ctx := context.Background()

	r.BuildDetectionMap(ctx, false)
	r.BuildDetectionMap(ctx, false)
	require.Equal(t, "config", r.ResolveCredential(ctx, 9).Cookie)
	require.Equal(t, 1, remote.callCount())

	r.BuildDetectionMap(ctx, true)
	require.Equal(t, 2, remote.callCount())

	clock.Advance(DefaultDetectionTTL)
	r.BuildDetectionMap(ctx, false)
	require.Equal(t, 3, remote.callCount())

	_, err := r.AddAccount(ctx, "n", "new", false)
	require.NoError(t, err)
	r.BuildDetectionMap(ctx, false)
	require.Equal(t, 5, remote.callCount(), "mutation invalidates and both sources are queried")
}

func TestFallbackToDefault(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	r, _ := newRouter(t, &fakeRemote{}, "")
	require.Equal(t, zsxq.Credential{}, r.ResolveCredential(ctx, 5))
	_, ok := r.AccountForGroup(ctx, 5)
	require.False(t, ok)

	r, _ = newRouter(t, &fakeRemote{}, "config-cookie")
	cred := r.ResolveCredential(ctx, 5)
	require.Equal(t, DefaultAccountID, cred.AccountID)
	require.Equal(t, "config-cookie", cred.Cookie)

	stored, err := r.AddAccount(ctx, "main", "stored-cookie", true)
	require.NoError(t, err)
	cred = r.ResolveCredential(ctx, 5)
	require.Equal(t, stored.ID, cred.AccountID)
	summary, ok := r.AccountForGroup(ctx, 5)
	require.True(t, ok)
	require.Equal(t, SourceDefault, summary.Source)
}

func TestAccountAdmin(t *testing.T) {
	t.Parallel()
	r, _ := newRouter(t, &fakeRemote{}, "")
	ctx := context.Background()

	_, err := r.AddAccount(ctx, "x", "  ", false)
	require.ErrorIs(t, err, ErrInvalidAccount)

	a, err := r.AddAccount(ctx, "a", "ca", true)
	require.NoError(t, err)
	b, err := r.AddAccount(ctx, "b", "cb", false)
	require.NoError(t, err)
	require.NoError(t, r.SetDefault(ctx, b.ID))

	list, err := r.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.False(t, list[0].IsDefault)
	require.True(t, list[1].IsDefault)
	for _, s := range list {
		require.Equal(t, "***", s.Cookie)
	}

	require.NoError(t, r.RemoveAccount(ctx, a.ID))
	require.ErrorIs(t, r.RemoveAccount(ctx, a.ID), ErrAccountNotFound)
	require.ErrorIs(t, r.AssignGroup(ctx, 1, a.ID), ErrAccountNotFound)
}

func TestRefreshSelf(t *testing.T) {
	t.Parallel()
	r, _ := newRouter(t, &fakeRemote{}, "config")
	ctx := context.Background()

	rec, err := r.RefreshSelf(ctx, DefaultAccountID)
	require.NoError(t, err)
	require.Equal(t, "u-config", rec.UID)

	got, ok, err := r.Self(ctx, DefaultAccountID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "me", got.Name)
	require.JSONEq(t, `{"user":{}}`, got.RawJSON)

	_, err = r.RefreshSelf(ctx, "missing")
	require.ErrorIs(t, err, ErrAccountNotFound)
}
