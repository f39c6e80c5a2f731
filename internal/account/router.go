// Package account routes communities to the session credential that can read them.
package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/zsxq-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/zsxq-crawler/internal/zsxq"
)

// DefaultAccountID names the implicit account built from configuration.
const DefaultAccountID = "default"

// DefaultDetectionTTL bounds how long a detection map is reused.
const DefaultDetectionTTL = 300 * time.Second

const masked = "***"

// Credential sources reported by AccountForGroup.
const (
	SourceBinding  = "binding"
	SourceDetected = "detected"
	SourceDefault  = "default"
)

var (
	// ErrAccountNotFound is returned for unknown account ids.
	ErrAccountNotFound = sqlite.ErrAccountNotFound
	// ErrInvalidAccount is returned when an account lacks a cookie.
	ErrInvalidAccount = errors.New("account cookie is required")
)

// Store persists accounts, bindings and self snapshots.
type Store interface {
	Accounts(ctx context.Context) ([]sqlite.AccountRecord, error)
	Account(ctx context.Context, id string) (sqlite.AccountRecord, error)
	AddAccount(ctx context.Context, acc sqlite.AccountRecord) (sqlite.AccountRecord, error)
	RemoveAccount(ctx context.Context, id string) error
	SetDefault(ctx context.Context, id string) error
	AssignGroup(ctx context.Context, groupID int64, accountID string) error
	BoundAccount(ctx context.Context, groupID int64) (sqlite.AccountRecord, bool, error)
	DefaultAccount(ctx context.Context) (sqlite.AccountRecord, bool, error)
	SaveSelf(ctx context.Context, rec sqlite.SelfRecord) error
	Self(ctx context.Context, accountID string) (sqlite.SelfRecord, bool, error)
}

// Remote is the subset of the platform client the router calls.
type Remote interface {
	ListGroups(ctx context.Context, cred zsxq.Credential) ([]zsxq.Group, error)
	FetchSelf(ctx context.Context, cred zsxq.Credential) (zsxq.SelfInfo, json.RawMessage, error)
}

// IDGenerator mints account ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Summary is the masked, shareable view of an account.
type Summary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Cookie    string `json:"cookie"`
	IsDefault bool   `json:"is_default"`
	CreatedAt string `json:"created_at,omitempty"`
	Source    string `json:"source,omitempty"`
	GroupName string `json:"group_name,omitempty"`
}

// Options configures a Router.
type Options struct {
	Store         Store
	Remote        Remote
	IDs           IDGenerator
	DefaultCookie string
	TTL           time.Duration
	Now           func() time.Time
	Logger        *zap.Logger
}

type detected struct {
	summary Summary
	cookie  string
}

// Router resolves credentials by binding, then detection, then default.
type Router struct {
	store         Store
	remote        Remote
	ids           IDGenerator
	defaultCookie string
	ttl           time.Duration
	now           func() time.Time
	logger        *zap.Logger

	// buildMu serializes detection builds; mu guards the cache fields.
	buildMu    sync.Mutex
	mu         sync.Mutex
	detection  map[int64]detected
	builtAt    time.Time
	generation uint64
}

// NewRouter constructs a Router.
func NewRouter(opts Options) *Router {
	if opts.TTL <= 0 {
		opts.TTL = DefaultDetectionTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Router{
		store:         opts.Store,
		remote:        opts.Remote,
		ids:           opts.IDs,
		defaultCookie: strings.TrimSpace(opts.DefaultCookie),
		ttl:           opts.TTL,
		now:           opts.Now,
		logger:        opts.Logger.Named("account"),
	}
}

// ResolveCredential returns the credential for a community. The zero
// Credential means nothing could be resolved; callers report that to the
// user instead of failing.
func (r *Router) ResolveCredential(ctx context.Context, groupID int64) zsxq.Credential {
	cred, _ := r.resolve(ctx, groupID)
	return cred
}

// AccountForGroup reports which account would serve a community.
func (r *Router) AccountForGroup(ctx context.Context, groupID int64) (Summary, bool) {
	cred, summary := r.resolve(ctx, groupID)
	if cred.Cookie == "" {
		return Summary{}, false
	}
	return summary, true
}

func (r *Router) resolve(ctx context.Context, groupID int64) (zsxq.Credential, Summary) {
	bound, ok, err := r.store.BoundAccount(ctx, groupID)
	if err != nil {
		r.logger.Warn("binding lookup failed", zap.Int64("group_id", groupID), zap.Error(err))
	}
	if ok && bound.Cookie != "" {
		s := summarize(bound)
		s.Source = SourceBinding
		return zsxq.Credential{AccountID: bound.ID, Cookie: bound.Cookie}, s
	}

	detection := r.detectionMap(ctx, false)
	if d, ok := detection[groupID]; ok {
		return zsxq.Credential{AccountID: d.summary.ID, Cookie: d.cookie}, d.summary
	}

	return r.fallback(ctx)
}

func (r *Router) fallback(ctx context.Context) (zsxq.Credential, Summary) {
	def, ok, err := r.store.DefaultAccount(ctx)
	if err != nil {
		r.logger.Warn("default account lookup failed", zap.Error(err))
	}
	if ok && def.Cookie != "" {
		s := summarize(def)
		s.Source = SourceDefault
		return zsxq.Credential{AccountID: def.ID, Cookie: def.Cookie}, s
	}
	if r.defaultCookie != "" {
		s := r.implicitSummary()
		s.Source = SourceDefault
		return zsxq.Credential{AccountID: DefaultAccountID, Cookie: r.defaultCookie}, s
	}
	return zsxq.Credential{}, Summary{}
}

// BuildDetectionMap queries every account's memberships and returns the
// community → account map. Results are cached for the TTL unless
// forceRefresh is set.
func (r *Router) BuildDetectionMap(ctx context.Context, forceRefresh bool) map[int64]Summary {
	detection := r.detectionMap(ctx, forceRefresh)
	out := make(map[int64]Summary, len(detection))
	for id, d := range detection {
		out[id] = d.summary
	}
	return out
}

func (r *Router) detectionMap(ctx context.Context, forceRefresh bool) map[int64]detected {
	if m, ok := r.cached(forceRefresh); ok {
		return m
	}

	r.buildMu.Lock()
	defer r.buildMu.Unlock()
	// Another caller may have finished a build while we waited.
	if m, ok := r.cached(false); ok && !forceRefresh {
		return m
	}

	r.mu.Lock()
	gen := r.generation
	r.mu.Unlock()

	built := r.build(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.generation == gen {
		r.detection = built
		r.builtAt = r.now()
	}
	return built
}

func (r *Router) cached(forceRefresh bool) (map[int64]detected, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if forceRefresh || r.detection == nil || r.now().Sub(r.builtAt) >= r.ttl {
		return nil, false
	}
	return r.detection, true
}

type source struct {
	summary Summary
	cookie  string
}

func (r *Router) sources(ctx context.Context) []source {
	var out []source
	accounts, err := r.store.Accounts(ctx)
	if err != nil {
		r.logger.Warn("list accounts failed", zap.Error(err))
	}
	for _, acc := range accounts {
		if acc.Cookie == "" {
			continue
		}
		out = append(out, source{summary: summarize(acc), cookie: acc.Cookie})
	}
	if r.defaultCookie != "" {
		out = append(out, source{summary: r.implicitSummary(), cookie: r.defaultCookie})
	}
	return out
}

// build unions every account's communities; the first account to claim a
// community keeps it. Lookup failures are logged and skipped.
func (r *Router) build(ctx context.Context) map[int64]detected {
	result := make(map[int64]detected)
	for _, src := range r.sources(ctx) {
		if ctx.Err() != nil {
			break
		}
		groups, err := r.remote.ListGroups(ctx, zsxq.Credential{AccountID: src.summary.ID, Cookie: src.cookie})
		if err != nil {
			r.logger.Warn("group detection failed", zap.String("account_id", src.summary.ID), zap.Error(err))
			continue
		}
		for _, g := range groups {
			if g.GroupID == 0 {
				continue
			}
			if _, taken := result[g.GroupID]; taken {
				continue
			}
			s := src.summary
			s.Source = SourceDetected
			s.GroupName = g.Name
			result[g.GroupID] = detected{summary: s, cookie: src.cookie}
		}
	}
	r.logger.Debug("detection map built", zap.Int("groups", len(result)))
	return result
}

// Invalidate drops the cached detection map.
func (r *Router) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detection = nil
	r.builtAt = time.Time{}
	r.generation++
}

func (r *Router) implicitSummary() Summary {
	return Summary{ID: DefaultAccountID, Name: "config", Cookie: masked, IsDefault: true}
}

func summarize(acc sqlite.AccountRecord) Summary {
	return Summary{
		ID:        acc.ID,
		Name:      acc.Name,
		Cookie:    masked,
		IsDefault: acc.IsDefault,
		CreatedAt: acc.CreatedAt,
	}
}

// ListAccounts returns every registered account, masked.
func (r *Router) ListAccounts(ctx context.Context) ([]Summary, error) {
	accounts, err := r.store.Accounts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(accounts))
	for _, acc := range accounts {
		out = append(out, summarize(acc))
	}
	return out, nil
}

// AddAccount registers a new account.
func (r *Router) AddAccount(ctx context.Context, name, cookie string, isDefault bool) (Summary, error) {
	cookie = strings.TrimSpace(cookie)
	if cookie == "" {
		return Summary{}, ErrInvalidAccount
	}
	id, err := r.ids.NewID()
	if err != nil {
		return Summary{}, fmt.Errorf("generate account id: %w", err)
	}
	acc, err := r.store.AddAccount(ctx, sqlite.AccountRecord{ID: id, Name: strings.TrimSpace(name), Cookie: cookie, IsDefault: isDefault})
	if err != nil {
		return Summary{}, err
	}
	r.Invalidate()
	r.logger.Info("account added", zap.String("account_id", id), zap.Bool("default", isDefault))
	return summarize(acc), nil
}

// RemoveAccount deletes an account and its bindings.
func (r *Router) RemoveAccount(ctx context.Context, id string) error {
	if err := r.store.RemoveAccount(ctx, id); err != nil {
		return err
	}
	r.Invalidate()
	return nil
}

// SetDefault marks id as the only default account.
func (r *Router) SetDefault(ctx context.Context, id string) error {
	if err := r.store.SetDefault(ctx, id); err != nil {
		return err
	}
	r.Invalidate()
	return nil
}

// AssignGroup binds a community to an account.
func (r *Router) AssignGroup(ctx context.Context, groupID int64, accountID string) error {
	if err := r.store.AssignGroup(ctx, groupID, accountID); err != nil {
		return err
	}
	r.Invalidate()
	return nil
}

func (r *Router) credentialFor(ctx context.Context, accountID string) (zsxq.Credential, error) {
	if accountID == DefaultAccountID && r.defaultCookie != "" {
		return zsxq.Credential{AccountID: DefaultAccountID, Cookie: r.defaultCookie}, nil
	}
	acc, err := r.store.Account(ctx, accountID)
	if err != nil {
		return zsxq.Credential{}, err
	}
	return zsxq.Credential{AccountID: acc.ID, Cookie: acc.Cookie}, nil
}

// RefreshSelf fetches and stores the account's own profile.
func (r *Router) RefreshSelf(ctx context.Context, accountID string) (sqlite.SelfRecord, error) {
	cred, err := r.credentialFor(ctx, accountID)
	if err != nil {
		return sqlite.SelfRecord{}, err
	}
	info, raw, err := r.remote.FetchSelf(ctx, cred)
	if err != nil {
		return sqlite.SelfRecord{}, fmt.Errorf("fetch self for %s: %w", accountID, err)
	}
	rec := sqlite.SelfRecord{
		AccountID: accountID,
		UID:       info.UID,
		Name:      info.Name,
		AvatarURL: info.AvatarURL,
		Location:  info.Location,
		UserSID:   info.UserSID,
		Grade:     info.Grade,
		RawJSON:   string(raw),
	}
	if err := r.store.SaveSelf(ctx, rec); err != nil {
		return sqlite.SelfRecord{}, err
	}
	return r.mustSelf(ctx, accountID, rec)
}

func (r *Router) mustSelf(ctx context.Context, accountID string, fallback sqlite.SelfRecord) (sqlite.SelfRecord, error) {
	rec, ok, err := r.store.Self(ctx, accountID)
	if err != nil {
		return sqlite.SelfRecord{}, err
	}
	if !ok {
		return fallback, nil
	}
	return rec, nil
}

// Self returns the stored profile snapshot of an account.
func (r *Router) Self(ctx context.Context, accountID string) (sqlite.SelfRecord, bool, error) {
	return r.store.Self(ctx, accountID)
}
