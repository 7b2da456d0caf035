// Package provider is the caller-facing contract of davbridge. A Registry
// owns one session per account: the WebDAV client, the metadata cache and
// the set of files created locally whose upload has not been confirmed. Every
// operation takes the account it applies to, so callers never hold sessions
// themselves.
//
// Operations on different paths are safe to run concurrently. Concurrent
// mutating calls on the same path race with each other; the last response
// from the server wins.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/davbridge/internal/config"
	"github.com/tonimelisma/davbridge/internal/davpath"
	"github.com/tonimelisma/davbridge/internal/diskcache"
	"github.com/tonimelisma/davbridge/internal/metacache"
	"github.com/tonimelisma/davbridge/internal/webdav"
)

// Sentinel errors.
var (
	ErrNotDirectory = errors.New("provider: not a directory")
	ErrIsDirectory  = errors.New("provider: is a directory")
	ErrNoQuota      = errors.New("provider: server does not report quota")
	ErrPending      = errors.New("provider: upload not confirmed yet")
)

// Metrics receives request and upload observations. *metrics.Metrics
// satisfies it.
type Metrics interface {
	webdav.RequestObserver
	ObserveUpload(outcome string, bytes int64)
}

// Options configures a Registry.
type Options struct {
	// Cache stores downloaded file bodies. Nil disables caching.
	Cache *diskcache.Cache

	// Metrics is optional.
	Metrics Metrics

	// HTTPClient replaces the per-account transport. Tests use it to reach
	// in-process servers.
	HTTPClient *http.Client

	// QueueDepth bounds the chunks buffered by each upload.
	QueueDepth int
}

// Registry maps accounts to live sessions. It is safe for concurrent use.
type Registry struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session // keyed by account ID
}

type session struct {
	acct   config.Account
	client *webdav.Client
	meta   *metacache.Cache
	lists  singleflight.Group

	mu      sync.Mutex
	pending map[string]webdav.Entry // path key -> pending entry
}

// New returns an empty registry. Sessions are built on first use.
func New(opts Options, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		opts:     opts,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// session returns the live session for acct, building it on first use and
// rebuilding it when the account's settings changed since it was built.
func (r *Registry) session(acct config.Account) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[acct.ID]; ok {
		if s.acct == acct {
			return s, nil
		}

		s.meta.Clear()

		r.logger.Info("account reconfigured, rebuilding session",
			slog.String("account", acct.ID),
		)
	}

	s, err := r.newSession(acct)
	if err != nil {
		return nil, err
	}

	r.sessions[acct.ID] = s

	return s, nil
}

func (r *Registry) newSession(acct config.Account) (*session, error) {
	cfg := webdav.Config{
		BaseURL:        acct.URL,
		Auth:           webdav.AuthMode(acct.Auth),
		Username:       acct.Username,
		Password:       acct.Password,
		ClientCertFile: acct.ClientCert,
		ClientKeyFile:  acct.ClientKey,
		CAFile:         acct.CAFile,
		VerifyCerts:    acct.VerifyCerts,
		HTTP1Only:      acct.HTTP1Only(),
		ConnectTimeout: acct.ConnectTimeout,
		UserAgent:      acct.UserAgent,
		HTTPClient:     r.opts.HTTPClient,
	}

	if r.opts.Metrics != nil {
		cfg.Observer = r.opts.Metrics
	}

	logger := r.logger.With(slog.String("account", acct.ID))

	client, err := webdav.NewClient(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("provider: account %s: %w", acct.ID, err)
	}

	logger.Debug("session created", slog.String("url", acct.URL))

	return &session{
		acct:    acct,
		client:  client,
		meta:    metacache.New(logger),
		pending: make(map[string]webdav.Entry),
	}, nil
}

// Reconfigure reconciles the registry with cfg. Accounts that are no longer
// configured are removed along with their cached data, whether or not they
// have a live session. Sessions whose settings changed are dropped and
// rebuilt on next use.
func (r *Registry) Reconfigure(ctx context.Context, cfg *config.Config) error {
	ids, err := r.knownAccounts(ctx)
	if err != nil {
		return err
	}

	var errs []error

	for _, id := range ids {
		if _, ok := cfg.Accounts[id]; !ok {
			errs = append(errs, r.Remove(ctx, id))

			continue
		}

		acct, err := cfg.Account(id)

		r.mu.Lock()
		if s, ok := r.sessions[id]; ok && (err != nil || s.acct != acct) {
			s.meta.Clear()
			delete(r.sessions, id)

			r.logger.Info("account changed, session dropped", slog.String("account", id))
		}
		r.mu.Unlock()
	}

	return errors.Join(errs...)
}

// Remove tears down the session of accountID and deletes its metadata,
// cache records and blobs.
func (r *Registry) Remove(ctx context.Context, accountID string) error {
	r.mu.Lock()
	s, ok := r.sessions[accountID]
	delete(r.sessions, accountID)
	r.mu.Unlock()

	if ok {
		s.meta.Clear()
	}

	if r.opts.Cache != nil {
		if err := r.opts.Cache.RemoveAccount(ctx, accountID); err != nil {
			return fmt.Errorf("provider: removing account %s: %w", accountID, err)
		}
	}

	r.logger.Info("account removed", slog.String("account", accountID))

	return nil
}

// knownAccounts returns the accounts with a live session or cached data.
func (r *Registry) knownAccounts(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)

	r.mu.Lock()
	for id := range r.sessions {
		seen[id] = true
	}
	r.mu.Unlock()

	if r.opts.Cache != nil {
		cached, err := r.opts.Cache.Accounts(ctx)
		if err != nil {
			return nil, fmt.Errorf("provider: listing cached accounts: %w", err)
		}

		for _, id := range cached {
			seen[id] = true
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids, nil
}

// Resolve returns the entry at p. Cached listings and pending entries are
// consulted before the server. A path the parent listing does not contain
// fails with webdav.ErrNotFound.
func (r *Registry) Resolve(ctx context.Context, acct config.Account, p davpath.Path) (webdav.Entry, error) {
	s, err := r.session(acct)
	if err != nil {
		return webdav.Entry{}, err
	}

	if e, ok := s.meta.Lookup(p); ok {
		return e, nil
	}

	if p.IsRoot() {
		l, err := s.list(ctx, davpath.Root())
		if err != nil {
			return webdav.Entry{}, err
		}

		return l.Self, nil
	}

	if e, ok := s.pendingEntry(p); ok {
		return e, nil
	}

	l, err := s.list(ctx, p.Parent())
	if err != nil {
		return webdav.Entry{}, err
	}

	for _, child := range l.Children {
		if child.Path.Key() == p.Key() {
			return child, nil
		}
	}

	return webdav.Entry{}, &webdav.Error{
		Op:      "RESOLVE",
		Path:    p.String(),
		Message: "no such file or directory",
		Err:     webdav.ErrNotFound,
	}
}

// ListChildren lists dir on the server and returns its children, including
// files created locally whose upload is still in progress. Directories sort
// before files.
func (r *Registry) ListChildren(ctx context.Context, acct config.Account, dir davpath.Path) ([]webdav.Entry, error) {
	s, err := r.session(acct)
	if err != nil {
		return nil, err
	}

	l, err := s.list(ctx, dir.AsDir())
	if err != nil {
		return nil, err
	}

	if !l.Self.IsDir {
		return nil, fmt.Errorf("provider: listing %s: %w", dir, ErrNotDirectory)
	}

	out := make([]webdav.Entry, 0, len(l.Children))
	seen := make(map[string]bool, len(l.Children))

	for _, child := range l.Children {
		out = append(out, child)
		seen[child.Path.Key()] = true
	}

	for _, e := range s.pendingIn(l.Self.Path) {
		if !seen[e.Path.Key()] {
			out = append(out, e)
		}
	}

	SortEntries(out)

	return out, nil
}

// SortEntries orders entries directories first, then by name.
func SortEntries(entries []webdav.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}

		return entries[i].Name() < entries[j].Name()
	})
}

// Capacity describes the space reported by the server root.
type Capacity struct {
	Used      int64
	Available int64
	Total     int64
}

// Capacity reads the quota properties of the account root.
func (r *Registry) Capacity(ctx context.Context, acct config.Account) (Capacity, error) {
	s, err := r.session(acct)
	if err != nil {
		return Capacity{}, err
	}

	l, err := s.client.List(ctx, davpath.Root(), webdav.DepthSelf)
	if err != nil {
		return Capacity{}, err
	}

	if !l.Self.HasQuota() {
		return Capacity{}, ErrNoQuota
	}

	return Capacity{
		Used:      l.Self.QuotaUsed,
		Available: l.Self.QuotaAvailable,
		Total:     l.Self.QuotaUsed + l.Self.QuotaAvailable,
	}, nil
}

// Capabilities returns the methods the server allows on p.
func (r *Registry) Capabilities(ctx context.Context, acct config.Account, p davpath.Path) ([]string, error) {
	s, err := r.session(acct)
	if err != nil {
		return nil, err
	}

	return s.client.Capabilities(ctx, p)
}

// sharedListTimeout bounds a listing that runs detached from the caller that
// started it.
const sharedListTimeout = 5 * time.Minute

// list fetches dir with its children and caches the listing. Concurrent
// listings of the same directory share one request, which outlives any single
// caller: each caller stops waiting when its own ctx ends.
func (s *session) list(ctx context.Context, dir davpath.Path) (*webdav.Listing, error) {
	ch := s.lists.DoChan(dir.Key(), func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedListTimeout)
		defer cancel()

		l, err := s.client.List(shared, dir, webdav.DepthChildren)
		if err != nil {
			return nil, err
		}

		if l.Self.IsDir {
			if err := s.meta.Store(l); err != nil {
				return nil, err
			}
		}

		return l, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		return res.Val.(*webdav.Listing), nil
	}
}

func (s *session) pendingEntry(p davpath.Path) (webdav.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pending[p.Key()]

	return e, ok
}

func (s *session) pendingIn(dir davpath.Path) []webdav.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []webdav.Entry

	for _, e := range s.pending {
		if e.Path.Parent().Key() == dir.Key() {
			out = append(out, e)
		}
	}

	return out
}

func (s *session) addPending(e webdav.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[e.Path.Key()] = e
}

func (s *session) dropPending(p davpath.Path) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.pending[p.Key()]
	delete(s.pending, p.Key())

	return ok
}
