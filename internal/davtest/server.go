// Package davtest runs an in-memory WebDAV server for tests. It wraps
// golang.org/x/net/webdav with request recording and an optional intercept
// hook for injecting failures.
package davtest

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	xwebdav "golang.org/x/net/webdav"
)

// Request is one recorded request.
type Request struct {
	Method string
	Path   string
	Range  string
	Depth  string
}

// Server is an in-memory WebDAV server.
type Server struct {
	*httptest.Server

	FS     xwebdav.FileSystem
	Prefix string

	mu        sync.Mutex
	requests  []Request
	intercept func(w http.ResponseWriter, r *http.Request) bool
}

// Option configures a Server.
type Option func(*Server)

// WithPrefix mounts the WebDAV root under prefix (e.g. "/dav").
func WithPrefix(prefix string) Option {
	return func(s *Server) {
		s.Prefix = strings.TrimSuffix(prefix, "/")
	}
}

// New starts a server and registers its shutdown with t.Cleanup.
func New(t testing.TB, opts ...Option) *Server {
	t.Helper()

	s := &Server{FS: xwebdav.NewMemFS()}
	for _, opt := range opts {
		opt(s)
	}

	handler := &xwebdav.Handler{
		Prefix:     s.Prefix,
		FileSystem: s.FS,
		LockSystem: xwebdav.NewMemLS(),
	}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.record(r)

		if fn := s.interceptor(); fn != nil && fn(w, r) {
			return
		}

		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(s.Close)

	return s
}

// BaseURL returns the URL of the WebDAV root.
func (s *Server) BaseURL() string {
	return s.URL + s.Prefix
}

// Intercept installs fn in front of the WebDAV handler. When fn returns true
// the request is considered handled. Passing nil removes the hook.
func (s *Server) Intercept(fn func(w http.ResponseWriter, r *http.Request) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.intercept = fn
}

func (s *Server) interceptor() func(w http.ResponseWriter, r *http.Request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.intercept
}

func (s *Server) record(r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Range:  r.Header.Get("Range"),
		Depth:  r.Header.Get("Depth"),
	})
}

// Requests returns a copy of every recorded request.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Request(nil), s.requests...)
}

// Count returns how many requests used method.
func (s *Server) Count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0

	for _, r := range s.requests {
		if r.Method == method {
			n++
		}
	}

	return n
}

// Reset forgets recorded requests.
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = nil
}

// Mkdir creates a directory (and its parents) directly in the backing store.
func (s *Server) Mkdir(t testing.TB, name string) {
	t.Helper()

	ctx := context.Background()
	cur := ""

	for _, seg := range strings.Split(strings.Trim(name, "/"), "/") {
		cur += "/" + seg

		err := s.FS.Mkdir(ctx, cur, 0o755)
		if err != nil && !os.IsExist(err) {
			t.Fatalf("davtest: mkdir %s: %v", cur, err)
		}
	}
}

// WriteFile stores data at name directly in the backing store.
func (s *Server) WriteFile(t testing.TB, name string, data []byte) {
	t.Helper()

	f, err := s.FS.OpenFile(context.Background(), name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		t.Fatalf("davtest: create %s: %v", name, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		t.Fatalf("davtest: write %s: %v", name, err)
	}
}

// ReadFile returns the content stored at name.
func (s *Server) ReadFile(t testing.TB, name string) []byte {
	t.Helper()

	f, err := s.FS.OpenFile(context.Background(), name, os.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("davtest: open %s: %v", name, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("davtest: read %s: %v", name, err)
	}

	return data
}

// Exists reports whether name exists in the backing store.
func (s *Server) Exists(name string) bool {
	_, err := s.FS.Stat(context.Background(), name)

	return err == nil
}
