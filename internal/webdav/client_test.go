package webdav

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/davbridge/internal/davpath"
	"github.com/tonimelisma/davbridge/internal/davtest"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// testLogWriter adapts testing.T to io.Writer for slog.
type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// newTestClient creates a Client for baseURL with plain settings.
func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()

	c, err := NewClient(Config{BaseURL: baseURL, Auth: AuthNone, VerifyCerts: true}, testLogger(t))
	require.NoError(t, err)

	return c
}

// recordingObserver collects ObserveRequest calls.
type recordingObserver struct {
	mu    sync.Mutex
	calls []string
	codes []int
}

func (o *recordingObserver) ObserveRequest(method string, status int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.calls = append(o.calls, method)
	o.codes = append(o.codes, status)
}

func TestNewClient_RejectsBadURL(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "ftp://example.com/"}, nil)
	require.Error(t, err)

	_, err = NewClient(Config{BaseURL: "://nope"}, nil)
	require.Error(t, err)
}

func TestURL_EscapesSegments(t *testing.T) {
	c := newTestClient(t, "https://dav.example.com/remote.php/dav/")

	assert.Equal(t, "https://dav.example.com/remote.php/dav/a%20b/c%23.txt", c.URL(davpath.File("/a b/c#.txt")))
	assert.Equal(t, "https://dav.example.com/remote.php/dav/", c.URL(davpath.Root()))
}

func TestDo_StatusClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		sentinel error
	}{
		{"bad request", http.StatusBadRequest, ErrBadRequest},
		{"unauthorized", http.StatusUnauthorized, ErrUnauthorized},
		{"forbidden", http.StatusForbidden, ErrForbidden},
		{"not found", http.StatusNotFound, ErrNotFound},
		{"method not allowed", http.StatusMethodNotAllowed, ErrMethodNotAllowed},
		{"conflict", http.StatusConflict, ErrConflict},
		{"precondition", http.StatusPreconditionFailed, ErrPreconditionFailed},
		{"locked", http.StatusLocked, ErrLocked},
		{"insufficient storage", http.StatusInsufficientStorage, ErrInsufficientStorage},
		{"server error", http.StatusBadGateway, ErrServerError},
		{"redirect", http.StatusNotModified, ErrUnexpectedStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer srv.Close()

			client := newTestClient(t, srv.URL)
			err := client.Delete(context.Background(), davpath.File("/x"))
			require.ErrorIs(t, err, tt.sentinel)

			var davErr *Error
			require.True(t, errors.As(err, &davErr))
			assert.Equal(t, tt.status, davErr.StatusCode)
			assert.Equal(t, http.MethodDelete, davErr.Op)
			assert.Equal(t, "/x", davErr.Path)
		})
	}
}

func TestDo_NoRetryOnServerError(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	err := client.MakeDirectory(context.Background(), davpath.Dir("/d"))
	require.ErrorIs(t, err, ErrServerError)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDo_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := newTestClient(t, url)
	_, err := client.List(context.Background(), davpath.Root(), DepthSelf)
	require.ErrorIs(t, err, ErrTransport)

	var davErr *Error
	require.True(t, errors.As(err, &davErr))
	assert.Zero(t, davErr.StatusCode)
	assert.Contains(t, davErr.Error(), "PROPFIND /")
}

func TestDo_CanceledContext(t *testing.T) {
	srv := davtest.New(t)
	client := newTestClient(t, srv.BaseURL())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.List(ctx, davpath.Root(), DepthSelf)
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, err, ErrTransport)
}

func TestBasicAuth_HeaderSent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "alice" || pass != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client, err := NewClient(Config{
		BaseURL: srv.URL, Auth: AuthBasic, Username: "alice", Password: "s3cret",
	}, testLogger(t))
	require.NoError(t, err)

	require.NoError(t, client.Delete(context.Background(), davpath.File("/f")))

	bad, err := NewClient(Config{
		BaseURL: srv.URL, Auth: AuthBasic, Username: "alice", Password: "wrong",
	}, testLogger(t))
	require.NoError(t, err)

	require.ErrorIs(t, bad.Delete(context.Background(), davpath.File("/f")), ErrUnauthorized)
}

func TestObserver_SeesEveryRequest(t *testing.T) {
	srv := davtest.New(t)
	srv.WriteFile(t, "/a.txt", []byte("hello"))

	obs := &recordingObserver{}
	client, err := NewClient(Config{BaseURL: srv.BaseURL(), Observer: obs}, testLogger(t))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = client.List(ctx, davpath.File("/a.txt"), DepthSelf)
	require.NoError(t, err)

	_, err = client.List(ctx, davpath.File("/missing"), DepthSelf)
	require.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, []string{methodPropfind, methodPropfind}, obs.calls)
	assert.Equal(t, []int{http.StatusMultiStatus, http.StatusNotFound}, obs.codes)
}
