package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/davbridge/internal/config"
	"github.com/tonimelisma/davbridge/internal/davpath"
	"github.com/tonimelisma/davbridge/internal/davtest"
	"github.com/tonimelisma/davbridge/internal/diskcache"
	"github.com/tonimelisma/davbridge/internal/metrics"
	"github.com/tonimelisma/davbridge/internal/provider"
	"github.com/tonimelisma/davbridge/internal/webdav"
)

type gatewayFixture struct {
	dav *davtest.Server
	gw  *httptest.Server
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	dav := davtest.New(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New(false)

	cache, err := diskcache.Open(context.Background(), diskcache.Config{Dir: t.TempDir(), Metrics: m}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	reg := provider.New(provider.Options{Cache: cache, Metrics: m}, logger)

	cfg := config.DefaultConfig()
	cfg.Accounts["test"] = config.AccountSection{URL: dav.BaseURL()}
	holder := config.NewHolder(cfg, filepath.Join(t.TempDir(), "config.toml"))

	gw := httptest.NewServer(newGateway(reg, holder, logger).routes(m.Handler()))
	t.Cleanup(gw.Close)

	return &gatewayFixture{dav: dav, gw: gw}
}

func (f *gatewayFixture) do(t *testing.T, method, path string, body io.Reader, header http.Header) (*http.Response, string) {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), method, f.gw.URL+path, body)
	require.NoError(t, err)

	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := f.gw.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, string(data)
}

func TestGateway_ListsAccounts(t *testing.T) {
	f := newGatewayFixture(t)

	resp, body := f.do(t, http.MethodGet, "/", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ids []string
	require.NoError(t, json.Unmarshal([]byte(body), &ids))
	assert.Equal(t, []string{"test"}, ids)
}

func TestGateway_GetFile(t *testing.T) {
	f := newGatewayFixture(t)
	f.dav.WriteFile(t, "/notes.txt", []byte("hello, gateway"))

	resp, body := f.do(t, http.MethodGet, "/test/notes.txt", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello, gateway", body)
	assert.NotEmpty(t, resp.Header.Get("ETag"))

	resp, body = f.do(t, http.MethodGet, "/test/notes.txt", nil, http.Header{"Range": {"bytes=7-13"}})
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "gateway", body)
}

func TestGateway_GetFolderListsJSON(t *testing.T) {
	f := newGatewayFixture(t)
	f.dav.Mkdir(t, "/docs/sub")
	f.dav.WriteFile(t, "/docs/a.txt", []byte("a"))

	resp, body := f.do(t, http.MethodGet, "/test/docs/", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var entries []entryJSON
	require.NoError(t, json.Unmarshal([]byte(body), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "sub", entries[0].Name)
	assert.Equal(t, "a.txt", entries[1].Name)
}

func TestGateway_NotFound(t *testing.T) {
	f := newGatewayFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/test/missing.txt", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/nobody/a.txt", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGateway_PutMkcolDelete(t *testing.T) {
	f := newGatewayFixture(t)

	resp, _ := f.do(t, "MKCOL", "/test/inbox", nil, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, f.dav.Exists("/inbox"))

	resp, _ = f.do(t, "MKCOL", "/test/inbox", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, body := f.do(t, http.MethodPut, "/test/inbox/msg.txt", strings.NewReader("uploaded"), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)

	var created entryJSON
	require.NoError(t, json.Unmarshal([]byte(body), &created))
	assert.Equal(t, "/inbox/msg.txt", created.Path)
	assert.Equal(t, int64(len("uploaded")), created.Size)
	assert.Equal(t, "uploaded", string(f.dav.ReadFile(t, "/inbox/msg.txt")))

	// Served back through the gateway after the upload.
	_, got := f.do(t, http.MethodGet, "/test/inbox/msg.txt", nil, nil)
	assert.Equal(t, "uploaded", got)

	resp, _ = f.do(t, http.MethodDelete, "/test/inbox/msg.txt", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.False(t, f.dav.Exists("/inbox/msg.txt"))

	resp, _ = f.do(t, http.MethodDelete, "/test/inbox/msg.txt", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGateway_PutIntoMissingFolder(t *testing.T) {
	f := newGatewayFixture(t)

	resp, _ := f.do(t, http.MethodPut, "/test/nowhere/a.txt", strings.NewReader("x"), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGateway_RejectsRootDeleteAndOtherMethods(t *testing.T) {
	f := newGatewayFixture(t)

	resp, _ := f.do(t, http.MethodDelete, "/test/", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/test/a.txt", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestGateway_Metrics(t *testing.T) {
	f := newGatewayFixture(t)
	f.dav.WriteFile(t, "/a.txt", []byte("a"))

	f.do(t, http.MethodGet, "/test/a.txt", nil, nil)

	resp, body := f.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "davbridge_webdav_requests_total")
	assert.Contains(t, body, "davbridge_cache_lookups_total")
}

func TestGatewayStatus(t *testing.T) {
	wrap := func(sentinel error) error {
		return fmt.Errorf("op: %w", &webdav.Error{Op: "X", Path: "/p", Err: sentinel})
	}

	tests := []struct {
		err  error
		want int
	}{
		{wrap(webdav.ErrNotFound), http.StatusNotFound},
		{wrap(webdav.ErrConflict), http.StatusConflict},
		{wrap(webdav.ErrPreconditionFailed), http.StatusPreconditionFailed},
		{wrap(webdav.ErrForbidden), http.StatusForbidden},
		{wrap(webdav.ErrMethodNotAllowed), http.StatusMethodNotAllowed},
		{wrap(webdav.ErrInsufficientStorage), http.StatusInsufficientStorage},
		{wrap(webdav.ErrServerError), http.StatusBadGateway},
		{provider.ErrIsDirectory, http.StatusBadRequest},
		{provider.ErrNotDirectory, http.StatusConflict},
		{provider.ErrPending, http.StatusConflict},
		{fmt.Errorf("join: %w", davpath.ErrInvalidName), http.StatusBadRequest},
		{context.Canceled, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, gatewayStatus(tt.err), "error %v", tt.err)
	}
}
