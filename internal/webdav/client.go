package webdav

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tonimelisma/davbridge/internal/davpath"
)

const (
	defaultUserAgent = "davbridge/0.1"

	// maxErrorBody caps how much of an error response body is kept as the
	// human-readable message.
	maxErrorBody = 4096
)

// AuthMode selects how requests are authenticated.
type AuthMode string

// Supported authentication modes.
const (
	AuthNone   AuthMode = "none"
	AuthBasic  AuthMode = "basic"
	AuthDigest AuthMode = "digest"
	AuthTLS    AuthMode = "tls"
)

// RequestObserver receives one call per completed request. Status is zero
// when the request failed before a response arrived.
type RequestObserver interface {
	ObserveRequest(method string, status int, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveRequest(string, int, time.Duration) {}

// Config describes one remote root and how to reach it.
type Config struct {
	BaseURL        string
	Auth           AuthMode
	Username       string
	Password       string
	ClientCertFile string
	ClientKeyFile  string
	CAFile         string
	VerifyCerts    bool
	HTTP1Only      bool
	ConnectTimeout time.Duration
	UserAgent      string

	// HTTPClient replaces the transport built from the fields above. Tests
	// use it to point at in-process servers.
	HTTPClient *http.Client
	Observer   RequestObserver
}

// Client talks to a single WebDAV root. It is safe for concurrent use.
type Client struct {
	baseURL    string // no trailing slash
	basePath   string // decoded path component of baseURL
	httpClient *http.Client
	authHeader string
	digest     bool
	userAgent  string
	observer   RequestObserver
	logger     *slog.Logger
}

// NewClient builds a client for cfg.BaseURL. A basic-auth header is computed
// once here; digest credentials are negotiated per challenge by the transport.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("webdav: parsing base URL: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("webdav: base URL %q must use http or https", cfg.BaseURL)
	}

	u.RawQuery = ""
	u.Fragment = ""

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient, err = newHTTPClient(cfg)
		if err != nil {
			return nil, err
		}
	}

	c := &Client{
		baseURL:    strings.TrimSuffix(u.String(), "/"),
		basePath:   u.Path,
		httpClient: httpClient,
		digest:     cfg.Auth == AuthDigest,
		userAgent:  cfg.UserAgent,
		observer:   cfg.Observer,
		logger:     logger,
	}

	if c.basePath == "" {
		c.basePath = "/"
	}

	if c.userAgent == "" {
		c.userAgent = defaultUserAgent
	}

	if c.observer == nil {
		c.observer = nopObserver{}
	}

	if cfg.Auth == AuthBasic {
		creds := cfg.Username + ":" + cfg.Password
		c.authHeader = "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
	}

	return c, nil
}

// URL returns the fully-qualified URL of p.
func (c *Client) URL(p davpath.Path) string {
	return c.baseURL + p.Escaped()
}

// do executes one request. On a 2xx status the caller owns the response body.
// Any other outcome is returned as *Error with the body already closed.
func (c *Client) do(
	ctx context.Context, method string, p davpath.Path, header http.Header, body io.Reader,
) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, p, header, body)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		c.observer.ObserveRequest(method, 0, elapsed)

		return nil, c.transportError(ctx, method, p, err)
	}

	c.observer.ObserveRequest(method, resp.StatusCode, elapsed)

	if sentinel := classifyStatus(resp.StatusCode); sentinel != nil {
		msg, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()

		if readErr != nil {
			msg = []byte("(failed to read response body)")
		}

		c.logger.Debug("request failed",
			slog.String("method", method),
			slog.String("path", p.String()),
			slog.Int("status", resp.StatusCode),
		)

		return nil, &Error{
			Op:         method,
			Path:       p.String(),
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
			Err:        sentinel,
		}
	}

	c.logger.Debug("request succeeded",
		slog.String("method", method),
		slog.String("path", p.String()),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", elapsed),
	)

	return resp, nil
}

func (c *Client) newRequest(
	ctx context.Context, method string, p davpath.Path, header http.Header, body io.Reader,
) (*http.Request, error) {
	oneShot, isOneShot := body.(*oneShotBody)
	if isOneShot {
		body = nil
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL(p), body)
	if err != nil {
		return nil, &Error{Op: method, Path: p.String(), Message: "creating request", Err: ErrProtocol, Cause: err}
	}

	if isOneShot {
		oneShot.attach(req)
	}

	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	if c.authHeader != "" {
		req.Header.Set("Authorization", c.authHeader)
	}

	req.Header.Set("User-Agent", c.userAgent)

	return req, nil
}

func (c *Client) transportError(ctx context.Context, method string, p davpath.Path, err error) *Error {
	sentinel := ErrTransport
	msg := "transport"

	switch {
	case errors.Is(err, ErrBodyConsumed):
		sentinel = ErrBodyConsumed
		msg = "body replay refused"
	case ctx.Err() != nil:
		msg = "request canceled"
		err = ctx.Err()
	}

	c.logger.Debug("request did not complete",
		slog.String("method", method),
		slog.String("path", p.String()),
		slog.String("error", err.Error()),
	)

	return &Error{Op: method, Path: p.String(), Message: msg, Err: sentinel, Cause: err}
}

// drain discards the rest of a response body so the connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
}
