package webdav

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/tonimelisma/davbridge/internal/davpath"
)

// Fetch opens a byte stream for p starting at offset. A ranged request is
// only issued for offset > 0. When a server ignores the range and answers
// with the whole body, the leading offset bytes are discarded so the stream
// still begins at offset. The caller must close Stream.Body.
func (c *Client) Fetch(ctx context.Context, p davpath.Path, offset int64) (*Stream, error) {
	if offset < 0 {
		return nil, protocolError(http.MethodGet, p.String(), "negative offset %d", offset)
	}

	header := http.Header{}
	if offset > 0 {
		header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.do(ctx, http.MethodGet, p, header, nil)
	if err != nil {
		return nil, err
	}

	length := resp.ContentLength

	if offset > 0 && resp.StatusCode != http.StatusPartialContent {
		c.logger.Debug("server ignored range request, skipping prefix",
			slog.String("path", p.String()),
			slog.Int64("offset", offset),
		)

		skipped, copyErr := io.CopyN(io.Discard, resp.Body, offset)
		if copyErr != nil {
			resp.Body.Close()

			return nil, &Error{
				Op:      http.MethodGet,
				Path:    p.String(),
				Message: fmt.Sprintf("body ended after %d of %d skipped bytes", skipped, offset),
				Err:     ErrProtocol,
				Cause:   copyErr,
			}
		}

		if length >= 0 {
			length -= offset
		}
	}

	return &Stream{
		Body:   resp.Body,
		Length: length,
		ETag:   resp.Header.Get("ETag"),
	}, nil
}

// Store uploads body as the full content of file p. The body is read until
// exhaustion exactly once: any attempt to replay it (an auth retry, a
// redirect, a transport rewind) fails with ErrBodyConsumed rather than
// sending a truncated or duplicated upload. length < 0 means unknown and the
// body is sent chunked.
func (c *Client) Store(ctx context.Context, p davpath.Path, body io.Reader, contentType string, length int64) error {
	c.logger.Debug("store",
		slog.String("path", p.String()),
		slog.String("content_type", contentType),
		slog.Int64("length", length),
	)

	if c.digest {
		// A streamed body cannot be resent after a 401, so negotiate the
		// challenge with a bodiless request first.
		if err := c.primeChallenge(ctx, p); err != nil {
			return err
		}
	}

	header := http.Header{}
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}

	resp, err := c.do(ctx, http.MethodPut, p, header, newOneShotBody(body, length))
	if err != nil {
		return err
	}

	drain(resp)

	return nil
}

func (c *Client) primeChallenge(ctx context.Context, p davpath.Path) error {
	resp, err := c.do(ctx, http.MethodOptions, p.Parent(), nil, nil)
	if err != nil {
		return err
	}

	drain(resp)

	return nil
}

// oneShotBody is a request body that can be handed to the transport at most
// once and never after any byte of it has been read.
type oneShotBody struct {
	r      io.Reader
	length int64

	mu     sync.Mutex
	read   int64
	handed bool
}

func newOneShotBody(r io.Reader, length int64) *oneShotBody {
	return &oneShotBody{r: r, length: length}
}

func (b *oneShotBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)

	b.mu.Lock()
	b.read += int64(n)
	b.mu.Unlock()

	return n, err
}

// Close is a no-op: the caller owns the underlying reader.
func (b *oneShotBody) Close() error {
	return nil
}

// replay backs http.Request.GetBody. The first call hands out the body if
// nothing has been read from it yet; every later call fails.
func (b *oneShotBody) replay() (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handed || b.read > 0 {
		return nil, ErrBodyConsumed
	}

	b.handed = true

	return b, nil
}

func (b *oneShotBody) attach(req *http.Request) {
	if b.length == 0 {
		req.Body = http.NoBody
		req.ContentLength = 0

		return
	}

	req.Body = b
	req.GetBody = b.replay
	req.ContentLength = b.length

	if b.length < 0 {
		req.ContentLength = -1
	}
}
