package webdav

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tonimelisma/davbridge/internal/davpath"
)

const (
	methodMkcol = "MKCOL"
	methodMove  = "MOVE"
)

// MakeDirectory creates the collection p. Its parent must already exist.
func (c *Client) MakeDirectory(ctx context.Context, p davpath.Path) error {
	c.logger.Info("creating collection", slog.String("path", p.AsDir().String()))

	resp, err := c.do(ctx, methodMkcol, p.AsDir(), nil, nil)
	if err != nil {
		return err
	}

	drain(resp)

	return nil
}

// Delete removes the resource at p. Collections are removed recursively by
// the server.
func (c *Client) Delete(ctx context.Context, p davpath.Path) error {
	c.logger.Info("deleting", slog.String("path", p.String()))

	resp, err := c.do(ctx, http.MethodDelete, p, nil, nil)
	if err != nil {
		return err
	}

	drain(resp)

	return nil
}

// Move renames or relocates p to newPath. The Destination header carries the
// fully-qualified target URL. An existing destination is never overwritten;
// the server answers 412 and Move returns ErrPreconditionFailed.
func (c *Client) Move(ctx context.Context, p, newPath davpath.Path) error {
	c.logger.Info("moving",
		slog.String("path", p.String()),
		slog.String("destination", newPath.String()),
	)

	header := http.Header{}
	header.Set("Destination", c.URL(newPath))
	header.Set("Overwrite", "F")

	resp, err := c.do(ctx, methodMove, p, header, nil)
	if err != nil {
		return err
	}

	drain(resp)

	return nil
}

// Capabilities returns the verbs the server allows on p, read from the Allow
// header of an OPTIONS response. A response without Allow is a protocol
// violation.
func (c *Client) Capabilities(ctx context.Context, p davpath.Path) ([]string, error) {
	resp, err := c.do(ctx, http.MethodOptions, p, nil, nil)
	if err != nil {
		return nil, err
	}

	drain(resp)

	values := resp.Header.Values("Allow")
	if len(values) == 0 {
		return nil, protocolError(http.MethodOptions, p.String(), "header 'Allow' not present")
	}

	var verbs []string

	for _, v := range values {
		for _, verb := range strings.Split(v, ",") {
			if verb = strings.ToUpper(strings.TrimSpace(verb)); verb != "" {
				verbs = append(verbs, verb)
			}
		}
	}

	return verbs, nil
}

// Allows reports whether verb appears in a Capabilities result.
func Allows(verbs []string, verb string) bool {
	for _, v := range verbs {
		if strings.EqualFold(v, verb) {
			return true
		}
	}

	return false
}
