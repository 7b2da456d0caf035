// Package bridge adapts the random-access file-handle contract onto the
// forward-only streams of a WebDAV server. Reader serves ReadAt from a
// single open GET, reopening it at the new offset on every seek. Writer turns
// sequential writes into one streamed PUT.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/tonimelisma/davbridge/internal/davpath"
	"github.com/tonimelisma/davbridge/internal/webdav"
)

// ErrClosed is returned by operations on a closed handle.
var ErrClosed = errors.New("bridge: handle closed")

// Fetcher opens a byte stream of a remote file starting at offset.
type Fetcher interface {
	Fetch(ctx context.Context, p davpath.Path, offset int64) (*webdav.Stream, error)
}

// Population receives the bytes of a file as they are served. It is finished
// once every byte has been appended in order from offset zero, and closed
// (aborting it) otherwise.
type Population interface {
	io.Writer
	Finish(ctx context.Context) error
	Abort(ctx context.Context) error
	Close() error
}

// Reader implements io.ReaderAt over a remote file. Calls are serialized.
type Reader struct {
	fetcher Fetcher
	entry   webdav.Entry
	id      string
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stream  io.ReadCloser
	next    int64
	pop     Population
	fetches int
	closed  bool
}

// NewReader returns a reader for entry. When pop is non-nil, bytes read
// sequentially from offset zero are appended to it. ctx bounds every fetch
// the reader makes until Close.
func NewReader(ctx context.Context, fetcher Fetcher, entry webdav.Entry, pop Population, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)

	return &Reader{
		fetcher: fetcher,
		entry:   entry,
		id:      uuid.New().String(),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		pop:     pop,
	}
}

// Size returns the length declared by the entry the reader was opened for,
// or -1 when the server did not declare one.
func (r *Reader) Size() int64 {
	return r.entry.ContentLength
}

// Fetches returns how many streams the reader has opened.
func (r *Reader) Fetches() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.fetches
}

// ReadAt reads len(p) bytes at off. Reads continuing where the previous one
// ended reuse the open stream; any other offset closes it and opens a new one
// at off, which also abandons caching for this handle.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrClosed
	}

	if off < 0 {
		return 0, fmt.Errorf("bridge: negative offset %d", off)
	}

	size := r.entry.ContentLength
	if size >= 0 && off >= size {
		return 0, io.EOF
	}

	if len(p) == 0 {
		return 0, nil
	}

	want := len(p)
	if size >= 0 && int64(want) > size-off {
		want = int(size - off)
	}

	if r.stream != nil && off != r.next {
		r.logger.Debug("non-sequential read, reopening stream",
			slog.String("handle", r.id),
			slog.Int64("expected", r.next),
			slog.Int64("offset", off),
		)

		r.closeStream()
		r.abortPopulation("seek")
	}

	if r.stream == nil {
		if err := r.open(off); err != nil {
			return 0, err
		}
	}

	n, err := io.ReadFull(r.stream, p[:want])
	r.next += int64(n)

	r.populate(p[:n])

	switch {
	case err == nil:
	case size < 0 && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)):
		// Without a declared length the end of the stream is the end of
		// the file.
		r.closeStream()

		return n, io.EOF
	default:
		r.closeStream()
		r.abortPopulation("stream failed")

		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}

		return n, fmt.Errorf("bridge: reading %s at %d: %w", r.entry.Path, off, err)
	}

	if want < len(p) {
		return n, io.EOF
	}

	return n, nil
}

func (r *Reader) open(off int64) error {
	if off != 0 {
		r.abortPopulation("read did not start at zero")
	}

	s, err := r.fetcher.Fetch(r.ctx, r.entry.Path, off)
	if err != nil {
		return err
	}

	r.fetches++
	r.stream = s.Body
	r.next = off

	r.logger.Debug("stream opened",
		slog.String("handle", r.id),
		slog.String("path", r.entry.Path.String()),
		slog.Int64("offset", off),
	)

	return nil
}

// populate appends b to the active population and finishes it once the
// declared length is reached. Cache failures only stop caching.
func (r *Reader) populate(b []byte) {
	if r.pop == nil {
		return
	}

	if len(b) > 0 {
		if _, err := r.pop.Write(b); err != nil {
			r.logger.Warn("cache write failed, continuing uncached",
				slog.String("path", r.entry.Path.String()),
				slog.String("error", err.Error()),
			)
			r.abortPopulation("write failed")

			return
		}
	}

	if r.next != r.entry.ContentLength {
		return
	}

	pop := r.pop
	r.pop = nil

	if err := pop.Finish(r.ctx); err != nil {
		r.logger.Warn("cache finish failed",
			slog.String("path", r.entry.Path.String()),
			slog.String("error", err.Error()),
		)

		return
	}

	r.logger.Debug("file cached",
		slog.String("handle", r.id),
		slog.String("path", r.entry.Path.String()),
		slog.Int64("bytes", r.next),
	)
}

func (r *Reader) abortPopulation(reason string) {
	if r.pop == nil {
		return
	}

	pop := r.pop
	r.pop = nil

	if err := pop.Abort(context.WithoutCancel(r.ctx)); err != nil {
		r.logger.Debug("aborting population failed",
			slog.String("path", r.entry.Path.String()),
			slog.String("error", err.Error()),
		)
	}

	r.logger.Debug("population abandoned",
		slog.String("handle", r.id),
		slog.String("path", r.entry.Path.String()),
		slog.String("reason", reason),
	)
}

func (r *Reader) closeStream() {
	if r.stream == nil {
		return
	}

	r.stream.Close()
	r.stream = nil
}

// Close releases the stream and settles the population: a population that
// was not finished is aborted. Close is idempotent.
func (r *Reader) Close() error {
	// Unblocks a ReadAt stuck on the network before taking the lock.
	r.cancel()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	r.closed = true
	r.closeStream()

	if r.pop == nil {
		return nil
	}

	pop := r.pop
	r.pop = nil

	// An empty file is complete without ever opening a stream.
	if r.entry.ContentLength == 0 {
		if err := pop.Finish(context.WithoutCancel(r.ctx)); err != nil {
			return err
		}
	}

	return pop.Close()
}
