package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/davbridge/internal/davpath"
	"github.com/tonimelisma/davbridge/internal/webdav"
)

// Writer errors.
var (
	ErrNonSequential = errors.New("bridge: non-sequential write")
	ErrUploadClosed  = errors.New("bridge: upload already ended")
)

const defaultQueueDepth = 8

// Uploader stores a body at a remote path and describes the result.
type Uploader interface {
	Store(ctx context.Context, p davpath.Path, body io.Reader, contentType string, length int64) error
	List(ctx context.Context, p davpath.Path, depth webdav.Depth) (*webdav.Listing, error)
}

// WriterConfig describes one upload.
type WriterConfig struct {
	Path        davpath.Path
	ContentType string

	// QueueDepth bounds the number of chunks buffered between the caller
	// and the upload. Zero selects a default.
	QueueDepth int

	// Exactly one of these is called, once, when the upload settles.
	OnSuccess func(webdav.Entry)
	OnFailure func(error)
}

// Writer streams sequential writes into a single PUT. Chunks pass through a
// bounded channel to a background upload, so a slow server applies
// back-pressure to the caller.
type Writer struct {
	up     Uploader
	cfg    WriterConfig
	id     string
	logger *slog.Logger

	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	next    int64
	started bool
	chunks  chan []byte
	done    chan struct{}
	group   *errgroup.Group
	err     error
	settled bool
	result  error

	fire sync.Once
}

// NewWriter prepares an upload to cfg.Path. Nothing is sent until the first
// write or Close.
func NewWriter(ctx context.Context, up Uploader, cfg WriterConfig, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}

	uploadCtx, cancel := context.WithCancel(ctx)

	return &Writer{
		up:     up,
		cfg:    cfg,
		id:     uuid.New().String(),
		logger: logger,
		parent: ctx,
		ctx:    uploadCtx,
		cancel: cancel,
	}
}

// Path returns the destination of the upload.
func (w *Writer) Path() davpath.Path {
	return w.cfg.Path
}

// Write appends p at the current end of the upload.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.writeLocked(p, w.next)
}

// WriteAt appends p, which must start where the previous write ended. Any
// other offset fails the handle with ErrNonSequential and cancels the upload.
func (w *Writer) WriteAt(p []byte, off int64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.writeLocked(p, off)
}

func (w *Writer) writeLocked(p []byte, off int64) (int, error) {
	if w.settled || w.err != nil {
		return 0, ErrUploadClosed
	}

	if off != w.next {
		w.failLocked(fmt.Errorf("%w: offset %d, expected %d", ErrNonSequential, off, w.next))

		return 0, w.err
	}

	if len(p) == 0 {
		return 0, nil
	}

	if !w.started {
		w.startLocked()
	}

	chunk := make([]byte, len(p))
	copy(chunk, p)

	select {
	case w.chunks <- chunk:
	case <-w.done:
		return 0, ErrUploadClosed
	case <-w.ctx.Done():
		return 0, ErrUploadClosed
	}

	w.next += int64(len(p))

	return len(p), nil
}

// Flush is advisory; buffered chunks are always drained by the upload.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return w.err
	}

	return nil
}

func (w *Writer) startLocked() {
	w.started = true
	w.chunks = make(chan []byte, w.cfg.QueueDepth)
	w.done = make(chan struct{})

	g, gctx := errgroup.WithContext(w.ctx)
	w.group = g

	w.logger.Debug("upload started",
		slog.String("handle", w.id),
		slog.String("path", w.cfg.Path.String()),
	)

	g.Go(func() error {
		defer close(w.done)

		body := &chunkReader{chunks: w.chunks, ctx: gctx}

		return w.up.Store(gctx, w.cfg.Path, body, w.cfg.ContentType, -1)
	})
}

func (w *Writer) failLocked(err error) {
	if w.err == nil {
		w.err = err
	}

	w.cancel()
}

// Close ends the upload, waits for it, confirms the result with a depth-0
// listing and fires exactly one callback before returning. A handle closed
// without any writes uploads an empty file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.settleLocked()
}

// Cancel stops the upload and fires OnFailure with context.Canceled. Bytes
// the server already accepted are not undone.
func (w *Writer) Cancel() {
	// Unblocks a write waiting on back-pressure before taking the lock.
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err == nil {
		w.err = context.Canceled
	}

	w.settleLocked()
}

func (w *Writer) settleLocked() error {
	if w.settled {
		return w.result
	}

	w.settled = true

	if w.started {
		close(w.chunks)

		if err := w.group.Wait(); err != nil && w.err == nil {
			w.err = err
		}
	} else if w.err == nil {
		if err := w.up.Store(w.ctx, w.cfg.Path, bytes.NewReader(nil), w.cfg.ContentType, 0); err != nil {
			w.err = err
		}
	}

	w.cancel()

	if w.err != nil {
		w.logger.Info("upload failed",
			slog.String("handle", w.id),
			slog.String("path", w.cfg.Path.String()),
			slog.String("error", w.err.Error()),
		)

		w.result = w.err
		w.notify(webdav.Entry{}, w.err)

		return w.result
	}

	listing, err := w.up.List(w.parent, w.cfg.Path, webdav.DepthSelf)
	if err != nil {
		w.result = fmt.Errorf("bridge: confirming upload of %s: %w", w.cfg.Path, err)
		w.notify(webdav.Entry{}, w.result)

		return w.result
	}

	w.logger.Info("upload complete",
		slog.String("handle", w.id),
		slog.String("path", w.cfg.Path.String()),
		slog.Int64("bytes", w.next),
	)

	w.notify(listing.Self, nil)

	return nil
}

func (w *Writer) notify(entry webdav.Entry, err error) {
	w.fire.Do(func() {
		if err != nil {
			if w.cfg.OnFailure != nil {
				w.cfg.OnFailure(err)
			}

			return
		}

		if w.cfg.OnSuccess != nil {
			w.cfg.OnSuccess(entry)
		}
	})
}

// chunkReader presents the chunk channel as an io.Reader. It reports EOF
// once the channel is closed and drained.
type chunkReader struct {
	chunks <-chan []byte
	ctx    context.Context
	cur    []byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.cur) == 0 {
		select {
		case c, ok := <-r.chunks:
			if !ok {
				return 0, io.EOF
			}

			r.cur = c
		case <-r.ctx.Done():
			return 0, r.ctx.Err()
		}
	}

	n := copy(p, r.cur)
	r.cur = r.cur[n:]

	return n, nil
}
