package diskcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// Writer appends fetched bytes to one blob and settles its record. Exactly
// one of Finish or Abort takes effect; Close aborts unless Finish succeeded.
type Writer struct {
	cache *Cache
	rec   Record
	file  *os.File

	mu      sync.Mutex
	written int64
	closed  bool
}

// Write appends p to the blob.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWriterClosed
	}

	n, err := w.file.Write(p)
	w.written += int64(n)
	w.cache.metrics.AddPopulatedBytes(n)

	if err != nil {
		return n, fmt.Errorf("diskcache: writing blob: %w", err)
	}

	return n, nil
}

// Written returns the number of bytes appended so far.
func (w *Writer) Written() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.written
}

// Length returns the length snapshotted when the population began.
func (w *Writer) Length() int64 {
	return w.rec.ContentLength
}

// Finish promotes the record to done. The bytes written must equal the
// snapshotted length; otherwise the population is aborted and
// ErrLengthMismatch returned.
func (w *Writer) Finish(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	w.closed = true

	if w.written != w.rec.ContentLength {
		return errors.Join(
			fmt.Errorf("%w: wrote %d of %d bytes", ErrLengthMismatch, w.written, w.rec.ContentLength),
			w.abortLocked(ctx),
		)
	}

	syncErr := w.file.Sync()
	closeErr := w.file.Close()

	if err := errors.Join(syncErr, closeErr); err != nil {
		return errors.Join(fmt.Errorf("diskcache: flushing blob: %w", err), w.deleteLocked(ctx))
	}

	res, err := w.cache.db.ExecContext(ctx, sqlPromoteDone,
		w.cache.nowFunc().UnixNano(), w.rec.Account, w.rec.Path.Key(), w.rec.WriterID)
	if err != nil {
		return errors.Join(fmt.Errorf("diskcache: promoting record for %s: %w", w.rec.Path, err), w.deleteLocked(ctx))
	}

	if n, _ := res.RowsAffected(); n == 0 {
		// The record was removed while populating; the blob at this
		// location may already belong to a newer writer.
		w.cache.metrics.ObservePopulation(OutcomeAborted)

		return ErrSuperseded
	}

	w.cache.metrics.ObservePopulation(OutcomeFinished)
	w.cache.logger.Debug("population finished",
		slog.String("path", w.rec.Path.String()),
		slog.Int64("bytes", w.written),
	)

	return nil
}

// Abort deletes the record and the blob.
func (w *Writer) Abort(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	w.closed = true

	return w.abortLocked(ctx)
}

// Close aborts the population unless it has already been finished or
// aborted. It is idempotent.
func (w *Writer) Close() error {
	err := w.Abort(context.Background())
	if errors.Is(err, ErrWriterClosed) {
		return nil
	}

	return err
}

func (w *Writer) abortLocked(ctx context.Context) error {
	closeErr := w.file.Close()

	w.cache.logger.Debug("population aborted",
		slog.String("path", w.rec.Path.String()),
		slog.Int64("bytes", w.written),
	)

	return errors.Join(closeErr, w.deleteLocked(ctx))
}

func (w *Writer) deleteLocked(ctx context.Context) error {
	w.cache.metrics.ObservePopulation(OutcomeAborted)

	// Cleanup must run even when the caller's context is already done.
	return w.cache.deleteRecord(context.WithoutCancel(ctx), &w.rec)
}
