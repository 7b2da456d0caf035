package diskcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/tonimelisma/davbridge/internal/webdav"
)

// Result classifies a requested file against cached state.
type Result int

// Classification results.
const (
	Miss Result = iota
	Hit
	Pending
)

func (r Result) String() string {
	switch r {
	case Hit:
		return "hit"
	case Pending:
		return "pending"
	default:
		return "miss"
	}
}

// Classify compares entry with the cached record for it. Stale or damaged
// records are deleted along with their blobs and reported as Miss.
func (c *Cache) Classify(ctx context.Context, account string, entry webdav.Entry) (Result, error) {
	res, err := c.classify(ctx, account, entry)
	if err != nil {
		return Miss, err
	}

	c.metrics.ObserveClassify(res)

	return res, nil
}

func (c *Cache) classify(ctx context.Context, account string, entry webdav.Entry) (Result, error) {
	rec, err := c.lookup(ctx, account, entry.Path)
	if err != nil {
		return Miss, err
	}

	if rec == nil {
		return Miss, nil
	}

	if rec.Status == StatusPending {
		return Pending, nil
	}

	if reason := c.blobProblem(rec); reason != "" {
		c.logger.Debug("cached blob unusable, treating as miss",
			slog.String("path", entry.Path.String()),
			slog.String("reason", reason),
		)

		return Miss, c.deleteRecord(ctx, rec)
	}

	if validatorMatches(rec, entry) {
		return Hit, nil
	}

	c.logger.Debug("cached record is stale",
		slog.String("path", entry.Path.String()),
		slog.String("cached_etag", rec.ETag),
		slog.String("remote_etag", entry.ETag),
	)

	return Miss, c.deleteRecord(ctx, rec)
}

// blobProblem describes why a done record's blob cannot be served, or
// returns "" when it can.
func (c *Cache) blobProblem(rec *Record) string {
	info, err := os.Stat(c.BlobPath(rec.Account, rec.Path))
	if err != nil {
		return "blob missing"
	}

	if info.Size() != rec.ContentLength {
		return fmt.Sprintf("blob holds %d of %d bytes", info.Size(), rec.ContentLength)
	}

	return ""
}

// validatorMatches applies the token-then-timestamp rule: entity tags decide
// when both sides have one; a record cached without a tag falls back to
// modification times when both sides have one.
func validatorMatches(rec *Record, entry webdav.Entry) bool {
	if rec.ETag != "" && entry.ETag != "" {
		return rec.ETag == entry.ETag
	}

	if rec.ETag == "" && !rec.LastModified.IsZero() && !entry.LastModified.IsZero() {
		return rec.LastModified.Equal(entry.LastModified)
	}

	return false
}

// BeginPopulation starts caching entry's content. It inserts a pending record
// snapshotting the entry's validator and length, and returns a writer for the
// blob. ErrPopulationInFlight means another writer already owns the record.
func (c *Cache) BeginPopulation(ctx context.Context, account string, entry webdav.Entry) (*Writer, error) {
	blob := c.BlobPath(account, entry.Path)

	if err := os.MkdirAll(filepath.Dir(blob), dirPermissions); err != nil {
		return nil, fmt.Errorf("diskcache: creating blob directory: %w", err)
	}

	now := c.nowFunc().UnixNano()
	writerID := uuid.New().String()

	_, err := c.db.ExecContext(ctx, sqlInsertPending,
		account, entry.Path.Key(), nullString(entry.ETag), entry.ContentLength,
		nullTime(entry.LastModified), writerID, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrPopulationInFlight
		}

		return nil, fmt.Errorf("diskcache: inserting pending record for %s: %w", entry.Path, err)
	}

	rec := Record{
		Account:       account,
		Path:          entry.Path,
		Status:        StatusPending,
		ETag:          entry.ETag,
		ContentLength: entry.ContentLength,
		LastModified:  entry.LastModified,
		WriterID:      writerID,
	}

	f, err := os.OpenFile(blob, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, blobPermissions)
	if err != nil {
		delErr := c.deleteRecord(ctx, &rec)

		return nil, errors.Join(fmt.Errorf("diskcache: creating blob for %s: %w", entry.Path, err), delErr)
	}

	c.logger.Debug("population started",
		slog.String("path", entry.Path.String()),
		slog.String("writer_id", writerID),
		slog.Int64("length", entry.ContentLength),
	)

	return &Writer{cache: c, rec: rec, file: f}, nil
}

// Acquire classifies entry and, on a miss that admit allows, begins a
// population, all inside one critical section per (account, path). The
// writer is nil unless the result is Miss and admit is true. A population
// started concurrently by another process surfaces as Pending.
func (c *Cache) Acquire(ctx context.Context, account string, entry webdav.Entry, admit bool) (Result, *Writer, error) {
	unlock := c.keys.lock(account + "\x00" + entry.Path.Key())
	defer unlock()

	res, err := c.Classify(ctx, account, entry)
	if err != nil || res != Miss || !admit {
		return res, nil, err
	}

	w, err := c.BeginPopulation(ctx, account, entry)
	if errors.Is(err, ErrPopulationInFlight) {
		return Pending, nil, nil
	}

	if err != nil {
		return Miss, nil, err
	}

	return Miss, w, nil
}

// isUniqueViolation reports whether err is a primary key or unique
// constraint failure.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}

	return sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}
