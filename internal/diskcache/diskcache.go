// Package diskcache keeps local copies of remote file content. Each cached
// file is a blob on disk plus a record in a sqlite database holding the
// validator (entity tag or modification time) the blob was fetched under.
//
// Records move from pending to done when a population finishes cleanly. A
// record and its blob are removed together on abort, on validator mismatch,
// and when the remote file is deleted or renamed.
package diskcache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tonimelisma/davbridge/internal/davpath"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

const (
	dbFileName   = "cache.db"
	lockFileName = "cache.lock"
	blobDirName  = "blobs"

	dirPermissions  = 0o700
	blobPermissions = 0o600
)

// Sentinel errors.
var (
	ErrPopulationInFlight = errors.New("diskcache: population already in flight")
	ErrWriterClosed       = errors.New("diskcache: writer already closed")
	ErrLengthMismatch     = errors.New("diskcache: written length does not match entry")
	ErrSuperseded         = errors.New("diskcache: record no longer owned by writer")
	ErrBusy               = errors.New("diskcache: cache directory in use by another process")
)

// Config controls Open.
type Config struct {
	// Dir is the cache root. It holds cache.db, cache.lock and blobs/.
	Dir     string
	Metrics Metrics
}

// Cache is safe for concurrent use within a process and coordinates with
// other processes through the directory lock and the record primary key.
type Cache struct {
	dir     string
	db      *sql.DB
	lock    *ownerLock
	keys    *keyedMutex
	metrics Metrics
	logger  *slog.Logger
	nowFunc func() time.Time
}

// SweepResult counts what a sweep removed.
type SweepResult struct {
	Pending int
	Orphans int
}

// Open prepares the cache under cfg.Dir, runs schema migrations and, when no
// other process is using the directory, sweeps pending records left behind by
// an earlier lifetime.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Dir == "" {
		return nil, errors.New("diskcache: cache directory is empty")
	}

	if err := os.MkdirAll(filepath.Join(cfg.Dir, blobDirName), dirPermissions); err != nil {
		return nil, fmt.Errorf("diskcache: creating %s: %w", cfg.Dir, err)
	}

	lock, exclusive, err := acquireOwnerLock(filepath.Join(cfg.Dir, lockFileName))
	if err != nil {
		return nil, err
	}

	dbPath := filepath.Join(cfg.Dir, dbFileName)
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		lock.release()

		return nil, fmt.Errorf("diskcache: opening database %s: %w", dbPath, err)
	}

	db.SetMaxOpenConns(1)

	if err := migrate(ctx, db, logger); err != nil {
		db.Close()
		lock.release()

		return nil, err
	}

	c := &Cache{
		dir:     cfg.Dir,
		db:      db,
		lock:    lock,
		keys:    newKeyedMutex(),
		metrics: cfg.Metrics,
		logger:  logger,
		nowFunc: time.Now,
	}

	if c.metrics == nil {
		c.metrics = noopMetrics{}
	}

	if exclusive {
		res, sweepErr := c.sweep(ctx)
		downgradeErr := lock.downgrade()

		if err := errors.Join(sweepErr, downgradeErr); err != nil {
			c.Close()

			return nil, err
		}

		logger.Info("disk cache opened",
			slog.String("dir", cfg.Dir),
			slog.Int("swept_pending", res.Pending),
			slog.Int("swept_orphans", res.Orphans),
		)
	} else {
		logger.Info("disk cache opened alongside another process, startup sweep skipped",
			slog.String("dir", cfg.Dir),
		)
	}

	return c, nil
}

// Close releases the database and the directory lock.
func (c *Cache) Close() error {
	return errors.Join(c.db.Close(), c.lock.release())
}

// Dir returns the cache root.
func (c *Cache) Dir() string {
	return c.dir
}

// BlobPath returns where the blob for (account, p) lives. The location is
// derived from hashes only, so no remote path segment ever reaches the local
// filesystem.
func (c *Cache) BlobPath(account string, p davpath.Path) string {
	sum := hashHex(p.Key())

	return filepath.Join(c.accountDir(account), sum[:2], sum)
}

func (c *Cache) accountDir(account string) string {
	return filepath.Join(c.dir, blobDirName, hashHex(account))
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))

	return hex.EncodeToString(sum[:])
}

// OpenBlob opens the cached content of (account, p) for reading. Callers
// should only open blobs that classified as Hit.
func (c *Cache) OpenBlob(account string, p davpath.Path) (*os.File, error) {
	f, err := os.Open(c.BlobPath(account, p))
	if err != nil {
		return nil, fmt.Errorf("diskcache: opening blob for %s: %w", p, err)
	}

	return f, nil
}

// Sweep removes pending records, their blobs and any blob without a record.
// It needs exclusive use of the cache directory and returns ErrBusy when
// another process has it open.
func (c *Cache) Sweep(ctx context.Context) (SweepResult, error) {
	if !c.lock.tryExclusive() {
		// A failed conversion may drop the shared lock, so take it again.
		return SweepResult{}, errors.Join(ErrBusy, c.lock.downgrade())
	}

	res, err := c.sweep(ctx)

	return res, errors.Join(err, c.lock.downgrade())
}

// sweep must only run while the directory lock is held exclusively.
func (c *Cache) sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	pending, err := c.queryRecords(ctx, sqlSelectByStatus, StatusPending)
	if err != nil {
		return res, err
	}

	for i := range pending {
		rec := &pending[i]

		if err := c.deleteRecord(ctx, rec); err != nil {
			return res, err
		}

		res.Pending++
	}

	orphans, err := c.removeOrphanBlobs(ctx)
	if err != nil {
		return res, err
	}

	res.Orphans = orphans

	c.metrics.ObserveSweep(res.Pending, res.Orphans)

	if res.Pending > 0 || res.Orphans > 0 {
		c.logger.Info("disk cache swept",
			slog.Int("pending", res.Pending),
			slog.Int("orphans", res.Orphans),
		)
	}

	return res, nil
}

// removeOrphanBlobs deletes blob files that no record points at.
func (c *Cache) removeOrphanBlobs(ctx context.Context) (int, error) {
	all, err := c.queryRecords(ctx, sqlSelectAll)
	if err != nil {
		return 0, err
	}

	known := make(map[string]struct{}, len(all))
	for i := range all {
		known[c.BlobPath(all[i].Account, all[i].Path)] = struct{}{}
	}

	removed := 0
	root := filepath.Join(c.dir, blobDirName)

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		if _, ok := known[path]; ok {
			return nil
		}

		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			return rmErr
		}

		removed++

		return nil
	})
	if walkErr != nil {
		return removed, fmt.Errorf("diskcache: removing orphan blobs: %w", walkErr)
	}

	return removed, nil
}
