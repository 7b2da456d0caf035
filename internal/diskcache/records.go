package diskcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/tonimelisma/davbridge/internal/davpath"
)

// Record statuses.
const (
	StatusPending = "pending"
	StatusDone    = "done"
)

const recordColumns = `account_id, path, status, etag, content_length,
	last_modified, writer_id, created_at, updated_at`

const (
	sqlSelectRecord = `SELECT ` + recordColumns + `
		FROM cache_entries WHERE account_id = ? AND path = ?`

	sqlSelectByStatus = `SELECT ` + recordColumns + `
		FROM cache_entries WHERE status = ?`

	sqlSelectByAccount = `SELECT ` + recordColumns + `
		FROM cache_entries WHERE account_id = ? ORDER BY path`

	sqlSelectAll = `SELECT ` + recordColumns + ` FROM cache_entries`

	sqlSelectTree = `SELECT ` + recordColumns + `
		FROM cache_entries
		WHERE account_id = ? AND (path = ? OR substr(path, 1, length(?)) = ?)`

	sqlInsertPending = `INSERT INTO cache_entries
		(account_id, path, status, etag, content_length, last_modified,
		 writer_id, created_at, updated_at)
		VALUES (?, ?, 'pending', ?, ?, ?, ?, ?, ?)`

	sqlPromoteDone = `UPDATE cache_entries SET status = 'done', updated_at = ?
		WHERE account_id = ? AND path = ? AND writer_id = ? AND status = 'pending'`

	sqlDeleteOwned = `DELETE FROM cache_entries
		WHERE account_id = ? AND path = ? AND writer_id = ?`

	sqlDeleteAccount = `DELETE FROM cache_entries WHERE account_id = ?`

	sqlSelectAccounts = `SELECT DISTINCT account_id FROM cache_entries ORDER BY account_id`
)

// Record is one row of the cache database.
type Record struct {
	Account       string
	Path          davpath.Path
	Status        string
	ETag          string
	ContentLength int64
	LastModified  time.Time
	WriterID      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		r            Record
		path         string
		etag         sql.NullString
		lastModified sql.NullInt64
		created      int64
		updated      int64
	)

	err := row.Scan(&r.Account, &path, &r.Status, &etag, &r.ContentLength,
		&lastModified, &r.WriterID, &created, &updated)
	if err != nil {
		return Record{}, err
	}

	r.Path = davpath.File(path)
	r.ETag = etag.String
	r.CreatedAt = time.Unix(0, created)
	r.UpdatedAt = time.Unix(0, updated)

	if lastModified.Valid {
		r.LastModified = time.Unix(0, lastModified.Int64).UTC()
	}

	return r, nil
}

func (c *Cache) queryRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("diskcache: querying records: %w", err)
	}
	defer rows.Close()

	var out []Record

	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("diskcache: scanning record: %w", err)
		}

		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("diskcache: iterating records: %w", err)
	}

	return out, nil
}

// lookup returns the record for (account, p), or nil when there is none.
func (c *Cache) lookup(ctx context.Context, account string, p davpath.Path) (*Record, error) {
	r, err := scanRecord(c.db.QueryRowContext(ctx, sqlSelectRecord, account, p.Key()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("diskcache: reading record for %s: %w", p, err)
	}

	return &r, nil
}

// Records returns every record of account ordered by path.
func (c *Cache) Records(ctx context.Context, account string) ([]Record, error) {
	return c.queryRecords(ctx, sqlSelectByAccount, account)
}

// Accounts returns the distinct account IDs that own at least one record.
func (c *Cache) Accounts(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, sqlSelectAccounts)
	if err != nil {
		return nil, fmt.Errorf("diskcache: querying accounts: %w", err)
	}
	defer rows.Close()

	var out []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("diskcache: scanning account: %w", err)
		}

		out = append(out, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("diskcache: iterating accounts: %w", err)
	}

	return out, nil
}

// deleteRecord removes rec and its blob. The delete is conditional on the
// writer id so a newer population of the same path is left alone.
func (c *Cache) deleteRecord(ctx context.Context, rec *Record) error {
	res, err := c.db.ExecContext(ctx, sqlDeleteOwned, rec.Account, rec.Path.Key(), rec.WriterID)
	if err != nil {
		return fmt.Errorf("diskcache: deleting record for %s: %w", rec.Path, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	return removeFile(c.BlobPath(rec.Account, rec.Path))
}

// Remove drops the record and blob of (account, p), if any.
func (c *Cache) Remove(ctx context.Context, account string, p davpath.Path) error {
	rec, err := c.lookup(ctx, account, p)
	if err != nil || rec == nil {
		return err
	}

	return c.deleteRecord(ctx, rec)
}

// RemoveTree drops every record at or beneath dir and returns how many were
// removed.
func (c *Cache) RemoveTree(ctx context.Context, account string, dir davpath.Path) (int, error) {
	key := dir.Key()

	prefix := key + "/"
	if dir.IsRoot() {
		prefix = key
	}

	recs, err := c.queryRecords(ctx, sqlSelectTree, account, key, prefix, prefix)
	if err != nil {
		return 0, err
	}

	for i := range recs {
		if err := c.deleteRecord(ctx, &recs[i]); err != nil {
			return i, err
		}
	}

	return len(recs), nil
}

// RemoveAccount drops every record and blob of account.
func (c *Cache) RemoveAccount(ctx context.Context, account string) error {
	if _, err := c.db.ExecContext(ctx, sqlDeleteAccount, account); err != nil {
		return fmt.Errorf("diskcache: deleting records of account: %w", err)
	}

	if err := os.RemoveAll(c.accountDir(account)); err != nil {
		return fmt.Errorf("diskcache: removing account blobs: %w", err)
	}

	c.logger.Info("account cache removed")

	return nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("diskcache: removing blob: %w", err)
	}

	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
