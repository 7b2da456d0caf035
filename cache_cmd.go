package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/davbridge/internal/diskcache"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the local file cache",
	}

	cmd.AddCommand(newCacheLsCmd())
	cmd.AddCommand(newCacheClearCmd())
	cmd.AddCommand(newCacheSweepCmd())

	return cmd
}

func newCacheLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List cached files of the account",
		Args:  cobra.NoArgs,
		RunE:  runCacheLs,
	}
}

func newCacheClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every cached file of the account",
		Args:  cobra.NoArgs,
		RunE:  runCacheClear,
	}
}

func newCacheSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove interrupted downloads and orphaned cache files",
		Long: `Remove cache records whose download never finished and blob files that no
record refers to. Sweeping needs exclusive use of the cache directory and
fails while "serve" or another command has it open.`,
		Args: cobra.NoArgs,
		RunE: runCacheSweep,
	}
}

// cacheRecordJSON is the JSON output schema for one cache record.
type cacheRecordJSON struct {
	Path       string `json:"path"`
	Status     string `json:"status"`
	Size       int64  `json:"size"`
	ETag       string `json:"etag,omitempty"`
	ModifiedAt string `json:"modified_at,omitempty"`
	CachedAt   string `json:"cached_at"`
}

func runCacheLs(cmd *cobra.Command, _ []string) error {
	return withSession(cmd, func(ctx context.Context, cc *CLIContext, s *AccountSession) error {
		records, err := s.Cache.Records(ctx, s.Account.ID)
		if err != nil {
			return err
		}

		if cc.Flags.JSON {
			out := make([]cacheRecordJSON, 0, len(records))
			for i := range records {
				out = append(out, toCacheRecordJSON(&records[i]))
			}

			return printJSON(cmd.OutOrStdout(), out)
		}

		if len(records) == 0 {
			cc.Statusf("Cache is empty for %s\n", s.Account.ID)

			return nil
		}

		rows := make([][]string, 0, len(records))

		var (
			total   int64
			pending int
		)

		for i := range records {
			r := &records[i]
			rows = append(rows, []string{r.Path.String(), r.Status, formatSize(r.ContentLength), formatTime(r.UpdatedAt)})

			if r.Status == diskcache.StatusDone {
				total += r.ContentLength
			} else {
				pending++
			}
		}

		printTable(cmd.OutOrStdout(), []string{"PATH", "STATUS", "SIZE", "CACHED"}, rows)
		cc.Statusf("%d files, %s cached\n", len(records), formatSize(total))

		if note := pendingNote(pending); note != "" {
			cc.Statusf("%s\n", note)
		}

		return nil
	})
}

// pendingNote explains pending records. They are either populations in
// progress or leftovers of a process that crashed while another one kept the
// cache open; leftovers keep their files uncached until a sweep.
func pendingNote(n int) string {
	if n == 0 {
		return ""
	}

	return fmt.Sprintf("%d pending: files being cached now, or left by an interrupted process "+
		"(run 'davbridge cache sweep' once no other davbridge process is using the cache)", n)
}

func toCacheRecordJSON(r *diskcache.Record) cacheRecordJSON {
	out := cacheRecordJSON{
		Path:     r.Path.String(),
		Status:   r.Status,
		Size:     r.ContentLength,
		ETag:     r.ETag,
		CachedAt: r.UpdatedAt.UTC().Format(time.RFC3339),
	}

	if !r.LastModified.IsZero() {
		out.ModifiedAt = r.LastModified.UTC().Format(time.RFC3339)
	}

	return out
}

func runCacheClear(cmd *cobra.Command, _ []string) error {
	return withSession(cmd, func(ctx context.Context, cc *CLIContext, s *AccountSession) error {
		if err := s.Registry.Remove(ctx, s.Account.ID); err != nil {
			return err
		}

		cc.Statusf("Cleared cache for %s\n", s.Account.ID)

		return nil
	})
}

// sweepJSONOutput is the JSON output schema for cache sweep.
type sweepJSONOutput struct {
	Pending int `json:"pending_removed"`
	Orphans int `json:"orphans_removed"`
}

func runCacheSweep(cmd *cobra.Command, _ []string) error {
	return withSession(cmd, func(ctx context.Context, cc *CLIContext, s *AccountSession) error {
		res, err := s.Cache.Sweep(ctx)
		if errors.Is(err, diskcache.ErrBusy) {
			return fmt.Errorf("cache %s is in use by another process: stop it and retry", s.Cache.Dir())
		}

		if err != nil {
			return fmt.Errorf("sweeping cache: %w", err)
		}

		if cc.Flags.JSON {
			return printJSON(cmd.OutOrStdout(), sweepJSONOutput{Pending: res.Pending, Orphans: res.Orphans})
		}

		cc.Statusf("Removed %d unfinished and %d orphaned cache files\n", res.Pending, res.Orphans)

		return nil
	})
}
