package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/davbridge/internal/davpath"
	"github.com/tonimelisma/davbridge/internal/provider"
	"github.com/tonimelisma/davbridge/internal/webdav"
)

// getParallelism bounds concurrent downloads when get fetches a directory.
const getParallelism = 4

// putChunkSize is the write size used to feed the upload.
const putChunkSize = 1 << 20

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [path]",
		Short: "List files and folders",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runLs,
	}
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>",
		Short: "Display file or folder metadata",
		Args:  cobra.ExactArgs(1),
		RunE:  runStat,
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <remote-path> [local-path]",
		Short: "Download a file, or every file of a folder",
		Long: `Download a file through the local cache. A file that is already cached and
unchanged on the server is copied from disk without downloading it again.

When the remote path is a folder, its files (not subfolders) are downloaded
in parallel into a local directory of the same name.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runGet,
	}
}

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <remote-path>",
		Short: "Write a file to standard output",
		Args:  cobra.ExactArgs(1),
		RunE:  runCat,
	}
}

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <local-path> [remote-path]",
		Short: "Upload a file",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runPut,
	}
}

func newRmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <path>",
		Short: "Delete a file or folder",
		Long: `Delete a file or folder on the server. Deletion is permanent.

Folder deletion is recursive: all contents will be deleted.
Use --recursive (-r) to confirm intent when deleting folders.`,
		Args: cobra.ExactArgs(1),
		RunE: runRm,
	}

	cmd.Flags().BoolP("recursive", "r", false, "confirm recursive folder deletion")

	return cmd
}

func newMkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a folder (recursive)",
		Args:  cobra.ExactArgs(1),
		RunE:  runMkdir,
	}
}

func newMvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mv <path> <new-path>",
		Short: "Rename or move a file or folder",
		Long: `Rename or move a file or folder. The destination must not exist. When the
destination ends in "/" or names an existing folder, the source keeps its name
and is moved into that folder.`,
		Args: cobra.ExactArgs(2),
		RunE: runMv,
	}
}

// withSession opens the selected account for the duration of fn.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, cc *CLIContext, s *AccountSession) error) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	s, err := NewAccountSession(ctx, cc)
	if err != nil {
		return err
	}

	runErr := fn(ctx, cc, s)

	if err := s.Close(); err != nil && runErr == nil {
		return fmt.Errorf("closing cache: %w", err)
	}

	return runErr
}

// entryJSON is the JSON output schema for a single entry.
type entryJSON struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	IsFolder    bool   `json:"is_folder"`
	Size        int64  `json:"size"`
	ModifiedAt  string `json:"modified_at,omitempty"`
	ETag        string `json:"etag,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Pending     bool   `json:"pending,omitempty"`
}

func toEntryJSON(e *webdav.Entry) entryJSON {
	out := entryJSON{
		Name:        e.Name(),
		Path:        e.Path.String(),
		IsFolder:    e.IsDir,
		Size:        e.ContentLength,
		ETag:        e.ETag,
		ContentType: e.ContentType,
		Pending:     e.Pending,
	}

	if !e.LastModified.IsZero() {
		out.ModifiedAt = e.LastModified.UTC().Format(time.RFC3339)
	}

	if e.IsDir {
		out.ContentType = ""
	}

	return out
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

func runLs(cmd *cobra.Command, args []string) error {
	dir := davpath.Root()
	if len(args) > 0 {
		dir = davpath.Dir(args[0])
	}

	return withSession(cmd, func(ctx context.Context, cc *CLIContext, s *AccountSession) error {
		cc.Logger.Debug("ls", slog.String("path", dir.String()))

		entries, err := s.Registry.ListChildren(ctx, s.Account, dir)
		if err != nil {
			return fmt.Errorf("listing %q: %w", dir, err)
		}

		if cc.Flags.JSON {
			out := make([]entryJSON, 0, len(entries))
			for i := range entries {
				out = append(out, toEntryJSON(&entries[i]))
			}

			return printJSON(cmd.OutOrStdout(), out)
		}

		printEntriesTable(cmd.OutOrStdout(), entries)

		return nil
	})
}

// printEntriesTable prints entries folders first, as ListChildren orders them.
func printEntriesTable(w io.Writer, entries []webdav.Entry) {
	headers := []string{"NAME", "SIZE", "MODIFIED"}
	rows := make([][]string, 0, len(entries))

	for i := range entries {
		e := &entries[i]

		name := e.Name()
		size := formatSize(e.ContentLength)

		switch {
		case e.IsDir:
			name += "/"
			size = "-"
		case e.Pending:
			size = "uploading"
		}

		rows = append(rows, []string{name, size, formatOptionalTime(e.LastModified)})
	}

	printTable(w, headers, rows)
}

func runStat(cmd *cobra.Command, args []string) error {
	p := davpath.Parse(args[0])

	return withSession(cmd, func(ctx context.Context, cc *CLIContext, s *AccountSession) error {
		cc.Logger.Debug("stat", slog.String("path", p.String()))

		entry, err := s.Registry.Resolve(ctx, s.Account, p)
		if err != nil {
			return fmt.Errorf("resolving %q: %w", p, err)
		}

		if cc.Flags.JSON {
			return printJSON(cmd.OutOrStdout(), toEntryJSON(&entry))
		}

		printStatText(cmd.OutOrStdout(), &entry)

		return nil
	})
}

func printStatText(w io.Writer, e *webdav.Entry) {
	kind := "file"
	if e.IsDir {
		kind = "folder"
	}

	fmt.Fprintf(w, "Name:     %s\n", e.Name())
	fmt.Fprintf(w, "Path:     %s\n", e.Path)
	fmt.Fprintf(w, "Type:     %s\n", kind)

	if !e.IsDir && e.ContentLength >= 0 {
		fmt.Fprintf(w, "Size:     %s (%d bytes)\n", formatSize(e.ContentLength), e.ContentLength)
	}

	if !e.LastModified.IsZero() {
		fmt.Fprintf(w, "Modified: %s\n", e.LastModified.UTC().Format("2006-01-02 15:04:05 UTC"))
	}

	if e.ETag != "" {
		fmt.Fprintf(w, "ETag:     %s\n", e.ETag)
	}

	if !e.IsDir && e.ContentType != "" {
		fmt.Fprintf(w, "MIME:     %s\n", e.ContentType)
	}

	if e.HasQuota() {
		fmt.Fprintf(w, "Quota:    %s used, %s available\n", formatSize(e.QuotaUsed), formatSize(e.QuotaAvailable))
	}
}

// sequentialReader reads a handle front to back. Unlike io.SectionReader it
// needs no size, so files of unknown length are read until EOF.
type sequentialReader struct {
	h   io.ReaderAt
	off int64
}

func (r *sequentialReader) Read(p []byte) (int, error) {
	n, err := r.h.ReadAt(p, r.off)
	r.off += int64(n)

	if err == io.EOF && n > 0 {
		err = nil
	}

	return n, err
}

// download copies entry into localPath through a .partial file, renamed into
// place once complete.
func download(ctx context.Context, s *AccountSession, entry webdav.Entry, localPath string) (int64, error) {
	h, err := s.Registry.OpenForRead(ctx, s.Account, entry)
	if err != nil {
		return 0, fmt.Errorf("opening %q: %w", entry.Path, err)
	}
	defer h.Close()

	partialPath := localPath + ".partial"

	f, err := os.Create(partialPath)
	if err != nil {
		return 0, fmt.Errorf("creating partial file for download: %w", err)
	}

	n, err := io.Copy(f, &sequentialReader{h: h})
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		os.Remove(partialPath)

		return 0, fmt.Errorf("downloading %q: %w", entry.Path, err)
	}

	if err := os.Rename(partialPath, localPath); err != nil {
		os.Remove(partialPath)

		return 0, fmt.Errorf("renaming download to %q: %w", localPath, err)
	}

	return n, nil
}

func runGet(cmd *cobra.Command, args []string) error {
	p := davpath.Parse(args[0])

	return withSession(cmd, func(ctx context.Context, cc *CLIContext, s *AccountSession) error {
		entry, err := s.Registry.Resolve(ctx, s.Account, p)
		if err != nil {
			return fmt.Errorf("resolving %q: %w", p, err)
		}

		localPath := entry.Name()
		if len(args) > 1 {
			localPath = args[1]
		}

		if entry.IsDir {
			return getFolder(ctx, cc, s, entry, localPath)
		}

		if fi, statErr := os.Stat(localPath); statErr == nil && fi.IsDir() {
			localPath = filepath.Join(localPath, entry.Name())
		}

		n, err := download(ctx, s, entry, localPath)
		if err != nil {
			return err
		}

		cc.Logger.Debug("download complete", slog.String("local_path", localPath), slog.Int64("bytes", n))
		cc.Statusf("Downloaded %s (%s)\n", localPath, formatSize(n))

		return nil
	})
}

// getFolder downloads the files directly inside dir in parallel.
func getFolder(ctx context.Context, cc *CLIContext, s *AccountSession, dir webdav.Entry, localDir string) error {
	children, err := s.Registry.ListChildren(ctx, s.Account, dir.Path)
	if err != nil {
		return fmt.Errorf("listing %q: %w", dir.Path, err)
	}

	if err := os.MkdirAll(localDir, 0o755); err != nil { //nolint:mnd // standard dir perms
		return fmt.Errorf("creating %q: %w", localDir, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(getParallelism)

	for _, child := range children {
		if child.IsDir || child.Pending {
			continue
		}

		g.Go(func() error {
			localPath := filepath.Join(localDir, child.Name())

			n, err := download(gctx, s, child, localPath)
			if err != nil {
				return err
			}

			cc.Statusf("Downloaded %s (%s)\n", localPath, formatSize(n))

			return nil
		})
	}

	return g.Wait()
}

func runCat(cmd *cobra.Command, args []string) error {
	p := davpath.File(args[0])

	return withSession(cmd, func(ctx context.Context, _ *CLIContext, s *AccountSession) error {
		entry, err := s.Registry.Resolve(ctx, s.Account, p)
		if err != nil {
			return fmt.Errorf("resolving %q: %w", p, err)
		}

		h, err := s.Registry.OpenForRead(ctx, s.Account, entry)
		if err != nil {
			return fmt.Errorf("opening %q: %w", p, err)
		}
		defer h.Close()

		if _, err := io.Copy(cmd.OutOrStdout(), &sequentialReader{h: h}); err != nil {
			return fmt.Errorf("reading %q: %w", p, err)
		}

		return nil
	})
}

func runPut(cmd *cobra.Command, args []string) error {
	localPath := args[0]

	fi, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("stating local file: %w", err)
	}

	if fi.IsDir() {
		return fmt.Errorf("%q is a directory, not a file", localPath)
	}

	// Default remote path is root + local filename.
	remoteArg := "/" + filepath.Base(localPath)
	if len(args) > 1 {
		remoteArg = args[1]
	}

	return withSession(cmd, func(ctx context.Context, cc *CLIContext, s *AccountSession) error {
		target, err := putTarget(ctx, s, davpath.Parse(remoteArg), filepath.Base(localPath))
		if err != nil {
			return err
		}

		cc.Logger.Debug("put",
			slog.String("local_path", localPath),
			slog.String("remote_path", target.Path.String()),
			slog.Int64("size", fi.Size()),
		)

		f, err := os.Open(localPath)
		if err != nil {
			return fmt.Errorf("opening local file: %w", err)
		}
		defer f.Close()

		var confirmed webdav.Entry

		w, err := s.Registry.OpenForWrite(ctx, s.Account, target,
			func(e webdav.Entry) { confirmed = e },
			func(err error) { cc.Logger.Debug("upload failed", slog.String("error", err.Error())) },
		)
		if err != nil {
			return err
		}

		if err := copyWithProgress(ctx, cc, w, f, fi.Size()); err != nil {
			w.Cancel()

			return fmt.Errorf("uploading %q: %w", target.Path, err)
		}

		if err := w.Close(); err != nil {
			return fmt.Errorf("uploading %q: %w", target.Path, err)
		}

		if cc.Flags.JSON {
			return printJSON(cmd.OutOrStdout(), toEntryJSON(&confirmed))
		}

		cc.Statusf("Uploaded %s (%s)\n", confirmed.Path, formatSize(confirmed.ContentLength))

		return nil
	})
}

// putTarget decides where an upload goes. An existing folder receives the
// file under its local name; an existing file is replaced; anything else is
// created as a new file.
func putTarget(ctx context.Context, s *AccountSession, p davpath.Path, localName string) (webdav.Entry, error) {
	existing, err := s.Registry.Resolve(ctx, s.Account, p)

	switch {
	case err == nil && existing.IsDir:
		return s.Registry.CreateFile(ctx, s.Account, existing.Path, localName)
	case err == nil:
		return existing, nil
	case errors.Is(err, webdav.ErrNotFound) && !p.IsDir():
		return s.Registry.CreateFile(ctx, s.Account, p.Parent(), p.Name())
	default:
		return webdav.Entry{}, fmt.Errorf("resolving %q: %w", p, err)
	}
}

// copyWithProgress feeds src into w in fixed chunks, reporting progress on
// stderr, and stops when ctx is cancelled.
func copyWithProgress(ctx context.Context, cc *CLIContext, w io.Writer, src io.Reader, total int64) error {
	buf := make([]byte, putChunkSize)

	var sent int64

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return err
			}

			sent += int64(n)
			cc.Statusf("Uploading: %s / %s\n", formatSize(sent), formatSize(total))
		}

		if errors.Is(readErr, io.EOF) {
			return nil
		}

		if readErr != nil {
			return fmt.Errorf("reading local file: %w", readErr)
		}
	}
}

// rmJSONOutput is the JSON output schema for the rm command.
type rmJSONOutput struct {
	Deleted string `json:"deleted"`
}

func runRm(cmd *cobra.Command, args []string) error {
	p := davpath.Parse(args[0])
	if p.IsRoot() {
		return fmt.Errorf("refusing to delete the root folder")
	}

	recursive, err := cmd.Flags().GetBool("recursive")
	if err != nil {
		return err
	}

	return withSession(cmd, func(ctx context.Context, cc *CLIContext, s *AccountSession) error {
		entry, err := s.Registry.Resolve(ctx, s.Account, p)
		if err != nil {
			return fmt.Errorf("resolving %q: %w", p, err)
		}

		if entry.IsDir && !recursive {
			return fmt.Errorf("cannot delete folder %q without --recursive (-r) flag", p)
		}

		if err := s.Registry.Delete(ctx, s.Account, entry.Path); err != nil {
			return fmt.Errorf("deleting %q: %w", p, err)
		}

		cc.Logger.Debug("delete complete", slog.String("path", entry.Path.String()))

		if cc.Flags.JSON {
			return printJSON(cmd.OutOrStdout(), rmJSONOutput{Deleted: entry.Path.String()})
		}

		cc.Statusf("Deleted %s\n", entry.Path)

		return nil
	})
}

// mkdirJSONOutput is the JSON output schema for the mkdir command.
type mkdirJSONOutput struct {
	Created string `json:"created"`
}

func runMkdir(cmd *cobra.Command, args []string) error {
	target := davpath.Dir(args[0])
	if target.IsRoot() {
		return fmt.Errorf("cannot create root folder")
	}

	return withSession(cmd, func(ctx context.Context, cc *CLIContext, s *AccountSession) error {
		if err := mkdirAll(ctx, s, target); err != nil {
			return err
		}

		cc.Logger.Debug("mkdir complete", slog.String("path", target.String()))

		if cc.Flags.JSON {
			return printJSON(cmd.OutOrStdout(), mkdirJSONOutput{Created: target.String()})
		}

		cc.Statusf("Created %s\n", target)

		return nil
	})
}

// mkdirAll walks target from the root, creating each missing folder.
func mkdirAll(ctx context.Context, s *AccountSession, target davpath.Path) error {
	var chain []davpath.Path
	for p := target; !p.IsRoot(); p = p.Parent() {
		chain = append([]davpath.Path{p}, chain...)
	}

	for _, dir := range chain {
		_, err := s.Registry.CreateDirectory(ctx, s.Account, dir.Parent(), dir.Name())
		if err == nil {
			continue
		}

		// MKCOL on an existing collection answers 405.
		if errors.Is(err, webdav.ErrMethodNotAllowed) {
			existing, resolveErr := s.Registry.Resolve(ctx, s.Account, dir)
			if resolveErr == nil && existing.IsDir {
				continue
			}

			return fmt.Errorf("%q exists and is not a folder", dir)
		}

		return fmt.Errorf("creating folder %q: %w", dir, err)
	}

	return nil
}

// mvJSONOutput is the JSON output schema for the mv command.
type mvJSONOutput struct {
	From string    `json:"from"`
	To   entryJSON `json:"to"`
}

func runMv(cmd *cobra.Command, args []string) error {
	src := davpath.Parse(args[0])
	dstArg := davpath.Parse(args[1])

	if src.IsRoot() {
		return fmt.Errorf("cannot move the root folder")
	}

	return withSession(cmd, func(ctx context.Context, cc *CLIContext, s *AccountSession) error {
		entry, err := s.Registry.Resolve(ctx, s.Account, src)
		if err != nil {
			return fmt.Errorf("resolving %q: %w", src, err)
		}

		dst, err := mvDestination(ctx, s, entry, dstArg)
		if err != nil {
			return err
		}

		var moved webdav.Entry
		if dst.Parent().Key() == entry.Path.Parent().Key() {
			moved, err = s.Registry.Rename(ctx, s.Account, entry.Path, dst.Name())
		} else {
			moved, err = s.Registry.Move(ctx, s.Account, entry.Path, dst)
		}

		if err != nil {
			return fmt.Errorf("moving %q to %q: %w", entry.Path, dst, err)
		}

		if cc.Flags.JSON {
			return printJSON(cmd.OutOrStdout(), mvJSONOutput{From: entry.Path.String(), To: toEntryJSON(&moved)})
		}

		cc.Statusf("Moved %s -> %s\n", entry.Path, moved.Path)

		return nil
	})
}

// mvDestination resolves the target of a move. A destination in folder form
// or naming an existing folder receives the source under its own name.
func mvDestination(ctx context.Context, s *AccountSession, src webdav.Entry, dst davpath.Path) (davpath.Path, error) {
	into := dst.IsDir()

	if !into {
		existing, err := s.Registry.Resolve(ctx, s.Account, dst)

		switch {
		case err == nil && existing.IsDir:
			into = true
			dst = existing.Path
		case err != nil && !errors.Is(err, webdav.ErrNotFound):
			return davpath.Path{}, fmt.Errorf("resolving %q: %w", dst, err)
		}
	}

	if into {
		p, err := dst.AsDir().Join(src.Name(), src.IsDir)
		if err != nil {
			return davpath.Path{}, err
		}

		return p, nil
	}

	if src.IsDir {
		return dst.AsDir(), nil
	}

	return dst, nil
}

// formatCapacityLine renders one df row.
func formatCapacityLine(c provider.Capacity) []string {
	pct := "-"
	if c.Total > 0 {
		pct = fmt.Sprintf("%.0f%%", float64(c.Used)*100/float64(c.Total)) //nolint:mnd // percent
	}

	return []string{formatSize(c.Total), formatSize(c.Used), formatSize(c.Available), pct}
}
