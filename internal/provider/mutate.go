package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tonimelisma/davbridge/internal/config"
	"github.com/tonimelisma/davbridge/internal/davpath"
	"github.com/tonimelisma/davbridge/internal/webdav"
)

// CreateFile records a new, empty file named name in parent. Nothing is sent
// to the server: the entry stays pending, visible to Resolve and
// ListChildren, until an upload opened with OpenForWrite settles.
func (r *Registry) CreateFile(ctx context.Context, acct config.Account, parent davpath.Path, name string) (webdav.Entry, error) {
	dir, err := r.Resolve(ctx, acct, parent)
	if err != nil {
		return webdav.Entry{}, err
	}

	if !dir.IsDir {
		return webdav.Entry{}, fmt.Errorf("provider: creating %s in %s: %w", name, parent, ErrNotDirectory)
	}

	p, err := dir.Path.AsDir().Join(name, false)
	if err != nil {
		return webdav.Entry{}, fmt.Errorf("provider: creating file: %w", err)
	}

	s, err := r.session(acct)
	if err != nil {
		return webdav.Entry{}, err
	}

	e := webdav.NewPendingEntry(p, webdav.ContentTypeByName(name))
	s.addPending(e)

	r.logger.Debug("pending file created",
		slog.String("account", acct.ID),
		slog.String("path", p.String()),
	)

	return e, nil
}

// CreateDirectory creates the collection name in parent.
func (r *Registry) CreateDirectory(ctx context.Context, acct config.Account, parent davpath.Path, name string) (webdav.Entry, error) {
	p, err := parent.AsDir().Join(name, true)
	if err != nil {
		return webdav.Entry{}, fmt.Errorf("provider: creating directory: %w", err)
	}

	s, err := r.session(acct)
	if err != nil {
		return webdav.Entry{}, err
	}

	if err := s.client.MakeDirectory(ctx, p); err != nil {
		return webdav.Entry{}, err
	}

	e := webdav.Entry{
		Path:           p,
		IsDir:          true,
		ContentLength:  -1,
		QuotaUsed:      -1,
		QuotaAvailable: -1,
	}
	s.meta.Put(e)

	r.logger.Info("directory created",
		slog.String("account", acct.ID),
		slog.String("path", p.String()),
	)

	return e, nil
}

// Delete removes p from the server along with every cached listing and body
// at or beneath it. Deleting a pending file only forgets it locally.
func (r *Registry) Delete(ctx context.Context, acct config.Account, p davpath.Path) error {
	s, err := r.session(acct)
	if err != nil {
		return err
	}

	wasPending := s.dropPending(p)

	err = s.client.Delete(ctx, p)
	if err != nil && !(wasPending && errors.Is(err, webdav.ErrNotFound)) {
		return err
	}

	r.forgetTree(ctx, s, p)

	r.logger.Info("deleted",
		slog.String("account", acct.ID),
		slog.String("path", p.String()),
	)

	return nil
}

// Rename gives p a new name within the same directory.
func (r *Registry) Rename(ctx context.Context, acct config.Account, p davpath.Path, newName string) (webdav.Entry, error) {
	if p.IsRoot() {
		return webdav.Entry{}, fmt.Errorf("provider: cannot rename the root")
	}

	newPath, err := p.Parent().Join(newName, p.IsDir())
	if err != nil {
		return webdav.Entry{}, fmt.Errorf("provider: renaming %s: %w", p, err)
	}

	return r.Move(ctx, acct, p, newPath)
}

// Move relocates p to newPath, which must not exist. The moved entry is
// re-read from the server and returned.
func (r *Registry) Move(ctx context.Context, acct config.Account, p, newPath davpath.Path) (webdav.Entry, error) {
	s, err := r.session(acct)
	if err != nil {
		return webdav.Entry{}, err
	}

	if p.IsDir() {
		newPath = newPath.AsDir()
	}

	if err := s.client.Move(ctx, p, newPath); err != nil {
		return webdav.Entry{}, err
	}

	r.forgetTree(ctx, s, p)
	s.meta.InvalidateTree(newPath)

	l, err := s.client.List(ctx, newPath, webdav.DepthSelf)
	if err != nil {
		return webdav.Entry{}, fmt.Errorf("provider: reading moved entry %s: %w", newPath, err)
	}

	s.meta.Put(l.Self)

	r.logger.Info("moved",
		slog.String("account", acct.ID),
		slog.String("from", p.String()),
		slog.String("to", l.Self.Path.String()),
	)

	return l.Self, nil
}

// forgetTree drops listings and cached bodies at or beneath p.
func (r *Registry) forgetTree(ctx context.Context, s *session, p davpath.Path) {
	s.meta.InvalidateTree(p)

	if r.opts.Cache == nil {
		return
	}

	logger := r.logger.With(slog.String("account", s.acct.ID))

	if n, err := r.opts.Cache.RemoveTree(ctx, s.acct.ID, p.AsDir()); err != nil {
		logger.Warn("dropping cached subtree failed",
			slog.String("path", p.String()),
			slog.String("error", err.Error()),
		)
	} else if n > 0 {
		logger.Debug("cached subtree dropped",
			slog.String("path", p.String()),
			slog.Int("records", n),
		)
	}
}
