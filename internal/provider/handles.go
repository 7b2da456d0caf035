package provider

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/tonimelisma/davbridge/internal/bridge"
	"github.com/tonimelisma/davbridge/internal/config"
	"github.com/tonimelisma/davbridge/internal/davpath"
	"github.com/tonimelisma/davbridge/internal/diskcache"
	"github.com/tonimelisma/davbridge/internal/metrics"
	"github.com/tonimelisma/davbridge/internal/webdav"
)

// ReadHandle is an open file: random-access reads of a fixed size.
type ReadHandle interface {
	io.ReaderAt
	Size() int64
	Close() error
}

// blobHandle serves a cache hit straight from the blob file.
type blobHandle struct {
	f    *os.File
	size int64
}

func (h *blobHandle) ReadAt(p []byte, off int64) (int, error) {
	return h.f.ReadAt(p, off)
}

func (h *blobHandle) Size() int64 {
	return h.size
}

func (h *blobHandle) Close() error {
	return h.f.Close()
}

// OpenForRead opens entry for reading. A valid cached copy is served from
// disk. Otherwise the file is streamed from the server, and populated into
// the cache when it fits under the account's size ceiling and no other
// population of it is in flight. Cache failures degrade to an uncached
// stream.
func (r *Registry) OpenForRead(ctx context.Context, acct config.Account, entry webdav.Entry) (ReadHandle, error) {
	if entry.IsDir {
		return nil, ErrIsDirectory
	}

	if entry.Pending {
		return nil, ErrPending
	}

	s, err := r.session(acct)
	if err != nil {
		return nil, err
	}

	logger := r.logger.With(
		slog.String("account", acct.ID),
		slog.String("path", entry.Path.String()),
	)

	cache := r.opts.Cache
	if cache == nil {
		return bridge.NewReader(ctx, s.client, entry, nil, logger), nil
	}

	admit := entry.ContentLength >= 0 && entry.ContentLength <= acct.MaxCacheFileSize

	res, w, err := cache.Acquire(ctx, acct.ID, entry, admit)
	if err != nil {
		logger.Warn("disk cache unavailable, streaming uncached", slog.String("error", err.Error()))

		return bridge.NewReader(ctx, s.client, entry, nil, logger), nil
	}

	switch res {
	case diskcache.Hit:
		f, err := cache.OpenBlob(acct.ID, entry.Path)
		if err != nil {
			logger.Warn("opening cached blob failed, streaming uncached", slog.String("error", err.Error()))

			return bridge.NewReader(ctx, s.client, entry, nil, logger), nil
		}

		logger.Debug("serving from cache")

		return &blobHandle{f: f, size: entry.ContentLength}, nil

	case diskcache.Pending:
		logger.Debug("population in flight elsewhere, streaming uncached")

		return bridge.NewReader(ctx, s.client, entry, nil, logger), nil

	default:
		if w == nil {
			logger.Debug("not admitted to cache",
				slog.Int64("length", entry.ContentLength),
				slog.Int64("max", acct.MaxCacheFileSize),
			)

			return bridge.NewReader(ctx, s.client, entry, nil, logger), nil
		}

		return bridge.NewReader(ctx, s.client, entry, w, logger), nil
	}
}

// OpenForWrite starts an upload replacing entry's content. onSuccess
// receives the entry confirmed by the server; onFailure receives the upload
// error, or context.Canceled after Cancel. Exactly one of them is called.
// Either way the cached copy of the path is discarded.
func (r *Registry) OpenForWrite(
	ctx context.Context, acct config.Account, entry webdav.Entry,
	onSuccess func(webdav.Entry), onFailure func(error),
) (*bridge.Writer, error) {
	if entry.IsDir {
		return nil, ErrIsDirectory
	}

	s, err := r.session(acct)
	if err != nil {
		return nil, err
	}

	p := entry.Path
	logger := r.logger.With(slog.String("account", acct.ID))

	// Settlement may run after the caller's context has ended.
	settleCtx := context.WithoutCancel(ctx)

	contentType := entry.ContentType
	if contentType == "" {
		contentType = webdav.ContentTypeByName(entry.Name())
	}

	cfg := bridge.WriterConfig{
		Path:        p,
		ContentType: contentType,
		QueueDepth:  r.opts.QueueDepth,
		OnSuccess: func(confirmed webdav.Entry) {
			s.dropPending(p)
			s.meta.Put(confirmed)
			r.forgetContent(settleCtx, acct.ID, p, logger)
			r.observeUpload(metrics.UploadSucceeded, confirmed.ContentLength)

			if onSuccess != nil {
				onSuccess(confirmed)
			}
		},
		OnFailure: func(err error) {
			s.dropPending(p)
			s.meta.Invalidate(p)
			r.forgetContent(settleCtx, acct.ID, p, logger)

			outcome := metrics.UploadFailed
			if errors.Is(err, context.Canceled) {
				outcome = metrics.UploadCanceled
			}

			r.observeUpload(outcome, 0)

			if onFailure != nil {
				onFailure(err)
			}
		},
	}

	return bridge.NewWriter(ctx, s.client, cfg, logger), nil
}

func (r *Registry) observeUpload(outcome string, bytes int64) {
	if r.opts.Metrics != nil {
		r.opts.Metrics.ObserveUpload(outcome, bytes)
	}
}

// forgetContent drops any cached body of a file whose content changed.
func (r *Registry) forgetContent(ctx context.Context, account string, p davpath.Path, logger *slog.Logger) {
	if r.opts.Cache == nil {
		return
	}

	if err := r.opts.Cache.Remove(ctx, account, p); err != nil {
		logger.Warn("dropping cached copy failed",
			slog.String("path", p.String()),
			slog.String("error", err.Error()),
		)
	}
}
