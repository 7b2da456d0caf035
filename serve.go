package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/davbridge/internal/config"
	"github.com/tonimelisma/davbridge/internal/davpath"
	"github.com/tonimelisma/davbridge/internal/diskcache"
	"github.com/tonimelisma/davbridge/internal/metrics"
	"github.com/tonimelisma/davbridge/internal/provider"
	"github.com/tonimelisma/davbridge/internal/webdav"
)

const (
	serveShutdownTimeout = 10 * time.Second
	serveHeaderTimeout   = 10 * time.Second
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a local HTTP gateway to every configured account",
		Long: `Run a local HTTP gateway. Files of account <id> are served under /<id>/:

  GET    /<id>/<path>   download (Range supported), or list a folder as JSON
  PUT    /<id>/<path>   upload, replacing any existing file
  DELETE /<id>/<path>   delete a file or folder
  MKCOL  /<id>/<path>   create a folder

Prometheus metrics are served on /metrics. The config file is watched and
reloaded on change or on SIGHUP; accounts whose settings changed reconnect on
their next request. Passwords come from the config file: DAVBRIDGE_PASSWORD
applies to one-shot commands only.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().String("listen", "", "listen address (overrides the listen config key)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)
	logger := cc.Logger

	listen, err := cmd.Flags().GetString("listen")
	if err != nil {
		return err
	}

	if listen == "" {
		listen = cc.Resolved.Listen
	}

	m := metrics.New(true)

	cache, err := diskcache.Open(ctx, diskcache.Config{Dir: cc.Resolved.CachePath(), Metrics: m}, logger)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer cache.Close()

	reg := provider.New(provider.Options{
		Cache:      cache,
		Metrics:    m,
		QueueDepth: cc.Resolved.QueueDepth,
	}, logger)

	holder := config.NewHolder(cc.Resolved.Config, cc.Resolved.Path)
	gw := newGateway(reg, holder, logger)

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", listen, err)
	}

	srv := &http.Server{
		Handler:           gw.routes(m.Handler()),
		ReadHeaderTimeout: serveHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	logger.Info("gateway listening",
		slog.String("addr", ln.Addr().String()),
		slog.Int("accounts", len(cc.Resolved.Accounts)),
	)
	cc.Statusf("Serving on http://%s/\n", ln.Addr())

	onReload := func(cfg *config.Config) {
		if err := reg.Reconfigure(ctx, cfg); err != nil {
			logger.Warn("reconfiguring accounts failed", slog.String("error", err.Error()))
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), serveShutdownTimeout)
		defer cancel()

		logger.Info("gateway shutting down")

		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		if err := config.Watch(gctx, holder, cc.Env, onReload, logger); err != nil {
			// The gateway keeps running on the loaded config.
			logger.Warn("config watch unavailable", slog.String("error", err.Error()))
		}

		return nil
	})

	g.Go(func() error {
		for range reloadSignals(gctx) {
			cfg, err := config.Reload(holder, cc.Env, logger)
			if err != nil {
				logger.Warn("config reload failed, keeping previous config", slog.String("error", err.Error()))

				continue
			}

			onReload(cfg)
		}

		return nil
	})

	return g.Wait()
}

// gateway maps HTTP requests onto the provider registry.
type gateway struct {
	reg    *provider.Registry
	holder *config.Holder
	logger *slog.Logger
}

func newGateway(reg *provider.Registry, holder *config.Holder, logger *slog.Logger) *gateway {
	return &gateway{reg: reg, holder: holder, logger: logger}
}

func (g *gateway) routes(metricsHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", metricsHandler)
	mux.HandleFunc("GET /{$}", g.handleAccounts)
	mux.HandleFunc("GET /{account}/{path...}", g.handleGet)
	mux.HandleFunc("PUT /{account}/{path...}", g.handlePut)
	mux.HandleFunc("DELETE /{account}/{path...}", g.handleDelete)
	mux.HandleFunc("MKCOL /{account}/{path...}", g.handleMkcol)

	return mux
}

// target extracts the account and path of a request. Unknown accounts are
// answered with 404 and reported as !ok.
func (g *gateway) target(w http.ResponseWriter, r *http.Request) (config.Account, davpath.Path, bool) {
	id := r.PathValue("account")

	acct, err := g.holder.Account(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)

		return config.Account{}, davpath.Path{}, false
	}

	return acct, davpath.Parse("/" + r.PathValue("path")), true
}

func (g *gateway) handleAccounts(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	printJSON(w, g.holder.Config().AccountIDs())
}

func (g *gateway) handleGet(w http.ResponseWriter, r *http.Request) {
	acct, p, ok := g.target(w, r)
	if !ok {
		return
	}

	ctx := r.Context()

	entry, err := g.reg.Resolve(ctx, acct, p)
	if err != nil {
		g.fail(w, r, err)

		return
	}

	if entry.IsDir {
		g.serveListing(w, r, acct, entry)

		return
	}

	h, err := g.reg.OpenForRead(ctx, acct, entry)
	if err != nil {
		g.fail(w, r, err)

		return
	}
	defer h.Close()

	if entry.ContentType != "" {
		w.Header().Set("Content-Type", entry.ContentType)
	}

	if entry.ETag != "" {
		w.Header().Set("ETag", entry.ETag)
	}

	if size := h.Size(); size >= 0 {
		http.ServeContent(w, r, entry.Name(), entry.LastModified, io.NewSectionReader(h, 0, size))

		return
	}

	// Unknown length: no ranges, stream until EOF.
	if r.Method == http.MethodHead {
		return
	}

	if _, err := io.Copy(w, &sequentialReader{h: h}); err != nil {
		g.logger.Warn("streaming response failed",
			slog.String("path", entry.Path.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (g *gateway) serveListing(w http.ResponseWriter, r *http.Request, acct config.Account, dir webdav.Entry) {
	entries, err := g.reg.ListChildren(r.Context(), acct, dir.Path)
	if err != nil {
		g.fail(w, r, err)

		return
	}

	out := make([]entryJSON, 0, len(entries))
	for i := range entries {
		out = append(out, toEntryJSON(&entries[i]))
	}

	w.Header().Set("Content-Type", "application/json")

	if r.Method == http.MethodHead {
		return
	}

	printJSON(w, out)
}

func (g *gateway) handlePut(w http.ResponseWriter, r *http.Request) {
	acct, p, ok := g.target(w, r)
	if !ok {
		return
	}

	if p.IsDir() {
		http.Error(w, "cannot PUT a folder path", http.StatusBadRequest)

		return
	}

	ctx := r.Context()

	entry, err := g.reg.Resolve(ctx, acct, p)
	if errors.Is(err, webdav.ErrNotFound) {
		entry, err = g.reg.CreateFile(ctx, acct, p.Parent(), p.Name())
	}

	if err != nil {
		g.fail(w, r, err)

		return
	}

	var confirmed webdav.Entry

	up, err := g.reg.OpenForWrite(ctx, acct, entry, func(e webdav.Entry) { confirmed = e }, nil)
	if err != nil {
		g.fail(w, r, err)

		return
	}

	if _, err := io.Copy(up, r.Body); err != nil {
		up.Cancel()
		g.fail(w, r, err)

		return
	}

	if err := up.Close(); err != nil {
		g.fail(w, r, err)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	printJSON(w, toEntryJSON(&confirmed))
}

func (g *gateway) handleDelete(w http.ResponseWriter, r *http.Request) {
	acct, p, ok := g.target(w, r)
	if !ok {
		return
	}

	if p.IsRoot() {
		http.Error(w, "cannot delete the root folder", http.StatusForbidden)

		return
	}

	entry, err := g.reg.Resolve(r.Context(), acct, p)
	if err == nil {
		err = g.reg.Delete(r.Context(), acct, entry.Path)
	}

	if err != nil {
		g.fail(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (g *gateway) handleMkcol(w http.ResponseWriter, r *http.Request) {
	acct, p, ok := g.target(w, r)
	if !ok {
		return
	}

	if p.IsRoot() {
		http.Error(w, "root folder exists", http.StatusMethodNotAllowed)

		return
	}

	entry, err := g.reg.CreateDirectory(r.Context(), acct, p.Parent(), p.Name())
	if err != nil {
		g.fail(w, r, err)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	printJSON(w, toEntryJSON(&entry))
}

// fail answers with the status matching err and logs server-side failures.
func (g *gateway) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := gatewayStatus(err)

	if status >= http.StatusInternalServerError {
		g.logger.Warn("gateway request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}

	http.Error(w, err.Error(), status)
}

func gatewayStatus(err error) int {
	switch {
	case errors.Is(err, webdav.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, webdav.ErrConflict), errors.Is(err, provider.ErrNotDirectory):
		return http.StatusConflict
	case errors.Is(err, webdav.ErrPreconditionFailed):
		return http.StatusPreconditionFailed
	case errors.Is(err, webdav.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, webdav.ErrMethodNotAllowed):
		return http.StatusMethodNotAllowed
	case errors.Is(err, webdav.ErrInsufficientStorage):
		return http.StatusInsufficientStorage
	case errors.Is(err, provider.ErrIsDirectory), errors.Is(err, davpath.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, provider.ErrPending):
		return http.StatusConflict
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
