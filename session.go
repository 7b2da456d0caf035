package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tonimelisma/davbridge/internal/config"
	"github.com/tonimelisma/davbridge/internal/diskcache"
	"github.com/tonimelisma/davbridge/internal/metrics"
	"github.com/tonimelisma/davbridge/internal/provider"
)

// AccountSession bundles what a one-shot command needs to work on the
// selected account: the registry, the disk cache behind it and the metrics
// they report to.
type AccountSession struct {
	Registry *provider.Registry
	Account  config.Account
	Cache    *diskcache.Cache
	Metrics  *metrics.Metrics

	textfile string
	logger   *slog.Logger
}

// NewAccountSession selects the account and opens the disk cache. Callers
// must Close the session.
func NewAccountSession(ctx context.Context, cc *CLIContext) (*AccountSession, error) {
	acct, err := cc.Account()
	if err != nil {
		return nil, err
	}

	m := metrics.New(false)

	cache, err := diskcache.Open(ctx, diskcache.Config{
		Dir:     cc.Resolved.CachePath(),
		Metrics: m,
	}, cc.Logger)
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}

	reg := provider.New(provider.Options{
		Cache:      cache,
		Metrics:    m,
		QueueDepth: cc.Resolved.QueueDepth,
	}, cc.Logger)

	cc.Logger.Debug("using account", slog.String("account", acct.String()))

	return &AccountSession{
		Registry: reg,
		Account:  acct,
		Cache:    cache,
		Metrics:  m,
		textfile: cc.Resolved.MetricsTextfile,
		logger:   cc.Logger,
	}, nil
}

// Close releases the cache and, when metrics_textfile is configured, writes
// the command's metrics for a node exporter textfile collector.
func (s *AccountSession) Close() error {
	if s.textfile != "" {
		if err := s.Metrics.WriteTextfile(s.textfile); err != nil {
			s.logger.Warn("writing metrics textfile failed", slog.String("error", err.Error()))
		}
	}

	return s.Cache.Close()
}
