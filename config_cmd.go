package main

import (
	"github.com/spf13/cobra"

	"github.com/tonimelisma/davbridge/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		RunE:  runConfigShow,
	}
}

// configJSON is the JSON output schema for config show.
type configJSON struct {
	Path             string        `json:"path"`
	LogLevel         string        `json:"log_level"`
	LogFormat        string        `json:"log_format"`
	CacheDir         string        `json:"cache_dir"`
	MaxCacheFileSize string        `json:"max_cache_file_size"`
	MetricsTextfile  string        `json:"metrics_textfile,omitempty"`
	ConnectTimeout   string        `json:"connect_timeout"`
	UserAgent        string        `json:"user_agent,omitempty"`
	Listen           string        `json:"listen"`
	QueueDepth       int           `json:"upload_queue_depth"`
	DefaultAccount   string        `json:"default_account,omitempty"`
	Accounts         []accountJSON `json:"accounts"`
}

type accountJSON struct {
	ID               string `json:"id"`
	URL              string `json:"url"`
	Auth             string `json:"auth"`
	Username         string `json:"username,omitempty"`
	HasPassword      bool   `json:"has_password"`
	ClientCert       string `json:"client_cert,omitempty"`
	CAFile           string `json:"ca_file,omitempty"`
	VerifyCerts      bool   `json:"verify_certs"`
	Protocol         string `json:"protocol"`
	MaxCacheFileSize int64  `json:"max_cache_file_size"`
	Error            string `json:"error,omitempty"`
}

func buildConfigJSON(r *config.Resolved) configJSON {
	out := configJSON{
		Path:             r.Path,
		LogLevel:         r.LogLevel,
		LogFormat:        r.LogFormat,
		CacheDir:         r.CachePath(),
		MaxCacheFileSize: r.MaxCacheFileSize,
		MetricsTextfile:  r.MetricsTextfile,
		ConnectTimeout:   r.ConnectTimeout,
		UserAgent:        r.UserAgent,
		Listen:           r.Listen,
		QueueDepth:       r.QueueDepth,
		DefaultAccount:   r.DefaultAccount,
		Accounts:         []accountJSON{},
	}

	for _, id := range r.AccountIDs() {
		acct, err := r.Account(id)
		if err != nil {
			out.Accounts = append(out.Accounts, accountJSON{ID: id, Error: err.Error()})

			continue
		}

		out.Accounts = append(out.Accounts, accountJSON{
			ID:               acct.ID,
			URL:              acct.URL,
			Auth:             acct.Auth,
			Username:         acct.Username,
			HasPassword:      acct.Password != "",
			ClientCert:       acct.ClientCert,
			CAFile:           acct.CAFile,
			VerifyCerts:      acct.VerifyCerts,
			Protocol:         acct.Protocol,
			MaxCacheFileSize: acct.MaxCacheFileSize,
		})
	}

	return out
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	if cc.Flags.JSON {
		return printJSON(cmd.OutOrStdout(), buildConfigJSON(cc.Resolved))
	}

	return config.RenderEffective(cc.Resolved, cmd.OutOrStdout())
}
