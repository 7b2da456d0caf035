package config

import (
	"fmt"
	"io"
)

// redacted replaces secrets in rendered output.
const redacted = "********"

// RenderEffective writes the resolved configuration as an annotated summary
// to w, after every override layer has been applied. Passwords are redacted.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration from %s\n\n", r.Path)

	renderGlobal(ew, r.Config)

	for _, id := range r.AccountIDs() {
		acct, err := r.Account(id)
		if err != nil {
			ew.printf("[account.%s]\n  # invalid: %v\n\n", id, err)

			continue
		}

		renderAccount(ew, &acct, id == r.DefaultAccount)
	}

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error, so
// callers can chain printf calls without checking each one.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderGlobal(ew *errWriter, cfg *Config) {
	ew.printf("log_level           = %q\n", cfg.LogLevel)
	ew.printf("log_format          = %q\n", cfg.LogFormat)
	ew.printf("cache_dir           = %q\n", cfg.CachePath())
	ew.printf("max_cache_file_size = %q\n", cfg.MaxCacheFileSize)

	if cfg.MetricsTextfile != "" {
		ew.printf("metrics_textfile    = %q\n", cfg.MetricsTextfile)
	}

	ew.printf("connect_timeout     = %q\n", cfg.ConnectTimeout)

	if cfg.UserAgent != "" {
		ew.printf("user_agent          = %q\n", cfg.UserAgent)
	}

	ew.printf("listen              = %q\n", cfg.Listen)
	ew.printf("upload_queue_depth  = %d\n", cfg.QueueDepth)

	if cfg.DefaultAccount != "" {
		ew.printf("default_account     = %q\n", cfg.DefaultAccount)
	}

	ew.printf("\n")
}

func renderAccount(ew *errWriter, a *Account, isDefault bool) {
	ew.printf("[account.%s]\n", a.ID)

	if isDefault {
		ew.printf("  # default account\n")
	}

	ew.printf("  url                 = %q\n", a.URL)
	ew.printf("  auth                = %q\n", a.Auth)

	if a.Username != "" {
		ew.printf("  username            = %q\n", a.Username)
	}

	if a.Password != "" {
		ew.printf("  password            = %q\n", redacted)
	}

	if a.ClientCert != "" {
		ew.printf("  client_cert         = %q\n", a.ClientCert)
		ew.printf("  client_key          = %q\n", a.ClientKey)
	}

	if a.CAFile != "" {
		ew.printf("  ca_file             = %q\n", a.CAFile)
	}

	ew.printf("  verify_certs        = %t\n", a.VerifyCerts)
	ew.printf("  protocol            = %q\n", a.Protocol)
	ew.printf("  max_cache_file_size = %d\n", a.MaxCacheFileSize)
	ew.printf("\n")
}
