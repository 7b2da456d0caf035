package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
)

// Validation range constants.
const (
	minConnectTimeout = 1 * time.Second
	maxConnectTimeout = 5 * time.Minute
)

// validate is the shared validator instance. It caches struct metadata and
// is safe for concurrent use.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks all configuration values and returns every error found, so
// users can fix the whole file in one pass. Struct tags cover presence and
// enumerations; the rest are semantic checks (sizes, durations, files).
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, structErrors("", cfg)...)
	errs = append(errs, validateGlobal(cfg)...)

	for _, id := range cfg.AccountIDs() {
		sec := cfg.Accounts[id]
		errs = append(errs, validateAccount(id, &sec)...)
	}

	if cfg.DefaultAccount != "" {
		if _, ok := cfg.Accounts[cfg.DefaultAccount]; !ok {
			errs = append(errs, fmt.Errorf("default_account: no account named %q", cfg.DefaultAccount))
		}
	}

	return errors.Join(errs...)
}

// structErrors runs tag validation on v and converts each failure into a
// message naming the TOML key.
func structErrors(prefix string, v any) []error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []error{err}
	}

	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		errs = append(errs, fmt.Errorf("%s%s", prefix, describeFieldError(fe)))
	}

	return errs
}

func describeFieldError(fe validator.FieldError) string {
	key := tomlKeys[fe.StructField()]
	if key == "" {
		key = fe.Field()
	}

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s: must be set", key)
	case "required_if":
		return fmt.Sprintf("%s: required when %s", key, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s: must be one of [%s], got %q", key, fe.Param(), fe.Value())
	case "url":
		return fmt.Sprintf("%s: not a valid URL: %q", key, fe.Value())
	case "hostname_port":
		return fmt.Sprintf("%s: must be host:port, got %q", key, fe.Value())
	case "min", "max":
		return fmt.Sprintf("%s: must satisfy %s=%s, got %v", key, fe.Tag(), fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("%s: failed %q validation", key, fe.Tag())
	}
}

// tomlKeys maps struct field names to the keys users write.
var tomlKeys = map[string]string{
	"LogLevel":         "log_level",
	"LogFormat":        "log_format",
	"Listen":           "listen",
	"QueueDepth":       "upload_queue_depth",
	"URL":              "url",
	"Auth":             "auth",
	"Username":         "username",
	"ClientCert":       "client_cert",
	"ClientKey":        "client_key",
	"Protocol":         "protocol",
	"MaxCacheFileSize": "max_cache_file_size",
}

func validateGlobal(cfg *Config) []error {
	var errs []error

	if _, err := ParseSize(cfg.MaxCacheFileSize); err != nil {
		errs = append(errs, fmt.Errorf("max_cache_file_size: %w", err))
	}

	d, err := time.ParseDuration(cfg.ConnectTimeout)

	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("connect_timeout: %w", err))
	case d < minConnectTimeout || d > maxConnectTimeout:
		errs = append(errs, fmt.Errorf("connect_timeout: must be between %s and %s, got %s",
			minConnectTimeout, maxConnectTimeout, d))
	}

	return errs
}

func validateAccount(id string, sec *AccountSection) []error {
	prefix := fmt.Sprintf("account %q: ", id)

	errs := structErrors(prefix, sec)

	if u, err := url.Parse(sec.URL); err == nil && sec.URL != "" {
		if u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, fmt.Errorf("%surl: scheme must be http or https, got %q", prefix, u.Scheme))
		}

		if sec.Auth == AuthTLS && u.Scheme != "https" {
			errs = append(errs, fmt.Errorf("%sauth: tls requires an https url", prefix))
		}
	}

	if sec.MaxCacheFileSize != "" {
		if _, err := ParseSize(sec.MaxCacheFileSize); err != nil {
			errs = append(errs, fmt.Errorf("%smax_cache_file_size: %w", prefix, err))
		}
	}

	files := []struct{ key, path string }{
		{"client_cert", sec.ClientCert},
		{"client_key", sec.ClientKey},
		{"ca_file", sec.CAFile},
	}

	for _, f := range files {
		if f.path == "" {
			continue
		}

		if _, err := os.Stat(expandTilde(f.path)); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", prefix, f.key, err))
		}
	}

	return errs
}
