package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Auth modes accepted in account sections.
const (
	AuthNone   = "none"
	AuthBasic  = "basic"
	AuthDigest = "digest"
	AuthTLS    = "tls"
)

// ProtocolHTTP1 pins connections to HTTP/1.1.
const ProtocolHTTP1 = "http1"

// Account is a fully resolved account: file values merged with global
// defaults and environment overrides, sizes and durations parsed, paths
// expanded. It is comparable, so a changed account can be detected with ==.
type Account struct {
	ID               string
	URL              string
	Auth             string
	Username         string
	Password         string
	ClientCert       string
	ClientKey        string
	CAFile           string
	VerifyCerts      bool
	Protocol         string
	MaxCacheFileSize int64
	ConnectTimeout   time.Duration
	UserAgent        string
}

// HTTP1Only reports whether HTTP/2 negotiation is disabled.
func (a Account) HTTP1Only() bool {
	return a.Protocol == ProtocolHTTP1
}

// String identifies the account in logs without exposing credentials.
func (a Account) String() string {
	return fmt.Sprintf("%s (%s)", a.ID, a.URL)
}

// AccountIDs returns the configured account IDs in sorted order.
func (c *Config) AccountIDs() []string {
	ids := make([]string, 0, len(c.Accounts))
	for id := range c.Accounts {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// Account resolves the account named id.
func (c *Config) Account(id string) (Account, error) {
	sec, ok := c.Accounts[id]
	if !ok {
		return Account{}, fmt.Errorf("no account named %q", id)
	}

	return buildAccount(c, id, &sec)
}

// SelectAccount picks an account by selector. An empty selector falls back to
// default_account, then to the only configured account. Otherwise the
// selector must be an exact ID or an unambiguous ID prefix.
func (c *Config) SelectAccount(selector string, logger *slog.Logger) (Account, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if len(c.Accounts) == 0 {
		return Account{}, fmt.Errorf("no accounts configured: add an [account.<name>] section to the config file")
	}

	if selector == "" {
		selector = c.DefaultAccount
	}

	if selector == "" {
		if len(c.Accounts) > 1 {
			return Account{}, fmt.Errorf("multiple accounts configured: specify one with --account or default_account")
		}

		id := c.AccountIDs()[0]
		logger.Debug("auto-selected single account", slog.String("account", id))

		return c.Account(id)
	}

	if _, ok := c.Accounts[selector]; ok {
		return c.Account(selector)
	}

	var matches []string

	for _, id := range c.AccountIDs() {
		if strings.HasPrefix(id, selector) {
			matches = append(matches, id)
		}
	}

	switch len(matches) {
	case 0:
		return Account{}, fmt.Errorf("no account matching %q", selector)
	case 1:
		logger.Debug("account matched by prefix",
			slog.String("selector", selector),
			slog.String("account", matches[0]),
		)

		return c.Account(matches[0])
	default:
		return Account{}, fmt.Errorf("ambiguous account selector %q matches: %s",
			selector, strings.Join(matches, ", "))
	}
}

func buildAccount(c *Config, id string, sec *AccountSection) (Account, error) {
	acct := Account{
		ID:          id,
		URL:         strings.TrimSpace(sec.URL),
		Auth:        sec.Auth,
		Username:    sec.Username,
		Password:    sec.Password,
		ClientCert:  expandTilde(sec.ClientCert),
		ClientKey:   expandTilde(sec.ClientKey),
		CAFile:      expandTilde(sec.CAFile),
		VerifyCerts: sec.VerifyCerts == nil || *sec.VerifyCerts, // default true
		Protocol:    sec.Protocol,
		UserAgent:   c.UserAgent,
	}

	if acct.Auth == "" {
		acct.Auth = defaultAuth
	}

	if acct.Protocol == "" {
		acct.Protocol = defaultProtocol
	}

	sizeStr := sec.MaxCacheFileSize
	if sizeStr == "" {
		sizeStr = c.MaxCacheFileSize
	}

	size, err := ParseSize(sizeStr)
	if err != nil {
		return Account{}, fmt.Errorf("account %q: max_cache_file_size: %w", id, err)
	}

	acct.MaxCacheFileSize = size

	timeout, err := time.ParseDuration(c.ConnectTimeout)
	if err != nil {
		return Account{}, fmt.Errorf("connect_timeout: %w", err)
	}

	acct.ConnectTimeout = timeout

	return acct, nil
}

// CachePath returns the effective cache directory.
func (c *Config) CachePath() string {
	if c.CacheDir != "" {
		return expandTilde(c.CacheDir)
	}

	return DefaultCacheDir()
}

// expandTilde replaces a leading "~/" with the user's home directory. If the
// home directory is unknown the path is returned unexpanded.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, path[2:])
}
