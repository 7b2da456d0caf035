// Package testutil provides shared environment helpers for E2E tests. It
// depends only on stdlib so that E2E tests (which cannot import internal/)
// can use it.
package testutil

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Environment variables read by the E2E suite.
const (
	EnvE2EURL      = "DAVBRIDGE_E2E_URL"
	EnvE2EUsername = "DAVBRIDGE_E2E_USERNAME"
	EnvE2EPassword = "DAVBRIDGE_E2E_PASSWORD"
	EnvE2EAuth     = "DAVBRIDGE_E2E_AUTH"
	EnvE2EAllowed  = "DAVBRIDGE_ALLOWED_TEST_URLS"
)

// LoadDotEnv reads KEY=VALUE pairs from a .env file at the given path.
// Missing file is not an error (CI sets env vars directly).
// Existing env vars take precedence over .env values.
func LoadDotEnv(envPath string) {
	f, err := os.Open(envPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), "\"'")

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// ValidateAllowlist exits the process unless url is listed in
// DAVBRIDGE_ALLOWED_TEST_URLS. The E2E suite creates and deletes files, so it
// must never run against a server nobody opted in.
func ValidateAllowlist(url string) {
	allowlist := os.Getenv(EnvE2EAllowed)
	if allowlist == "" {
		fmt.Fprintf(os.Stderr, "FATAL: %s not set\n", EnvE2EAllowed)
		fmt.Fprintln(os.Stderr, "Set it in .env or as an environment variable.")
		fmt.Fprintf(os.Stderr, "Example: %s=https://dav.example.com/e2e/\n", EnvE2EAllowed)
		os.Exit(1)
	}

	want := strings.TrimSuffix(url, "/")

	for _, a := range strings.Split(allowlist, ",") {
		if strings.TrimSuffix(strings.TrimSpace(a), "/") == want {
			return
		}
	}

	fmt.Fprintf(os.Stderr, "FATAL: %s=%q is not in %s=%q\n", EnvE2EURL, url, EnvE2EAllowed, allowlist)
	os.Exit(1)
}

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}

// WriteConfig writes a config file with a single account named "e2e" and
// returns its path. The cache lives next to it.
func WriteConfig(dir, url, auth, username string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "cache_dir = %q\n\n", filepath.Join(dir, "cache"))
	fmt.Fprintf(&b, "[account.e2e]\nurl = %q\n", url)

	if auth != "" {
		fmt.Fprintf(&b, "auth = %q\n", auth)
	}

	if username != "" {
		fmt.Fprintf(&b, "username = %q\n", username)
	}

	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: writing %s: %v\n", path, err)
		os.Exit(1)
	}

	return path
}
