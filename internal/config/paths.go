package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const (
	appName        = "davbridge"
	configFileName = "config.toml"
)

// userDir describes where one kind of per-user data lives.
type userDir struct {
	xdgEnv   string // overrides the Linux location when set
	fallback string // relative to home on Linux and other Unixes
	darwin   string // relative to home on macOS
}

var (
	configUserDir = userDir{xdgEnv: "XDG_CONFIG_HOME", fallback: ".config", darwin: "Library/Application Support"}
	cacheUserDir  = userDir{xdgEnv: "XDG_CACHE_HOME", fallback: ".cache", darwin: "Library/Caches"}
)

// resolve returns the davbridge directory of kind d for goos under home.
func (d userDir) resolve(goos, home string) string {
	if goos == "darwin" {
		return filepath.Join(home, filepath.FromSlash(d.darwin), appName)
	}

	if goos == "linux" {
		if xdg := os.Getenv(d.xdgEnv); xdg != "" {
			return filepath.Join(xdg, appName)
		}
	}

	return filepath.Join(home, d.fallback, appName)
}

func (d userDir) current() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return d.resolve(runtime.GOOS, home)
}

// DefaultConfigDir returns the per-user config directory: $XDG_CONFIG_HOME or
// ~/.config on Linux, ~/Library/Application Support on macOS.
func DefaultConfigDir() string {
	return configUserDir.current()
}

// DefaultCacheDir returns the per-user directory holding the cache database
// and blobs when cache_dir is not configured.
func DefaultCacheDir() string {
	return cacheUserDir.current()
}

// DefaultConfigPath is the config file used when neither DAVBRIDGE_CONFIG nor
// --config is given.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}
