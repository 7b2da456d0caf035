package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig   = "DAVBRIDGE_CONFIG"
	EnvAccount  = "DAVBRIDGE_ACCOUNT"
	EnvCacheDir = "DAVBRIDGE_CACHE_DIR"
	EnvPassword = "DAVBRIDGE_PASSWORD"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // DAVBRIDGE_CONFIG: config file path
	Account    string // DAVBRIDGE_ACCOUNT: account selector
	CacheDir   string // DAVBRIDGE_CACHE_DIR: cache directory
	Password   string // DAVBRIDGE_PASSWORD: password of the selected account
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. It does not modify a Config; Resolve applies the fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		Account:    os.Getenv(EnvAccount),
		CacheDir:   os.Getenv(EnvCacheDir),
		Password:   os.Getenv(EnvPassword),
	}
}
