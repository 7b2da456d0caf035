// Package config implements TOML configuration loading, validation and
// platform-specific path resolution for davbridge. Values follow a four-layer
// override chain (defaults -> config file -> environment -> CLI flags).
// Accounts are declared as [account.<id>] tables; every other key is global.
package config

// Config is the top-level configuration structure parsed from a TOML file.
// The embedded sections are flattened, so their keys appear at the top level
// of the file.
type Config struct {
	LoggingConfig
	CacheConfig
	NetworkConfig
	ServeConfig

	DefaultAccount string                    `toml:"default_account"`
	Accounts       map[string]AccountSection `toml:"account"`
}

// LoggingConfig controls log output: level and format.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `toml:"log_format" validate:"oneof=auto text json"`
}

// CacheConfig controls where file bodies are cached and the default
// admission ceiling for accounts that do not set their own.
type CacheConfig struct {
	CacheDir         string `toml:"cache_dir"`
	MaxCacheFileSize string `toml:"max_cache_file_size"`
	MetricsTextfile  string `toml:"metrics_textfile"`
}

// NetworkConfig controls HTTP client behavior.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	UserAgent      string `toml:"user_agent"`
}

// ServeConfig controls the local HTTP gateway started by "serve".
type ServeConfig struct {
	Listen     string `toml:"listen" validate:"required,hostname_port"`
	QueueDepth int    `toml:"upload_queue_depth" validate:"min=1,max=1024"`
}

// AccountSection is one [account.<id>] table as written in the file. Optional
// settings are pointers or empty strings so that unset values fall back to
// global defaults when the account is resolved.
type AccountSection struct {
	URL              string `toml:"url" validate:"required,url"`
	Auth             string `toml:"auth" validate:"omitempty,oneof=none basic digest tls"`
	Username         string `toml:"username" validate:"required_if=Auth basic,required_if=Auth digest"`
	Password         string `toml:"password"`
	ClientCert       string `toml:"client_cert" validate:"required_if=Auth tls"`
	ClientKey        string `toml:"client_key" validate:"required_if=Auth tls"`
	CAFile           string `toml:"ca_file"`
	VerifyCerts      *bool  `toml:"verify_certs"`
	Protocol         string `toml:"protocol" validate:"omitempty,oneof=auto http1"`
	MaxCacheFileSize string `toml:"max_cache_file_size"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Empty strings mean "not specified".
type CLIOverrides struct {
	ConfigPath string // --config
	Account    string // --account
}
