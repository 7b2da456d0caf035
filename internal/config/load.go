package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it and returns the
// resulting Config. Unknown keys are fatal, with "did you mean?" suggestions.
func Load(path string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	logger.Debug("config loaded",
		slog.String("path", path),
		slog.Int("accounts", len(cfg.Accounts)),
	)

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config populated with default values.
func LoadOrDefault(path string, logger *slog.Logger) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path, logger)
}

// Resolved is a loaded Config with environment and CLI overrides applied.
type Resolved struct {
	*Config

	// Path is the config file the values came from. The file may not exist.
	Path string

	selector string
	password string
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides, logger *slog.Logger) (*Resolved, error) {
	path := DefaultConfigPath()
	if env.ConfigPath != "" {
		path = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		path = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(path, logger)
	if err != nil {
		return nil, err
	}

	ApplyEnv(cfg, env)

	selector := env.Account
	if cli.Account != "" {
		selector = cli.Account
	}

	return &Resolved{
		Config:   cfg,
		Path:     path,
		selector: selector,
		password: env.Password,
	}, nil
}

// ApplyEnv applies environment overrides that affect the whole Config.
func ApplyEnv(cfg *Config, env EnvOverrides) {
	if env.CacheDir != "" {
		cfg.CacheDir = env.CacheDir
	}
}

// SelectedAccount resolves the account chosen by --account, DAVBRIDGE_ACCOUNT
// or the config defaults. DAVBRIDGE_PASSWORD replaces its password.
func (r *Resolved) SelectedAccount(logger *slog.Logger) (Account, error) {
	acct, err := r.SelectAccount(r.selector, logger)
	if err != nil {
		return Account{}, err
	}

	if r.password != "" {
		acct.Password = r.password
	}

	return acct, nil
}
