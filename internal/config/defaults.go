package config

// Default values for configuration options. These are layer 0 of the override
// chain.
const (
	defaultLogLevel         = "info"
	defaultLogFormat        = "auto"
	defaultMaxCacheFileSize = "20MB"
	defaultConnectTimeout   = "10s"
	defaultListen           = "127.0.0.1:8080"
	defaultQueueDepth       = 8
	defaultAuth             = "none"
	defaultProtocol         = "auto"
)

// DefaultConfig returns a Config populated with all default values. It is the
// starting point for TOML decoding, so unset keys keep their defaults.
func DefaultConfig() *Config {
	return &Config{
		LoggingConfig: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		CacheConfig: CacheConfig{
			MaxCacheFileSize: defaultMaxCacheFileSize,
		},
		NetworkConfig: NetworkConfig{
			ConnectTimeout: defaultConnectTimeout,
		},
		ServeConfig: ServeConfig{
			Listen:     defaultListen,
			QueueDepth: defaultQueueDepth,
		},
		Accounts: make(map[string]AccountSection),
	}
}
