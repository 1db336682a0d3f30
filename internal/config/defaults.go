package config

// Default values for configuration options. These are "layer 0" of the
// override chain and work without any config file.
const (
	defaultBaseURL          = "http://localhost:8080"
	defaultConnectTimeout   = "10s"
	defaultDataTimeout      = "30s"
	defaultPollInterval     = "3s"
	defaultDegradedAfter    = 3
	defaultLogLevel         = "info"
	defaultLogFormat        = "auto"
	defaultJournalRetention = "720h"
)

// DefaultConfig returns a Config populated with all default values.
// It is the starting point for TOML decoding, so unset fields keep their
// defaults.
func DefaultConfig() *Config {
	return &Config{
		ServerConfig:  defaultServerConfig(),
		NetworkConfig: defaultNetworkConfig(),
		PollConfig:    defaultPollConfig(),
		LoggingConfig: defaultLoggingConfig(),
		StorageConfig: defaultStorageConfig(),
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		BaseURL: defaultBaseURL,
	}
}

func defaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		ConnectTimeout: defaultConnectTimeout,
		DataTimeout:    defaultDataTimeout,
	}
}

func defaultPollConfig() PollConfig {
	return PollConfig{
		PollInterval:  defaultPollInterval,
		DegradedAfter: defaultDegradedAfter,
		Realtime:      true,
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
	}
}

func defaultStorageConfig() StorageConfig {
	return StorageConfig{
		JournalRetention: defaultJournalRetention,
	}
}
