// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for taskwatch. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags).
// All keys are flat at the top level of the file; the structs below group
// them by concern and are embedded so the decoder sees a single namespace.
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	ServerConfig
	NetworkConfig
	PollConfig
	LoggingConfig
	StorageConfig
}

// ServerConfig locates the backend.
type ServerConfig struct {
	BaseURL     string `toml:"base_url"     json:"base_url"`
	RealtimeURL string `toml:"realtime_url" json:"realtime_url"`
}

// NetworkConfig controls HTTP client behavior. data_timeout bounds
// structured calls only; streaming responses run without a client timeout.
type NetworkConfig struct {
	ConnectTimeout    string  `toml:"connect_timeout"     json:"connect_timeout"`
	DataTimeout       string  `toml:"data_timeout"        json:"data_timeout"`
	UserAgent         string  `toml:"user_agent"          json:"user_agent"`
	RequestsPerSecond float64 `toml:"requests_per_second" json:"requests_per_second"`
}

// PollConfig controls change detection.
type PollConfig struct {
	PollInterval  string `toml:"poll_interval"  json:"poll_interval"`
	DegradedAfter int    `toml:"degraded_after" json:"degraded_after"`
	Realtime      bool   `toml:"realtime"       json:"realtime"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"  json:"log_level"`
	LogFile   string `toml:"log_file"   json:"log_file"`
	LogFormat string `toml:"log_format" json:"log_format"`
}

// StorageConfig locates local state. Empty paths resolve to files in the
// platform data directory.
type StorageConfig struct {
	TokenFile        string `toml:"token_file"        json:"token_file"`
	JournalFile      string `toml:"journal_file"      json:"journal_file"`
	JournalRetention string `toml:"journal_retention" json:"journal_retention"`
}

// CLIOverrides holds values from CLI flags. Empty strings mean "not
// specified".
type CLIOverrides struct {
	ConfigPath string // --config
	BaseURL    string // --base-url
}

// ConnectTimeoutDuration returns connect_timeout. Call after Validate.
func (n *NetworkConfig) ConnectTimeoutDuration() time.Duration {
	return durationOr(n.ConnectTimeout, defaultConnectTimeout)
}

// DataTimeoutDuration returns data_timeout. Call after Validate.
func (n *NetworkConfig) DataTimeoutDuration() time.Duration {
	return durationOr(n.DataTimeout, defaultDataTimeout)
}

// PollIntervalDuration returns poll_interval. Call after Validate.
func (p *PollConfig) PollIntervalDuration() time.Duration {
	return durationOr(p.PollInterval, defaultPollInterval)
}

// JournalRetentionDuration returns journal_retention; zero keeps everything.
func (s *StorageConfig) JournalRetentionDuration() time.Duration {
	return durationOr(s.JournalRetention, defaultJournalRetention)
}

// durationOr parses s, falling back to the parsed fallback.
func durationOr(s, fallback string) time.Duration {
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}

	d, _ := time.ParseDuration(fallback)

	return d
}
