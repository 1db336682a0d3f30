package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"time"
)

// Validation range constants.
const (
	minConnectTimeout = 1 * time.Second
	minDataTimeout    = 1 * time.Second
	minPollInterval   = 500 * time.Millisecond
	minDegradedAfter  = 1
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateServer(&cfg.ServerConfig)...)
	errs = append(errs, validateNetwork(&cfg.NetworkConfig)...)
	errs = append(errs, validatePoll(&cfg.PollConfig)...)
	errs = append(errs, validateLogging(&cfg.LoggingConfig)...)
	errs = append(errs, validateStorage(&cfg.StorageConfig)...)

	return errors.Join(errs...)
}

// ValidateResolved checks the fully resolved configuration after env and
// CLI overrides have been applied. Overrides bypass Validate, so the server
// checks run again, and storage paths must be absolute by now.
func ValidateResolved(cfg *Config) error {
	errs := validateServer(&cfg.ServerConfig)

	paths := []struct{ field, path string }{
		{"token_file", cfg.TokenFile},
		{"journal_file", cfg.JournalFile},
	}

	for _, p := range paths {
		field, path := p.field, p.path

		if path == "" {
			errs = append(errs, fmt.Errorf("%s: no default location available, set it explicitly", field))
			continue
		}

		if !filepath.IsAbs(path) {
			errs = append(errs, fmt.Errorf("%s: must be absolute after expansion, got %q", field, path))
		}
	}

	return errors.Join(errs...)
}

func validateServer(s *ServerConfig) []error {
	var errs []error

	errs = append(errs, validateURL("base_url", s.BaseURL, "http", "https")...)

	if s.RealtimeURL != "" {
		errs = append(errs, validateURL("realtime_url", s.RealtimeURL, "ws", "wss")...)
	}

	return errs
}

func validateURL(field, value string, schemes ...string) []error {
	u, err := url.Parse(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid URL %q: %w", field, value, err)}
	}

	if u.Host == "" {
		return []error{fmt.Errorf("%s: missing host in %q", field, value)}
	}

	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}

	return []error{fmt.Errorf("%s: scheme must be one of %v, got %q", field, schemes, u.Scheme)}
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("connect_timeout", n.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateDurationMin("data_timeout", n.DataTimeout, minDataTimeout)...)

	if n.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("requests_per_second: must be >= 0, got %g", n.RequestsPerSecond))
	}

	return errs
}

func validatePoll(p *PollConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("poll_interval", p.PollInterval, minPollInterval)...)

	if p.DegradedAfter < minDegradedAfter {
		errs = append(errs, fmt.Errorf("degraded_after: must be >= %d, got %d", minDegradedAfter, p.DegradedAfter))
	}

	return errs
}

func validateStorage(s *StorageConfig) []error {
	return validateDurationNonNeg("journal_retention", s.JournalRetention)
}

func validateDuration(field, value string, minimum time.Duration) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	if d < minimum {
		return fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)
	}

	return nil
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	if err := validateDuration(field, value, minimum); err != nil {
		return []error{err}
	}

	return nil
}

func validateDurationNonNeg(field, value string) []error {
	return validateDurationMin(field, value, 0)
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	errs = append(errs, validateLogLevel(l.LogLevel)...)
	errs = append(errs, validateLogFormat(l.LogFormat)...)

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogLevel(level string) []error {
	if !validLogLevels[level] {
		return []error{fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", level)}
	}

	return nil
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogFormat(format string) []error {
	if !validLogFormats[format] {
		return []error{fmt.Errorf("log_format: must be one of auto, text, json; got %q", format)}
	}

	return nil
}
