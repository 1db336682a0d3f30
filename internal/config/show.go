package config

import (
	"fmt"
	"io"
)

// RenderEffective writes the resolved configuration as a human-readable
// annotated summary to w. This powers the "config show" command.
func RenderEffective(cfg *Config, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration\n\n")

	renderServerSection(ew, &cfg.ServerConfig)
	renderNetworkSection(ew, &cfg.NetworkConfig)
	renderPollSection(ew, &cfg.PollConfig)
	renderLoggingSection(ew, &cfg.LoggingConfig)
	renderStorageSection(ew, &cfg.StorageConfig)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderServerSection(ew *errWriter, s *ServerConfig) {
	ew.printf("[server]\n")
	ew.printf("  base_url     = %q\n", s.BaseURL)

	if s.RealtimeURL != "" {
		ew.printf("  realtime_url = %q\n", s.RealtimeURL)
	}

	ew.printf("\n")
}

func renderNetworkSection(ew *errWriter, n *NetworkConfig) {
	ew.printf("[network]\n")
	ew.printf("  connect_timeout     = %q\n", n.ConnectTimeout)
	ew.printf("  data_timeout        = %q\n", n.DataTimeout)

	if n.UserAgent != "" {
		ew.printf("  user_agent          = %q\n", n.UserAgent)
	}

	ew.printf("  requests_per_second = %g\n", n.RequestsPerSecond)
	ew.printf("\n")
}

func renderPollSection(ew *errWriter, p *PollConfig) {
	ew.printf("[poll]\n")
	ew.printf("  poll_interval  = %q\n", p.PollInterval)
	ew.printf("  degraded_after = %d\n", p.DegradedAfter)
	ew.printf("  realtime       = %t\n", p.Realtime)
	ew.printf("\n")
}

func renderLoggingSection(ew *errWriter, l *LoggingConfig) {
	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", l.LogLevel)

	if l.LogFile != "" {
		ew.printf("  log_file   = %q\n", l.LogFile)
	}

	ew.printf("  log_format = %q\n", l.LogFormat)
	ew.printf("\n")
}

func renderStorageSection(ew *errWriter, s *StorageConfig) {
	ew.printf("[storage]\n")
	ew.printf("  token_file        = %q\n", s.TokenFile)
	ew.printf("  journal_file      = %q\n", s.JournalFile)
	ew.printf("  journal_retention = %q\n", s.JournalRetention)
}
