package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tonimelisma/taskwatch/internal/api"
	"github.com/tonimelisma/taskwatch/internal/config"
	"github.com/tonimelisma/taskwatch/internal/credstore"
	"github.com/tonimelisma/taskwatch/internal/journal"
)

// Session holds the credential store and the authenticated client built
// from the resolved config. Every command that talks to the backend opens
// one.
type Session struct {
	Store  *credstore.Store
	Client *api.Client
	Cfg    *config.Config
}

// userAgent is sent when user_agent is unset.
func userAgent() string {
	return "taskwatch/" + version
}

// newSession opens the token file and builds the client. Structured calls
// are bounded by data_timeout; streaming responses use a client without an
// overall timeout.
func newSession(cfg *config.Config, logger *slog.Logger) (*Session, error) {
	store, err := credstore.Open(cfg.TokenFile, logger)
	if err != nil {
		return nil, err
	}

	ua := cfg.UserAgent
	if ua == "" {
		ua = userAgent()
	}

	connect := cfg.ConnectTimeoutDuration()

	client := api.NewClient(cfg.BaseURL,
		newHTTPClient(connect, cfg.DataTimeoutDuration()),
		store,
		logger,
		api.WithStreamClient(newHTTPClient(connect, 0)),
		api.WithRateLimit(cfg.RequestsPerSecond),
		api.WithUserAgent(ua),
	)

	return &Session{Store: store, Client: client, Cfg: cfg}, nil
}

// newHTTPClient returns a client whose dial is bounded by connect. A zero
// timeout leaves the overall request unbounded.
func newHTTPClient(connect, timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: connect}).DialContext
	transport.TLSHandshakeTimeout = connect

	return &http.Client{Transport: transport, Timeout: timeout}
}

// requireLogin fails fast when no credentials are stored.
func (s *Session) requireLogin() error {
	if s.Store.Get().AccessToken == "" {
		return api.ErrNotLoggedIn
	}

	return nil
}

// openJournal opens the change journal and prunes entries older than
// journal_retention.
func openJournal(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*journal.Journal, error) {
	j, err := journal.Open(ctx, cfg.JournalFile, logger)
	if err != nil {
		return nil, err
	}

	if retention := cfg.JournalRetentionDuration(); retention > 0 {
		if _, err := j.Prune(ctx, time.Now().Add(-retention)); err != nil {
			logger.Warn("journal prune failed", slog.String("error", err.Error()))
		}
	}

	return j, nil
}

// realtimeURL returns realtime_url, or derives ws(s)://host/ws from base_url.
func realtimeURL(cfg *config.Config) (string, error) {
	if cfg.RealtimeURL != "" {
		return cfg.RealtimeURL, nil
	}

	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("deriving realtime URL: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = ""

	return u.String(), nil
}
