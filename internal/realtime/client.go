// Package realtime listens for server push events over a websocket and turns
// them into immediate poll fetches. Polling stays the source of truth: a
// missed or malformed event only delays an update until the next tick.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/tonimelisma/taskwatch/internal/api"
)

const (
	initialBackoff = 1 * time.Second
	readLimit      = 1 << 20
)

// Auth is the slice of the request client the socket handshake needs.
type Auth interface {
	AccessToken() string
	Renew(ctx context.Context, rejected string) (string, error)
	Expire()
}

// Target receives nudges. *poll.Poller satisfies it.
type Target interface {
	Trigger(key string) bool
	Keys() []string
}

// Client keeps one websocket connection alive and forwards its events.
type Client struct {
	url        string
	auth       Auth
	target     Target
	logger     *slog.Logger
	maxBackoff time.Duration

	sleepFunc func(ctx context.Context, d time.Duration) error

	connects atomic.Int64
	events   atomic.Int64
}

// New returns a client for the websocket endpoint url. maxBackoff caps the
// reconnect delay; the poll interval is a sensible value.
func New(url string, auth Auth, target Target, logger *slog.Logger, maxBackoff time.Duration) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if maxBackoff < initialBackoff {
		maxBackoff = initialBackoff
	}

	return &Client{
		url:        url,
		auth:       auth,
		target:     target,
		logger:     logger,
		maxBackoff: maxBackoff,
		sleepFunc:  timeSleep,
	}
}

// Connects returns how many connections have been established.
func (c *Client) Connects() int64 { return c.connects.Load() }

// Events returns how many events have been received.
func (c *Client) Events() int64 { return c.events.Load() }

// Run connects and reconnects until ctx ends (returning nil) or the
// handshake is rejected for good (returning an error wrapping
// api.ErrAuthExpired).
func (c *Client) Run(ctx context.Context) error {
	c.logger.Info("realtime listener starting", slog.String("url", c.url))

	backoff := initialBackoff

	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if errors.Is(err, api.ErrAuthExpired) || errors.Is(err, api.ErrNotLoggedIn) {
			return err
		}

		if connected {
			backoff = initialBackoff
		}

		c.logger.Warn("realtime connection lost, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("backoff", backoff),
		)

		if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
			return nil
		}

		backoff = min(backoff*2, c.maxBackoff)
	}
}

// session runs one connection to completion. connected reports whether the
// handshake succeeded.
func (c *Client) session(ctx context.Context) (bool, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return false, err
	}
	defer conn.CloseNow()

	conn.SetReadLimit(readLimit)
	c.connects.Add(1)

	c.logger.Debug("realtime connected")

	// Anything may have changed while disconnected.
	for _, key := range c.target.Keys() {
		c.target.Trigger(key)
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return true, err
		}

		if typ != websocket.MessageText {
			continue
		}

		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	c.events.Add(1)

	ev, err := ParseEvent(data)
	if err != nil {
		c.logger.Debug("ignoring realtime message", slog.String("error", err.Error()))
		return
	}

	keys := ev.Keys()
	if len(keys) == 0 {
		c.logger.Debug("unhandled realtime event", slog.String("type", ev.Type))
		return
	}

	for _, key := range keys {
		if c.target.Trigger(key) {
			c.logger.Debug("realtime nudge",
				slog.String("type", ev.Type),
				slog.String("key", key),
			)
		}
	}
}

// dial performs the handshake under the request client's authorization
// policy: one renewal and one retry on 401, then the session is expired.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	token := c.auth.AccessToken()
	if token == "" {
		return nil, fmt.Errorf("realtime: %w", api.ErrNotLoggedIn)
	}

	for attempt := 0; ; attempt++ {
		conn, resp, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
			HTTPHeader: http.Header{"Authorization": {"Bearer " + token}},
		})
		if err == nil {
			return conn, nil
		}

		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			return nil, fmt.Errorf("realtime: dial: %w", err)
		}

		if attempt > 0 {
			c.logger.Warn("realtime handshake rejected after token refresh")
			c.auth.Expire()

			return nil, fmt.Errorf("realtime: handshake rejected after refresh: %w", api.ErrAuthExpired)
		}

		renewed, renewErr := c.auth.Renew(ctx, token)
		if renewErr != nil {
			return nil, renewErr
		}

		token = renewed
	}
}

// timeSleep waits for d or until ctx is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func errString(err error) string {
	if err == nil {
		return "closed by server"
	}

	return err.Error()
}
