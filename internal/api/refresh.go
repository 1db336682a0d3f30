package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tonimelisma/taskwatch/internal/credstore"
)

// Credentials is the accessor contract for the credential store.
type Credentials interface {
	Get() credstore.TokenPair
	Set(pair credstore.TokenPair) error
	SignIn(pair credstore.TokenPair, meta map[string]string) error
	Clear(redirect bool) error
}

// Refresher exchanges a refresh token for a new pair. One call is one
// network round trip; it must not retry on its own.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (credstore.TokenPair, error)
}

// Episode is one in-flight refresh. Every request that joins it observes the
// same outcome.
type Episode struct {
	done chan struct{}
	pair credstore.TokenPair
	err  error
}

func resolvedEpisode(pair credstore.TokenPair, err error) *Episode {
	ep := &Episode{done: make(chan struct{}), pair: pair, err: err}
	close(ep.done)

	return ep
}

// Done is closed once the episode has resolved.
func (e *Episode) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until the episode resolves or ctx ends. A canceled wait does not
// affect the episode or the other joiners.
func (e *Episode) Wait(ctx context.Context) (credstore.TokenPair, error) {
	select {
	case <-e.done:
		return e.pair, e.err
	case <-ctx.Done():
		return credstore.TokenPair{}, fmt.Errorf("api: waiting for token refresh: %w", ctx.Err())
	}
}

// Coordinator guarantees at most one outstanding refresh call. Requests that
// hit a 401 while a refresh is in flight join it instead of starting another.
type Coordinator struct {
	creds     Credentials
	refresher Refresher
	logger    *slog.Logger

	mu     sync.Mutex
	active *Episode

	started atomic.Int64
}

// NewCoordinator returns a coordinator writing renewed pairs to creds.
func NewCoordinator(creds Credentials, refresher Refresher, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		creds:     creds,
		refresher: refresher,
		logger:    logger,
	}
}

// BeginOrJoin returns the active episode, starting one if none is active.
// rejected is the access token the failing request was sent with. If the
// store already holds a different access token, a refresh completed after
// that request went out, and the caller gets an already-resolved episode with
// the current pair rather than triggering a second refresh.
func (c *Coordinator) BeginOrJoin(rejected string) *Episode {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		return c.active
	}

	current := c.creds.Get()
	if rejected != "" && current.AccessToken != "" && current.AccessToken != rejected {
		c.logger.Debug("token already renewed since request was sent, skipping refresh")
		return resolvedEpisode(current, nil)
	}

	ep := &Episode{done: make(chan struct{})}
	c.active = ep
	c.started.Add(1)

	go c.run(ep, current.RefreshToken)

	return ep
}

// Refreshes returns how many refresh episodes have been started.
func (c *Coordinator) Refreshes() int64 {
	return c.started.Load()
}

// run performs the single network refresh for ep. The new pair reaches the
// store before the slot is retired, and the slot is retired before waiters
// are released: a 401 arriving after this point either sees the new token in
// the store or starts a fresh episode.
func (c *Coordinator) run(ep *Episode, refreshToken string) {
	pair, err := c.refresh(refreshToken)

	if err == nil {
		if setErr := c.creds.Set(pair); setErr != nil {
			// The in-memory pair is already updated; only persistence failed.
			c.logger.Warn("renewed token not persisted", slog.String("error", setErr.Error()))
		}

		c.logger.Info("access token renewed")
	} else {
		c.logger.Warn("token refresh failed", slog.String("error", err.Error()))
	}

	c.mu.Lock()
	c.active = nil
	c.mu.Unlock()

	ep.pair = pair
	ep.err = err
	close(ep.done)
}

func (c *Coordinator) refresh(refreshToken string) (credstore.TokenPair, error) {
	if refreshToken == "" {
		return credstore.TokenPair{}, ErrNoRefreshToken
	}

	// Detached from any caller: one caller giving up must not fail the
	// episode for the others. The refresher's HTTP client bounds the call.
	pair, err := c.refresher.Refresh(context.Background(), refreshToken)
	if err != nil {
		return credstore.TokenPair{}, err
	}

	if pair.RefreshToken == "" {
		pair.RefreshToken = refreshToken
	}

	return pair, nil
}
