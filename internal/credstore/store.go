// Package credstore owns the signed-in access/refresh token pair. It is the
// only place the pair lives: request paths read it, the refresh coordinator
// and explicit login/logout write it. Persistence goes through tokenfile so
// the pair survives restarts.
package credstore

import (
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/taskwatch/internal/tokenfile"
)

// TokenPair is the current credential pair. An empty string means the token
// is absent.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// Authenticated reports whether both tokens are present.
func (p TokenPair) Authenticated() bool {
	return p.AccessToken != "" && p.RefreshToken != ""
}

// Degraded reports an access token without a refresh token: calls still work
// until the access token expires, but no refresh is possible.
func (p TokenPair) Degraded() bool {
	return p.AccessToken != "" && p.RefreshToken == ""
}

// Store holds the token pair. All methods are safe for concurrent use and
// never touch the network.
type Store struct {
	mu     sync.RWMutex
	pair   TokenPair
	meta   map[string]string
	path   string // empty for memory-only stores
	logger *slog.Logger

	// loginRequired is closed by Clear(true). It is replaced with a fresh
	// channel once an authenticated pair is stored again.
	loginRequired chan struct{}
	redirected    bool
	hooks         []func()

	// gen counts in-memory changes; saved is the gen last written to disk.
	// Both are guarded by mu. saveMu serializes file writes so Get never
	// waits on disk I/O.
	gen    uint64
	saved  uint64
	saveMu sync.Mutex
	save   func(path string, tok *oauth2.Token, meta map[string]string) error
}

// NewMemory returns a store that is never persisted.
func NewMemory(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		logger:        logger,
		loginRequired: make(chan struct{}),
		save:          tokenfile.Save,
	}
}

// Open returns a store backed by the token file at path, initialized from
// whatever is persisted there. A missing file yields an empty store.
func Open(path string, logger *slog.Logger) (*Store, error) {
	s := NewMemory(logger)
	s.path = path

	tok, meta, err := tokenfile.Load(path)
	if err != nil {
		return nil, fmt.Errorf("credstore: %w", err)
	}

	if tok != nil {
		s.pair = TokenPair{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}
		s.meta = meta
	}

	s.logger.Debug("credential store opened",
		slog.String("path", path),
		slog.Bool("authenticated", s.pair.Authenticated()),
	)

	return s, nil
}

// Path returns the backing token file, or "" for a memory store.
func (s *Store) Path() string {
	return s.path
}

// Get returns the current pair.
func (s *Store) Get() TokenPair {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.pair
}

// IsAuthenticated reports whether an access token is present.
func (s *Store) IsAuthenticated() bool {
	return s.Get().AccessToken != ""
}

// Meta returns a copy of the metadata saved with the pair.
func (s *Store) Meta() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return maps.Clone(s.meta)
}

// Set replaces the pair, keeping existing metadata. The in-memory pair is
// updated even if persisting fails, so in-flight work keeps the new token.
func (s *Store) Set(pair TokenPair) error {
	s.mu.Lock()
	s.update(pair, s.meta)
	s.mu.Unlock()

	return s.persist()
}

// SignIn replaces the pair and the metadata together. Used after login.
func (s *Store) SignIn(pair TokenPair, meta map[string]string) error {
	s.mu.Lock()
	s.update(pair, maps.Clone(meta))
	s.mu.Unlock()

	return s.persist()
}

// update changes the in-memory state. Callers hold mu.
func (s *Store) update(pair TokenPair, meta map[string]string) {
	s.pair = pair
	s.meta = meta
	s.gen++

	if pair.AccessToken != "" && s.redirected {
		s.loginRequired = make(chan struct{})
		s.redirected = false
	}
}

// persist writes the current in-memory state to the token file. Concurrent
// updates collapse: whichever writer runs last writes the latest state, and
// a writer that finds it already saved does nothing.
func (s *Store) persist() error {
	if s.path == "" {
		return nil
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	pair, meta, gen := s.pair, maps.Clone(s.meta), s.gen
	done := gen == s.saved
	s.mu.RUnlock()

	if done {
		return nil
	}

	var err error
	if pair.AccessToken == "" && pair.RefreshToken == "" {
		err = tokenfile.Remove(s.path)
	} else {
		tok := &oauth2.Token{
			AccessToken:  pair.AccessToken,
			RefreshToken: pair.RefreshToken,
			TokenType:    "Bearer",
		}

		if exp, ok := AccessExpiry(pair.AccessToken); ok {
			tok.Expiry = exp
		}

		err = s.save(s.path, tok, meta)
	}

	if err != nil {
		s.logger.Warn("failed to persist token pair",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)

		return fmt.Errorf("credstore: %w", err)
	}

	s.mu.Lock()
	if gen > s.saved {
		s.saved = gen
	}
	s.mu.Unlock()

	return nil
}

// Clear removes both tokens. With redirect set it also fires the
// process-wide login-required transition: LoginRequired's channel is closed
// and redirect hooks run. Repeated calls are harmless.
func (s *Store) Clear(redirect bool) error {
	s.mu.Lock()

	s.pair = TokenPair{}
	s.meta = nil
	s.gen++

	var hooks []func()
	if redirect && !s.redirected {
		s.redirected = true
		close(s.loginRequired)
		hooks = append(hooks, s.hooks...)
	}

	s.mu.Unlock()

	err := s.persist()

	if redirect {
		s.logger.Warn("credentials cleared, sign-in required")
	} else {
		s.logger.Info("credentials cleared")
	}

	for _, fn := range hooks {
		fn()
	}

	return err
}

// LoginRequired returns a channel closed when credentials are cleared with
// redirect. Callers should fetch it again after a new sign-in.
func (s *Store) LoginRequired() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.loginRequired
}

// OnRedirect registers fn to run whenever Clear(true) fires the
// login-required transition. Hooks run outside the store lock.
func (s *Store) OnRedirect(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hooks = append(s.hooks, fn)
}

// Expiry returns the access token expiry when the token is a JWT carrying
// an exp claim.
func (s *Store) Expiry() (time.Time, bool) {
	return AccessExpiry(s.Get().AccessToken)
}
