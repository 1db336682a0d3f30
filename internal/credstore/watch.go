package credstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/tonimelisma/taskwatch/internal/tokenfile"
)

// Watch reloads the pair whenever another process rewrites or removes the
// token file, e.g. a `login` run from a second shell while `jobs watch` is
// active. It blocks until ctx is canceled. External removal clears the
// in-memory pair without firing the login-required transition.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		return errors.New("credstore: memory store has no file to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("credstore: creating watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: the atomic save replaces the file, which would
	// drop a watch placed on the file itself.
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("credstore: watching %s: %w", dir, err)
	}

	s.logger.Debug("watching token file", slog.String("path", s.path))

	target := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != target || ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
				continue
			}

			s.reload()

		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			s.logger.Warn("token file watcher error", slog.String("error", werr.Error()))
		}
	}
}

// reload re-reads the token file into memory without writing it back.
func (s *Store) reload() {
	tok, meta, err := tokenfile.Load(s.path)
	if err != nil {
		// Usually a partially visible write; the next event will retry.
		s.logger.Debug("token file reload skipped", slog.String("error", err.Error()))
		return
	}

	next := TokenPair{}
	if tok != nil {
		next = TokenPair{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if next == s.pair {
		return
	}

	if s.gen != s.saved {
		// Our own write is still pending; the file is older than memory.
		return
	}

	s.pair = next
	s.meta = meta

	if next.AccessToken != "" && s.redirected {
		s.loginRequired = make(chan struct{})
		s.redirected = false
	}

	s.logger.Info("token pair changed on disk, reloaded",
		slog.String("path", s.path),
		slog.Bool("authenticated", next.Authenticated()),
	)
}
