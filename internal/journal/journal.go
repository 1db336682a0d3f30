// Package journal keeps a local history of every resource change the poller
// delivered, in a SQLite database.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tonimelisma/taskwatch/internal/poll"
)

const (
	sqlInsertChange = `INSERT INTO changes (id, key, fingerprint, payload, observed_at)
		VALUES (?, ?, ?, ?, ?)`

	sqlSelectColumns = `SELECT id, key, fingerprint, payload, observed_at FROM changes`

	sqlLatestChange = sqlSelectColumns + ` WHERE key = ? ORDER BY observed_at DESC, rowid DESC LIMIT 1`

	sqlListByKey = sqlSelectColumns + ` WHERE key = ? ORDER BY observed_at DESC, rowid DESC LIMIT ?`

	sqlListAll = sqlSelectColumns + ` ORDER BY observed_at DESC, rowid DESC LIMIT ?`

	sqlPrune = `DELETE FROM changes WHERE observed_at < ?`

	dirPerms = 0o700

	// DefaultListLimit applies when List is called with a non-positive limit.
	DefaultListLimit = 50
)

// Entry is one recorded change.
type Entry struct {
	ID          string
	Key         string
	Fingerprint string
	Payload     json.RawMessage
	ObservedAt  time.Time
}

// Journal is the change history store. It is the only writer to its
// database.
type Journal struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
	newID   func() string
}

// Open opens (creating if needed) the journal database at path and applies
// migrations.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), dirPerms); err != nil {
		return nil, fmt.Errorf("journal: creating directory: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"+
			"&_pragma=busy_timeout(5000)",
		path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: opening database %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("journal opened", slog.String("path", path))

	return &Journal{
		db:      db,
		logger:  logger,
		nowFunc: time.Now,
		newID:   func() string { return uuid.New().String() },
	}, nil
}

// Close releases the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record stores a change for key unless the latest entry for key already has
// the same fingerprint. It reports whether a row was written.
func (j *Journal) Record(ctx context.Context, key, fingerprint string, payload any) (Entry, bool, error) {
	latest, ok, err := j.Latest(ctx, key)
	if err != nil {
		return Entry{}, false, err
	}

	if ok && latest.Fingerprint == fingerprint {
		return latest, false, nil
	}

	data, err := poll.Canonical(payload)
	if err != nil {
		return Entry{}, false, fmt.Errorf("journal: encoding payload for %q: %w", key, err)
	}

	e := Entry{
		ID:          j.newID(),
		Key:         key,
		Fingerprint: fingerprint,
		Payload:     data,
		ObservedAt:  j.nowFunc().UTC(),
	}

	_, err = j.db.ExecContext(ctx, sqlInsertChange,
		e.ID, e.Key, e.Fingerprint, string(e.Payload), e.ObservedAt.UnixNano())
	if err != nil {
		return Entry{}, false, fmt.Errorf("journal: recording change for %q: %w", key, err)
	}

	j.logger.Debug("change recorded",
		slog.String("key", key),
		slog.String("id", e.ID),
	)

	return e, true, nil
}

// Latest returns the most recent entry for key.
func (j *Journal) Latest(ctx context.Context, key string) (Entry, bool, error) {
	row := j.db.QueryRowContext(ctx, sqlLatestChange, key)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}

	if err != nil {
		return Entry{}, false, fmt.Errorf("journal: reading latest for %q: %w", key, err)
	}

	return e, true, nil
}

// List returns up to limit entries, newest first. An empty key lists every
// key.
func (j *Journal) List(ctx context.Context, key string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var (
		rows *sql.Rows
		err  error
	)

	if key == "" {
		rows, err = j.db.QueryContext(ctx, sqlListAll, limit)
	} else {
		rows, err = j.db.QueryContext(ctx, sqlListByKey, key, limit)
	}

	if err != nil {
		return nil, fmt.Errorf("journal: listing changes: %w", err)
	}
	defer rows.Close()

	var entries []Entry

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("journal: scanning change: %w", err)
		}

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterating changes: %w", err)
	}

	return entries, nil
}

// Prune deletes entries observed before cutoff and returns how many went.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, sqlPrune, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("journal: pruning: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("journal: pruning: %w", err)
	}

	if n > 0 {
		j.logger.Info("journal pruned", slog.Int64("removed", n))
	}

	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e        Entry
		payload  string
		observed int64
	)

	if err := s.Scan(&e.ID, &e.Key, &e.Fingerprint, &payload, &observed); err != nil {
		return Entry{}, err
	}

	e.Payload = json.RawMessage(payload)
	e.ObservedAt = time.Unix(0, observed).UTC()

	return e, nil
}
