// Package sqlite provides a SQLite-backed storage backend.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	_ "modernc.org/sqlite"

	"Cosign/internal/storage"
)

const (
	KeyPath        = "path"
	KeyJournalMode = "journal_mode"
	KeyBusyTimeout = "busy_timeout"
)

func init() {
	storage.Register("sqlite", NewFactory, Defaults)
}

// Defaults returns the default configuration for the SQLite backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:        "~/.cosign/pending.db",
		KeyJournalMode: "wal",
		KeyBusyTimeout: "5000",
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS kv (
    key   BLOB PRIMARY KEY,
    value BLOB NOT NULL
) WITHOUT ROWID;
`

// NewFactory creates a SQLite backend from a configuration map.
func NewFactory(ctx context.Context, config map[string]string) (storage.Backend, error) {
	path := storage.GetString(config, KeyPath, "")
	if path == "" {
		return nil, storage.NewConfigError("sqlite", KeyPath, "cannot be empty")
	}
	path = storage.ExpandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, storage.NewConfigErrorWithCause("sqlite", KeyPath, "failed to create directory", err)
	}

	journalMode := storage.GetString(config, KeyJournalMode, "wal")
	busyTimeout := storage.GetString(config, KeyBusyTimeout, "5000")

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(%s)", path, journalMode, busyTimeout)

	b, err := Open(ctx, dsn)
	if err != nil {
		return nil, storage.NewConfigErrorWithCause("sqlite", KeyPath, "failed to open database", err)
	}

	slog.Info("sqlite storage initialized", "path", path, "journal_mode", journalMode)
	return b, nil
}

// Backend is a SQLite implementation of storage.Backend.
// A single connection serializes all statements.
type Backend struct {
	db     *sql.DB
	closed atomic.Bool
}

// Open opens the database named by dsn and creates the schema.
func Open(ctx context.Context, dsn string) (*Backend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema:\n%w", err)
	}

	return &Backend{db: db}, nil
}

// Get retrieves the value for key.
func (b *Backend) Get(ctx context.Context, key []byte) ([]byte, error) {
	if b.closed.Load() {
		return nil, storage.ErrClosed
	}

	var value []byte

	err := b.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get:\n%w", err)
	}

	return value, nil
}

// Put stores value at key.
func (b *Backend) Put(ctx context.Context, key, value []byte) error {
	if b.closed.Load() {
		return storage.ErrClosed
	}

	_, err := b.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("sqlite put:\n%w", err)
	}

	return nil
}

// Delete removes key.
func (b *Backend) Delete(ctx context.Context, key []byte) error {
	if b.closed.Load() {
		return storage.ErrClosed
	}

	if _, err := b.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlite delete:\n%w", err)
	}

	return nil
}

type pair struct {
	key   []byte
	value []byte
}

// Scan reads every pair under prefix before calling fn, releasing the
// connection so fn may write.
func (b *Backend) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	if b.closed.Load() {
		return storage.ErrClosed
	}

	pairs, err := b.scanPairs(ctx, prefix)
	if err != nil {
		return err
	}

	for _, p := range pairs {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := fn(p.key, p.value); err != nil {
			return err
		}
	}

	return nil
}

// scanPairs queries the key range covering prefix. BLOB comparison is memcmp order.
func (b *Backend) scanPairs(ctx context.Context, prefix []byte) ([]pair, error) {
	query := `SELECT key, value FROM kv WHERE key >= ? ORDER BY key`
	args := []any{prefix}

	if upper := storage.PrefixUpperBound(prefix); upper != nil {
		query = `SELECT key, value FROM kv WHERE key >= ? AND key < ? ORDER BY key`
		args = append(args, upper)
	}

	if prefix == nil {
		args[0] = []byte{}
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite scan:\n%w", err)
	}
	defer rows.Close()

	var pairs []pair

	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.key, &p.value); err != nil {
			return nil, fmt.Errorf("sqlite scan:\n%w", err)
		}
		pairs = append(pairs, p)
	}

	return pairs, rows.Err()
}

// Close closes the database.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	return b.db.Close()
}
