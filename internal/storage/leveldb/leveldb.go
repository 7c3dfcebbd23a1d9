// Package leveldb provides a goleveldb-backed storage backend.
package leveldb

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/syndtr/goleveldb/leveldb"
	ldbErrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"Cosign/internal/storage"
)

const (
	KeyPath        = "path"
	KeyCacheMiB    = "block_cache_mib"
	KeyWriteBufMiB = "write_buffer_mib"
	KeySyncWrites  = "sync_writes"

	defaultCacheMiB = 32
	defaultWriteMiB = 16
)

func init() {
	storage.Register("leveldb", NewFactory, Defaults)
}

// Defaults returns the default configuration for the LevelDB backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:        "~/.cosign/leveldb",
		KeyCacheMiB:    "32",
		KeyWriteBufMiB: "16",
		KeySyncWrites:  "false",
	}
}

// NewFactory creates a LevelDB backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (storage.Backend, error) {
	path := storage.GetString(config, KeyPath, "")
	if path == "" {
		return nil, storage.NewConfigError("leveldb", KeyPath, "cannot be empty")
	}
	path = storage.ExpandPath(path)

	cacheMiB, err := storage.GetInt(config, KeyCacheMiB, defaultCacheMiB)
	if err != nil {
		return nil, storage.ForBackend("leveldb", err)
	}

	writeMiB, err := storage.GetInt(config, KeyWriteBufMiB, defaultWriteMiB)
	if err != nil {
		return nil, storage.ForBackend("leveldb", err)
	}

	syncWrites, err := storage.GetBool(config, KeySyncWrites, false)
	if err != nil {
		return nil, storage.ForBackend("leveldb", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, storage.NewConfigErrorWithCause("leveldb", KeyPath, "failed to create directory", err)
	}

	opts := &opt.Options{
		Compression:            opt.NoCompression,
		BlockCacheCapacity:     cacheMiB * opt.MiB,
		WriteBuffer:            writeMiB * opt.MiB,
		DisableSeeksCompaction: true,
	}

	b, err := Open(path, opts, syncWrites)
	if err != nil {
		return nil, storage.NewConfigErrorWithCause("leveldb", KeyPath, "failed to open database", err)
	}

	slog.Info("leveldb storage initialized", "path", path)
	return b, nil
}

// Backend is a LevelDB implementation of storage.Backend.
type Backend struct {
	db     *leveldb.DB
	write  *opt.WriteOptions
	closed atomic.Bool
}

// Open opens the database at path, recovering it if the manifest is corrupted.
func Open(path string, opts *opt.Options, syncWrites bool) (*Backend, error) {
	db, err := leveldb.OpenFile(path, opts)

	var corrupted *ldbErrors.ErrCorrupted
	if errors.As(err, &corrupted) {
		slog.Warn("leveldb corruption detected, recovering", "path", path, "error", err)

		db, err = leveldb.RecoverFile(path, opts)
	}

	if err != nil {
		return nil, err
	}

	return &Backend{db: db, write: &opt.WriteOptions{Sync: syncWrites}}, nil
}

// Get retrieves the value for key.
func (b *Backend) Get(_ context.Context, key []byte) ([]byte, error) {
	if b.closed.Load() {
		return nil, storage.ErrClosed
	}

	value, err := b.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, storage.ErrNotFound
	}

	return value, err
}

// Put stores value at key.
func (b *Backend) Put(_ context.Context, key, value []byte) error {
	if b.closed.Load() {
		return storage.ErrClosed
	}

	return b.db.Put(key, value, b.write)
}

// Delete removes key.
func (b *Backend) Delete(_ context.Context, key []byte) error {
	if b.closed.Load() {
		return storage.ErrClosed
	}

	return b.db.Delete(key, b.write)
}

// Scan iterates keys under prefix over an implicit snapshot.
func (b *Backend) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	if b.closed.Load() {
		return storage.ErrClosed
	}

	it := b.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	for it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}

		key := append([]byte(nil), it.Key()...)
		value := append([]byte(nil), it.Value()...)

		if err := fn(key, value); err != nil {
			return err
		}
	}

	return it.Error()
}

// Close closes the database.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	return b.db.Close()
}
