// Package pebble provides a Pebble-backed storage backend.
package pebble

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"Cosign/internal/storage"
)

const (
	KeyPath         = "path"
	KeyCacheSize    = "cache_size"
	KeyMemTableSize = "mem_table_size"
	KeySyncInterval = "sync_interval"

	// defaultSyncInterval is the default interval between WAL syncs.
	defaultSyncInterval = 100 * time.Millisecond
)

func init() {
	storage.Register("pebble", NewFactory, Defaults)
}

// Defaults returns the default configuration for the Pebble backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:         "~/.cosign/pending",
		KeyCacheSize:    "33554432",
		KeyMemTableSize: "16777216",
		KeySyncInterval: "100ms",
	}
}

// NewFactory creates a Pebble backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (storage.Backend, error) {
	path := storage.GetString(config, KeyPath, "")
	if path == "" {
		return nil, storage.NewConfigError("pebble", KeyPath, "cannot be empty")
	}
	path = storage.ExpandPath(path)

	cacheSize, err := storage.GetInt64(config, KeyCacheSize, 32<<20)
	if err != nil {
		return nil, storage.ForBackend("pebble", err)
	}

	memTableSize, err := storage.GetInt64(config, KeyMemTableSize, 16<<20)
	if err != nil {
		return nil, storage.ForBackend("pebble", err)
	}

	syncInterval, err := storage.GetDuration(config, KeySyncInterval, defaultSyncInterval)
	if err != nil {
		return nil, storage.ForBackend("pebble", err)
	}

	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, storage.NewConfigErrorWithCause("pebble", KeyPath, "failed to create directory", err)
	}

	b, err := Open(path, cacheSize, uint64(memTableSize), syncInterval)
	if err != nil {
		return nil, storage.NewConfigErrorWithCause("pebble", KeyPath, "failed to open database", err)
	}

	slog.Info("pebble storage initialized", "path", path)
	return b, nil
}

// Backend is a key-value store backed by Pebble.
// Writes are non-blocking (NoSync) and a background goroutine
// periodically syncs the WAL to disk for durability.
type Backend struct {
	db       *pebble.DB    // db is the underlying Pebble database
	stopSync chan struct{} // stopSync signals the sync goroutine to stop
	wg       sync.WaitGroup
	closed   atomic.Bool
}

// Open opens a Pebble database at path and starts the WAL sync loop.
func Open(path string, cacheSize int64, memTableSize uint64, syncInterval time.Duration) (*Backend, error) {
	cache := pebble.NewCache(cacheSize)
	defer cache.Unref()

	opts := &pebble.Options{
		Cache:                       cache,
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: 2,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}

	b := &Backend{
		db:       db,
		stopSync: make(chan struct{}),
	}

	b.startSyncLoop(syncInterval)

	return b, nil
}

// Get retrieves the value for the given key.
func (b *Backend) Get(_ context.Context, key []byte) ([]byte, error) {
	if b.closed.Load() {
		return nil, storage.ErrClosed
	}

	value, closer, err := b.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	// Copy the value since it's invalid after closer.Close()
	result := make([]byte, len(value))
	copy(result, value)

	return result, nil
}

// Put stores a key-value pair.
// The write is buffered and synced periodically by the background goroutine.
func (b *Backend) Put(_ context.Context, key, value []byte) error {
	if b.closed.Load() {
		return storage.ErrClosed
	}

	return b.db.Set(key, value, pebble.NoSync)
}

// Delete removes a key from the store.
func (b *Backend) Delete(_ context.Context, key []byte) error {
	if b.closed.Load() {
		return storage.ErrClosed
	}

	return b.db.Delete(key, pebble.NoSync)
}

// Scan calls fn for each key-value pair with the given prefix.
// Uses Pebble's iterator bounds for efficient prefix scanning.
func (b *Backend) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	if b.closed.Load() {
		return storage.ErrClosed
	}

	iter, err := b.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: storage.PrefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}

		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		key := append([]byte(nil), iter.Key()...)
		if err := fn(key, append([]byte(nil), value...)); err != nil {
			return err
		}
	}

	return iter.Error()
}

// Close stops the sync goroutine and closes the database.
// It performs a final sync before closing to ensure durability.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	close(b.stopSync)
	b.wg.Wait()

	if err := b.sync(); err != nil {
		return err
	}

	return b.db.Close()
}

// startSyncLoop starts the background goroutine that periodically syncs the WAL.
func (b *Backend) startSyncLoop(interval time.Duration) {
	b.wg.Add(1)

	go func() {
		defer b.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = b.sync()
			case <-b.stopSync:
				return
			}
		}
	}()
}

// sync forces a WAL sync to disk.
func (b *Backend) sync() error {
	return b.db.LogData(nil, pebble.Sync)
}
