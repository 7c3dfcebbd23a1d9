// Package memory provides an in-process, ordered storage backend.
package memory

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"Cosign/internal/storage"
)

const (
	// KeyDegree is the B-tree degree.
	KeyDegree = "degree"

	defaultDegree = 32
)

func init() {
	storage.Register("memory", NewFactory, Defaults)
}

// Defaults returns the default configuration for the memory backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyDegree: "32",
	}
}

// NewFactory creates a memory backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (storage.Backend, error) {
	degree, err := storage.GetInt(config, KeyDegree, defaultDegree)
	if err != nil {
		return nil, storage.ForBackend("memory", err)
	}

	if degree < 2 {
		return nil, storage.NewConfigErrorWithValue("memory", KeyDegree, config[KeyDegree], "must be at least 2")
	}

	return New(degree), nil
}

// item is a key-value pair ordered by key.
type item struct {
	key   []byte
	value []byte
}

// Less orders items by key.
func (i *item) Less(than btree.Item) bool {
	return bytes.Compare(i.key, than.(*item).key) < 0
}

// Backend keeps all pairs in a B-tree guarded by a RWMutex.
type Backend struct {
	mu     sync.RWMutex
	tree   *btree.BTree
	closed atomic.Bool
}

// New creates an empty memory backend.
func New(degree int) *Backend {
	return &Backend{tree: btree.New(degree)}
}

// Get returns a copy of the value at key.
func (b *Backend) Get(_ context.Context, key []byte) ([]byte, error) {
	if b.closed.Load() {
		return nil, storage.ErrClosed
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	found := b.tree.Get(&item{key: key})
	if found == nil {
		return nil, storage.ErrNotFound
	}

	return bytes.Clone(found.(*item).value), nil
}

// Put stores a copy of value at key.
func (b *Backend) Put(_ context.Context, key, value []byte) error {
	if b.closed.Load() {
		return storage.ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.tree.ReplaceOrInsert(&item{key: bytes.Clone(key), value: bytes.Clone(value)})

	return nil
}

// Delete removes key.
func (b *Backend) Delete(_ context.Context, key []byte) error {
	if b.closed.Load() {
		return storage.ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.tree.Delete(&item{key: key})

	return nil
}

// Scan visits pairs under prefix in key order. The callback runs on a snapshot,
// so it may call back into the backend.
func (b *Backend) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	if b.closed.Load() {
		return storage.ErrClosed
	}

	var matched []*item

	b.mu.RLock()
	b.tree.AscendGreaterOrEqual(&item{key: prefix}, func(i btree.Item) bool {
		it := i.(*item)
		if !bytes.HasPrefix(it.key, prefix) {
			return false
		}
		matched = append(matched, it)
		return true
	})
	b.mu.RUnlock()

	for _, it := range matched {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := fn(bytes.Clone(it.key), bytes.Clone(it.value)); err != nil {
			return err
		}
	}

	return nil
}

// Len returns the number of stored pairs.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.tree.Len()
}

// Close marks the backend closed and drops its contents.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	b.tree.Clear(false)
	b.mu.Unlock()

	return nil
}
