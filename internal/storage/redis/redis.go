// Package redis provides a Redis-backed storage backend.
//
// Values live in plain string keys. A sorted set with every member at score
// zero indexes the hex-encoded keys, so prefix scans use ZRANGEBYLEX and
// return pairs in byte order.
package redis

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"Cosign/internal/storage"
)

const (
	KeyAddr         = "addr"
	KeyPassword     = "password"
	KeyDB           = "db"
	KeyMaxRetries   = "max_retries"
	KeyDialTimeout  = "dial_timeout"
	KeyReadTimeout  = "read_timeout"
	KeyWriteTimeout = "write_timeout"
	KeyKeyPrefix    = "key_prefix"

	// scanBatchSize bounds the number of values fetched per MGET.
	scanBatchSize = 500
)

func init() {
	storage.Register("redis", NewFactory, Defaults)
}

// Defaults returns the default configuration for the Redis backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyAddr:         "localhost:6379",
		KeyPassword:     "",
		KeyDB:           "0",
		KeyMaxRetries:   "3",
		KeyDialTimeout:  "5s",
		KeyReadTimeout:  "3s",
		KeyWriteTimeout: "3s",
		KeyKeyPrefix:    "cosign:",
	}
}

// NewFactory creates a Redis backend from a configuration map.
func NewFactory(ctx context.Context, config map[string]string) (storage.Backend, error) {
	addr := storage.GetString(config, KeyAddr, "")
	if addr == "" {
		return nil, storage.NewConfigError("redis", KeyAddr, "cannot be empty")
	}

	db, err := storage.GetInt(config, KeyDB, 0)
	if err != nil {
		return nil, storage.ForBackend("redis", err)
	}
	if db < 0 {
		return nil, storage.NewConfigErrorWithValue("redis", KeyDB, config[KeyDB], "must be non-negative")
	}

	maxRetries, err := storage.GetInt(config, KeyMaxRetries, 3)
	if err != nil {
		return nil, storage.ForBackend("redis", err)
	}

	dialTimeout, err := storage.GetDuration(config, KeyDialTimeout, 5*time.Second)
	if err != nil {
		return nil, storage.ForBackend("redis", err)
	}

	readTimeout, err := storage.GetDuration(config, KeyReadTimeout, 3*time.Second)
	if err != nil {
		return nil, storage.ForBackend("redis", err)
	}

	writeTimeout, err := storage.GetDuration(config, KeyWriteTimeout, 3*time.Second)
	if err != nil {
		return nil, storage.ForBackend("redis", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     storage.GetString(config, KeyPassword, ""),
		DB:           db,
		MaxRetries:   maxRetries,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, storage.NewConfigErrorWithCause("redis", KeyAddr, "failed to connect", err)
	}

	prefix := storage.GetString(config, KeyKeyPrefix, "cosign:")

	slog.Info("redis storage initialized", "addr", addr, "db", db, "key_prefix", prefix)
	return NewWithClient(client, prefix), nil
}

// Backend is a Redis implementation of storage.Backend.
type Backend struct {
	client *redis.Client
	prefix string
	closed atomic.Bool
}

// NewWithClient creates a backend over an existing client.
func NewWithClient(client *redis.Client, prefix string) *Backend {
	if prefix == "" {
		prefix = "cosign:"
	}

	return &Backend{client: client, prefix: prefix}
}

// Get retrieves the value for key.
func (b *Backend) Get(ctx context.Context, key []byte) ([]byte, error) {
	if b.closed.Load() {
		return nil, storage.ErrClosed
	}

	value, err := b.client.Get(ctx, b.valueKey(hex.EncodeToString(key))).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get:\n%w", err)
	}

	return value, nil
}

// Put stores value and indexes key in one MULTI/EXEC.
func (b *Backend) Put(ctx context.Context, key, value []byte) error {
	if b.closed.Load() {
		return storage.ErrClosed
	}

	member := hex.EncodeToString(key)

	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, b.valueKey(member), value, 0)
		pipe.ZAdd(ctx, b.indexKey(), redis.Z{Score: 0, Member: member})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put:\n%w", err)
	}

	return nil
}

// Delete removes key and its index entry.
func (b *Backend) Delete(ctx context.Context, key []byte) error {
	if b.closed.Load() {
		return storage.ErrClosed
	}

	member := hex.EncodeToString(key)

	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, b.valueKey(member))
		pipe.ZRem(ctx, b.indexKey(), member)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete:\n%w", err)
	}

	return nil
}

// Scan lists indexed keys under prefix and fetches their values in batches.
// Keys deleted between the range query and the fetch are skipped.
func (b *Backend) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	if b.closed.Load() {
		return storage.ErrClosed
	}

	members, err := b.client.ZRangeByLex(ctx, b.indexKey(), lexRange(prefix)).Result()
	if err != nil {
		return fmt.Errorf("redis scan:\n%w", err)
	}

	for start := 0; start < len(members); start += scanBatchSize {
		batch := members[start:min(start+scanBatchSize, len(members))]

		keys := make([]string, len(batch))
		for i, m := range batch {
			keys[i] = b.valueKey(m)
		}

		values, err := b.client.MGet(ctx, keys...).Result()
		if err != nil {
			return fmt.Errorf("redis scan:\n%w", err)
		}

		for i, v := range values {
			s, ok := v.(string)
			if !ok {
				continue
			}

			key, err := hex.DecodeString(batch[i])
			if err != nil {
				return fmt.Errorf("redis scan: corrupt index member %q:\n%w", batch[i], err)
			}

			if err := fn(key, []byte(s)); err != nil {
				return err
			}
		}
	}

	return nil
}

// Close closes the client.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	return b.client.Close()
}

func (b *Backend) valueKey(member string) string { return b.prefix + "kv:" + member }
func (b *Backend) indexKey() string              { return b.prefix + "keys" }

// lexRange returns the ZRANGEBYLEX bounds covering every member with the hex prefix.
func lexRange(prefix []byte) *redis.ZRangeBy {
	r := &redis.ZRangeBy{Min: "[" + hex.EncodeToString(prefix), Max: "+"}

	if upper := storage.PrefixUpperBound(prefix); upper != nil {
		r.Max = "(" + hex.EncodeToString(upper)
	}

	if len(prefix) == 0 {
		r.Min = "-"
	}

	return r
}
