package storage

import (
	"context"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const (
	// flagRaw marks a value stored as-is.
	flagRaw byte = 0x00

	// flagZstd marks a zstd-compressed value.
	flagZstd byte = 0x01

	// minCompressSize is the smallest value worth compressing.
	minCompressSize = 256
)

// Compressed wraps a backend so values are zstd-compressed at rest.
// Each stored value carries a one-byte header telling raw from compressed.
type Compressed struct {
	Backend
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCompressed wraps b with transparent zstd compression.
func NewCompressed(b Backend) (*Compressed, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}

	return &Compressed{Backend: b, encoder: encoder, decoder: decoder}, nil
}

// Get returns the decompressed value at key.
func (c *Compressed) Get(ctx context.Context, key []byte) ([]byte, error) {
	stored, err := c.Backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	return c.unpack(stored)
}

// Put stores value, compressed when that makes it smaller.
func (c *Compressed) Put(ctx context.Context, key, value []byte) error {
	return c.Backend.Put(ctx, key, c.pack(value))
}

// Scan calls fn with decompressed values.
func (c *Compressed) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	return c.Backend.Scan(ctx, prefix, func(key, stored []byte) error {
		value, err := c.unpack(stored)
		if err != nil {
			return fmt.Errorf("key %x:\n%w", key, err)
		}

		return fn(key, value)
	})
}

// Close releases the codec and closes the wrapped backend.
func (c *Compressed) Close() error {
	c.encoder.Close()
	c.decoder.Close()

	return c.Backend.Close()
}

// pack prefixes value with its encoding flag.
func (c *Compressed) pack(value []byte) []byte {
	if len(value) >= minCompressSize {
		compressed := c.encoder.EncodeAll(value, []byte{flagZstd})
		if len(compressed) < len(value)+1 {
			return compressed
		}
	}

	out := make([]byte, 0, len(value)+1)
	out = append(out, flagRaw)

	return append(out, value...)
}

// unpack strips the flag and decompresses if needed.
func (c *Compressed) unpack(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, fmt.Errorf("stored value missing encoding flag")
	}

	switch stored[0] {
	case flagRaw:
		return append([]byte(nil), stored[1:]...), nil
	case flagZstd:
		value, err := c.decoder.DecodeAll(stored[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("decompress:\n%w", err)
		}
		return value, nil
	default:
		return nil, fmt.Errorf("unknown encoding flag 0x%02x", stored[0])
	}
}
