package storage

import (
	"bytes"
	"testing"
)

// TestPackSmallValue tests that short values are stored raw.
func TestPackSmallValue(t *testing.T) {
	c, err := NewCompressed(nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	packed := c.pack([]byte("short"))
	if packed[0] != flagRaw {
		t.Errorf("flag = 0x%02x, want raw", packed[0])
	}

	got, err := c.unpack(packed)
	if err != nil || string(got) != "short" {
		t.Fatalf("unpack = %q, %v", got, err)
	}
}

// TestPackLargeValue tests that compressible values are stored compressed.
func TestPackLargeValue(t *testing.T) {
	c, err := NewCompressed(nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	value := bytes.Repeat([]byte("cosign "), 200)
	packed := c.pack(value)

	if packed[0] != flagZstd {
		t.Fatalf("flag = 0x%02x, want zstd", packed[0])
	}

	if len(packed) >= len(value) {
		t.Errorf("packed %d bytes, original %d", len(packed), len(value))
	}

	got, err := c.unpack(packed)
	if err != nil || !bytes.Equal(got, value) {
		t.Fatalf("unpack mismatch: %v", err)
	}
}

// TestUnpackInvalid tests corrupt stored values.
func TestUnpackInvalid(t *testing.T) {
	c, err := NewCompressed(nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if _, err := c.unpack(nil); err == nil {
		t.Error("expected error for empty value")
	}

	if _, err := c.unpack([]byte{0x7f, 1}); err == nil {
		t.Error("expected error for unknown flag")
	}

	if _, err := c.unpack([]byte{flagZstd, 1, 2, 3}); err == nil {
		t.Error("expected error for corrupt zstd data")
	}
}

// TestPrefixUpperBound tests exclusive scan bounds.
func TestPrefixUpperBound(t *testing.T) {
	tests := []struct {
		prefix []byte
		want   []byte
	}{
		{[]byte{0x01}, []byte{0x02}},
		{[]byte{0x01, 0xff}, []byte{0x02}},
		{[]byte{0xff, 0xff}, nil},
		{[]byte("ab"), []byte("ac")},
	}

	for _, tt := range tests {
		if got := PrefixUpperBound(tt.prefix); !bytes.Equal(got, tt.want) {
			t.Errorf("PrefixUpperBound(%x) = %x, want %x", tt.prefix, got, tt.want)
		}
	}
}
