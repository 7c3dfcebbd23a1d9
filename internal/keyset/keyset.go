// Package keyset holds the ordered owner key set of a multi-signature account.
package keyset

import (
	"encoding/hex"
	"fmt"
	"iter"
	"strings"

	"filippo.io/edwards25519"

	"Cosign/internal/errs"
)

const (
	// KeySize is the size of an Ed25519 public key.
	KeySize = 32

	// MaxKeys is the maximum number of owners, bounded by the 4-byte signer bitmap.
	MaxKeys = 32
)

// PublicKey is an Ed25519 public key.
type PublicKey [KeySize]byte

// String returns the lowercase hex encoding of the key.
func (pk PublicKey) String() string {
	return hex.EncodeToString(pk[:])
}

// MarshalText encodes the key as hex for JSON and logs.
func (pk PublicKey) MarshalText() ([]byte, error) {
	return []byte(pk.String()), nil
}

// UnmarshalText decodes a hex key.
func (pk *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}

	*pk = parsed
	return nil
}

// ParsePublicKey decodes a hex public key, with or without a 0x prefix.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey

	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return pk, fmt.Errorf("decode hex:\n%w", err)
	}

	return PublicKeyFromBytes(b)
}

// PublicKeyFromBytes copies a 32-byte slice into a PublicKey.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var pk PublicKey

	if len(b) != KeySize {
		return pk, fmt.Errorf("%w: got %d bytes, want %d", errs.ErrInvalidKey, len(b), KeySize)
	}

	copy(pk[:], b)

	return pk, nil
}

// KeySet is an ordered, duplicate-free set of owner keys with a threshold.
// It is immutable after construction and safe for concurrent use.
type KeySet struct {
	keys      []PublicKey       // keys in construction order
	index     map[PublicKey]int // index maps a key to its position
	threshold int               // threshold is the minimum number of signers
}

// New creates a key set from an ordered list of keys and a threshold.
// The index of each key is its position in keys and never changes.
func New(keys []PublicKey, threshold int) (*KeySet, error) {
	if threshold <= 0 || threshold > len(keys) {
		return nil, fmt.Errorf("%w: %d for %d keys", errs.ErrInvalidThreshold, threshold, len(keys))
	}

	if len(keys) > MaxKeys {
		return nil, fmt.Errorf("%w: %d > %d", errs.ErrTooManyKeys, len(keys), MaxKeys)
	}

	ks := &KeySet{
		keys:      make([]PublicKey, len(keys)),
		index:     make(map[PublicKey]int, len(keys)),
		threshold: threshold,
	}

	for i, pk := range keys {
		if prev, exists := ks.index[pk]; exists {
			return nil, fmt.Errorf("%w: %s at positions %d and %d", errs.ErrDuplicateKey, pk, prev, i)
		}

		if err := validatePoint(pk); err != nil {
			return nil, fmt.Errorf("key %d:\n%w", i, err)
		}

		ks.keys[i] = pk
		ks.index[pk] = i
	}

	return ks, nil
}

// validatePoint checks that pk decodes to a point on the curve.
func validatePoint(pk PublicKey) error {
	if _, err := new(edwards25519.Point).SetBytes(pk[:]); err != nil {
		return fmt.Errorf("%w: %s", errs.ErrInvalidKey, pk)
	}

	return nil
}

// IndexOf returns the index of a key, or false if it is not a member.
func (ks *KeySet) IndexOf(pk PublicKey) (int, bool) {
	idx, ok := ks.index[pk]
	return idx, ok
}

// Contains checks if a key is a member of the set.
func (ks *KeySet) Contains(pk PublicKey) bool {
	_, ok := ks.index[pk]
	return ok
}

// Size returns the number of keys.
func (ks *KeySet) Size() int {
	return len(ks.keys)
}

// Threshold returns the minimum number of distinct signers for quorum.
func (ks *KeySet) Threshold() int {
	return ks.threshold
}

// At returns the key at index i.
func (ks *KeySet) At(i int) PublicKey {
	return ks.keys[i]
}

// Keys returns a copy of the keys in index order.
func (ks *KeySet) Keys() []PublicKey {
	result := make([]PublicKey, len(ks.keys))
	copy(result, ks.keys)

	return result
}

// All iterates over (index, key) pairs in construction order.
func (ks *KeySet) All() iter.Seq2[int, PublicKey] {
	return func(yield func(int, PublicKey) bool) {
		for i, pk := range ks.keys {
			if !yield(i, pk) {
				return
			}
		}
	}
}

// Equal reports whether two key sets have the same keys in the same order and the same threshold.
func (ks *KeySet) Equal(other *KeySet) bool {
	if ks.threshold != other.threshold || len(ks.keys) != len(other.keys) {
		return false
	}

	for i := range ks.keys {
		if ks.keys[i] != other.keys[i] {
			return false
		}
	}

	return true
}
