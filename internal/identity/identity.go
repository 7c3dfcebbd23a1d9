// Package identity derives multi-signature account identities from key sets.
package identity

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"

	"Cosign/internal/keyset"
)

const (
	// AddressSize is the size of an account address.
	AddressSize = 32

	// SchemeMultiEd25519 identifies the threshold Ed25519 scheme in derivation input.
	SchemeMultiEd25519 byte = 0x01
)

var (
	// addressDomain separates address derivation from other blake3 uses.
	addressDomain = []byte("cosign/address/v1")

	// operationDomain separates operation digests from other blake3 uses.
	operationDomain = []byte("cosign/operation/v1")
)

// Address is a fixed-length account address.
type Address [AddressSize]byte

// String returns the 0x-prefixed lowercase hex encoding.
func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// MarshalText encodes the address as 0x-prefixed hex.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText decodes a hex address.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}

	*a = parsed
	return nil
}

// ParseAddress decodes a hex address, with or without a 0x prefix.
func ParseAddress(s string) (Address, error) {
	var a Address

	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return a, fmt.Errorf("decode hex:\n%w", err)
	}

	if len(b) != AddressSize {
		return a, fmt.Errorf("invalid address size: got %d, want %d", len(b), AddressSize)
	}

	copy(a[:], b)

	return a, nil
}

// AccountIdentity identifies a multi-signature account.
type AccountIdentity struct {
	AggregatedKey []byte  // AggregatedKey is the member keys in index order followed by the threshold
	Address       Address // Address is derived from AggregatedKey and Nonce
	Nonce         uint64  // Nonce disambiguates identical key sets
}

// Derive computes the identity of a key set for a nonce.
// The result depends only on the keys in index order, the threshold and the nonce.
func Derive(ks *keyset.KeySet, nonce uint64) AccountIdentity {
	agg := AggregatedKey(ks)

	return AccountIdentity{
		AggregatedKey: agg,
		Address:       deriveAddress(agg, nonce),
		Nonce:         nonce,
	}
}

// AggregatedKey encodes keys[0] || ... || keys[n-1] || threshold.
func AggregatedKey(ks *keyset.KeySet) []byte {
	buf := make([]byte, 0, ks.Size()*keyset.KeySize+1)

	for _, pk := range ks.All() {
		buf = append(buf, pk[:]...)
	}

	return append(buf, byte(ks.Threshold()))
}

// ParseAggregatedKey rebuilds the key set encoded in an aggregated key.
func ParseAggregatedKey(agg []byte) (*keyset.KeySet, error) {
	if len(agg) < keyset.KeySize+1 || (len(agg)-1)%keyset.KeySize != 0 {
		return nil, fmt.Errorf("invalid aggregated key size: %d", len(agg))
	}

	n := (len(agg) - 1) / keyset.KeySize
	keys := make([]keyset.PublicKey, n)

	for i := range keys {
		copy(keys[i][:], agg[i*keyset.KeySize:(i+1)*keyset.KeySize])
	}

	ks, err := keyset.New(keys, int(agg[len(agg)-1]))
	if err != nil {
		return nil, fmt.Errorf("aggregated key:\n%w", err)
	}

	return ks, nil
}

// deriveAddress hashes domain || aggregated key || nonce (LE) || scheme.
func deriveAddress(agg []byte, nonce uint64) Address {
	var nonceBuf [8]byte
	binary.LittleEndian.PutUint64(nonceBuf[:], nonce)

	h := blake3.New()
	h.Write(addressDomain)
	h.Write(agg)
	h.Write(nonceBuf[:])
	h.Write([]byte{SchemeMultiEd25519})

	var addr Address
	h.Sum(addr[:0])

	return addr
}

// Verify checks that the identity's address matches its aggregated key and nonce,
// and returns the key set it encodes.
func (id AccountIdentity) Verify() (*keyset.KeySet, error) {
	ks, err := ParseAggregatedKey(id.AggregatedKey)
	if err != nil {
		return nil, err
	}

	if deriveAddress(id.AggregatedKey, id.Nonce) != id.Address {
		return nil, fmt.Errorf("address %s does not match aggregated key and nonce %d", id.Address, id.Nonce)
	}

	return ks, nil
}

// Digest returns the message owners sign for a payload on this account.
func Digest(addr Address, payload []byte) [32]byte {
	h := blake3.New()
	h.Write(operationDomain)
	h.Write(addr[:])
	h.Write(payload)

	var d [32]byte
	h.Sum(d[:0])

	return d
}
