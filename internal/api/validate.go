package api

import (
	"encoding/hex"
	"fmt"
	"strings"

	"Cosign/internal/aggregation"
	"Cosign/internal/errs"
	"Cosign/internal/identity"
	"Cosign/internal/keyset"
)

// maxAggregatedKeySize is the largest aggregated key: every member plus the threshold byte.
const maxAggregatedKeySize = keyset.MaxKeys*keyset.KeySize + 1

// parseIdentity builds an identity from the request path address and body fields.
// Only sizes are checked here; the store re-derives the address.
func parseIdentity(address string, agg []byte, nonce uint64) (identity.AccountIdentity, error) {
	addr, err := identity.ParseAddress(address)
	if err != nil {
		return identity.AccountIdentity{}, fmt.Errorf("address:\n%w", err)
	}

	if len(agg) > maxAggregatedKeySize {
		return identity.AccountIdentity{}, fmt.Errorf("aggregated key too large: %d bytes", len(agg))
	}

	return identity.AccountIdentity{AggregatedKey: agg, Address: addr, Nonce: nonce}, nil
}

// validateSignature checks the signature size before it reaches the store.
func validateSignature(sig []byte) error {
	if len(sig) != aggregation.SignatureSize {
		return fmt.Errorf("%w: got %d bytes, want %d", errs.ErrMalformedSignature, len(sig), aggregation.SignatureSize)
	}

	return nil
}

// validateSubmission checks that a decoded SignedOperation targets the path address.
func validateSubmission(address identity.Address, op *aggregation.SignedOperation) error {
	if op.Identity.Address != address {
		return fmt.Errorf("operation address %s does not match %s", op.Identity.Address, address)
	}

	if op.Bundle == nil {
		return fmt.Errorf("missing signature bundle")
	}

	return nil
}

// parseDigest decodes a 32-byte operation digest from hex.
func parseDigest(s string) ([32]byte, error) {
	var d [32]byte

	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return d, fmt.Errorf("digest:\n%w", err)
	}

	if len(b) != len(d) {
		return d, fmt.Errorf("invalid digest size: got %d, want %d", len(b), len(d))
	}

	copy(d[:], b)

	return d, nil
}
