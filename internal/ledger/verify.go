package ledger

import (
	"bytes"
	"crypto/ed25519"
	"fmt"

	"Cosign/internal/aggregation"
	"Cosign/internal/errs"
	"Cosign/internal/identity"
	"Cosign/internal/keyset"
)

// verifyIdentity re-derives the address from the aggregated key and nonce
// and returns the encoded key set.
func verifyIdentity(id identity.AccountIdentity) (*keyset.KeySet, error) {
	ks, err := id.Verify()
	if err != nil {
		return nil, fmt.Errorf("%w: identity %s:\n%w", errs.ErrInvalidKey, id.Address, err)
	}

	return ks, nil
}

// verifySignature checks membership, size and the Ed25519 signature over the digest.
func verifySignature(ks *keyset.KeySet, addr identity.Address, payload []byte, signer keyset.PublicKey, sig []byte) error {
	if !ks.Contains(signer) {
		return fmt.Errorf("%w: %s", errs.ErrUnknownSigner, signer)
	}

	if len(sig) != aggregation.SignatureSize {
		return fmt.Errorf("%w: %d bytes", errs.ErrMalformedSignature, len(sig))
	}

	digest := identity.Digest(addr, payload)
	if !ed25519.Verify(signer[:], digest[:], sig) {
		return fmt.Errorf("%w: signer %s", errs.ErrInvalidSignature, signer)
	}

	return nil
}

// verifyBundle checks the bundle structure and every included signature.
func verifyBundle(ks *keyset.KeySet, id identity.AccountIdentity, digest [32]byte, bundle *aggregation.Bundle) error {
	if bundle == nil {
		return fmt.Errorf("%w: no bundle", errs.ErrQuorumNotMet)
	}

	if len(bundle.AggregatedKey) > 0 && !bytes.Equal(bundle.AggregatedKey, id.AggregatedKey) {
		return fmt.Errorf("%w: bundle aggregated key does not match identity", errs.ErrInvalidKey)
	}

	signers, err := bundle.Signers(ks)
	if err != nil {
		return fmt.Errorf("bundle:\n%w", err)
	}

	for _, s := range signers {
		if !ed25519.Verify(s.Signer[:], digest[:], s.Signature) {
			return fmt.Errorf("%w: signer %s", errs.ErrInvalidSignature, s.Signer)
		}
	}

	return nil
}
