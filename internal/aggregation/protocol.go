package aggregation

import (
	"fmt"

	"Cosign/internal/errs"
	"Cosign/internal/keyset"
)

// Indices returns the signer indices encoded in the bitmap, ascending.
func (b *Bundle) Indices() []int {
	return ParseSignerBitmap(b.Bitmap[:])
}

// Bytes encodes the compact authenticator.
// Format: [64B sig]*N [4B bitmap]
func (b *Bundle) Bytes() []byte {
	buf := make([]byte, 0, len(b.Signatures)*SignatureSize+BitmapSize)

	for _, sig := range b.Signatures {
		buf = append(buf, sig...)
	}

	return append(buf, b.Bitmap[:]...)
}

// ParseBundleBytes decodes a compact authenticator produced by Bytes.
func ParseBundleBytes(aggregatedKey, data []byte) (*Bundle, error) {
	if len(data) < BitmapSize {
		return nil, fmt.Errorf("bundle too short: %d < %d", len(data), BitmapSize)
	}

	sigLen := len(data) - BitmapSize
	if sigLen%SignatureSize != 0 {
		return nil, fmt.Errorf("%w: signature block of %d bytes", errs.ErrMalformedSignature, sigLen)
	}

	b := &Bundle{AggregatedKey: append([]byte(nil), aggregatedKey...)}
	copy(b.Bitmap[:], data[sigLen:])

	n := sigLen / SignatureSize
	b.Signatures = make([][]byte, n)

	for i := range n {
		b.Signatures[i] = append([]byte(nil), data[i*SignatureSize:(i+1)*SignatureSize]...)
	}

	return b, nil
}

// Validate checks the bundle's structure against a key set:
// one signature per bitmap bit, indices inside the set, and at least threshold signers.
func (b *Bundle) Validate(ks *keyset.KeySet) error {
	indices := b.Indices()

	if len(indices) != len(b.Signatures) {
		return fmt.Errorf("bitmap has %d signers but bundle has %d signatures", len(indices), len(b.Signatures))
	}

	for _, idx := range indices {
		if idx >= ks.Size() {
			return fmt.Errorf("%w: bitmap index %d outside key set of %d", errs.ErrUnknownSigner, idx, ks.Size())
		}
	}

	for i, sig := range b.Signatures {
		if len(sig) != SignatureSize {
			return fmt.Errorf("%w: signature %d has %d bytes", errs.ErrMalformedSignature, i, len(sig))
		}
	}

	if len(indices) < ks.Threshold() {
		return fmt.Errorf("%w: %d of %d", errs.ErrQuorumNotMet, len(indices), ks.Threshold())
	}

	return nil
}

// Signers pairs each included signature with its member key, ascending by index.
func (b *Bundle) Signers(ks *keyset.KeySet) ([]Signature, error) {
	if err := b.Validate(ks); err != nil {
		return nil, err
	}

	indices := b.Indices()
	result := make([]Signature, len(indices))

	for i, idx := range indices {
		result[i] = Signature{Signer: ks.At(idx), Signature: b.Signatures[i]}
	}

	return result, nil
}
