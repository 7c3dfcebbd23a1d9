package aggregation

import (
	"Cosign/internal/identity"
	"Cosign/internal/keyset"
)

const (
	// SignatureSize is the size of an Ed25519 signature.
	SignatureSize = 64

	// BitmapSize is the size of the signer bitmap, one bit per possible member.
	BitmapSize = keyset.MaxKeys / 8
)

// Signature is one member's signature over an operation digest.
type Signature struct {
	Signer    keyset.PublicKey // Signer is the member's public key
	Signature []byte           // Signature is the Ed25519 signature (64 bytes)
}

// Bundle is the assembled multi-signature submitted to the execution layer.
type Bundle struct {
	AggregatedKey []byte           // AggregatedKey identifies the key set and threshold
	Bitmap        [BitmapSize]byte // Bitmap marks which members signed
	Signatures    [][]byte         // Signatures are ordered by ascending member index
}

// SignedOperation is a payload with its assembled bundle, ready for submission.
type SignedOperation struct {
	Identity identity.AccountIdentity // Identity is the account the operation runs as
	Payload  []byte                   // Payload is the opaque operation bytes
	Bundle   *Bundle                  // Bundle authenticates the payload
}
