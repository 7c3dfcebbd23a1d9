package aggregation

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"Cosign/internal/identity"
	"Cosign/internal/types"
)

// EncodeSignedOperation serializes a payload and its bundle as a FlatBuffers SignedOperation.
func EncodeSignedOperation(op *SignedOperation) []byte {
	builder := flatbuffers.NewBuilder(1024 + len(op.Payload))

	bundleOffset := buildBundle(builder, op.Bundle)
	addrOffset := builder.CreateByteVector(op.Identity.Address[:])
	aggOffset := builder.CreateByteVector(op.Identity.AggregatedKey)
	payloadOffset := builder.CreateByteVector(op.Payload)

	types.SignedOperationStart(builder)
	types.SignedOperationAddAddress(builder, addrOffset)
	types.SignedOperationAddAggregatedKey(builder, aggOffset)
	types.SignedOperationAddNonce(builder, op.Identity.Nonce)
	types.SignedOperationAddPayload(builder, payloadOffset)
	types.SignedOperationAddBundle(builder, bundleOffset)
	builder.Finish(types.SignedOperationEnd(builder))

	return builder.FinishedBytes()
}

// buildBundle writes a SignatureBundle table into the builder.
func buildBundle(builder *flatbuffers.Builder, b *Bundle) flatbuffers.UOffsetT {
	var sigs []byte
	for _, sig := range b.Signatures {
		sigs = append(sigs, sig...)
	}

	aggOffset := builder.CreateByteVector(b.AggregatedKey)
	bitmapOffset := builder.CreateByteVector(b.Bitmap[:])
	sigsOffset := builder.CreateByteVector(sigs)

	types.SignatureBundleStart(builder)
	types.SignatureBundleAddAggregatedKey(builder, aggOffset)
	types.SignatureBundleAddBitmap(builder, bitmapOffset)
	types.SignatureBundleAddSignatures(builder, sigsOffset)

	return types.SignatureBundleEnd(builder)
}

// DecodeSignedOperation parses a FlatBuffers SignedOperation.
// Structural checks only: signatures are not verified.
func DecodeSignedOperation(data []byte) (*SignedOperation, error) {
	var op *SignedOperation

	err := types.Guard(data, func() error {
		fb := types.GetRootAsSignedOperation(data, 0)

		addr := fb.AddressBytes()
		if len(addr) != identity.AddressSize {
			return fmt.Errorf("invalid address size: got %d, want %d", len(addr), identity.AddressSize)
		}

		fbBundle := fb.Bundle(nil)
		if fbBundle == nil {
			return fmt.Errorf("missing signature bundle")
		}

		bundle, err := decodeBundle(fbBundle)
		if err != nil {
			return fmt.Errorf("decode bundle:\n%w", err)
		}

		op = &SignedOperation{
			Identity: identity.AccountIdentity{
				AggregatedKey: append([]byte(nil), fb.AggregatedKeyBytes()...),
				Nonce:         fb.Nonce(),
			},
			Payload: append([]byte(nil), fb.PayloadBytes()...),
			Bundle:  bundle,
		}
		copy(op.Identity.Address[:], addr)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return op, nil
}

// decodeBundle converts a SignatureBundle table into a Bundle.
func decodeBundle(fb *types.SignatureBundle) (*Bundle, error) {
	bitmap := fb.BitmapBytes()
	if len(bitmap) != BitmapSize {
		return nil, fmt.Errorf("invalid bitmap size: got %d, want %d", len(bitmap), BitmapSize)
	}

	compact := append(append([]byte(nil), fb.SignaturesBytes()...), bitmap...)

	return ParseBundleBytes(fb.AggregatedKeyBytes(), compact)
}
