package aggregation

import (
	"bytes"
	"testing"

	flatbuffers "github.com/google/flatbuffers/go"

	"Cosign/internal/identity"
	"Cosign/internal/types"
)

// signedFixture assembles a 2-of-3 signed operation.
func signedFixture(t *testing.T) *SignedOperation {
	t.Helper()

	ks, signers := setupKeySet(t, 3, 2)
	id := identity.Derive(ks, 7)
	payload := []byte("transfer 10 to bob")
	digest := identity.Digest(id.Address, payload)

	c := NewCollector(ks)
	_ = c.Add(signers[0].pub, signers[0].sign(digest[:]))
	_ = c.Add(signers[1].pub, signers[1].sign(digest[:]))

	bundle, err := c.Assemble()
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	return &SignedOperation{Identity: id, Payload: payload, Bundle: bundle}
}

// TestSignedOperationRoundTrip tests FlatBuffers encoding of a signed operation.
func TestSignedOperationRoundTrip(t *testing.T) {
	in := signedFixture(t)
	id, payload, bundle := in.Identity, in.Payload, in.Bundle

	data := EncodeSignedOperation(in)

	op, err := DecodeSignedOperation(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if op.Identity.Address != id.Address || op.Identity.Nonce != 7 {
		t.Error("identity changed")
	}

	if !bytes.Equal(op.Identity.AggregatedKey, id.AggregatedKey) || !bytes.Equal(op.Bundle.AggregatedKey, id.AggregatedKey) {
		t.Error("aggregated key changed")
	}

	if !bytes.Equal(op.Payload, payload) {
		t.Error("payload changed")
	}

	if !bytes.Equal(op.Bundle.Bytes(), bundle.Bytes()) {
		t.Error("bundle changed")
	}
}

// TestDecodeSignedOperationMalformed tests that garbage input returns an error instead of panicking.
func TestDecodeSignedOperationMalformed(t *testing.T) {
	inputs := [][]byte{
		nil,
		{1, 2, 3},
		bytes.Repeat([]byte{0xff}, 64),
		bytes.Repeat([]byte{0x04, 0x00, 0x00, 0x00}, 8),
	}

	for i, in := range inputs {
		if _, err := DecodeSignedOperation(in); err == nil {
			t.Errorf("input %d: expected error", i)
		}
	}
}

// TestDecodeSignedOperationCopies tests that decoded fields do not alias the input buffer.
func TestDecodeSignedOperationCopies(t *testing.T) {
	in := signedFixture(t)
	data := EncodeSignedOperation(in)

	op, err := DecodeSignedOperation(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	for i := range data {
		data[i] = 0
	}

	if !bytes.Equal(op.Payload, in.Payload) || !bytes.Equal(op.Identity.AggregatedKey, in.Identity.AggregatedKey) {
		t.Error("decoded operation aliases the input buffer")
	}

	if !bytes.Equal(op.Bundle.Bytes(), in.Bundle.Bytes()) {
		t.Error("decoded bundle aliases the input buffer")
	}
}

// TestDecodeSignedOperationStructure tests rejection of well-formed tables with invalid fields.
func TestDecodeSignedOperationStructure(t *testing.T) {
	in := signedFixture(t)

	t.Run("short address", func(t *testing.T) {
		b := flatbuffers.NewBuilder(256)
		addr := b.CreateByteVector(in.Identity.Address[:16])
		bundle := buildBundle(b, in.Bundle)

		types.SignedOperationStart(b)
		types.SignedOperationAddAddress(b, addr)
		types.SignedOperationAddBundle(b, bundle)
		b.Finish(types.SignedOperationEnd(b))

		if _, err := DecodeSignedOperation(b.FinishedBytes()); err == nil {
			t.Error("expected error for short address")
		}
	})

	t.Run("missing bundle", func(t *testing.T) {
		b := flatbuffers.NewBuilder(256)
		addr := b.CreateByteVector(in.Identity.Address[:])

		types.SignedOperationStart(b)
		types.SignedOperationAddAddress(b, addr)
		b.Finish(types.SignedOperationEnd(b))

		if _, err := DecodeSignedOperation(b.FinishedBytes()); err == nil {
			t.Error("expected error for missing bundle")
		}
	})

	t.Run("short bitmap", func(t *testing.T) {
		b := flatbuffers.NewBuilder(256)
		agg := b.CreateByteVector(in.Bundle.AggregatedKey)
		bitmap := b.CreateByteVector(in.Bundle.Bitmap[:2])
		sigs := b.CreateByteVector(in.Bundle.Signatures[0])

		types.SignatureBundleStart(b)
		types.SignatureBundleAddAggregatedKey(b, agg)
		types.SignatureBundleAddBitmap(b, bitmap)
		types.SignatureBundleAddSignatures(b, sigs)
		bundle := types.SignatureBundleEnd(b)

		addr := b.CreateByteVector(in.Identity.Address[:])

		types.SignedOperationStart(b)
		types.SignedOperationAddAddress(b, addr)
		types.SignedOperationAddBundle(b, bundle)
		b.Finish(types.SignedOperationEnd(b))

		if _, err := DecodeSignedOperation(b.FinishedBytes()); err == nil {
			t.Error("expected error for short bitmap")
		}
	})
}
