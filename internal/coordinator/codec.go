package coordinator

import (
	"fmt"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"

	"Cosign/internal/aggregation"
	"Cosign/internal/identity"
	"Cosign/internal/keyset"
	"Cosign/internal/types"
)

// EncodePendingOperation serializes a pending operation as a FlatBuffers table.
// The same table is the ledger record and the QUIC wire body.
func EncodePendingOperation(op *PendingOperation) []byte {
	builder := flatbuffers.NewBuilder(512 + len(op.Payload))

	sigOffsets := make([]flatbuffers.UOffsetT, len(op.Signatures))
	for i, s := range op.Signatures {
		pkOffset := builder.CreateByteVector(s.Signer[:])
		sigOffset := builder.CreateByteVector(s.Signature)

		types.SignerSignatureStart(builder)
		types.SignerSignatureAddPublicKey(builder, pkOffset)
		types.SignerSignatureAddSignature(builder, sigOffset)
		sigOffsets[i] = types.SignerSignatureEnd(builder)
	}

	types.PendingOperationStartSignaturesVector(builder, len(sigOffsets))
	for i := len(sigOffsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(sigOffsets[i])
	}
	sigsVec := builder.EndVector(len(sigOffsets))

	idOffset := builder.CreateString(op.ID)
	addrOffset := builder.CreateByteVector(op.Identity.Address[:])
	aggOffset := builder.CreateByteVector(op.Identity.AggregatedKey)
	payloadOffset := builder.CreateByteVector(op.Payload)

	types.PendingOperationStart(builder)
	types.PendingOperationAddId(builder, idOffset)
	types.PendingOperationAddAddress(builder, addrOffset)
	types.PendingOperationAddAggregatedKey(builder, aggOffset)
	types.PendingOperationAddNonce(builder, op.Identity.Nonce)
	types.PendingOperationAddPayload(builder, payloadOffset)
	types.PendingOperationAddSignatures(builder, sigsVec)
	types.PendingOperationAddCreatedAt(builder, op.CreatedAt.UnixNano())
	types.PendingOperationAddUpdatedAt(builder, op.UpdatedAt.UnixNano())
	types.FinishPendingOperationBuffer(builder, types.PendingOperationEnd(builder))

	return builder.FinishedBytes()
}

// DecodePendingOperation parses a PendingOperation table. Byte fields are copied
// out of the buffer. Unset fields decode as zero values.
func DecodePendingOperation(data []byte) (*PendingOperation, error) {
	var op *PendingOperation

	err := types.Guard(data, func() error {
		fb := types.GetRootAsPendingOperation(data, 0)

		addr := fb.AddressBytes()
		if len(addr) != identity.AddressSize {
			return fmt.Errorf("invalid address size: %d", len(addr))
		}

		op = &PendingOperation{
			ID:        string(fb.Id()),
			Payload:   append([]byte{}, fb.PayloadBytes()...),
			CreatedAt: time.Unix(0, fb.CreatedAt()),
			UpdatedAt: time.Unix(0, fb.UpdatedAt()),
			Identity: identity.AccountIdentity{
				AggregatedKey: append([]byte(nil), fb.AggregatedKeyBytes()...),
				Nonce:         fb.Nonce(),
			},
		}
		copy(op.Identity.Address[:], addr)

		var sig types.SignerSignature
		for i := 0; i < fb.SignaturesLength(); i++ {
			if !fb.Signatures(&sig, i) {
				return fmt.Errorf("signature %d missing", i)
			}

			pk, err := keyset.PublicKeyFromBytes(sig.PublicKeyBytes())
			if err != nil {
				return fmt.Errorf("signature %d:\n%w", i, err)
			}

			op.Signatures = append(op.Signatures, aggregation.Signature{
				Signer:    pk,
				Signature: append([]byte(nil), sig.SignatureBytes()...),
			})
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode pending operation:\n%w", err)
	}

	return op, nil
}
