package coordinator

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"Cosign/internal/aggregation"
	"Cosign/internal/identity"
	"Cosign/internal/keyset"
)

// State is the lifecycle stage of an account's pending operation.
type State int

const (
	// NoOperation means no operation is pending for the account.
	NoOperation State = iota

	// ProposedByInitiator means only the proposer's signature is present.
	ProposedByInitiator

	// Collecting means more than one but fewer than threshold signatures are present.
	Collecting

	// QuorumReached means at least threshold signatures are present.
	QuorumReached

	// Submitted means the assembled operation was accepted by the execution layer.
	// The pending record is gone by then, so only ObservePayload reports it.
	Submitted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case NoOperation:
		return "no-operation"
	case ProposedByInitiator:
		return "proposed"
	case Collecting:
		return "collecting"
	case QuorumReached:
		return "quorum-reached"
	case Submitted:
		return "submitted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// stateFor maps an observed signer count to a state.
func stateFor(count, threshold int) State {
	switch {
	case count == 0:
		return NoOperation
	case count >= threshold:
		return QuorumReached
	case count == 1:
		return ProposedByInitiator
	default:
		return Collecting
	}
}

// TxHandle identifies a transaction accepted by the execution layer.
type TxHandle [32]byte

// String returns the 0x-prefixed hex encoding.
func (h TxHandle) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// IsZero reports whether the handle is unset.
func (h TxHandle) IsZero() bool {
	return h == TxHandle{}
}

// ParseTxHandle decodes a hex handle, with or without a 0x prefix.
func ParseTxHandle(s string) (TxHandle, error) {
	var h TxHandle

	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return h, fmt.Errorf("decode hex:\n%w", err)
	}

	if len(b) != len(h) {
		return h, fmt.Errorf("invalid handle size: got %d, want %d", len(b), len(h))
	}

	copy(h[:], b)

	return h, nil
}

// PendingOperation is the externally stored state of one proposed operation.
type PendingOperation struct {
	ID         string                   // ID is assigned by the store at registration
	Identity   identity.AccountIdentity // Identity is the account the operation runs as
	Payload    []byte                   // Payload is the opaque operation bytes
	Signatures []aggregation.Signature  // Signatures holds one entry per distinct signer
	CreatedAt  time.Time                // CreatedAt is the registration time
	UpdatedAt  time.Time                // UpdatedAt is the time of the last append
}

// Signature returns the recorded signature of a signer, or nil.
func (p *PendingOperation) Signature(pk keyset.PublicKey) []byte {
	for _, s := range p.Signatures {
		if s.Signer == pk {
			return s.Signature
		}
	}

	return nil
}

// Gateway is the external store holding pending operations and accepting final submissions.
// Implementations return errs.ErrNotFound when no operation is pending and
// wrap transport failures with errs.Unavailable.
type Gateway interface {
	// ReadPendingOperation returns the operation pending for the account.
	ReadPendingOperation(ctx context.Context, id identity.AccountIdentity) (*PendingOperation, error)

	// RegisterOperation creates a pending operation carrying the proposer's signature.
	RegisterOperation(ctx context.Context, id identity.AccountIdentity, payload []byte, signer keyset.PublicKey, sig []byte) error

	// AppendSignature adds or overwrites one signer's signature.
	AppendSignature(ctx context.Context, id identity.AccountIdentity, signer keyset.PublicKey, sig []byte) error

	// SubmitFinal submits the assembled operation. On errs.ErrAlreadySubmitted
	// the returned handle is the earlier submission's when the gateway knows it.
	SubmitFinal(ctx context.Context, id identity.AccountIdentity, payload []byte, bundle *aggregation.Bundle) (TxHandle, error)
}

// SubmissionLookup is implemented by gateways that remember past submissions.
type SubmissionLookup interface {
	// LookupSubmission returns the handle of an earlier submission of payload,
	// or errs.ErrNotFound.
	LookupSubmission(ctx context.Context, id identity.AccountIdentity, payload []byte) (TxHandle, error)
}
