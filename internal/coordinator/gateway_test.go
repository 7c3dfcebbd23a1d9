package coordinator

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/zeebo/blake3"

	"Cosign/internal/aggregation"
	"Cosign/internal/errs"
	"Cosign/internal/identity"
	"Cosign/internal/keyset"
)

// fakeGateway is an in-memory Gateway with failure injection.
type fakeGateway struct {
	mu        sync.Mutex
	pending   map[identity.Address]*PendingOperation
	submitted map[[32]byte]TxHandle

	failReads   int   // failReads makes the next n reads fail with a transport error
	failAppends int   // failAppends makes the next n appends fail with a transport error
	readErr     error // readErr, when set, is returned by every read
	reads       int
	appends     int
	submits     int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		pending:   make(map[identity.Address]*PendingOperation),
		submitted: make(map[[32]byte]TxHandle),
	}
}

var errConnRefused = errors.New("connection refused")

func (g *fakeGateway) ReadPendingOperation(_ context.Context, id identity.AccountIdentity) (*PendingOperation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.reads++

	if g.readErr != nil {
		return nil, g.readErr
	}

	if g.failReads > 0 {
		g.failReads--
		return nil, errConnRefused
	}

	op, ok := g.pending[id.Address]
	if !ok {
		return nil, errs.ErrNotFound
	}

	clone := *op
	clone.Signatures = append([]aggregation.Signature(nil), op.Signatures...)

	return &clone, nil
}

func (g *fakeGateway) RegisterOperation(_ context.Context, id identity.AccountIdentity, payload []byte, signer keyset.PublicKey, sig []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.pending[id.Address]; ok {
		return errs.ErrAlreadyInProgress
	}

	g.pending[id.Address] = &PendingOperation{
		ID:         "op-1",
		Identity:   id,
		Payload:    bytes.Clone(payload),
		Signatures: []aggregation.Signature{{Signer: signer, Signature: bytes.Clone(sig)}},
	}

	return nil
}

func (g *fakeGateway) AppendSignature(_ context.Context, id identity.AccountIdentity, signer keyset.PublicKey, sig []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.appends++

	if g.failAppends > 0 {
		g.failAppends--
		return errConnRefused
	}

	op, ok := g.pending[id.Address]
	if !ok {
		return errs.ErrNotFound
	}

	for i, s := range op.Signatures {
		if s.Signer == signer {
			op.Signatures[i].Signature = bytes.Clone(sig)
			return nil
		}
	}

	op.Signatures = append(op.Signatures, aggregation.Signature{Signer: signer, Signature: bytes.Clone(sig)})

	return nil
}

func (g *fakeGateway) SubmitFinal(_ context.Context, id identity.AccountIdentity, payload []byte, bundle *aggregation.Bundle) (TxHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.submits++

	digest := identity.Digest(id.Address, payload)
	if h, ok := g.submitted[digest]; ok {
		return h, errs.ErrAlreadySubmitted
	}

	if bundle == nil || len(bundle.Signatures) == 0 {
		return TxHandle{}, errs.ErrQuorumNotMet
	}

	h := TxHandle(blake3.Sum256(append(digest[:], bundle.Bytes()...)))
	g.submitted[digest] = h
	delete(g.pending, id.Address)

	return h, nil
}

func (g *fakeGateway) LookupSubmission(_ context.Context, id identity.AccountIdentity, payload []byte) (TxHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if h, ok := g.submitted[identity.Digest(id.Address, payload)]; ok {
		return h, nil
	}

	return TxHandle{}, errs.ErrNotFound
}

// plainGateway hides LookupSubmission from the coordinator.
type plainGateway struct {
	Gateway
}
