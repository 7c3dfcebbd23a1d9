// Package ledger is the reference external store for pending operations and
// a development execution layer that verifies and records final submissions.
package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"Cosign/internal/aggregation"
	"Cosign/internal/coordinator"
	"Cosign/internal/errs"
	"Cosign/internal/identity"
	"Cosign/internal/keyset"
	"Cosign/internal/logger"
	"Cosign/internal/observability"
	"Cosign/internal/policy"
	"Cosign/internal/storage"
)

// Ledger implements coordinator.Gateway and coordinator.SubmissionLookup over a
// storage backend. A single mutex serializes every read-modify-write so that
// registrations and submissions are atomic per process.
type Ledger struct {
	mu      sync.Mutex
	store   *recordStore
	policy  *policy.Policy
	metrics *observability.Metrics
	now     func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithPolicy sets the staleness policy. Without it nothing expires.
func WithPolicy(p *policy.Policy) Option {
	return func(l *Ledger) {
		l.policy = p
	}
}

// WithMetrics records signature and submission counters.
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Ledger) {
		l.metrics = m
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// New creates a ledger. Values are zstd-compressed before reaching db.
func New(db storage.Backend, opts ...Option) (*Ledger, error) {
	compressed, err := storage.NewCompressed(db)
	if err != nil {
		return nil, fmt.Errorf("compression:\n%w", err)
	}

	l := &Ledger{
		store: &recordStore{db: compressed},
		now:   time.Now,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l, nil
}

// Close releases the compression codec and closes the backend.
func (l *Ledger) Close() error {
	return l.store.db.Close()
}

// ReadPendingOperation returns the live operation pending for the account.
// Stale operations read as errs.ErrNotFound.
func (l *Ledger) ReadPendingOperation(ctx context.Context, id identity.AccountIdentity) (*coordinator.PendingOperation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.loadLive(ctx, id.Address)
}

// RegisterOperation creates a pending operation with the proposer's signature.
// A stale operation for the same account is replaced. A payload that was
// already submitted for the account fails with errs.ErrAlreadySubmitted.
func (l *Ledger) RegisterOperation(ctx context.Context, id identity.AccountIdentity, payload []byte, signer keyset.PublicKey, sig []byte) error {
	ks, err := verifyIdentity(id)
	if err != nil {
		return err
	}

	if err := verifySignature(ks, id.Address, payload, signer, sig); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.loadLive(ctx, id.Address)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}

	if existing != nil {
		return fmt.Errorf("%w: operation %s", errs.ErrAlreadyInProgress, existing.ID)
	}

	if handle, err := l.lookup(ctx, id.Address, identity.Digest(id.Address, payload)); err == nil {
		return fmt.Errorf("%w: %s", errs.ErrAlreadySubmitted, handle)
	} else if !errors.Is(err, errs.ErrNotFound) {
		return err
	}

	now := l.now()
	op := &coordinator.PendingOperation{
		ID:         uuid.NewString(),
		Identity:   id,
		Payload:    bytes.Clone(payload),
		Signatures: []aggregation.Signature{{Signer: signer, Signature: bytes.Clone(sig)}},
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := l.store.put(ctx, pendingKey(id.Address), coordinator.EncodePendingOperation(op)); err != nil {
		return err
	}

	l.metrics.IncSignature("proposer")
	l.metrics.AddBytes("in", len(payload))

	logger.Debug("pending operation stored", "address", id.Address, "id", op.ID)

	return nil
}

// AppendSignature adds or replaces a member's signature on the pending operation.
func (l *Ledger) AppendSignature(ctx context.Context, id identity.AccountIdentity, signer keyset.PublicKey, sig []byte) error {
	ks, err := verifyIdentity(id)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	op, err := l.loadLive(ctx, id.Address)
	if err != nil {
		return err
	}

	if err := verifySignature(ks, id.Address, op.Payload, signer, sig); err != nil {
		return err
	}

	op.Signatures = slices.DeleteFunc(op.Signatures, func(s aggregation.Signature) bool {
		return s.Signer == signer
	})
	op.Signatures = append(op.Signatures, aggregation.Signature{Signer: signer, Signature: bytes.Clone(sig)})
	slices.SortFunc(op.Signatures, func(a, b aggregation.Signature) int {
		ia, _ := ks.IndexOf(a.Signer)
		ib, _ := ks.IndexOf(b.Signer)
		return ia - ib
	})
	op.UpdatedAt = l.now()

	if err := l.store.put(ctx, pendingKey(id.Address), coordinator.EncodePendingOperation(op)); err != nil {
		return err
	}

	l.metrics.IncSignature("member")

	return nil
}

// SubmitFinal verifies the bundle against the pending operation, records the
// signed operation as a transaction and clears the pending slot.
// A repeat of an earlier submission returns errs.ErrAlreadySubmitted with its handle.
func (l *Ledger) SubmitFinal(ctx context.Context, id identity.AccountIdentity, payload []byte, bundle *aggregation.Bundle) (coordinator.TxHandle, error) {
	ks, err := verifyIdentity(id)
	if err != nil {
		return coordinator.TxHandle{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	digest := identity.Digest(id.Address, payload)

	if handle, err := l.lookup(ctx, id.Address, digest); err == nil {
		l.metrics.IncSubmission("duplicate")
		if err := l.dropReplay(ctx, id.Address, payload); err != nil {
			return coordinator.TxHandle{}, err
		}
		return handle, fmt.Errorf("%w: %s", errs.ErrAlreadySubmitted, handle)
	} else if !errors.Is(err, errs.ErrNotFound) {
		return coordinator.TxHandle{}, err
	}

	op, err := l.loadLive(ctx, id.Address)
	if err != nil {
		return coordinator.TxHandle{}, err
	}

	if !bytes.Equal(op.Payload, payload) {
		return coordinator.TxHandle{}, fmt.Errorf("%w: pending operation %s", errs.ErrPayloadMismatch, op.ID)
	}

	if err := verifyBundle(ks, id, digest, bundle); err != nil {
		l.metrics.IncSubmission("rejected")
		return coordinator.TxHandle{}, err
	}

	signed := aggregation.EncodeSignedOperation(&aggregation.SignedOperation{
		Identity: id,
		Payload:  payload,
		Bundle:   bundle,
	})
	handle := coordinator.TxHandle(blake3.Sum256(signed))

	if err := l.store.put(ctx, transactionKey(handle), signed); err != nil {
		return coordinator.TxHandle{}, err
	}

	if err := l.store.put(ctx, submissionKey(id.Address, digest), handle[:]); err != nil {
		return coordinator.TxHandle{}, err
	}

	if err := l.store.delete(ctx, pendingKey(id.Address)); err != nil {
		return coordinator.TxHandle{}, err
	}

	l.metrics.IncSubmission("accepted")
	l.metrics.AddBytes("out", len(signed))

	logger.Info("transaction recorded", "address", id.Address, "handle", handle, "signers", len(bundle.Signatures))

	return handle, nil
}

// LookupSubmission returns the handle of an earlier submission of payload.
func (l *Ledger) LookupSubmission(ctx context.Context, id identity.AccountIdentity, payload []byte) (coordinator.TxHandle, error) {
	return l.LookupDigest(ctx, id.Address, identity.Digest(id.Address, payload))
}

// LookupDigest returns the handle of an earlier submission with this operation digest.
func (l *Ledger) LookupDigest(ctx context.Context, addr identity.Address, digest [32]byte) (coordinator.TxHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.lookup(ctx, addr, digest)
}

// Transaction returns the encoded SignedOperation recorded under handle.
func (l *Ledger) Transaction(ctx context.Context, handle coordinator.TxHandle) ([]byte, error) {
	data, err := l.store.get(ctx, transactionKey(handle))
	if err != nil {
		return nil, fmt.Errorf("transaction %s:\n%w", handle, err)
	}

	return data, nil
}

// Stats counts the records held by the ledger.
type Stats struct {
	Pending      int `json:"pending"`
	Transactions int `json:"transactions"`
}

// Stats returns record counts.
func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	pending, err := l.store.count(ctx, prefixPending)
	if err != nil {
		return Stats{}, err
	}

	txs, err := l.store.count(ctx, prefixTransaction)
	if err != nil {
		return Stats{}, err
	}

	return Stats{Pending: pending, Transactions: txs}, nil
}

// lookup reads the submission index.
func (l *Ledger) lookup(ctx context.Context, addr identity.Address, digest [32]byte) (coordinator.TxHandle, error) {
	var handle coordinator.TxHandle

	data, err := l.store.get(ctx, submissionKey(addr, digest))
	if err != nil {
		return handle, err
	}

	if len(data) != len(handle) {
		return handle, fmt.Errorf("corrupt submission index entry for %s", addr)
	}

	copy(handle[:], data)

	return handle, nil
}

// dropReplay deletes the pending record when it carries an already submitted
// payload, so the account slot is free for the next operation. Caller must hold l.mu.
func (l *Ledger) dropReplay(ctx context.Context, addr identity.Address, payload []byte) error {
	op, err := l.loadLive(ctx, addr)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if !bytes.Equal(op.Payload, payload) {
		return nil
	}

	logger.Info("dropping replayed pending operation", "address", addr, "id", op.ID)

	return l.store.delete(ctx, pendingKey(addr))
}

// loadLive reads the pending record for addr, treating stale records as absent.
// Caller must hold l.mu.
func (l *Ledger) loadLive(ctx context.Context, addr identity.Address) (*coordinator.PendingOperation, error) {
	data, err := l.store.get(ctx, pendingKey(addr))
	if err != nil {
		return nil, err
	}

	op, err := coordinator.DecodePendingOperation(data)
	if err != nil {
		return nil, err
	}

	if l.stale(op) {
		return nil, fmt.Errorf("%w: operation %s expired", errs.ErrNotFound, op.ID)
	}

	return op, nil
}

// stale evaluates the policy for a pending operation.
func (l *Ledger) stale(op *coordinator.PendingOperation) bool {
	threshold := 0
	if agg := op.Identity.AggregatedKey; len(agg) > 0 {
		threshold = int(agg[len(agg)-1])
	}

	return l.policy.Stale(policy.Input{
		Age:         l.now().Sub(op.UpdatedAt),
		Signatures:  len(op.Signatures),
		Threshold:   threshold,
		PayloadSize: len(op.Payload),
	})
}
