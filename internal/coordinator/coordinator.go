// Package coordinator drives the lifecycle of a multi-signature operation
// against an external gateway.
package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"Cosign/internal/aggregation"
	"Cosign/internal/errs"
	"Cosign/internal/identity"
	"Cosign/internal/keyset"
	"Cosign/internal/logger"
	"Cosign/internal/observability"
)

const (
	// defaultAttempts is the number of tries for idempotent gateway calls.
	defaultAttempts = 1

	// defaultBackoff is the wait before the first retry, doubled on each retry.
	defaultBackoff = 200 * time.Millisecond
)

// Coordinator runs begin, contribute, check and finalize against a Gateway.
// It holds no operation state: every decision is made on freshly read gateway state.
type Coordinator struct {
	gateway  Gateway                // gateway is the external store
	metrics  *observability.Metrics // metrics records operation outcomes (optional)
	attempts int                    // attempts bounds retries of idempotent calls
	backoff  time.Duration          // backoff is the initial retry delay
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRetry retries idempotent gateway calls on ExternalUnavailable.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(c *Coordinator) {
		if attempts > 0 {
			c.attempts = attempts
		}
		c.backoff = backoff
	}
}

// WithMetrics records operation counts and durations.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// New creates a Coordinator over a gateway.
func New(gw Gateway, opts ...Option) *Coordinator {
	c := &Coordinator{
		gateway:  gw,
		attempts: defaultAttempts,
		backoff:  defaultBackoff,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// CreateKeySet builds an owner key set.
func CreateKeySet(keys []keyset.PublicKey, threshold int) (*keyset.KeySet, error) {
	return keyset.New(keys, threshold)
}

// DeriveIdentity derives the account identity of a key set for a nonce.
func DeriveIdentity(ks *keyset.KeySet, nonce uint64) identity.AccountIdentity {
	return identity.Derive(ks, nonce)
}

// BeginOperation registers a new operation with the proposer's signature.
// Fails with ErrAlreadyInProgress when an operation is already pending.
func (c *Coordinator) BeginOperation(ctx context.Context, ks *keyset.KeySet, id identity.AccountIdentity, payload []byte, proposer keyset.PublicKey, sig []byte) (err error) {
	op, ctx := observability.StartOperation(ctx, c.metrics, "coordinator.begin", attribute.String("address", id.Address.String()))
	defer func() { op.End(err) }()

	if err := checkIdentity(ks, id); err != nil {
		return err
	}

	if err := aggregation.NewCollector(ks).Add(proposer, sig); err != nil {
		return fmt.Errorf("proposer signature:\n%w", err)
	}

	existing, err := c.read(ctx, id)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}

	if existing != nil {
		return fmt.Errorf("%w: operation %s", errs.ErrAlreadyInProgress, existing.ID)
	}

	if err := c.gateway.RegisterOperation(ctx, id, payload, proposer, sig); err != nil {
		return classify("register operation", err)
	}

	logger.Info("operation registered", "address", id.Address, "proposer", proposer)

	return nil
}

// ContributeSignature appends a member's signature to the pending operation
// and returns the state observed once the gateway confirms the append.
func (c *Coordinator) ContributeSignature(ctx context.Context, ks *keyset.KeySet, id identity.AccountIdentity, signer keyset.PublicKey, sig []byte) (state State, err error) {
	op, ctx := observability.StartOperation(ctx, c.metrics, "coordinator.contribute", attribute.String("address", id.Address.String()))
	defer func() { op.End(err) }()

	if err := checkIdentity(ks, id); err != nil {
		return NoOperation, err
	}

	if err := aggregation.NewCollector(ks).Add(signer, sig); err != nil {
		return NoOperation, fmt.Errorf("contribute:\n%w", err)
	}

	pending, err := c.read(ctx, id)
	if err != nil {
		return NoOperation, err
	}

	collector, err := aggregation.FromSignatures(ks, pending.Signatures)
	if err != nil {
		return NoOperation, fmt.Errorf("observed signatures:\n%w", err)
	}

	err = c.retry(ctx, func() error {
		return classify("append signature", c.gateway.AppendSignature(ctx, id, signer, sig))
	})
	if err != nil {
		return stateFor(collector.Count(), ks.Threshold()), err
	}

	_ = collector.Add(signer, sig)
	state = stateFor(collector.Count(), ks.Threshold())

	logger.Info("signature contributed", "address", id.Address, "signer", signer, "state", state)

	return state, nil
}

// CheckQuorum reports whether the pending operation has reached quorum.
// A non-nil assumeExtra counts as one more signer if it has not signed yet.
func (c *Coordinator) CheckQuorum(ctx context.Context, ks *keyset.KeySet, id identity.AccountIdentity, assumeExtra *keyset.PublicKey) (bool, error) {
	if err := checkIdentity(ks, id); err != nil {
		return false, err
	}

	pending, err := c.read(ctx, id)
	if err != nil {
		return false, err
	}

	collector, err := aggregation.FromSignatures(ks, pending.Signatures)
	if err != nil {
		return false, fmt.Errorf("observed signatures:\n%w", err)
	}

	return collector.QuorumReached(assumeExtra), nil
}

// Observe returns the current state and the pending operation, if any.
func (c *Coordinator) Observe(ctx context.Context, ks *keyset.KeySet, id identity.AccountIdentity) (State, *PendingOperation, error) {
	if err := checkIdentity(ks, id); err != nil {
		return NoOperation, nil, err
	}

	pending, err := c.read(ctx, id)
	if errors.Is(err, errs.ErrNotFound) {
		return NoOperation, nil, nil
	}
	if err != nil {
		return NoOperation, nil, err
	}

	collector, err := aggregation.FromSignatures(ks, pending.Signatures)
	if err != nil {
		return NoOperation, pending, fmt.Errorf("observed signatures:\n%w", err)
	}

	return stateFor(collector.Count(), ks.Threshold()), pending, nil
}

// ObservePayload is Observe for a specific payload. It reports Submitted with the
// handle when no operation is pending and the gateway remembers a submission of
// payload. Gateways without SubmissionLookup never produce Submitted.
func (c *Coordinator) ObservePayload(ctx context.Context, ks *keyset.KeySet, id identity.AccountIdentity, payload []byte) (State, TxHandle, error) {
	state, pending, err := c.Observe(ctx, ks, id)
	if err != nil || state != NoOperation {
		if err == nil && !bytes.Equal(pending.Payload, payload) {
			return NoOperation, TxHandle{}, fmt.Errorf("%w: pending operation %s", errs.ErrPayloadMismatch, pending.ID)
		}
		return state, TxHandle{}, err
	}

	handle, err := c.alreadySubmitted(ctx, id, payload, nil)
	if errors.Is(err, errs.ErrAlreadySubmitted) {
		return Submitted, handle, nil
	}

	return NoOperation, TxHandle{}, err
}

// FinalizeOperation assembles the bundle from the pending signatures and submits it.
// Returns ErrQuorumNotMet if called early and ErrAlreadySubmitted, with the
// earlier handle when known, if another owner finalized first.
func (c *Coordinator) FinalizeOperation(ctx context.Context, ks *keyset.KeySet, id identity.AccountIdentity, payload []byte) (handle TxHandle, err error) {
	op, ctx := observability.StartOperation(ctx, c.metrics, "coordinator.finalize", attribute.String("address", id.Address.String()))
	defer func() {
		if errs.IsBenign(err) {
			op.End(nil)
			return
		}
		op.End(err)
	}()

	if err := checkIdentity(ks, id); err != nil {
		return TxHandle{}, err
	}

	pending, err := c.read(ctx, id)
	if errors.Is(err, errs.ErrNotFound) {
		return c.alreadySubmitted(ctx, id, payload, err)
	}
	if err != nil {
		return TxHandle{}, err
	}

	if !bytes.Equal(pending.Payload, payload) {
		return c.alreadySubmitted(ctx, id, payload, fmt.Errorf("%w: pending operation %s", errs.ErrPayloadMismatch, pending.ID))
	}

	collector, err := aggregation.FromSignatures(ks, pending.Signatures)
	if err != nil {
		return TxHandle{}, fmt.Errorf("observed signatures:\n%w", err)
	}

	bundle, err := collector.Assemble()
	if err != nil {
		return TxHandle{}, fmt.Errorf("assemble:\n%w", err)
	}

	handle, err = c.gateway.SubmitFinal(ctx, id, payload, bundle)
	if err != nil {
		return handle, classify("submit final", err)
	}

	logger.Info("operation submitted", "address", id.Address, "handle", handle, "signers", collector.Count())

	return handle, nil
}

// alreadySubmitted resolves a missing or replaced pending operation. If the gateway
// remembers a submission of payload it reports ErrAlreadySubmitted, otherwise cause.
func (c *Coordinator) alreadySubmitted(ctx context.Context, id identity.AccountIdentity, payload []byte, cause error) (TxHandle, error) {
	lookup, ok := c.gateway.(SubmissionLookup)
	if !ok {
		return TxHandle{}, cause
	}

	var handle TxHandle

	err := c.retry(ctx, func() error {
		var lookupErr error
		handle, lookupErr = lookup.LookupSubmission(ctx, id, payload)
		return classify("lookup submission", lookupErr)
	})
	if errors.Is(err, errs.ErrNotFound) {
		return TxHandle{}, cause
	}
	if err != nil {
		return TxHandle{}, err
	}

	return handle, fmt.Errorf("%w: %s", errs.ErrAlreadySubmitted, handle)
}

// read fetches the pending operation with retries.
func (c *Coordinator) read(ctx context.Context, id identity.AccountIdentity) (*PendingOperation, error) {
	var pending *PendingOperation

	err := c.retry(ctx, func() error {
		var readErr error
		pending, readErr = c.gateway.ReadPendingOperation(ctx, id)
		return classify("read pending operation", readErr)
	})
	if err != nil {
		return nil, err
	}

	if pending.Identity.Address != id.Address {
		return nil, fmt.Errorf("gateway returned operation for %s, want %s", pending.Identity.Address, id.Address)
	}

	return pending, nil
}

// retry runs fn until it succeeds, fails with a non-retryable error, or attempts run out.
func (c *Coordinator) retry(ctx context.Context, fn func() error) error {
	var err error
	delay := c.backoff

	for attempt := 1; ; attempt++ {
		if err = fn(); !errs.IsRetryable(err) || attempt >= c.attempts {
			return err
		}

		logger.Debug("retrying gateway call", "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}

		delay *= 2
	}
}

// classify keeps taxonomy errors distinct and turns anything else into ExternalUnavailable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	if errs.Known(err) {
		return fmt.Errorf("%s:\n%w", op, err)
	}

	return errs.Unavailable(op, err)
}

// checkIdentity verifies that id was derived from ks.
func checkIdentity(ks *keyset.KeySet, id identity.AccountIdentity) error {
	if !bytes.Equal(identity.AggregatedKey(ks), id.AggregatedKey) {
		return fmt.Errorf("%w: identity %s does not belong to this key set", errs.ErrInvalidKey, id.Address)
	}

	if identity.Derive(ks, id.Nonce).Address != id.Address {
		return fmt.Errorf("%w: identity %s does not match nonce %d", errs.ErrInvalidKey, id.Address, id.Nonce)
	}

	return nil
}
