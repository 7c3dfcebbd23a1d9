package rpc

import (
	"context"
	"errors"
	"fmt"

	"Cosign/internal/aggregation"
	"Cosign/internal/coordinator"
	"Cosign/internal/errs"
	"Cosign/internal/identity"
	"Cosign/internal/keyset"
	"Cosign/internal/network"
)

// Transport sends one request and returns the response bytes.
type Transport interface {
	Request(ctx context.Context, data []byte) ([]byte, error)
}

// Client implements coordinator.Gateway and coordinator.SubmissionLookup over a Transport.
type Client struct {
	transport Transport
}

// NewClient creates a gateway client.
func NewClient(t Transport) *Client {
	return &Client{transport: t}
}

// ReadPendingOperation fetches the account's pending operation.
func (c *Client) ReadPendingOperation(ctx context.Context, id identity.AccountIdentity) (*coordinator.PendingOperation, error) {
	body, _, err := c.call(ctx, OpRead, pendingRequest(id, nil, nil))
	if err != nil {
		return nil, err
	}

	op, err := coordinator.DecodePendingOperation(body)
	if err != nil {
		return nil, fmt.Errorf("read response:\n%w", err)
	}

	return op, nil
}

// RegisterOperation registers a new pending operation.
func (c *Client) RegisterOperation(ctx context.Context, id identity.AccountIdentity, payload []byte, signer keyset.PublicKey, sig []byte) error {
	_, _, err := c.call(ctx, OpRegister, pendingRequest(id, payload, &aggregation.Signature{Signer: signer, Signature: sig}))
	return err
}

// AppendSignature adds a signature to the pending operation.
func (c *Client) AppendSignature(ctx context.Context, id identity.AccountIdentity, signer keyset.PublicKey, sig []byte) error {
	_, _, err := c.call(ctx, OpAppend, pendingRequest(id, nil, &aggregation.Signature{Signer: signer, Signature: sig}))
	return err
}

// SubmitFinal submits the assembled operation.
func (c *Client) SubmitFinal(ctx context.Context, id identity.AccountIdentity, payload []byte, bundle *aggregation.Bundle) (coordinator.TxHandle, error) {
	if bundle == nil {
		return coordinator.TxHandle{}, fmt.Errorf("%w: no bundle", errs.ErrQuorumNotMet)
	}

	req := aggregation.EncodeSignedOperation(&aggregation.SignedOperation{Identity: id, Payload: payload, Bundle: bundle})

	body, handle, err := c.call(ctx, OpSubmit, req)
	if err != nil {
		return handle, err
	}

	return parseHandle(body)
}

// LookupSubmission finds an earlier submission of payload.
func (c *Client) LookupSubmission(ctx context.Context, id identity.AccountIdentity, payload []byte) (coordinator.TxHandle, error) {
	body, _, err := c.call(ctx, OpLookup, pendingRequest(id, payload, nil))
	if err != nil {
		return coordinator.TxHandle{}, err
	}

	return parseHandle(body)
}

// call sends one request. Transport failures become ExternalUnavailable,
// oversized requests ErrPayloadTooLarge, and remote errors are restored to their sentinels.
func (c *Client) call(ctx context.Context, op byte, body []byte) ([]byte, coordinator.TxHandle, error) {
	name := opName(op)

	if 1+len(body) > network.MaxMessageSize {
		return nil, coordinator.TxHandle{}, fmt.Errorf("%w: rpc %s: request is %d bytes, limit %d",
			errs.ErrPayloadTooLarge, name, 1+len(body), network.MaxMessageSize)
	}

	data, err := c.transport.Request(ctx, append([]byte{op}, body...))
	if errors.Is(err, network.ErrMessageTooLarge) {
		return nil, coordinator.TxHandle{}, fmt.Errorf("%w: rpc %s:\n%w", errs.ErrPayloadTooLarge, name, err)
	}
	if err != nil {
		return nil, coordinator.TxHandle{}, errs.Unavailable("rpc "+name, err)
	}

	result, remote, err := parseResponse(data)
	if err != nil {
		return nil, coordinator.TxHandle{}, errs.Unavailable("rpc "+name, err)
	}

	if remote != nil {
		return nil, remote.handle, remote.err(name)
	}

	return result, coordinator.TxHandle{}, nil
}

// err restores the sentinel for the remote code.
func (re *remoteError) err(op string) error {
	if sentinel := errs.FromCode(re.code); sentinel != nil {
		return fmt.Errorf("%w: rpc %s: %s", sentinel, op, re.msg)
	}

	return fmt.Errorf("%w: rpc %s failed (%s): %s", errs.ErrRequestRejected, op, re.code, re.msg)
}

// pendingRequest encodes the identity, optional payload and optional signature
// as a PendingOperation table.
func pendingRequest(id identity.AccountIdentity, payload []byte, sig *aggregation.Signature) []byte {
	op := &coordinator.PendingOperation{Identity: id, Payload: payload}
	if sig != nil {
		op.Signatures = []aggregation.Signature{*sig}
	}

	return coordinator.EncodePendingOperation(op)
}
