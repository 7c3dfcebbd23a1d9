// Package client implements the coordinator's gateway over the pendingd HTTP
// API and QUIC transport, plus owner key handling for the CLI.
package client

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"Cosign/internal/aggregation"
	"Cosign/internal/api"
	"Cosign/internal/coordinator"
	"Cosign/internal/identity"
	"Cosign/internal/keyset"
)

// defaultTimeout bounds one HTTP exchange.
const defaultTimeout = 15 * time.Second

// HTTPGateway talks to pendingd over HTTP. It implements coordinator.Gateway
// and coordinator.SubmissionLookup.
type HTTPGateway struct {
	baseURL string       // baseURL is the API root (e.g. "http://127.0.0.1:7000")
	http    *http.Client // http is the underlying client
}

// NewHTTPGateway creates a gateway for addr, which is either a URL or host:port.
func NewHTTPGateway(addr string) *HTTPGateway {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	return &HTTPGateway{
		baseURL: strings.TrimRight(addr, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (g *HTTPGateway) WithHTTPClient(c *http.Client) *HTTPGateway {
	g.http = c
	return g
}

// accountPath returns the route prefix of an account.
func accountPath(addr identity.Address) string {
	return "/accounts/" + addr.String()
}

// ReadPendingOperation fetches the account's pending operation.
func (g *HTTPGateway) ReadPendingOperation(ctx context.Context, id identity.AccountIdentity) (*coordinator.PendingOperation, error) {
	var resp api.PendingJSON
	if err := g.get(ctx, accountPath(id.Address)+"/pending", &resp); err != nil {
		return nil, err
	}

	op, err := api.FromPendingJSON(resp)
	if err != nil {
		return nil, fmt.Errorf("pending operation reply:\n%w", err)
	}

	return op, nil
}

// RegisterOperation registers a new pending operation.
func (g *HTTPGateway) RegisterOperation(ctx context.Context, id identity.AccountIdentity, payload []byte, signer keyset.PublicKey, sig []byte) error {
	return g.postJSON(ctx, accountPath(id.Address)+"/pending", api.RegisterRequest{
		AggregatedKey: id.AggregatedKey,
		Nonce:         id.Nonce,
		Payload:       payload,
		Signer:        signer,
		Signature:     sig,
	}, nil)
}

// AppendSignature adds a signature to the pending operation.
func (g *HTTPGateway) AppendSignature(ctx context.Context, id identity.AccountIdentity, signer keyset.PublicKey, sig []byte) error {
	return g.postJSON(ctx, accountPath(id.Address)+"/signatures", api.AppendRequest{
		AggregatedKey: id.AggregatedKey,
		Nonce:         id.Nonce,
		Signer:        signer,
		Signature:     sig,
	}, nil)
}

// SubmitFinal posts the encoded SignedOperation. On already_submitted the
// earlier handle is returned with the error.
func (g *HTTPGateway) SubmitFinal(ctx context.Context, id identity.AccountIdentity, payload []byte, bundle *aggregation.Bundle) (coordinator.TxHandle, error) {
	body := aggregation.EncodeSignedOperation(&aggregation.SignedOperation{Identity: id, Payload: payload, Bundle: bundle})

	var resp api.HandleResponse

	err := g.do(ctx, http.MethodPost, accountPath(id.Address)+"/submit", "application/octet-stream", body, &resp)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) {
			return se.handle(), se.err()
		}
		return coordinator.TxHandle{}, err
	}

	return coordinator.ParseTxHandle(resp.Handle)
}

// LookupSubmission asks whether payload was already submitted for the account.
func (g *HTTPGateway) LookupSubmission(ctx context.Context, id identity.AccountIdentity, payload []byte) (coordinator.TxHandle, error) {
	digest := identity.Digest(id.Address, payload)

	var resp api.HandleResponse
	if err := g.get(ctx, accountPath(id.Address)+"/submissions/"+hex.EncodeToString(digest[:]), &resp); err != nil {
		return coordinator.TxHandle{}, err
	}

	return coordinator.ParseTxHandle(resp.Handle)
}

// Transaction fetches and decodes a recorded transaction.
func (g *HTTPGateway) Transaction(ctx context.Context, handle coordinator.TxHandle) (*aggregation.SignedOperation, error) {
	var data []byte
	if err := g.get(ctx, "/tx/"+handle.String(), &data); err != nil {
		return nil, err
	}

	op, err := aggregation.DecodeSignedOperation(data)
	if err != nil {
		return nil, fmt.Errorf("transaction %s:\n%w", handle, err)
	}

	return op, nil
}

// Status returns the daemon counters.
func (g *HTTPGateway) Status(ctx context.Context) (*api.StatusResponse, error) {
	var resp api.StatusResponse
	if err := g.get(ctx, "/status", &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}
