package rpc

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"testing"
	"time"

	"Cosign/internal/aggregation"
	"Cosign/internal/coordinator"
	"Cosign/internal/errs"
	"Cosign/internal/identity"
	"Cosign/internal/keyset"
	"Cosign/internal/ledger"
	"Cosign/internal/network"
	"Cosign/internal/storage/memory"
)

// loopback calls the server handler directly.
type loopback struct {
	server *Server
	fail   error
}

func (l *loopback) Request(ctx context.Context, data []byte) ([]byte, error) {
	if l.fail != nil {
		return nil, l.fail
	}

	return l.server.Handle(ctx, make(ed25519.PublicKey, ed25519.PublicKeySize), data)
}

type testOwner struct {
	pub  keyset.PublicKey
	priv ed25519.PrivateKey
}

func (o testOwner) sign(addr identity.Address, payload []byte) []byte {
	d := identity.Digest(addr, payload)
	return ed25519.Sign(o.priv, d[:])
}

// setup creates a 2-of-3 account and a ledger-backed server.
func setup(t *testing.T) (*Server, *keyset.KeySet, identity.AccountIdentity, []testOwner) {
	t.Helper()

	owners := make([]testOwner, 3)
	keys := make([]keyset.PublicKey, 3)

	for i := range owners {
		seed := make([]byte, ed25519.SeedSize)
		seed[0] = byte(i + 1)
		priv := ed25519.NewKeyFromSeed(seed)
		copy(owners[i].pub[:], priv.Public().(ed25519.PublicKey))
		owners[i].priv = priv
		keys[i] = owners[i].pub
	}

	ks, err := keyset.New(keys, 2)
	if err != nil {
		t.Fatalf("keyset: %v", err)
	}

	l, err := ledger.New(memory.New(8))
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	return NewServer(l, nil), ks, identity.Derive(ks, 3), owners
}

// TestGatewayCalls tests every call through the client and server.
func TestGatewayCalls(t *testing.T) {
	server, ks, id, owners := setup(t)
	c := NewClient(&loopback{server: server})
	ctx := context.Background()
	payload := []byte("rotate keys")

	if _, err := c.ReadPendingOperation(ctx, id); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := c.RegisterOperation(ctx, id, payload, owners[0].pub, owners[0].sign(id.Address, payload)); err != nil {
		t.Fatalf("register: %v", err)
	}

	err := c.RegisterOperation(ctx, id, payload, owners[1].pub, owners[1].sign(id.Address, payload))
	if !errors.Is(err, errs.ErrAlreadyInProgress) {
		t.Fatalf("expected ErrAlreadyInProgress, got %v", err)
	}

	if err := c.AppendSignature(ctx, id, owners[1].pub, owners[1].sign(id.Address, payload)); err != nil {
		t.Fatalf("append: %v", err)
	}

	pending, err := c.ReadPendingOperation(ctx, id)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if pending.Identity.Address != id.Address || len(pending.Signatures) != 2 || string(pending.Payload) != string(payload) {
		t.Fatalf("unexpected pending operation %+v", pending)
	}

	collector, err := aggregation.FromSignatures(ks, pending.Signatures)
	if err != nil {
		t.Fatalf("collector: %v", err)
	}

	bundle, err := collector.Assemble()
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	handle, err := c.SubmitFinal(ctx, id, payload, bundle)
	if err != nil || handle.IsZero() {
		t.Fatalf("submit = %v, %v", handle, err)
	}

	again, err := c.SubmitFinal(ctx, id, payload, bundle)
	if !errors.Is(err, errs.ErrAlreadySubmitted) || again != handle {
		t.Fatalf("resubmit = %v, %v", again, err)
	}

	found, err := c.LookupSubmission(ctx, id, payload)
	if err != nil || found != handle {
		t.Fatalf("lookup = %v, %v", found, err)
	}

	if _, err := c.LookupSubmission(ctx, id, []byte("other")); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown payload, got %v", err)
	}
}

// TestCoordinatorOverRPC tests that the coordinator runs unchanged over the client.
func TestCoordinatorOverRPC(t *testing.T) {
	server, ks, id, owners := setup(t)
	coord := coordinator.New(NewClient(&loopback{server: server}))
	ctx := context.Background()
	payload := []byte("pay 5")

	if err := coord.BeginOperation(ctx, ks, id, payload, owners[2].pub, owners[2].sign(id.Address, payload)); err != nil {
		t.Fatalf("begin: %v", err)
	}

	state, err := coord.ContributeSignature(ctx, ks, id, owners[0].pub, owners[0].sign(id.Address, payload))
	if err != nil || state != coordinator.QuorumReached {
		t.Fatalf("contribute = %v, %v", state, err)
	}

	handle, err := coord.FinalizeOperation(ctx, ks, id, payload)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	again, err := coord.FinalizeOperation(ctx, ks, id, payload)
	if !errors.Is(err, errs.ErrAlreadySubmitted) || again != handle {
		t.Fatalf("second finalize = %v, %v", again, err)
	}
}

// TestTransportFailure tests that transport errors surface as ExternalUnavailable.
func TestTransportFailure(t *testing.T) {
	server, _, id, _ := setup(t)
	c := NewClient(&loopback{server: server, fail: errors.New("connection reset")})

	_, err := c.ReadPendingOperation(context.Background(), id)
	if !errors.Is(err, errs.ErrExternalUnavailable) || !errs.IsRetryable(err) {
		t.Fatalf("expected retryable ExternalUnavailable, got %v", err)
	}
}

// TestOversizedRequest tests that requests over the frame limit fail without retry.
func TestOversizedRequest(t *testing.T) {
	server, ks, id, owners := setup(t)
	c := coordinator.New(NewClient(&loopback{server: server}))
	payload := make([]byte, network.MaxMessageSize)

	err := c.BeginOperation(context.Background(), ks, id, payload, owners[0].pub, owners[0].sign(id.Address, payload))
	if !errors.Is(err, errs.ErrPayloadTooLarge) || errs.IsRetryable(err) {
		t.Fatalf("expected non-retryable ErrPayloadTooLarge, got %v", err)
	}

	tooLarge := NewClient(&loopback{server: server, fail: fmt.Errorf("write request:\n%w", network.ErrMessageTooLarge)})
	if _, err := tooLarge.ReadPendingOperation(context.Background(), id); !errors.Is(err, errs.ErrPayloadTooLarge) || errs.IsRetryable(err) {
		t.Errorf("expected non-retryable ErrPayloadTooLarge from transport, got %v", err)
	}
}

// TestUnknownRemoteCode tests that an uncoded remote error is a rejection.
func TestUnknownRemoteCode(t *testing.T) {
	re := &remoteError{code: "something_new", msg: "boom"}

	err := re.err("read")
	if !errors.Is(err, errs.ErrRequestRejected) || errs.IsRetryable(err) {
		t.Errorf("expected non-retryable ErrRequestRejected, got %v", err)
	}

	bad := &remoteError{code: codeBadRequest, msg: "bad"}
	if err := bad.err("read"); !errors.Is(err, errs.ErrRequestRejected) {
		t.Errorf("expected ErrRequestRejected for bad_request, got %v", err)
	}
}

// TestMalformedRequests tests the server's answer to garbage.
func TestMalformedRequests(t *testing.T) {
	server, _, _, _ := setup(t)
	ctx := context.Background()

	inputs := [][]byte{
		nil,
		{0x7f},
		{OpRead, 1, 2, 3},
		{OpSubmit, 0xff, 0xff},
	}

	for i, in := range inputs {
		resp, err := server.Handle(ctx, make(ed25519.PublicKey, ed25519.PublicKeySize), in)
		if err != nil {
			t.Fatalf("input %d: handler error %v", i, err)
		}

		_, remote, err := parseResponse(resp)
		if err != nil || remote == nil || remote.code != codeBadRequest {
			t.Errorf("input %d: expected bad_request, got %+v %v", i, remote, err)
		}
	}
}

// TestResponseParsing tests the response envelope.
func TestResponseParsing(t *testing.T) {
	var h coordinator.TxHandle
	h[0] = 9

	_, remote, err := parseResponse(errorResponse("already_submitted", h, "dup"))
	if err != nil || remote.code != "already_submitted" || remote.handle != h || remote.msg != "dup" {
		t.Fatalf("parsed %+v, %v", remote, err)
	}

	if !errors.Is(remote.err("submit"), errs.ErrAlreadySubmitted) {
		t.Error("code did not map back to its sentinel")
	}

	if body, remote, err := parseResponse(okResponse([]byte("x"))); err != nil || remote != nil || string(body) != "x" {
		t.Errorf("ok response = %q %+v %v", body, remote, err)
	}

	for _, bad := range [][]byte{nil, {0x09}, {statusError, 1, 2}} {
		if _, _, err := parseResponse(bad); err == nil {
			t.Errorf("expected error for %v", bad)
		}
	}
}

// TestOverQUIC tests the gateway calls across a real QUIC connection.
func TestOverQUIC(t *testing.T) {
	server, _, id, owners := setup(t)

	_, serverKey, _ := ed25519.GenerateKey(nil)
	node, err := network.NewNode(network.Config{PrivateKey: serverKey, ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("node: %v", err)
	}
	node.Handle(server.Handle)

	if err := node.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer node.Close()

	_, clientKey, _ := ed25519.GenerateKey(nil)
	dialer, err := network.NewNode(network.Config{PrivateKey: clientKey})
	if err != nil {
		t.Fatalf("dialer: %v", err)
	}
	defer dialer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	peer, err := dialer.Dial(ctx, node.Addr(), node.PublicKey())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer peer.Close()

	c := NewClient(peer)
	payload := []byte("over quic")

	if err := c.RegisterOperation(ctx, id, payload, owners[0].pub, owners[0].sign(id.Address, payload)); err != nil {
		t.Fatalf("register: %v", err)
	}

	pending, err := c.ReadPendingOperation(ctx, id)
	if err != nil || len(pending.Signatures) != 1 {
		t.Fatalf("read = %+v, %v", pending, err)
	}
}
