package client

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"Cosign/internal/api"
	"Cosign/internal/coordinator"
	"Cosign/internal/errs"
	"Cosign/internal/identity"
	"Cosign/internal/keyset"
	"Cosign/internal/ledger"
	"Cosign/internal/network"
	"Cosign/internal/rpc"
	"Cosign/internal/storage/memory"
)

// newLedger creates a memory-backed ledger.
func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()

	l, err := ledger.New(memory.New(8))
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	return l
}

// newAccount creates three owners and their 2-of-3 account.
func newAccount(t *testing.T) (*keyset.KeySet, identity.AccountIdentity, []*Owner) {
	t.Helper()

	owners := make([]*Owner, 3)
	keys := make([]keyset.PublicKey, 3)

	for i := range owners {
		o, err := GenerateOwner()
		if err != nil {
			t.Fatalf("owner: %v", err)
		}
		owners[i] = o
		keys[i] = o.PublicKey()
	}

	ks, err := keyset.New(keys, 2)
	if err != nil {
		t.Fatalf("keyset: %v", err)
	}

	return ks, identity.Derive(ks, 1), owners
}

// runScenario drives a full operation through a coordinator over gw.
func runScenario(t *testing.T, gw coordinator.Gateway) coordinator.TxHandle {
	t.Helper()

	ks, id, owners := newAccount(t)
	c := coordinator.New(gw)
	ctx := context.Background()
	payload := []byte("withdraw 40")

	if err := c.BeginOperation(ctx, ks, id, payload, owners[1].PublicKey(), owners[1].Sign(id.Address, payload)); err != nil {
		t.Fatalf("begin: %v", err)
	}

	if err := c.BeginOperation(ctx, ks, id, payload, owners[0].PublicKey(), owners[0].Sign(id.Address, payload)); !errors.Is(err, errs.ErrAlreadyInProgress) {
		t.Fatalf("expected ErrAlreadyInProgress, got %v", err)
	}

	if _, err := c.FinalizeOperation(ctx, ks, id, payload); !errors.Is(err, errs.ErrQuorumNotMet) {
		t.Fatalf("expected ErrQuorumNotMet, got %v", err)
	}

	state, err := c.ContributeSignature(ctx, ks, id, owners[2].PublicKey(), owners[2].Sign(id.Address, payload))
	if err != nil || state != coordinator.QuorumReached {
		t.Fatalf("contribute = %v, %v", state, err)
	}

	handle, err := c.FinalizeOperation(ctx, ks, id, payload)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	again, err := c.FinalizeOperation(ctx, ks, id, payload)
	if !errors.Is(err, errs.ErrAlreadySubmitted) || again != handle {
		t.Fatalf("second finalize = %v, %v", again, err)
	}

	state, _, err = c.Observe(ctx, ks, id)
	if err != nil || state != coordinator.NoOperation {
		t.Fatalf("observe after submit = %v, %v", state, err)
	}

	return handle
}

// TestHTTPGatewayScenario tests the full lifecycle against the HTTP API.
func TestHTTPGatewayScenario(t *testing.T) {
	l := newLedger(t)
	srv := httptest.NewServer(api.New(":0", l, l, nil).Handler())
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL)
	handle := runScenario(t, gw)

	op, err := gw.Transaction(context.Background(), handle)
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}

	if !bytes.Equal(op.Payload, []byte("withdraw 40")) || op.Bundle == nil {
		t.Errorf("unexpected transaction %+v", op)
	}

	status, err := gw.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}

	if status.Transactions != 1 || status.Pending != 0 {
		t.Errorf("unexpected status %+v", status)
	}
}

// TestQUICGatewayScenario tests the full lifecycle over QUIC.
func TestQUICGatewayScenario(t *testing.T) {
	l := newLedger(t)

	serverKey, err := LoadOrGenerateKey("")
	if err != nil {
		t.Fatalf("key: %v", err)
	}

	node, err := network.NewNode(network.Config{PrivateKey: serverKey, ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("node: %v", err)
	}
	node.Handle(rpc.NewServer(l, nil).Handle)

	if err := node.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer node.Close()

	gw, err := NewQUICGateway(node.Addr(), nil, node.PublicKey())
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	defer gw.Close()

	runScenario(t, gw)
}

// TestHTTPGatewayUnavailable tests that transport failures are retryable.
func TestHTTPGatewayUnavailable(t *testing.T) {
	_, id, _ := newAccount(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	gw := NewHTTPGateway(srv.URL)

	if _, err := gw.ReadPendingOperation(context.Background(), id); !errs.IsRetryable(err) {
		t.Errorf("expected retryable error for 502, got %v", err)
	}

	srv.Close()

	if _, err := gw.ReadPendingOperation(context.Background(), id); !errs.IsRetryable(err) {
		t.Errorf("expected retryable error for closed server, got %v", err)
	}
}

// TestHTTPGatewayErrorCodes tests that reply codes map back to sentinels.
func TestHTTPGatewayErrorCodes(t *testing.T) {
	_, id, _ := newAccount(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"not a member","code":"unknown_signer"}`))
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL)

	err := gw.AppendSignature(context.Background(), id, keyset.PublicKey{}, make([]byte, 64))
	if !errors.Is(err, errs.ErrUnknownSigner) {
		t.Errorf("expected ErrUnknownSigner, got %v", err)
	}

	if errs.IsRetryable(err) {
		t.Error("unknown signer must not be retryable")
	}
}

// TestHTTPGatewayRejectionsNotRetryable tests that refused requests never look like outages.
func TestHTTPGatewayRejectionsNotRetryable(t *testing.T) {
	l := newLedger(t)
	srv := httptest.NewServer(api.New(":0", l, l, nil).Handler())
	defer srv.Close()

	ks, id, owners := newAccount(t)
	payload := bytes.Repeat([]byte{0xab}, 600<<10)
	c := coordinator.New(NewHTTPGateway(srv.URL))

	err := c.BeginOperation(context.Background(), ks, id, payload, owners[0].PublicKey(), owners[0].Sign(id.Address, payload))
	if !errors.Is(err, errs.ErrPayloadTooLarge) || errs.IsRetryable(err) {
		t.Fatalf("expected non-retryable ErrPayloadTooLarge, got %v", err)
	}

	for _, status := range []int{http.StatusBadRequest, http.StatusInternalServerError, http.StatusNotFound} {
		uncoded := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		_, err := NewHTTPGateway(uncoded.URL).ReadPendingOperation(context.Background(), id)
		uncoded.Close()

		if !errors.Is(err, errs.ErrRequestRejected) || errs.IsRetryable(err) {
			t.Errorf("status %d: expected non-retryable ErrRequestRejected, got %v", status, err)
		}
	}
}

// TestNewHTTPGatewayURL tests base URL normalization.
func TestNewHTTPGatewayURL(t *testing.T) {
	tests := map[string]string{
		"127.0.0.1:7000":         "http://127.0.0.1:7000",
		"https://gw.example/":    "https://gw.example",
		"http://localhost:7000/": "http://localhost:7000",
	}

	for in, want := range tests {
		if got := NewHTTPGateway(in).baseURL; got != want {
			t.Errorf("NewHTTPGateway(%q).baseURL = %q, want %q", in, got, want)
		}
	}
}

// TestKeyFiles tests generating, loading and rejecting key files.
func TestKeyFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys", "owner.key")

	created, err := LoadOrGenerateKey(path)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	loaded, err := LoadOrGenerateKey(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if !created.Equal(loaded) {
		t.Error("reloaded key differs")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	if info.Mode().Perm() != 0600 {
		t.Errorf("key file mode %v, want 0600", info.Mode().Perm())
	}

	if _, err := GenerateKeyFile(path); err == nil {
		t.Error("expected error overwriting an existing key")
	}

	bad := filepath.Join(dir, "bad.key")
	os.WriteFile(bad, []byte("short"), 0600)

	if _, err := LoadOrGenerateKey(bad); err == nil {
		t.Error("expected error for truncated key file")
	}
}

// TestOwnerSign tests that owner signatures verify against the digest.
func TestOwnerSign(t *testing.T) {
	ks, id, owners := newAccount(t)
	payload := []byte("p")

	sig := owners[0].Sign(id.Address, payload)

	if !ks.Contains(owners[0].PublicKey()) || len(sig) != 64 {
		t.Fatal("unexpected owner state")
	}

	digest := identity.Digest(id.Address, payload)
	if !ed25519Verify(owners[0], digest[:], sig) {
		t.Error("signature does not verify")
	}
}

func ed25519Verify(o *Owner, msg, sig []byte) bool {
	pub := o.PublicKey()
	return ed25519.Verify(pub[:], msg, sig)
}
