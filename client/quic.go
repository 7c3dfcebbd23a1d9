package client

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"

	"Cosign/internal/aggregation"
	"Cosign/internal/coordinator"
	"Cosign/internal/identity"
	"Cosign/internal/keyset"
	"Cosign/internal/network"
	"Cosign/internal/rpc"
)

// QUICGateway talks to pendingd over QUIC. The connection is dialed lazily
// and redialed once it drops.
type QUICGateway struct {
	addr      string            // addr is the daemon's QUIC address
	serverKey ed25519.PublicKey // serverKey pins the daemon key when set
	node      *network.Node     // node dials the daemon
	rpc       *rpc.Client       // rpc encodes the gateway calls

	mu   sync.Mutex
	peer *network.Peer
}

// NewQUICGateway creates a gateway for addr. key authenticates this client and
// may be nil for an ephemeral key. serverKey may be nil to accept any daemon key.
func NewQUICGateway(addr string, key ed25519.PrivateKey, serverKey ed25519.PublicKey) (*QUICGateway, error) {
	if key == nil {
		var err error
		if key, err = LoadOrGenerateKey(""); err != nil {
			return nil, err
		}
	}

	node, err := network.NewNode(network.Config{PrivateKey: key})
	if err != nil {
		return nil, fmt.Errorf("create quic node:\n%w", err)
	}

	g := &QUICGateway{addr: addr, serverKey: serverKey, node: node}
	g.rpc = rpc.NewClient(g)

	return g, nil
}

// Request sends one framed request on the current connection. It implements rpc.Transport.
func (g *QUICGateway) Request(ctx context.Context, data []byte) ([]byte, error) {
	peer, err := g.connect(ctx)
	if err != nil {
		return nil, err
	}

	return peer.Request(ctx, data)
}

// connect returns a live peer, dialing when needed.
func (g *QUICGateway) connect(ctx context.Context) (*network.Peer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.peer != nil && g.peer.Alive() {
		return g.peer, nil
	}

	peer, err := g.node.Dial(ctx, g.addr, g.serverKey)
	if err != nil {
		return nil, err
	}

	g.peer = peer

	return peer, nil
}

// Close closes the connection.
func (g *QUICGateway) Close() error {
	g.mu.Lock()
	if g.peer != nil {
		g.peer.Close()
		g.peer = nil
	}
	g.mu.Unlock()

	return g.node.Close()
}

// ReadPendingOperation fetches the account's pending operation.
func (g *QUICGateway) ReadPendingOperation(ctx context.Context, id identity.AccountIdentity) (*coordinator.PendingOperation, error) {
	return g.rpc.ReadPendingOperation(ctx, id)
}

// RegisterOperation registers a new pending operation.
func (g *QUICGateway) RegisterOperation(ctx context.Context, id identity.AccountIdentity, payload []byte, signer keyset.PublicKey, sig []byte) error {
	return g.rpc.RegisterOperation(ctx, id, payload, signer, sig)
}

// AppendSignature adds a signature to the pending operation.
func (g *QUICGateway) AppendSignature(ctx context.Context, id identity.AccountIdentity, signer keyset.PublicKey, sig []byte) error {
	return g.rpc.AppendSignature(ctx, id, signer, sig)
}

// SubmitFinal submits the assembled operation.
func (g *QUICGateway) SubmitFinal(ctx context.Context, id identity.AccountIdentity, payload []byte, bundle *aggregation.Bundle) (coordinator.TxHandle, error) {
	return g.rpc.SubmitFinal(ctx, id, payload, bundle)
}

// LookupSubmission finds an earlier submission of payload.
func (g *QUICGateway) LookupSubmission(ctx context.Context, id identity.AccountIdentity, payload []byte) (coordinator.TxHandle, error) {
	return g.rpc.LookupSubmission(ctx, id, payload)
}

var (
	_ coordinator.Gateway          = (*QUICGateway)(nil)
	_ coordinator.SubmissionLookup = (*QUICGateway)(nil)
	_ coordinator.Gateway          = (*HTTPGateway)(nil)
	_ coordinator.SubmissionLookup = (*HTTPGateway)(nil)
	_ rpc.Transport                = (*QUICGateway)(nil)
)

