// Package network carries length-prefixed request/response exchanges over QUIC.
// Both ends authenticate with self-signed Ed25519 certificates.
package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"Cosign/internal/logger"
)

const (
	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "cosign/1"

	// defaultIdleTimeout closes connections with no traffic.
	defaultIdleTimeout = 30 * time.Second

	// keepAlivePeriod keeps dialed connections open between requests.
	keepAlivePeriod = 10 * time.Second
)

// Handler answers one request from the peer identified by remote.
// A returned error resets the stream without a response.
type Handler func(ctx context.Context, remote ed25519.PublicKey, req []byte) ([]byte, error)

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey  ed25519.PrivateKey // PrivateKey is the node's ed25519 private key
	ListenAddr  string             // ListenAddr is the address to listen on (e.g., ":7001"), empty for dial-only nodes
	IdleTimeout time.Duration      // IdleTimeout closes quiet connections
}

// Node accepts request streams on a QUIC listener and dials remote nodes.
type Node struct {
	privateKey ed25519.PrivateKey // privateKey is the node's ed25519 private key
	publicKey  ed25519.PublicKey  // publicKey is the node's ed25519 public key
	listenAddr string             // listenAddr is the address to listen on
	tlsConfig  *tls.Config        // tlsConfig is the TLS configuration
	quicConfig *quic.Config       // quicConfig is the QUIC configuration

	listener *quic.Listener // listener is the QUIC listener

	peers   map[string]*Peer // peers maps public key hex to inbound peer
	peersMu sync.RWMutex     // peersMu protects peers map

	handler   Handler      // handler answers inbound requests
	handlerMu sync.RWMutex // handlerMu protects handler

	ctx    context.Context    // ctx is the node's context
	cancel context.CancelFunc // cancel cancels the node's context
	wg     sync.WaitGroup     // wg waits for goroutines to finish
}

// NewNode creates a new network node.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	idle := cfg.IdleTimeout
	if idle == 0 {
		idle = defaultIdleTimeout
	}

	cert, err := generateCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // keys are checked against the certificate after the handshake
		NextProtos:         []string{alpnProtocol},
		MinVersion:         tls.VersionTLS13,
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  idle,
		KeepAlivePeriod: keepAlivePeriod,
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		privateKey: cfg.PrivateKey,
		publicKey:  cfg.PrivateKey.Public().(ed25519.PublicKey),
		listenAddr: cfg.ListenAddr,
		tlsConfig:  tlsConfig,
		quicConfig: quicConfig,
		peers:      make(map[string]*Peer),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// PublicKey returns the node's public key.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.publicKey
}

// Addr returns the listener's address. Returns empty string if not started.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Handle sets the handler for inbound requests.
func (n *Node) Handle(fn Handler) {
	n.handlerMu.Lock()
	n.handler = fn
	n.handlerMu.Unlock()
}

// Start starts the listener and begins accepting connections.
func (n *Node) Start() error {
	if n.listenAddr == "" {
		return fmt.Errorf("listen address is required")
	}

	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	logger.Info("quic listener started", "addr", n.Addr(), "key", hex.EncodeToString(n.publicKey))

	return nil
}

// Dial connects to a remote node. When want is non-nil the remote certificate
// must carry exactly that key.
func (n *Node) Dial(ctx context.Context, addr string, want ed25519.PublicKey) (*Peer, error) {
	conn, err := quic.DialAddr(ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	pubKey, err := extractPublicKey(conn.ConnectionState().TLS)
	if err == nil && want != nil && !pubKey.Equal(want) {
		err = fmt.Errorf("remote key %x does not match pinned key %x", pubKey, want)
	}
	if err != nil {
		conn.CloseWithError(1, "handshake rejected")
		return nil, err
	}

	return &Peer{publicKey: pubKey, address: addr, conn: conn}, nil
}

// Peers returns the inbound peers currently connected.
func (n *Node) Peers() []*Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}

	return peers
}

// Close stops the node and closes all inbound connections.
func (n *Node) Close() error {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	n.peersMu.Lock()
	for _, p := range n.peers {
		p.Close()
	}
	n.peers = make(map[string]*Peer)
	n.peersMu.Unlock()

	n.wg.Wait()

	return nil
}

// acceptLoop accepts incoming connections.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return // Listener closed
		}

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.serveConn(conn)
		}()
	}
}

// serveConn registers the peer and serves its request streams until it goes away.
func (n *Node) serveConn(conn *quic.Conn) {
	pubKey, err := extractPublicKey(conn.ConnectionState().TLS)
	if err != nil {
		logger.Debug("rejecting quic connection", "remote", conn.RemoteAddr(), "error", err)
		conn.CloseWithError(1, "no client key")
		return
	}

	peer := &Peer{publicKey: pubKey, address: conn.RemoteAddr().String(), conn: conn}
	keyHex := hex.EncodeToString(pubKey)

	n.peersMu.Lock()
	n.peers[keyHex] = peer
	n.peersMu.Unlock()

	defer func() {
		n.peersMu.Lock()
		if n.peers[keyHex] == peer {
			delete(n.peers, keyHex)
		}
		n.peersMu.Unlock()
	}()

	for {
		stream, err := conn.AcceptStream(n.ctx)
		if err != nil {
			logger.Debug("quic peer gone", "peer", peer.address, "error", err)
			return
		}

		go n.serveStream(peer, stream)
	}
}

// serveStream reads one request, runs the handler and writes the response.
func (n *Node) serveStream(p *Peer, stream *quic.Stream) {
	defer stream.Close()

	stream.SetDeadline(time.Now().Add(defaultRequestTimeout))

	data, err := readMessage(stream)
	if err != nil {
		logger.Debug("stream read error", "peer", p.address, "error", err)
		return
	}

	n.handlerMu.RLock()
	fn := n.handler
	n.handlerMu.RUnlock()

	if fn == nil {
		stream.CancelWrite(errNoHandler)
		return
	}

	response, err := fn(stream.Context(), p.publicKey, data)
	if err != nil {
		logger.Debug("request handler failed", "peer", p.address, "error", err)
		stream.CancelWrite(errHandlerFailed)
		return
	}

	if err := writeMessage(stream, response); err != nil {
		logger.Debug("stream write error", "peer", p.address, "error", err)
	}
}
