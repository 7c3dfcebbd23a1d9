package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"Cosign/client"
	"Cosign/internal/api"
	"Cosign/internal/config"
	"Cosign/internal/ledger"
	"Cosign/internal/logger"
	"Cosign/internal/network"
	"Cosign/internal/observability"
	"Cosign/internal/policy"
	"Cosign/internal/rpc"
	"Cosign/internal/storage"
)

// shutdownTimeout bounds the flush of metrics and traces on exit.
const shutdownTimeout = 5 * time.Second

// Daemon wires storage, the ledger and both transports.
type Daemon struct {
	cfg config.Config

	logCloser io.Closer                    // logCloser flushes the log file
	obs       *observability.Observability // obs holds metrics and tracing
	ledger    *ledger.Ledger               // ledger stores pending operations
	api       *api.Server                  // api is the HTTP API (nil when disabled)
	network   *network.Node                // network is the QUIC listener (nil when disabled)

	ctx    context.Context    // ctx stops background loops
	cancel context.CancelFunc // cancel cancels ctx
}

// NewDaemon initializes every component in dependency order.
// On failure the components already created are closed.
func NewDaemon(ctx context.Context, cfg config.Config) (_ *Daemon, err error) {
	if ctx == nil {
		ctx = context.Background()
	}

	d := &Daemon{cfg: cfg}
	d.ctx, d.cancel = context.WithCancel(ctx)

	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	if err := d.initLogger(); err != nil {
		return nil, err
	}

	if err := d.initObservability(); err != nil {
		return nil, err
	}

	if err := d.initLedger(); err != nil {
		return nil, err
	}

	if err := d.initNetwork(); err != nil {
		return nil, err
	}

	d.initAPI()

	return d, nil
}

// initLogger installs the global logger.
func (d *Daemon) initLogger() error {
	closer, err := logger.Setup(logger.Options{
		Level:     d.cfg.Log.Level,
		Format:    d.cfg.Log.Format,
		File:      d.cfg.Log.File,
		MaxSizeKB: d.cfg.Log.MaxSizeKB,
		MaxRolls:  d.cfg.Log.MaxRolls,
	})
	if err != nil {
		return fmt.Errorf("setup logger:\n%w", err)
	}

	d.logCloser = closer

	return nil
}

// initObservability creates metrics and tracing and serves /metrics.
func (d *Daemon) initObservability() error {
	obs, err := observability.New(d.ctx, observability.Config{
		MetricsAddr:    d.cfg.Observability.MetricsAddr,
		OTLPEndpoint:   d.cfg.Observability.OTLPEndpoint,
		OTLPProtocol:   d.cfg.Observability.OTLPProtocol,
		ServiceName:    d.cfg.Observability.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init observability:\n%w", err)
	}

	d.obs = obs
	obs.ServeMetrics(d.cfg.Observability.MetricsAddr)

	return nil
}

// initLedger opens the storage backend and the ledger on top of it.
func (d *Daemon) initLedger() error {
	stale, err := policy.Compile(d.cfg.Policy.Stale)
	if err != nil {
		return fmt.Errorf("staleness policy:\n%w", err)
	}

	db, err := storage.New(d.ctx, d.cfg.Storage.Backend, d.cfg.StorageOptions())
	if err != nil {
		return fmt.Errorf("open storage:\n%w", err)
	}

	l, err := ledger.New(db, ledger.WithPolicy(stale), ledger.WithMetrics(d.obs.Metrics))
	if err != nil {
		db.Close()
		return fmt.Errorf("create ledger:\n%w", err)
	}

	d.ledger = l

	logger.Info("ledger ready", "backend", d.cfg.Storage.Backend, "policy", stale.String())

	return nil
}

// initNetwork creates the QUIC node. Disabled when quic.addr is empty.
func (d *Daemon) initNetwork() error {
	if d.cfg.QUIC.Addr == "" {
		return nil
	}

	key, err := client.LoadOrGenerateKey(d.cfg.KeyFile())
	if err != nil {
		return fmt.Errorf("load quic key:\n%w", err)
	}

	node, err := network.NewNode(network.Config{PrivateKey: key, ListenAddr: d.cfg.QUIC.Addr})
	if err != nil {
		return fmt.Errorf("create quic node:\n%w", err)
	}

	node.Handle(rpc.NewServer(d.ledger, d.obs.Metrics).Handle)
	d.network = node

	return nil
}

// initAPI creates the HTTP API. Disabled when http.addr is empty.
func (d *Daemon) initAPI() {
	if d.cfg.HTTP.Addr == "" {
		return
	}

	d.api = api.New(d.cfg.HTTP.Addr, d.ledger, d.ledger, d.obs.Metrics)
}

// Start starts the listeners and the sweeper without blocking.
func (d *Daemon) Start() error {
	if d.network != nil {
		if err := d.network.Start(); err != nil {
			return fmt.Errorf("start quic:\n%w", err)
		}
	}

	if d.api != nil {
		if err := d.api.Start(); err != nil {
			return fmt.Errorf("start api:\n%w", err)
		}
	}

	go d.ledger.RunSweeper(d.ctx, d.cfg.Policy.SweepInterval)

	d.printStartupInfo()

	return nil
}

// Run starts the daemon and blocks until a shutdown signal or context cancellation.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		d.Close()
		return err
	}

	return d.waitForShutdown()
}

// printStartupInfo logs the daemon configuration at startup.
func (d *Daemon) printStartupInfo() {
	var quicKey string
	if d.network != nil {
		quicKey = hex.EncodeToString(d.network.PublicKey())
	}

	logger.Info("pendingd started",
		"version", version,
		"http", d.cfg.HTTP.Addr,
		"quic", d.quicAddr(),
		"quic_key", quicKey,
		"storage", d.cfg.Storage.Backend,
		"data", d.cfg.DataDir,
	)
}

// quicAddr returns the bound QUIC address, or empty when disabled.
func (d *Daemon) quicAddr() string {
	if d.network == nil {
		return ""
	}
	return d.network.Addr()
}

// QUICKey returns the daemon's QUIC identity, or nil when QUIC is disabled.
func (d *Daemon) QUICKey() ed25519.PublicKey {
	if d.network == nil {
		return nil
	}
	return d.network.PublicKey()
}

// waitForShutdown blocks until SIGINT, SIGTERM or context cancellation.
func (d *Daemon) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case <-d.ctx.Done():
		logger.Info("shutting down", "reason", d.ctx.Err())
	}

	return d.Close()
}

// Close stops every component in reverse start order.
func (d *Daemon) Close() error {
	d.cancel()

	if d.api != nil {
		if err := d.api.Stop(); err != nil {
			logger.Warn("http api shutdown", "error", err)
		}
	}

	if d.network != nil {
		d.network.Close()
	}

	if d.ledger != nil {
		if err := d.ledger.Close(); err != nil {
			logger.Warn("ledger close", "error", err)
		}
	}

	if d.obs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := d.obs.Close(ctx); err != nil {
			logger.Warn("observability shutdown", "error", err)
		}
	}

	if d.logCloser != nil {
		return d.logCloser.Close()
	}

	return nil
}
