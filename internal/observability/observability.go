// Package observability wires Prometheus metrics and OpenTelemetry tracing.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config is the subset of daemon configuration used here.
type Config struct {
	MetricsAddr    string
	OTLPEndpoint   string
	OTLPProtocol   string
	ServiceName    string
	ServiceVersion string
}

// Observability holds metrics, tracing and their shutdown hooks.
type Observability struct {
	Metrics *Metrics

	mu       sync.Mutex
	shutdown []func(context.Context) error
}

// New creates the metrics registry and, when an endpoint is configured, the tracer.
func New(ctx context.Context, cfg Config) (*Observability, error) {
	o := &Observability{Metrics: NewMetrics()}

	if cfg.OTLPEndpoint == "" {
		slog.Info("tracing disabled (no otlp_endpoint configured)")
		return o, nil
	}

	tp, err := InitTracer(ctx, TracerConfig{
		Endpoint:       cfg.OTLPEndpoint,
		Protocol:       cfg.OTLPProtocol,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer:\n%w", err)
	}

	o.onShutdown(tp.Shutdown)

	return o, nil
}

// ServeMetrics starts the HTTP server for /metrics. No-op when addr is empty.
func (o *Observability) ServeMetrics(addr string) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(o.Metrics.Registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		slog.Info("metrics server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "error", err)
		}
	}()

	o.onShutdown(srv.Shutdown)
}

// onShutdown registers a hook run by Close in reverse order.
func (o *Observability) onShutdown(fn func(context.Context) error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.shutdown = append(o.shutdown, fn)
}

// Close runs the shutdown hooks in reverse registration order.
func (o *Observability) Close(ctx context.Context) error {
	o.mu.Lock()
	hooks := o.shutdown
	o.shutdown = nil
	o.mu.Unlock()

	var errList []error
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i](ctx); err != nil {
			errList = append(errList, err)
		}
	}

	return errors.Join(errList...)
}
