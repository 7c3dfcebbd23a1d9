// Package api serves the gateway over HTTP with JSON bodies.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"Cosign/internal/aggregation"
	"Cosign/internal/coordinator"
	"Cosign/internal/errs"
	"Cosign/internal/identity"
	"Cosign/internal/ledger"
	"Cosign/internal/logger"
	"Cosign/internal/observability"
)

// maxBodySize is the maximum request body size in bytes.
const maxBodySize = 1 << 20 // 1 MB

// codeBadRequest is the error code for unparseable requests.
var codeBadRequest = errs.Code(errs.ErrRequestRejected)

// Store is the gateway the API exposes.
type Store interface {
	coordinator.Gateway

	// LookupDigest returns the handle of an earlier submission with this digest.
	LookupDigest(ctx context.Context, addr identity.Address, digest [32]byte) (coordinator.TxHandle, error)

	// Transaction returns the encoded SignedOperation recorded under handle.
	Transaction(ctx context.Context, handle coordinator.TxHandle) ([]byte, error)
}

// StatusProvider exposes ledger counters for monitoring.
type StatusProvider interface {
	Stats(ctx context.Context) (ledger.Stats, error)
}

// Server is the HTTP API server.
type Server struct {
	addr    string                 // addr is the HTTP listen address
	store   Store                  // store holds pending operations and transactions
	status  StatusProvider         // status provides ledger counters (optional)
	metrics *observability.Metrics // metrics counts request bytes (optional)
	started time.Time              // started is the server start time
	server  *http.Server           // server is the underlying HTTP server
}

// New creates a new HTTP API server.
func New(addr string, store Store, status StatusProvider, metrics *observability.Metrics) *Server {
	return &Server{
		addr:    addr,
		store:   store,
		status:  status,
		metrics: metrics,
		started: time.Now(),
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /accounts/{address}/pending", s.handleReadPending)
	mux.HandleFunc("POST /accounts/{address}/pending", s.handleRegister)
	mux.HandleFunc("POST /accounts/{address}/signatures", s.handleAppend)
	mux.HandleFunc("POST /accounts/{address}/submit", s.handleSubmit)
	mux.HandleFunc("GET /accounts/{address}/submissions/{digest}", s.handleLookup)
	mux.HandleFunc("GET /tx/{handle}", s.handleTransaction)

	return logRequests(mux)
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "status not available", Code: errs.Code(errs.ErrExternalUnavailable)})
		return
	}

	stats, err := s.status.Stats(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Pending:       stats.Pending,
		Transactions:  stats.Transactions,
		UptimeSeconds: time.Since(s.started).Seconds(),
	})
}

// handleReadPending handles GET /accounts/{address}/pending.
func (s *Server) handleReadPending(w http.ResponseWriter, r *http.Request) {
	addr, err := identity.ParseAddress(r.PathValue("address"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	op, err := s.store.ReadPendingOperation(r.Context(), identity.AccountIdentity{Address: addr})
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ToPendingJSON(op))
}

// handleRegister handles POST /accounts/{address}/pending.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	id, err := parseIdentity(r.PathValue("address"), req.AggregatedKey, req.Nonce)
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	if err := validateSignature(req.Signature); err != nil {
		writeErr(w, err)
		return
	}

	if err := s.store.RegisterOperation(r.Context(), id, req.Payload, req.Signer, req.Signature); err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"status": "registered"})
}

// handleAppend handles POST /accounts/{address}/signatures.
func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	var req AppendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	id, err := parseIdentity(r.PathValue("address"), req.AggregatedKey, req.Nonce)
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	if err := validateSignature(req.Signature); err != nil {
		writeErr(w, err)
		return
	}

	if err := s.store.AppendSignature(r.Context(), id, req.Signer, req.Signature); err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "appended"})
}

// handleSubmit handles POST /accounts/{address}/submit with an octet-stream SignedOperation.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	addr, err := identity.ParseAddress(r.PathValue("address"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeBadRequest(w, bodyError(err))
		return
	}

	s.metrics.AddBytes("in", len(body))

	op, err := aggregation.DecodeSignedOperation(body)
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid signed operation: %w", err))
		return
	}

	if err := validateSubmission(addr, op); err != nil {
		writeBadRequest(w, err)
		return
	}

	handle, err := s.store.SubmitFinal(r.Context(), op.Identity, op.Payload, op.Bundle)
	if errors.Is(err, errs.ErrAlreadySubmitted) {
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:  err.Error(),
			Code:   errs.Code(err),
			Handle: handle.String(),
		})
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}

	logger.Debug("operation submitted", "address", addr, "handle", handle)

	writeJSON(w, http.StatusAccepted, HandleResponse{Handle: handle.String()})
}

// handleLookup handles GET /accounts/{address}/submissions/{digest}.
func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	addr, err := identity.ParseAddress(r.PathValue("address"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	digest, err := parseDigest(r.PathValue("digest"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	handle, err := s.store.LookupDigest(r.Context(), addr, digest)
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, HandleResponse{Handle: handle.String()})
}

// handleTransaction handles GET /tx/{handle}.
func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	handle, err := coordinator.ParseTxHandle(r.PathValue("handle"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	data, err := s.store.Transaction(r.Context(), handle)
	if err != nil {
		writeErr(w, err)
		return
	}

	s.metrics.AddBytes("out", len(data))

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// decodeJSON reads a size-limited JSON body.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return bodyError(err)
	}

	return nil
}

// bodyError marks a body over maxBodySize as ErrPayloadTooLarge.
func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return fmt.Errorf("%w: body exceeds %d bytes", errs.ErrPayloadTooLarge, tooLarge.Limit)
	}

	return fmt.Errorf("invalid body: %w", err)
}

// StatusFor maps a taxonomy error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrExternalUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrAlreadyInProgress),
		errors.Is(err, errs.ErrAlreadySubmitted),
		errors.Is(err, errs.ErrPayloadMismatch):
		return http.StatusConflict
	case errors.Is(err, errs.ErrUnknownSigner):
		return http.StatusForbidden
	case errors.Is(err, errs.ErrQuorumNotMet):
		return http.StatusPreconditionFailed
	case errors.Is(err, errs.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errs.ErrRequestRejected):
		return http.StatusBadRequest
	case errs.Known(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// logRequests logs each request at debug level with its duration.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("http request", "method", r.Method, "path", r.URL.Path, logger.Timed(start))
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response with the bad_request code.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: codeBadRequest})
}

// writeBadRequest writes a 400 for a request that could not be parsed,
// or a 413 when its body was too large.
func writeBadRequest(w http.ResponseWriter, err error) {
	if errors.Is(err, errs.ErrPayloadTooLarge) {
		writeErr(w, err)
		return
	}

	writeError(w, http.StatusBadRequest, err.Error())
}

// writeErr writes a taxonomy error with its status and code.
func writeErr(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError || status == http.StatusServiceUnavailable {
		logger.Warn("request failed", "error", err)
	}

	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: errs.Code(err)})
}
