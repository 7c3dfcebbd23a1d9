package rpc

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"

	"Cosign/internal/aggregation"
	"Cosign/internal/coordinator"
	"Cosign/internal/errs"
	"Cosign/internal/logger"
	"Cosign/internal/observability"
)

// Store is the gateway served over rpc.
type Store interface {
	coordinator.Gateway
	coordinator.SubmissionLookup
}

// Server dispatches decoded requests to a Store.
type Server struct {
	store   Store
	metrics *observability.Metrics
}

// NewServer creates a dispatcher. metrics may be nil.
func NewServer(store Store, metrics *observability.Metrics) *Server {
	return &Server{store: store, metrics: metrics}
}

// Handle answers one request. Its signature matches network.Handler.
// Gateway failures are encoded in the response, so the error is always nil.
func (s *Server) Handle(ctx context.Context, remote ed25519.PublicKey, req []byte) ([]byte, error) {
	s.metrics.AddBytes("in", len(req))

	if len(req) == 0 {
		return errorResponse(codeBadRequest, coordinator.TxHandle{}, "empty request"), nil
	}

	op, body := req[0], req[1:]

	resp, err := s.dispatch(ctx, op, body)
	if err != nil {
		logger.Debug("rpc request failed", "op", opName(op), "remote", fmt.Sprintf("%x", remote[:4]), "error", err)
		resp = encodeError(err, resp)
	}

	s.metrics.AddBytes("out", len(resp))

	return resp, nil
}

// dispatch runs one call. On ErrAlreadySubmitted the returned bytes are the handle.
func (s *Server) dispatch(ctx context.Context, op byte, body []byte) ([]byte, error) {
	switch op {
	case OpSubmit:
		signed, err := aggregation.DecodeSignedOperation(body)
		if err != nil {
			return nil, badRequest(err)
		}

		if signed.Bundle == nil {
			return nil, badRequest(fmt.Errorf("missing signature bundle"))
		}

		handle, err := s.store.SubmitFinal(ctx, signed.Identity, signed.Payload, signed.Bundle)
		if err != nil {
			return handle[:], err
		}

		return okResponse(handle[:]), nil

	case OpRead, OpRegister, OpAppend, OpLookup:
	default:
		return nil, badRequest(fmt.Errorf("unknown opcode %#x", op))
	}

	pending, err := coordinator.DecodePendingOperation(body)
	if err != nil {
		return nil, badRequest(err)
	}

	switch op {
	case OpRead:
		found, err := s.store.ReadPendingOperation(ctx, pending.Identity)
		if err != nil {
			return nil, err
		}
		return okResponse(coordinator.EncodePendingOperation(found)), nil

	case OpLookup:
		handle, err := s.store.LookupSubmission(ctx, pending.Identity, pending.Payload)
		if err != nil {
			return nil, err
		}
		return okResponse(handle[:]), nil
	}

	if len(pending.Signatures) != 1 {
		return nil, badRequest(fmt.Errorf("expected one signature, got %d", len(pending.Signatures)))
	}

	sig := pending.Signatures[0]

	if op == OpRegister {
		err = s.store.RegisterOperation(ctx, pending.Identity, pending.Payload, sig.Signer, sig.Signature)
	} else {
		err = s.store.AppendSignature(ctx, pending.Identity, sig.Signer, sig.Signature)
	}
	if err != nil {
		return nil, err
	}

	return okResponse(nil), nil
}

func badRequest(err error) error {
	return fmt.Errorf("%w:\n%w", errs.ErrRequestRejected, err)
}

// encodeError builds the error response. handle holds the earlier submission's
// handle when err is ErrAlreadySubmitted.
func encodeError(err error, handle []byte) []byte {
	code := errs.Code(err)

	var h coordinator.TxHandle
	if errors.Is(err, errs.ErrAlreadySubmitted) && len(handle) == len(h) {
		copy(h[:], handle)
	}

	return errorResponse(code, h, err.Error())
}
