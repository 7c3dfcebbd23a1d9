package api

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"Cosign/internal/aggregation"
	"Cosign/internal/coordinator"
	"Cosign/internal/keyset"
)

// HexBytes is a byte slice carried as a hex string in JSON.
type HexBytes []byte

// MarshalText encodes the bytes as lowercase hex.
func (h HexBytes) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h)), nil
}

// UnmarshalText decodes hex, with or without a 0x prefix.
func (h *HexBytes) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(strings.TrimPrefix(string(text), "0x"))
	if err != nil {
		return fmt.Errorf("decode hex:\n%w", err)
	}

	*h = b
	return nil
}

// RegisterRequest is the body of POST /accounts/{address}/pending.
type RegisterRequest struct {
	AggregatedKey HexBytes         `json:"aggregated_key"`
	Nonce         uint64           `json:"nonce"`
	Payload       HexBytes         `json:"payload"`
	Signer        keyset.PublicKey `json:"signer"`
	Signature     HexBytes         `json:"signature"`
}

// AppendRequest is the body of POST /accounts/{address}/signatures.
type AppendRequest struct {
	AggregatedKey HexBytes         `json:"aggregated_key"`
	Nonce         uint64           `json:"nonce"`
	Signer        keyset.PublicKey `json:"signer"`
	Signature     HexBytes         `json:"signature"`
}

// SignatureJSON is one signer's entry in a pending operation.
type SignatureJSON struct {
	Signer    keyset.PublicKey `json:"signer"`
	Signature HexBytes         `json:"signature"`
}

// PendingJSON is the JSON form of a pending operation.
type PendingJSON struct {
	ID            string          `json:"id"`
	Address       string          `json:"address"`
	AggregatedKey HexBytes        `json:"aggregated_key"`
	Nonce         uint64          `json:"nonce"`
	Payload       HexBytes        `json:"payload"`
	Signatures    []SignatureJSON `json:"signatures"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// HandleResponse carries a transaction handle.
type HandleResponse struct {
	Handle string `json:"handle"`
}

// ErrorResponse is the body of every error reply. Handle is set for already_submitted.
type ErrorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Handle string `json:"handle,omitempty"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Pending       int     `json:"pending"`
	Transactions  int     `json:"transactions"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// ToPendingJSON converts a pending operation for the wire.
func ToPendingJSON(op *coordinator.PendingOperation) PendingJSON {
	out := PendingJSON{
		ID:            op.ID,
		Address:       op.Identity.Address.String(),
		AggregatedKey: op.Identity.AggregatedKey,
		Nonce:         op.Identity.Nonce,
		Payload:       op.Payload,
		Signatures:    make([]SignatureJSON, len(op.Signatures)),
		CreatedAt:     op.CreatedAt,
		UpdatedAt:     op.UpdatedAt,
	}

	for i, s := range op.Signatures {
		out.Signatures[i] = SignatureJSON{Signer: s.Signer, Signature: s.Signature}
	}

	return out
}

// FromPendingJSON converts a wire pending operation back.
func FromPendingJSON(in PendingJSON) (*coordinator.PendingOperation, error) {
	id, err := parseIdentity(in.Address, in.AggregatedKey, in.Nonce)
	if err != nil {
		return nil, err
	}

	op := &coordinator.PendingOperation{
		ID:         in.ID,
		Identity:   id,
		Payload:    in.Payload,
		Signatures: make([]aggregation.Signature, len(in.Signatures)),
		CreatedAt:  in.CreatedAt,
		UpdatedAt:  in.UpdatedAt,
	}

	for i, s := range in.Signatures {
		op.Signatures[i] = aggregation.Signature{Signer: s.Signer, Signature: s.Signature}
	}

	return op, nil
}
