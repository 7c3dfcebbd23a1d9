// Package rpc carries the gateway calls over a request/response transport.
//
// A request is one opcode byte followed by a FlatBuffers body: a PendingOperation
// table for read, register, append and lookup, and a SignedOperation for submit.
// A response is one status byte followed by the result or an encoded error.
package rpc

import (
	"fmt"

	"Cosign/internal/coordinator"
	"Cosign/internal/errs"
)

// Opcodes of the gateway calls.
const (
	OpRead     byte = 0x01
	OpRegister byte = 0x02
	OpAppend   byte = 0x03
	OpSubmit   byte = 0x04
	OpLookup   byte = 0x05
)

// Response status bytes.
const (
	statusOK    byte = 0x00
	statusError byte = 0x01
)

// codeBadRequest is the error code for requests the server could not parse.
var codeBadRequest = errs.Code(errs.ErrRequestRejected)

// opName returns a readable opcode name for logs.
func opName(op byte) string {
	switch op {
	case OpRead:
		return "read"
	case OpRegister:
		return "register"
	case OpAppend:
		return "append"
	case OpSubmit:
		return "submit"
	case OpLookup:
		return "lookup"
	default:
		return fmt.Sprintf("op(%#x)", op)
	}
}

// okResponse prefixes a result with the success status.
func okResponse(body []byte) []byte {
	return append([]byte{statusOK}, body...)
}

// errorResponse encodes an error as:
// status, 32-byte handle (zero unless already submitted), code length, code, message.
func errorResponse(code string, handle coordinator.TxHandle, msg string) []byte {
	out := make([]byte, 0, 2+len(handle)+len(code)+len(msg))
	out = append(out, statusError)
	out = append(out, handle[:]...)
	out = append(out, byte(len(code)))
	out = append(out, code...)
	out = append(out, msg...)

	return out
}

// remoteError is an error returned by the server.
type remoteError struct {
	code   string
	handle coordinator.TxHandle
	msg    string
}

// parseResponse splits a response into its result or its remote error.
func parseResponse(data []byte) ([]byte, *remoteError, error) {
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("empty response")
	}

	switch data[0] {
	case statusOK:
		return data[1:], nil, nil
	case statusError:
	default:
		return nil, nil, fmt.Errorf("unknown response status %#x", data[0])
	}

	var re remoteError

	rest := data[1:]
	if len(rest) < len(re.handle)+1 {
		return nil, nil, fmt.Errorf("truncated error response")
	}

	copy(re.handle[:], rest)
	rest = rest[len(re.handle):]

	n := int(rest[0])
	rest = rest[1:]
	if len(rest) < n {
		return nil, nil, fmt.Errorf("truncated error code")
	}

	re.code = string(rest[:n])
	re.msg = string(rest[n:])

	return nil, &re, nil
}

// parseHandle decodes a 32-byte handle result.
func parseHandle(body []byte) (coordinator.TxHandle, error) {
	var h coordinator.TxHandle

	if len(body) != len(h) {
		return h, fmt.Errorf("invalid handle size: got %d, want %d", len(body), len(h))
	}

	copy(h[:], body)

	return h, nil
}
