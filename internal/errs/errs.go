// Package errs declares the error taxonomy shared by the core, the ledger
// and the gateway transports.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidThreshold is returned when a threshold is outside [1, len(keys)].
	ErrInvalidThreshold = errors.New("invalid threshold")

	// ErrDuplicateKey is returned when a key set contains the same key twice.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrUnknownSigner is returned when a public key is not a member of the key set.
	ErrUnknownSigner = errors.New("unknown signer")

	// ErrAlreadyInProgress is returned when an operation is already pending for the account.
	ErrAlreadyInProgress = errors.New("operation already in progress")

	// ErrQuorumNotMet is returned when fewer than threshold members have signed.
	ErrQuorumNotMet = errors.New("quorum not met")

	// ErrAlreadySubmitted is returned when the operation was already submitted.
	// It is a benign race outcome.
	ErrAlreadySubmitted = errors.New("operation already submitted")

	// ErrExternalUnavailable is returned when the gateway could not be reached.
	// It is always safe to retry.
	ErrExternalUnavailable = errors.New("external store unavailable")

	// ErrNotFound is returned when no pending operation exists for the account.
	ErrNotFound = errors.New("not found")

	// ErrInvalidKey is returned when a public key is not a valid curve point.
	ErrInvalidKey = errors.New("invalid public key")

	// ErrTooManyKeys is returned when a key set exceeds MaxKeys.
	ErrTooManyKeys = errors.New("too many keys")

	// ErrMalformedSignature is returned when a signature has the wrong size.
	ErrMalformedSignature = errors.New("malformed signature")

	// ErrInvalidSignature is returned by the execution layer when a signature does not verify.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrPayloadMismatch is returned when a payload differs from the pending one.
	ErrPayloadMismatch = errors.New("payload mismatch")

	// ErrPayloadTooLarge is returned when a request exceeds the gateway's size limit.
	// Retrying the same request cannot succeed.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrRequestRejected is returned when the gateway refused a request it could not
	// parse or failed to serve for a reason outside the taxonomy.
	ErrRequestRejected = errors.New("request rejected")
)

var codes = map[error]string{
	ErrInvalidThreshold:    "invalid_threshold",
	ErrDuplicateKey:        "duplicate_key",
	ErrUnknownSigner:       "unknown_signer",
	ErrAlreadyInProgress:   "already_in_progress",
	ErrQuorumNotMet:        "quorum_not_met",
	ErrAlreadySubmitted:    "already_submitted",
	ErrExternalUnavailable: "external_unavailable",
	ErrNotFound:            "not_found",
	ErrInvalidKey:          "invalid_key",
	ErrTooManyKeys:         "too_many_keys",
	ErrMalformedSignature:  "malformed_signature",
	ErrInvalidSignature:    "invalid_signature",
	ErrPayloadMismatch:     "payload_mismatch",
	ErrPayloadTooLarge:     "payload_too_large",
	ErrRequestRejected:     "bad_request",
}

// order fixes the lookup order of Code so wrapped chains resolve deterministically.
var order = []error{
	ErrExternalUnavailable,
	ErrAlreadySubmitted,
	ErrAlreadyInProgress,
	ErrQuorumNotMet,
	ErrUnknownSigner,
	ErrPayloadMismatch,
	ErrInvalidSignature,
	ErrMalformedSignature,
	ErrInvalidKey,
	ErrTooManyKeys,
	ErrDuplicateKey,
	ErrInvalidThreshold,
	ErrNotFound,
	ErrPayloadTooLarge,
	ErrRequestRejected,
}

// Code returns the stable wire code of the first taxonomy error found in err's chain.
// Returns "internal" for errors outside the taxonomy.
func Code(err error) string {
	for _, e := range order {
		if errors.Is(err, e) {
			return codes[e]
		}
	}

	return "internal"
}

// FromCode returns the sentinel for a wire code, or nil when the code is unknown.
func FromCode(code string) error {
	for e, c := range codes {
		if c == code {
			return e
		}
	}

	return nil
}

// Unavailable wraps a transport failure so it matches ErrExternalUnavailable.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s:\n%w", ErrExternalUnavailable, op, err)
}

// IsRetryable reports whether err may succeed when retried unchanged.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrExternalUnavailable)
}

// IsBenign reports whether err is a success-adjacent outcome that should not alarm the user.
func IsBenign(err error) bool {
	return errors.Is(err, ErrAlreadySubmitted)
}

// Known reports whether err carries any taxonomy sentinel.
func Known(err error) bool {
	return Code(err) != "internal"
}
