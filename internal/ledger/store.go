package ledger

import (
	"context"
	"errors"

	"Cosign/internal/coordinator"
	"Cosign/internal/errs"
	"Cosign/internal/identity"
	"Cosign/internal/storage"
)

// Key prefixes of the ledger keyspace.
const (
	prefixPending     byte = 0x01 // prefixPending || address -> PendingOperation record
	prefixSubmission  byte = 0x02 // prefixSubmission || address || digest -> handle
	prefixTransaction byte = 0x03 // prefixTransaction || handle -> SignedOperation
)

func pendingKey(addr identity.Address) []byte {
	return append([]byte{prefixPending}, addr[:]...)
}

func submissionKey(addr identity.Address, digest [32]byte) []byte {
	key := make([]byte, 0, 1+len(addr)+len(digest))
	key = append(key, prefixSubmission)
	key = append(key, addr[:]...)
	return append(key, digest[:]...)
}

func transactionKey(handle coordinator.TxHandle) []byte {
	return append([]byte{prefixTransaction}, handle[:]...)
}

// recordStore reads and writes ledger records over a storage backend,
// turning storage failures into ExternalUnavailable.
type recordStore struct {
	db storage.Backend
}

// get returns the value at key, errs.ErrNotFound when absent.
func (s *recordStore) get(ctx context.Context, key []byte) ([]byte, error) {
	data, err := s.db.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, errs.Unavailable("storage get", err)
	}

	return data, nil
}

// put stores value at key.
func (s *recordStore) put(ctx context.Context, key, value []byte) error {
	if err := s.db.Put(ctx, key, value); err != nil {
		return errs.Unavailable("storage put", err)
	}
	return nil
}

// delete removes key.
func (s *recordStore) delete(ctx context.Context, key []byte) error {
	if err := s.db.Delete(ctx, key); err != nil {
		return errs.Unavailable("storage delete", err)
	}
	return nil
}

// count returns the number of keys under a one-byte prefix.
func (s *recordStore) count(ctx context.Context, prefix byte) (int, error) {
	n := 0

	err := s.db.Scan(ctx, []byte{prefix}, func(_, _ []byte) error {
		n++
		return nil
	})
	if err != nil {
		return 0, errs.Unavailable("storage scan", err)
	}

	return n, nil
}
