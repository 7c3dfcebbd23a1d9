package aggregation

import (
	"fmt"
	"slices"

	"Cosign/internal/errs"
	"Cosign/internal/identity"
	"Cosign/internal/keyset"
)

// Collector tracks which members of a key set have signed one pending operation.
// Quorum and assembly are pure functions of the signatures added so far.
// It is not safe for concurrent use.
type Collector struct {
	keys *keyset.KeySet // keys is the owner key set
	sigs map[int][]byte // sigs maps member index to its signature
}

// NewCollector creates an empty collector over a key set.
func NewCollector(ks *keyset.KeySet) *Collector {
	return &Collector{
		keys: ks,
		sigs: make(map[int][]byte, ks.Size()),
	}
}

// FromSignatures creates a collector preloaded with observed signatures.
func FromSignatures(ks *keyset.KeySet, observed []Signature) (*Collector, error) {
	c := NewCollector(ks)

	for _, s := range observed {
		if err := c.Add(s.Signer, s.Signature); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Add records a member's signature, overwriting any previous one from the same member.
func (c *Collector) Add(pk keyset.PublicKey, sig []byte) error {
	idx, ok := c.keys.IndexOf(pk)
	if !ok {
		return fmt.Errorf("%w: %s", errs.ErrUnknownSigner, pk)
	}

	if len(sig) != SignatureSize {
		return fmt.Errorf("%w: got %d bytes, want %d", errs.ErrMalformedSignature, len(sig), SignatureSize)
	}

	c.sigs[idx] = slices.Clone(sig)

	return nil
}

// Has reports whether a member's signature has been recorded.
func (c *Collector) Has(pk keyset.PublicKey) bool {
	idx, ok := c.keys.IndexOf(pk)
	if !ok {
		return false
	}

	_, signed := c.sigs[idx]
	return signed
}

// Count returns the number of distinct members that signed.
func (c *Collector) Count() int {
	return len(c.sigs)
}

// Signers returns the indices of members that signed, ascending.
func (c *Collector) Signers() []int {
	indices := make([]int, 0, len(c.sigs))
	for idx := range c.sigs {
		indices = append(indices, idx)
	}

	slices.Sort(indices)

	return indices
}

// QuorumReached reports whether at least threshold distinct members signed.
// A non-nil assumeExtra counts as one more signer when it is a member that
// has not signed yet, modelling a local signature about to be submitted.
func (c *Collector) QuorumReached(assumeExtra *keyset.PublicKey) bool {
	count := len(c.sigs)

	if assumeExtra != nil && c.keys.Contains(*assumeExtra) && !c.Has(*assumeExtra) {
		count++
	}

	return count >= c.keys.Threshold()
}

// Assemble builds the bundle with signatures in ascending member index order.
// The result depends only on the set of signatures, not on the order they were added.
func (c *Collector) Assemble() (*Bundle, error) {
	if !c.QuorumReached(nil) {
		return nil, fmt.Errorf("%w: %d of %d", errs.ErrQuorumNotMet, len(c.sigs), c.keys.Threshold())
	}

	indices := c.Signers()
	sigs := make([][]byte, len(indices))

	for i, idx := range indices {
		sigs[i] = slices.Clone(c.sigs[idx])
	}

	return &Bundle{
		AggregatedKey: identity.AggregatedKey(c.keys),
		Bitmap:        BuildSignerBitmap(indices, c.keys.Size()),
		Signatures:    sigs,
	}, nil
}
