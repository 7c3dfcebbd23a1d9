package aggregation

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"math/rand/v2"
	"testing"

	"Cosign/internal/errs"
	"Cosign/internal/keyset"
)

// testSigner holds a member key pair.
type testSigner struct {
	pub  keyset.PublicKey
	priv ed25519.PrivateKey
}

// setupKeySet creates n signers and a key set with the given threshold.
func setupKeySet(t *testing.T, n, threshold int) (*keyset.KeySet, []testSigner) {
	t.Helper()

	signers := make([]testSigner, n)
	keys := make([]keyset.PublicKey, n)

	for i := range signers {
		pub, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}

		copy(signers[i].pub[:], pub)
		signers[i].priv = priv
		keys[i] = signers[i].pub
	}

	ks, err := keyset.New(keys, threshold)
	if err != nil {
		t.Fatalf("keyset: %v", err)
	}

	return ks, signers
}

// sign signs a fixed message with a signer's key.
func (s testSigner) sign(msg []byte) []byte {
	return ed25519.Sign(s.priv, msg)
}

// TestCollectorAddUnknown tests that non-members are rejected.
func TestCollectorAddUnknown(t *testing.T) {
	ks, _ := setupKeySet(t, 3, 2)
	_, outsiders := setupKeySet(t, 1, 1)

	c := NewCollector(ks)
	err := c.Add(outsiders[0].pub, outsiders[0].sign([]byte("m")))

	if !errors.Is(err, errs.ErrUnknownSigner) {
		t.Fatalf("expected ErrUnknownSigner, got %v", err)
	}

	if c.Count() != 0 {
		t.Errorf("count = %d after rejected add", c.Count())
	}
}

// TestCollectorAddMalformed tests that wrong-size signatures are rejected.
func TestCollectorAddMalformed(t *testing.T) {
	ks, signers := setupKeySet(t, 2, 1)

	c := NewCollector(ks)
	if err := c.Add(signers[0].pub, []byte{1, 2, 3}); !errors.Is(err, errs.ErrMalformedSignature) {
		t.Fatalf("expected ErrMalformedSignature, got %v", err)
	}
}

// TestCollectorIdempotent tests that re-adding the same signer does not change quorum state.
func TestCollectorIdempotent(t *testing.T) {
	ks, signers := setupKeySet(t, 3, 2)
	msg := []byte("payload")

	c := NewCollector(ks)
	sig := signers[0].sign(msg)

	if err := c.Add(signers[0].pub, sig); err != nil {
		t.Fatalf("add: %v", err)
	}

	before := c.QuorumReached(nil)

	if err := c.Add(signers[0].pub, sig); err != nil {
		t.Fatalf("re-add: %v", err)
	}

	if c.Count() != 1 {
		t.Errorf("count = %d, want 1", c.Count())
	}

	if c.QuorumReached(nil) != before {
		t.Error("quorum state changed after re-add")
	}
}

// TestCollectorOverwrite tests that a new signature from the same signer replaces the old one.
func TestCollectorOverwrite(t *testing.T) {
	ks, signers := setupKeySet(t, 1, 1)

	c := NewCollector(ks)
	_ = c.Add(signers[0].pub, signers[0].sign([]byte("old")))

	fresh := signers[0].sign([]byte("new"))
	_ = c.Add(signers[0].pub, fresh)

	bundle, err := c.Assemble()
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	if !bytes.Equal(bundle.Signatures[0], fresh) {
		t.Error("signature was not overwritten")
	}
}

// TestCollectorQuorum tests quorum with and without an assumed extra signer.
func TestCollectorQuorum(t *testing.T) {
	ks, signers := setupKeySet(t, 3, 2)
	_, outsiders := setupKeySet(t, 1, 1)
	msg := []byte("payload")

	c := NewCollector(ks)
	_ = c.Add(signers[0].pub, signers[0].sign(msg))

	if c.QuorumReached(nil) {
		t.Error("one of two should not be quorum")
	}

	if !c.QuorumReached(&signers[1].pub) {
		t.Error("assumed second signer should reach quorum")
	}

	if c.QuorumReached(&signers[0].pub) {
		t.Error("assuming an existing signer must not double count")
	}

	if c.QuorumReached(&outsiders[0].pub) {
		t.Error("assuming a non-member must not count")
	}

	_ = c.Add(signers[2].pub, signers[2].sign(msg))

	if !c.QuorumReached(nil) {
		t.Error("two of two should be quorum")
	}
}

// TestCollectorAssembleBeforeQuorum tests that assembly fails without quorum.
func TestCollectorAssembleBeforeQuorum(t *testing.T) {
	ks, signers := setupKeySet(t, 3, 2)

	c := NewCollector(ks)
	_ = c.Add(signers[1].pub, signers[1].sign([]byte("m")))

	if _, err := c.Assemble(); !errors.Is(err, errs.ErrQuorumNotMet) {
		t.Fatalf("expected ErrQuorumNotMet, got %v", err)
	}
}

// TestCollectorAssembleOrdering tests ascending indices and count >= threshold.
func TestCollectorAssembleOrdering(t *testing.T) {
	ks, signers := setupKeySet(t, 5, 3)
	msg := []byte("payload")

	c := NewCollector(ks)
	for _, i := range []int{4, 1, 3} {
		if err := c.Add(signers[i].pub, signers[i].sign(msg)); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}

	bundle, err := c.Assemble()
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	indices := bundle.Indices()
	want := []int{1, 3, 4}

	if len(indices) != len(want) {
		t.Fatalf("indices = %v, want %v", indices, want)
	}

	for i := range want {
		if indices[i] != want[i] {
			t.Errorf("indices = %v, want %v", indices, want)
		}

		if !ed25519.Verify(signers[want[i]].priv.Public().(ed25519.PublicKey), msg, bundle.Signatures[i]) {
			t.Errorf("signature %d is not from member %d", i, want[i])
		}
	}

	if len(bundle.Signatures) < ks.Threshold() {
		t.Errorf("bundle has %d signatures, threshold %d", len(bundle.Signatures), ks.Threshold())
	}
}

// TestCollectorOrderIndependence tests that any arrival permutation yields the same bundle.
func TestCollectorOrderIndependence(t *testing.T) {
	ks, signers := setupKeySet(t, 6, 4)
	msg := []byte("payload")

	sigs := make([]Signature, len(signers))
	for i, s := range signers {
		sigs[i] = Signature{Signer: s.pub, Signature: s.sign(msg)}
	}

	reference, err := FromSignatures(ks, sigs)
	if err != nil {
		t.Fatalf("reference: %v", err)
	}

	refBundle, _ := reference.Assemble()
	refBytes := refBundle.Bytes()

	rng := rand.New(rand.NewPCG(1, 2))

	for trial := 0; trial < 20; trial++ {
		shuffled := append([]Signature(nil), sigs...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		c, err := FromSignatures(ks, shuffled)
		if err != nil {
			t.Fatalf("trial %d: %v", trial, err)
		}

		b, err := c.Assemble()
		if err != nil {
			t.Fatalf("trial %d assemble: %v", trial, err)
		}

		if !bytes.Equal(b.Bytes(), refBytes) {
			t.Fatalf("trial %d: bundle differs from reference", trial)
		}
	}
}

// TestFromSignaturesUnknown tests that observed state with a non-member is rejected.
func TestFromSignaturesUnknown(t *testing.T) {
	ks, _ := setupKeySet(t, 2, 1)
	_, outsiders := setupKeySet(t, 1, 1)

	_, err := FromSignatures(ks, []Signature{{Signer: outsiders[0].pub, Signature: outsiders[0].sign([]byte("m"))}})
	if !errors.Is(err, errs.ErrUnknownSigner) {
		t.Fatalf("expected ErrUnknownSigner, got %v", err)
	}
}
