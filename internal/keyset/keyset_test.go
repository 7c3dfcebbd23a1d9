package keyset

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"testing"

	"Cosign/internal/errs"
)

// genKeys generates n random Ed25519 public keys.
func genKeys(t *testing.T, n int) []PublicKey {
	t.Helper()

	keys := make([]PublicKey, n)
	for i := range keys {
		pub, _, err := ed25519.GenerateKey(nil)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		copy(keys[i][:], pub)
	}

	return keys
}

// TestNewThreshold tests the threshold bounds.
func TestNewThreshold(t *testing.T) {
	keys := genKeys(t, 3)

	tests := []struct {
		threshold int
		wantErr   bool
	}{
		{threshold: 0, wantErr: true},
		{threshold: -1, wantErr: true},
		{threshold: 1, wantErr: false},
		{threshold: 2, wantErr: false},
		{threshold: 3, wantErr: false},
		{threshold: 4, wantErr: true},
	}

	for _, tt := range tests {
		_, err := New(keys, tt.threshold)

		if tt.wantErr && !errors.Is(err, errs.ErrInvalidThreshold) {
			t.Errorf("threshold %d: expected ErrInvalidThreshold, got %v", tt.threshold, err)
		}

		if !tt.wantErr && err != nil {
			t.Errorf("threshold %d: unexpected error %v", tt.threshold, err)
		}
	}
}

// TestNewEmpty tests that an empty key set is rejected.
func TestNewEmpty(t *testing.T) {
	if _, err := New(nil, 1); !errors.Is(err, errs.ErrInvalidThreshold) {
		t.Fatalf("expected ErrInvalidThreshold, got %v", err)
	}
}

// TestNewDuplicate tests that a duplicate is rejected regardless of its position.
func TestNewDuplicate(t *testing.T) {
	keys := genKeys(t, 4)

	for i := 0; i < len(keys); i++ {
		for j := 0; j < len(keys); j++ {
			if i == j {
				continue
			}

			withDup := append([]PublicKey(nil), keys...)
			withDup[j] = withDup[i]

			if _, err := New(withDup, 2); !errors.Is(err, errs.ErrDuplicateKey) {
				t.Errorf("dup %d->%d: expected ErrDuplicateKey, got %v", i, j, err)
			}
		}
	}
}

// TestNewTooMany tests the key count limit.
func TestNewTooMany(t *testing.T) {
	keys := genKeys(t, MaxKeys+1)

	if _, err := New(keys, 2); !errors.Is(err, errs.ErrTooManyKeys) {
		t.Fatalf("expected ErrTooManyKeys, got %v", err)
	}

	if _, err := New(keys[:MaxKeys], MaxKeys); err != nil {
		t.Fatalf("max keys should be accepted: %v", err)
	}
}

// TestNewInvalidPoint tests that a key off the curve is rejected.
func TestNewInvalidPoint(t *testing.T) {
	keys := genKeys(t, 2)

	// y = 2 has no matching x on the curve
	var bad PublicKey
	bad[0] = 2
	keys = append(keys, bad)

	if _, err := New(keys, 2); !errors.Is(err, errs.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

// TestIndexOf tests stable index lookup.
func TestIndexOf(t *testing.T) {
	keys := genKeys(t, 3)

	ks, err := New(keys, 2)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	for i, pk := range keys {
		idx, ok := ks.IndexOf(pk)
		if !ok || idx != i {
			t.Errorf("IndexOf(key %d) = %d, %v", i, idx, ok)
		}
	}

	outsider := genKeys(t, 1)[0]
	if _, ok := ks.IndexOf(outsider); ok {
		t.Error("outsider should not be found")
	}

	if ks.Contains(outsider) {
		t.Error("outsider should not be contained")
	}

	if ks.Size() != 3 || ks.Threshold() != 2 {
		t.Errorf("size=%d threshold=%d", ks.Size(), ks.Threshold())
	}
}

// TestImmutable tests that callers cannot mutate the set through inputs or outputs.
func TestImmutable(t *testing.T) {
	keys := genKeys(t, 3)
	first := keys[0]

	ks, err := New(keys, 2)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	keys[0] = keys[1]
	out := ks.Keys()
	out[0] = keys[2]

	if ks.At(0) != first {
		t.Error("key set was mutated")
	}
}

// TestAll tests iteration order and early exit.
func TestAll(t *testing.T) {
	keys := genKeys(t, 4)

	ks, err := New(keys, 1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	n := 0
	for i, pk := range ks.All() {
		if pk != keys[i] || i != n {
			t.Errorf("iteration %d yielded index %d", n, i)
		}
		n++
	}

	if n != 4 {
		t.Errorf("iterated %d keys, want 4", n)
	}

	n = 0
	for range ks.All() {
		n++
		if n == 2 {
			break
		}
	}

	if n != 2 {
		t.Errorf("early exit failed: %d", n)
	}
}

// TestParsePublicKey tests hex decoding.
func TestParsePublicKey(t *testing.T) {
	pk := genKeys(t, 1)[0]

	got, err := ParsePublicKey("0x" + pk.String())
	if err != nil || got != pk {
		t.Fatalf("parse with prefix: %v", err)
	}

	got, err = ParsePublicKey(pk.String())
	if err != nil || got != pk {
		t.Fatalf("parse without prefix: %v", err)
	}

	if _, err := ParsePublicKey("abcd"); !errors.Is(err, errs.ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey for short key, got %v", err)
	}

	if _, err := ParsePublicKey("zz"); err == nil {
		t.Error("expected error for invalid hex")
	}
}

// TestPublicKeyJSON tests that keys encode as hex strings.
func TestPublicKeyJSON(t *testing.T) {
	pk := genKeys(t, 1)[0]

	data, err := json.Marshal(map[string]PublicKey{"k": pk})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	if string(data) != `{"k":"`+pk.String()+`"}` {
		t.Errorf("unexpected json %s", data)
	}

	var out map[string]PublicKey
	if err := json.Unmarshal(data, &out); err != nil || out["k"] != pk {
		t.Errorf("unmarshal: %v", err)
	}
}
