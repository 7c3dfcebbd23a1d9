package client

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"Cosign/internal/identity"
	"Cosign/internal/keyset"
)

// Owner holds one member's signing key.
type Owner struct {
	privKey ed25519.PrivateKey // privKey is the Ed25519 private key
	pubKey  keyset.PublicKey   // pubKey is the member's public key
}

// NewOwner wraps an existing private key.
func NewOwner(priv ed25519.PrivateKey) *Owner {
	o := &Owner{privKey: priv}
	copy(o.pubKey[:], priv.Public().(ed25519.PublicKey))

	return o
}

// GenerateOwner creates an owner with a random key.
func GenerateOwner() (*Owner, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return NewOwner(priv), nil
}

// PublicKey returns the owner's public key.
func (o *Owner) PublicKey() keyset.PublicKey {
	return o.pubKey
}

// PrivateKey returns the owner's private key.
func (o *Owner) PrivateKey() ed25519.PrivateKey {
	return o.privKey
}

// Sign signs the operation digest of payload for addr.
func (o *Owner) Sign(addr identity.Address, payload []byte) []byte {
	digest := identity.Digest(addr, payload)
	return ed25519.Sign(o.privKey, digest[:])
}

// LoadKey reads a raw 64-byte Ed25519 private key file.
func LoadKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// LoadOrGenerateKey loads the key at path, creating and saving a new one if the
// file does not exist. An empty path returns an ephemeral key.
func LoadOrGenerateKey(path string) (ed25519.PrivateKey, error) {
	if path == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate key:\n%w", err)
		}
		return priv, nil
	}

	priv, err := LoadKey(path)
	if err == nil {
		return priv, nil
	}

	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		return nil, err
	}

	return GenerateKeyFile(path)
}

// GenerateKeyFile writes a new private key to path. Existing files are not overwritten.
func GenerateKeyFile(path string) (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create key directory:\n%w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("create key file:\n%w", err)
	}
	defer f.Close()

	if _, err := f.Write(priv); err != nil {
		return nil, fmt.Errorf("write key file:\n%w", err)
	}

	return priv, nil
}
