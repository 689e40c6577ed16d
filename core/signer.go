package core

import (
	"crypto/ed25519"
	"crypto/rand"

	"github.com/splinter-mesh/splinter/splinterrors"
)

// Signer produces a signature over a byte string, used both for
// Challenge-authorization nonces and for circuit-management payload
// headers.
type Signer interface {
	Sign(data []byte) ([]byte, error)
	PublicKey() []byte
}

// Verifier checks a signature produced by the matching Signer.
type Verifier interface {
	Verify(publicKey, data, signature []byte) bool
}

// Ed25519Signer is the reference Signer implementation, used by splinterd
// and the tests; the admin service verifies with Ed25519Verifier.
// Production deployments may inject an HSM-backed Signer instead.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewEd25519Signer generates a fresh ed25519 keypair.
func NewEd25519Signer() (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, splinterrors.Wrap(splinterrors.Internal, "signer", "generate ed25519 key", err)
	}
	return &Ed25519Signer{priv: priv, pub: pub}, nil
}

// NewEd25519SignerFromSeed deterministically derives a keypair from a
// 32-byte seed, useful for tests that need stable node identities.
func NewEd25519SignerFromSeed(seed []byte) *Ed25519Signer {
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

// Sign signs data with the private key.
func (s *Ed25519Signer) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, data), nil
}

// PublicKey returns the signer's public key.
func (s *Ed25519Signer) PublicKey() []byte { return append([]byte(nil), s.pub...) }

// Ed25519Verifier verifies ed25519 signatures.
type Ed25519Verifier struct{}

// Verify reports whether signature is valid for data under publicKey.
func (Ed25519Verifier) Verify(publicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), data, signature)
}
