// Package cryptoutil holds small key-generation helpers shared by the
// packages that mint X25519 key-agreement keys (the mediator's own
// connection-scoped keys, the envelope engine's ephemeral keys, and
// anything provisioning a fresh secret at startup), so the same
// generation logic isn't copied at every call site.
package cryptoutil

import (
	"crypto/rand"

	"golang.org/x/crypto/curve25519"
)

// GenerateX25519KeyPair returns a fresh X25519 private/public key pair.
func GenerateX25519KeyPair() (pub, priv []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, nil, err
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}
