// Package secrets implements C2, the secrets provider: key material lookup
// by KeyId, exposed only through the cryptographic operations the envelope
// engine needs — never as raw bytes across a package boundary.
package secrets

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyType distinguishes the two curves this mediator supports.
type KeyType int

const (
	KeyTypeEd25519 KeyType = iota
	KeyTypeX25519
)

// ErrNotFound is returned when the requested KeyId is not held by this
// mediator (not a transient backend failure).
var ErrNotFound = errors.New("secrets: key not found")

// ErrTransientBackend is returned when the backend (KMS, database) could
// not be reached; the caller should retry with backoff.
var ErrTransientBackend = errors.New("secrets: backend unavailable")

// Secret is an opaque handle to private key material. Its fields are
// unexported; every consumer outside this package reaches the key only
// through Sign, Verify-adjacent ECDH, or PublicKey.
type Secret struct {
	keyID   string
	keyType KeyType
	priv    []byte // ed25519.PrivateKey or raw X25519 scalar
	pub     []byte
}

// KeyID returns the identifier this secret was looked up by.
func (s *Secret) KeyID() string { return s.keyID }

// Type returns the curve this secret uses.
func (s *Secret) Type() KeyType { return s.keyType }

// PublicKey returns the public key bytes paired with this secret. This is
// not secret material; it is safe to place in a DID document or JWE
// header.
func (s *Secret) PublicKey() []byte {
	out := make([]byte, len(s.pub))
	copy(out, s.pub)
	return out
}

// Sign produces an Ed25519 signature over message. Only valid for
// KeyTypeEd25519 secrets.
func (s *Secret) Sign(message []byte) ([]byte, error) {
	if s.keyType != KeyTypeEd25519 {
		return nil, fmt.Errorf("secrets: Sign called on non-Ed25519 key %s", s.keyID)
	}
	return ed25519.Sign(ed25519.PrivateKey(s.priv), message), nil
}

// ECDH computes the X25519 shared secret between this secret's private
// scalar and a peer's public key. Only valid for KeyTypeX25519 secrets.
func (s *Secret) ECDH(peerPublic []byte) ([]byte, error) {
	if s.keyType != KeyTypeX25519 {
		return nil, fmt.Errorf("secrets: ECDH called on non-X25519 key %s", s.keyID)
	}
	return curve25519.X25519(s.priv, peerPublic)
}

// NewEd25519Secret wraps an Ed25519 key pair as a Secret. Exposed so
// provider implementations (memory, Postgres-backed) can construct
// secrets from stored key material without this package exporting the
// private fields directly.
func NewEd25519Secret(keyID string, priv ed25519.PrivateKey) *Secret {
	return &Secret{keyID: keyID, keyType: KeyTypeEd25519, priv: append([]byte{}, priv...), pub: append([]byte{}, priv.Public().(ed25519.PublicKey)...)}
}

// NewX25519Secret wraps an X25519 key pair as a Secret.
func NewX25519Secret(keyID string, priv, pub []byte) *Secret {
	return &Secret{keyID: keyID, keyType: KeyTypeX25519, priv: append([]byte{}, priv...), pub: append([]byte{}, pub...)}
}

// Provider is C2's contract: look up private key material by KeyId.
type Provider interface {
	// FindSecret returns the Secret for keyID, ErrNotFound if this
	// mediator does not hold it, or ErrTransientBackend if the backend
	// could not be reached.
	FindSecret(keyID string) (*Secret, error)

	// FindSecrets filters keyIDs down to those this mediator holds,
	// preserving order.
	FindSecrets(keyIDs []string) ([]string, error)
}
