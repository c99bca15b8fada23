// Package didkey implements the did:key method: deterministic derivation
// of a DID document from a single multibase/multicodec-encoded public key,
// for both Ed25519 (signing) and X25519 (key-agreement) keys.
package didkey

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"

	"github.com/layr8/didcomm-mediator/internal/diddoc"
)

// Multicodec prefixes, varint-encoded, per the did:key spec's registry.
var (
	codecEd25519Pub = []byte{0xed, 0x01}
	codecX25519Pub  = []byte{0xec, 0x01}
)

// GenerateEd25519 derives a did:key DID, its document, and the raw public
// key from an Ed25519 public key. No X25519 conversion is performed here
// and no key-agreement entry is derived — did:key documents expose only
// the key type they were minted from; a signing-only did:key has no
// keyAgreement entry.
func GenerateEd25519(pub ed25519.PublicKey) (did string, doc *diddoc.Document) {
	did = encode(codecEd25519Pub, pub)
	vmID := did + "#" + did[len("did:key:"):]

	doc = &diddoc.Document{
		ID: did,
		VerificationMethod: []diddoc.VerificationMethod{
			{
				ID:                 vmID,
				Type:               "Ed25519VerificationKey2020",
				Controller:         did,
				PublicKeyMultibase: did[len("did:key:"):],
			},
		},
		Authentication: []string{vmID},
	}
	return did, doc
}

// GenerateX25519 derives a did:key DID and document from an X25519 public
// key, registering it solely as a keyAgreement verification method.
func GenerateX25519(pub []byte) (did string, doc *diddoc.Document) {
	did = encode(codecX25519Pub, pub)
	vmID := did + "#" + did[len("did:key:"):]

	doc = &diddoc.Document{
		ID: did,
		VerificationMethod: []diddoc.VerificationMethod{
			{
				ID:                 vmID,
				Type:               "X25519KeyAgreementKey2020",
				Controller:         did,
				PublicKeyMultibase: did[len("did:key:"):],
			},
		},
		KeyAgreement: []string{vmID},
	}
	return did, doc
}

func encode(codec, key []byte) string {
	buf := make([]byte, 0, len(codec)+len(key))
	buf = append(buf, codec...)
	buf = append(buf, key...)
	return "did:key:z" + base58.Encode(buf)
}

// Resolve derives the DID document for a did:key identifier purely from
// the DID string itself — no network access, side-effect-free.
func Resolve(did string) (*diddoc.Document, error) {
	if !strings.HasPrefix(did, "did:key:z") {
		return nil, fmt.Errorf("didkey: not a did:key identifier: %q", did)
	}
	encoded := strings.TrimPrefix(did, "did:key:z")
	raw := base58.Decode(encoded)
	if len(raw) < 3 {
		return nil, fmt.Errorf("didkey: malformed key bytes in %q", did)
	}

	vmID := did + "#" + did[len("did:key:"):]

	switch {
	case raw[0] == codecEd25519Pub[0] && raw[1] == codecEd25519Pub[1]:
		pub := raw[2:]
		if len(pub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("didkey: expected %d-byte Ed25519 key, got %d", ed25519.PublicKeySize, len(pub))
		}
		return &diddoc.Document{
			ID: did,
			VerificationMethod: []diddoc.VerificationMethod{
				{ID: vmID, Type: "Ed25519VerificationKey2020", Controller: did, PublicKeyMultibase: did[len("did:key:"):]},
			},
			Authentication: []string{vmID},
			// An Ed25519 did:key also implicitly supports X25519 key
			// agreement via birational conversion; callers needing the
			// key-agreement key must convert pub themselves and should
			// prefer a did:key minted with GenerateX25519 for clarity.
		}, nil

	case raw[0] == codecX25519Pub[0] && raw[1] == codecX25519Pub[1]:
		return &diddoc.Document{
			ID: did,
			VerificationMethod: []diddoc.VerificationMethod{
				{ID: vmID, Type: "X25519KeyAgreementKey2020", Controller: did, PublicKeyMultibase: did[len("did:key:"):]},
			},
			KeyAgreement: []string{vmID},
		}, nil

	default:
		return nil, fmt.Errorf("didkey: unsupported key codec in %q", did)
	}
}
