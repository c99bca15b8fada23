package envelope

import (
	"crypto/ed25519"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/layr8/didcomm-mediator/internal/secrets"
	"github.com/layr8/didcomm-mediator/internal/wire"
)

// opaqueSigner adapts a secrets.Secret to jose.OpaqueSigner, go-jose's
// extensibility point for keys that don't live in memory as a
// crypto.Signer (HSM-backed, KMS-backed, or here: deliberately never
// exported past secrets.Secret.Sign). This is the only point of contact
// between the envelope engine and go-jose for the signed-message path.
type opaqueSigner struct {
	kid    string
	pub    ed25519.PublicKey
	secret *secrets.Secret
}

func (s opaqueSigner) Public() *jose.JSONWebKey {
	return &jose.JSONWebKey{Key: s.pub, KeyID: s.kid, Algorithm: string(jose.EdDSA), Use: "sig"}
}

func (s opaqueSigner) Algs() []jose.SignatureAlgorithm {
	return []jose.SignatureAlgorithm{jose.EdDSA}
}

func (s opaqueSigner) SignPayload(payload []byte, alg jose.SignatureAlgorithm) ([]byte, error) {
	if alg != jose.EdDSA {
		return nil, fmt.Errorf("envelope: opaque signer only supports EdDSA, got %s", alg)
	}
	return s.secret.Sign(payload)
}

// signWithSecret wraps plaintext in a JWS (RFC 7515) signed by an
// Ed25519 secrets.Secret, matching the "signed" DIDComm v2 message
// construction. go-jose never sees the private key material directly:
// it drives signing through the OpaqueSigner contract, calling back into
// secret.Sign for the actual Ed25519 operation.
func signWithSecret(signerKID string, secret *secrets.Secret, plaintext []byte) ([]byte, error) {
	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.EdDSA,
		Key: opaqueSigner{
			kid:    signerKID,
			pub:    ed25519.PublicKey(secret.PublicKey()),
			secret: secret,
		},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("envelope: create signer: %w", err)
	}

	jws, err := signer.Sign(plaintext)
	if err != nil {
		return nil, fmt.Errorf("envelope: sign: %w", err)
	}

	serialized, err := jws.FullSerialize()
	if err != nil {
		return nil, fmt.Errorf("envelope: serialize signature: %w", err)
	}
	return []byte(serialized), nil
}

// verifySigned checks a JWS produced by signWithSecret against pub,
// returning the recovered plaintext and the kid asserted in the
// protected header so the caller can resolve it against the claimed
// sender DID.
func verifySigned(signed []byte, pub ed25519.PublicKey) (plaintext []byte, kid string, err error) {
	jws, err := jose.ParseSigned(string(signed), []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return nil, "", wire.Wrap(wire.ErrMalformed, "parse signature", err)
	}
	if len(jws.Signatures) != 1 {
		return nil, "", wire.New(wire.ErrMalformed, fmt.Sprintf("expected exactly one signature, got %d", len(jws.Signatures)))
	}

	plaintext, err = jws.Verify(pub)
	if err != nil {
		return nil, "", wire.Wrap(wire.ErrSignatureInvalid, "JWS verification failed", err)
	}
	return plaintext, jws.Signatures[0].Header.KeyID, nil
}
