package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// This file assembles and parses the JWE General JSON Serialization (RFC
// 7516 §7.2.1) by hand. go-jose's own Encrypter/Decrypter are built around
// NIST-curve ECDH-ES; DIDComm v2 runs ECDH-ES and ECDH-1PU over X25519,
// and ECDH-1PU isn't a registered JOSE algorithm at all, so neither
// key-management path can go through go-jose's high-level API. go-jose is
// still exercised directly in sign.go, where the signed-message (JWS)
// envelope's Ed25519 keys are a shape go-jose's JSONWebKey does support.

const (
	algECDH1PU = "ECDH-1PU+A256KW"
	algECDHES  = "ECDH-ES+A256KW"
	encA256CBC = "A256CBC-HS512"
)

type recipientHeader struct {
	KID string `json:"kid"`
}

type rawRecipient struct {
	Header       recipientHeader `json:"header"`
	EncryptedKey string          `json:"encrypted_key"`
}

type rawJWE struct {
	Protected  string         `json:"protected"`
	Recipients []rawRecipient `json:"recipients"`
	IV         string         `json:"iv"`
	Ciphertext string         `json:"ciphertext"`
	Tag        string         `json:"tag"`
}

// rawProtectedHeader is the JWE protected header shape this mediator
// writes and reads. epk is kept as a hand-rolled OKP JWK (see
// encodeEPK/decodeEPK) since the X25519 key agreement curve isn't one
// go-jose's own JSONWebKey marshaler recognizes.
type rawProtectedHeader struct {
	Alg  string          `json:"alg"`
	Enc  string          `json:"enc"`
	APU  string          `json:"apu,omitempty"`
	APV  string          `json:"apv,omitempty"`
	EPK  json.RawMessage `json:"epk"`
	SKID string          `json:"skid,omitempty"`
}

func b64(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func unb64(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }

type jwkOKP struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
}

// encodeEPK renders an ephemeral or static X25519 public key as an OKP
// JWK, the representation DIDComm v2's epk header uses.
func encodeEPK(pub []byte) json.RawMessage {
	b, _ := json.Marshal(jwkOKP{Kty: "OKP", Crv: "X25519", X: b64(pub)})
	return b
}

func decodeEPK(raw json.RawMessage) ([]byte, error) {
	var jwk jwkOKP
	if err := json.Unmarshal(raw, &jwk); err != nil {
		return nil, fmt.Errorf("envelope: decode epk: %w", err)
	}
	if jwk.Kty != "OKP" || jwk.Crv != "X25519" {
		return nil, fmt.Errorf("envelope: unsupported epk kty/crv %s/%s", jwk.Kty, jwk.Crv)
	}
	return unb64(jwk.X)
}
