// Package envelope implements C3, the envelope engine: authcrypt and
// anoncrypt Pack/Unpack over DIDComm v2's ECDH-1PU+A256KW and
// ECDH-ES+A256KW key management algorithms with A256CBC-HS512 content
// encryption, plus the embedded-payload JWS signing wrapper DIDComm v2 calls "signed" messages.
package envelope

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/layr8/didcomm-mediator/internal/cryptoutil"
	"github.com/layr8/didcomm-mediator/internal/diddoc"
	"github.com/layr8/didcomm-mediator/internal/resolver"
	"github.com/layr8/didcomm-mediator/internal/secrets"
	"github.com/layr8/didcomm-mediator/internal/wire"
)

// Recipient pairs a DID document's key agreement key ID with the raw
// X25519 public key bytes, the minimal addressing the key-wrap step
// needs once the caller has already resolved the "to" DIDs.
type Recipient struct {
	KeyID     string
	PublicKey []byte
}

// Engine is C3, composed over C1 (resolver) and C2 (secrets) per the
// component flow: callers hand it DIDs and plaintext; it never touches
// raw private key bytes itself; that always happens behind
// secrets.Secret's Sign/ECDH methods.
type Engine struct {
	resolver *resolver.Resolver
	secrets  secrets.Provider
}

// New builds an Engine.
func New(res *resolver.Resolver, sp secrets.Provider) *Engine {
	return &Engine{resolver: res, secrets: sp}
}

// PackAuthcrypt encrypts plaintext for the given recipients, authenticated
// as fromDID, using ECDH-1PU+A256KW key wrapping and A256CBC-HS512
// content encryption. fromKeyID must name a key agreement key this
// mediator holds the private half of.
func (e *Engine) PackAuthcrypt(ctx context.Context, fromKeyID string, recipients []Recipient, plaintext []byte) ([]byte, error) {
	if len(recipients) == 0 {
		return nil, wire.New(wire.ErrMalformed, "authcrypt pack requires at least one recipient")
	}

	senderSecret, err := e.secrets.FindSecret(fromKeyID)
	if err != nil {
		return nil, wire.Wrap(wire.ErrSenderResolutionFailed, "sender key lookup", err)
	}
	if senderSecret.Type() != secrets.KeyTypeX25519 {
		return nil, wire.New(wire.ErrUnsupportedAlgorithm, "authcrypt sender key must be X25519")
	}

	ephPub, ephPriv, err := cryptoutil.GenerateX25519KeyPair()
	if err != nil {
		return nil, wire.Wrap(wire.ErrMalformed, "generate ephemeral key", err)
	}

	kids := make([]string, len(recipients))
	for i, r := range recipients {
		kids[i] = r.KeyID
	}
	apv := computeAPV(kids)
	apu := b64([]byte(fromKeyID))

	header := rawProtectedHeader{
		Alg:  algECDH1PU,
		Enc:  encA256CBC,
		APU:  apu,
		APV:  apv,
		EPK:  encodeEPK(ephPub),
		SKID: fromKeyID,
	}
	protectedJSON, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}
	protectedB64 := b64(protectedJSON)

	cek := make([]byte, 64)
	if _, err := rand.Read(cek); err != nil {
		return nil, err
	}

	rawRecipients := make([]rawRecipient, len(recipients))
	for i, r := range recipients {
		ze, err := curve25519.X25519(ephPriv, r.PublicKey)
		if err != nil {
			return nil, wire.Wrap(wire.ErrMalformed, "ephemeral ECDH", err)
		}
		zs, err := senderSecret.ECDH(r.PublicKey)
		if err != nil {
			return nil, wire.Wrap(wire.ErrMalformed, "static ECDH", err)
		}
		kek, err := deriveKEK1PU(ze, zs, apu, apv)
		if err != nil {
			return nil, err
		}
		wrapped, err := aesKeyWrap(kek, cek)
		if err != nil {
			return nil, wire.Wrap(wire.ErrMalformed, "wrap cek", err)
		}
		rawRecipients[i] = rawRecipient{
			Header:       recipientHeader{KID: r.KeyID},
			EncryptedKey: b64(wrapped),
		}
	}

	iv, ciphertext, tag, err := cbcHmacEncrypt(cek, plaintext, []byte(protectedB64))
	if err != nil {
		return nil, err
	}

	out := rawJWE{
		Protected:  protectedB64,
		Recipients: rawRecipients,
		IV:         b64(iv),
		Ciphertext: b64(ciphertext),
		Tag:        b64(tag),
	}
	return json.Marshal(out)
}

// PackAnoncrypt encrypts plaintext for the given recipients with no
// sender authentication, using ECDH-ES+A256KW key wrapping.
func (e *Engine) PackAnoncrypt(recipients []Recipient, plaintext []byte) ([]byte, error) {
	if len(recipients) == 0 {
		return nil, wire.New(wire.ErrMalformed, "anoncrypt pack requires at least one recipient")
	}

	ephPub, ephPriv, err := cryptoutil.GenerateX25519KeyPair()
	if err != nil {
		return nil, wire.Wrap(wire.ErrMalformed, "generate ephemeral key", err)
	}

	kids := make([]string, len(recipients))
	for i, r := range recipients {
		kids[i] = r.KeyID
	}
	apv := computeAPV(kids)

	header := rawProtectedHeader{
		Alg: algECDHES,
		Enc: encA256CBC,
		APV: apv,
		EPK: encodeEPK(ephPub),
	}
	protectedJSON, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}
	protectedB64 := b64(protectedJSON)

	cek := make([]byte, 64)
	if _, err := rand.Read(cek); err != nil {
		return nil, err
	}

	rawRecipients := make([]rawRecipient, len(recipients))
	for i, r := range recipients {
		ze, err := curve25519.X25519(ephPriv, r.PublicKey)
		if err != nil {
			return nil, wire.Wrap(wire.ErrMalformed, "ephemeral ECDH", err)
		}
		kek, err := deriveKEKES(ze, apv)
		if err != nil {
			return nil, err
		}
		wrapped, err := aesKeyWrap(kek, cek)
		if err != nil {
			return nil, wire.Wrap(wire.ErrMalformed, "wrap cek", err)
		}
		rawRecipients[i] = rawRecipient{
			Header:       recipientHeader{KID: r.KeyID},
			EncryptedKey: b64(wrapped),
		}
	}

	iv, ciphertext, tag, err := cbcHmacEncrypt(cek, plaintext, []byte(protectedB64))
	if err != nil {
		return nil, err
	}

	out := rawJWE{
		Protected:  protectedB64,
		Recipients: rawRecipients,
		IV:         b64(iv),
		Ciphertext: b64(ciphertext),
		Tag:        b64(tag),
	}
	return json.Marshal(out)
}

// Sign wraps plaintext in a JWS signed by fromKeyID, DIDComm v2's
// "signed" envelope — used for non-repudiable plaintext messages such as
// did-rotate notifications, not for confidentiality.
func (e *Engine) Sign(fromKeyID string, plaintext []byte) ([]byte, error) {
	signerSecret, err := e.secrets.FindSecret(fromKeyID)
	if err != nil {
		return nil, wire.Wrap(wire.ErrSenderResolutionFailed, "signer key lookup", err)
	}
	if signerSecret.Type() != secrets.KeyTypeEd25519 {
		return nil, wire.New(wire.ErrUnsupportedAlgorithm, "signing key must be Ed25519")
	}
	// secrets.Secret deliberately never exposes its private scalar; sign
	// through the provider instead of through go-jose directly.
	return signWithSecret(fromKeyID, signerSecret, plaintext)
}

// UnpackResult carries what Unpack learned while peeling an envelope.
type UnpackResult struct {
	Plaintext []byte
	// SenderKeyID is set for authcrypt and signed messages; empty for
	// anoncrypt, which has no sender authentication by construction.
	SenderKeyID string
	// SenderDID is populated once SenderKeyID has been resolved back to
	// a controller DID, for authcrypt and signed messages.
	SenderDID string
	Anonymous bool
}

// Unpack peels one layer of a DIDComm envelope: a signed JWS, an
// authcrypt JWE, or an anoncrypt JWE, dispatching on the protected
// header's alg. It does not recurse into nested plaintext/Forward
// structure; callers re-invoke Unpack on a Forward's attached payload
// themselves.
func (e *Engine) Unpack(ctx context.Context, raw []byte) (*UnpackResult, error) {
	var probe struct {
		Protected  string          `json:"protected"`
		Signatures json.RawMessage `json:"signatures"`
		Payload    json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, wire.Wrap(wire.ErrMalformed, "not valid JSON", err)
	}

	if probe.Signatures != nil {
		return e.unpackSigned(ctx, raw)
	}
	if probe.Protected == "" {
		return nil, wire.New(wire.ErrMalformed, "neither a JWE nor a JWS")
	}

	headerJSON, err := unb64(probe.Protected)
	if err != nil {
		return nil, wire.Wrap(wire.ErrMalformed, "decode protected header", err)
	}
	var header rawProtectedHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, wire.Wrap(wire.ErrMalformed, "parse protected header", err)
	}

	switch header.Alg {
	case algECDH1PU:
		return e.unpackAuthcrypt(ctx, raw, header)
	case algECDHES:
		return e.unpackAnoncrypt(raw, header)
	default:
		return nil, wire.New(wire.ErrUnsupportedAlgorithm, fmt.Sprintf("unsupported alg %q", header.Alg))
	}
}

func (e *Engine) unpackSigned(ctx context.Context, raw []byte) (*UnpackResult, error) {
	var peek struct {
		Signatures []struct {
			Header struct {
				KID string `json:"kid"`
			} `json:"header"`
			Protected string `json:"protected"`
		} `json:"signatures"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil || len(peek.Signatures) != 1 {
		return nil, wire.New(wire.ErrMalformed, "malformed JWS signatures array")
	}

	kid := peek.Signatures[0].Header.KID
	if kid == "" {
		if protectedJSON, err := unb64(peek.Signatures[0].Protected); err == nil {
			var ph struct {
				KID string `json:"kid"`
			}
			_ = json.Unmarshal(protectedJSON, &ph)
			kid = ph.KID
		}
	}

	doc, err := e.resolveSignerDoc(ctx, kid)
	if err != nil {
		return nil, err
	}
	pub, err := authenticationPublicKey(doc, kid)
	if err != nil {
		return nil, err
	}

	plaintext, verifiedKID, err := verifySigned(raw, pub)
	if err != nil {
		return nil, err
	}

	return &UnpackResult{
		Plaintext:   plaintext,
		SenderKeyID: verifiedKID,
		SenderDID:   doc.ID,
	}, nil
}

func (e *Engine) unpackAuthcrypt(ctx context.Context, raw []byte, header rawProtectedHeader) (*UnpackResult, error) {
	var jwe rawJWE
	if err := json.Unmarshal(raw, &jwe); err != nil {
		return nil, wire.Wrap(wire.ErrMalformed, "parse JWE", err)
	}

	epkPub, err := decodeEPK(header.EPK)
	if err != nil {
		return nil, wire.Wrap(wire.ErrMalformed, "decode epk", err)
	}

	recipientKIDs := make([]string, len(jwe.Recipients))
	for i, r := range jwe.Recipients {
		recipientKIDs[i] = r.Header.KID
	}
	held, err := e.secrets.FindSecrets(recipientKIDs)
	if err != nil {
		return nil, wire.Wrap(wire.ErrTransient, "secrets lookup", err)
	}
	if len(held) == 0 {
		return nil, wire.New(wire.ErrRecipientKeyNotLocal, "no recipient key held by this mediator")
	}

	doc, err := e.resolveSignerDoc(ctx, header.SKID)
	if err != nil {
		return nil, err
	}
	senderPub, err := keyAgreementPublicKey(doc, header.SKID)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, kid := range held {
		recipientSecret, err := e.secrets.FindSecret(kid)
		if err != nil {
			lastErr = err
			continue
		}
		var recEntry *rawRecipient
		for i := range jwe.Recipients {
			if jwe.Recipients[i].Header.KID == kid {
				recEntry = &jwe.Recipients[i]
				break
			}
		}
		if recEntry == nil {
			continue
		}

		ze, err := recipientSecret.ECDH(epkPub)
		if err != nil {
			lastErr = err
			continue
		}
		zs, err := recipientSecret.ECDH(senderPub)
		if err != nil {
			lastErr = err
			continue
		}
		kek, err := deriveKEK1PU(ze, zs, header.APU, header.APV)
		if err != nil {
			lastErr = err
			continue
		}
		wrapped, err := unb64(recEntry.EncryptedKey)
		if err != nil {
			lastErr = err
			continue
		}
		cek, err := aesKeyUnwrap(kek, wrapped)
		if err != nil {
			lastErr = err
			continue
		}

		plaintext, err := decryptBody(jwe, cek)
		if err != nil {
			lastErr = err
			continue
		}

		return &UnpackResult{
			Plaintext:   plaintext,
			SenderKeyID: header.SKID,
			SenderDID:   doc.ID,
		}, nil
	}

	if lastErr != nil {
		return nil, wire.Wrap(wire.ErrDecryptionFailed, "no held recipient key could decrypt", lastErr)
	}
	return nil, wire.New(wire.ErrDecryptionFailed, "no held recipient key could decrypt")
}

func (e *Engine) unpackAnoncrypt(raw []byte, header rawProtectedHeader) (*UnpackResult, error) {
	var jwe rawJWE
	if err := json.Unmarshal(raw, &jwe); err != nil {
		return nil, wire.Wrap(wire.ErrMalformed, "parse JWE", err)
	}

	epkPub, err := decodeEPK(header.EPK)
	if err != nil {
		return nil, wire.Wrap(wire.ErrMalformed, "decode epk", err)
	}

	recipientKIDs := make([]string, len(jwe.Recipients))
	for i, r := range jwe.Recipients {
		recipientKIDs[i] = r.Header.KID
	}
	held, err := e.secrets.FindSecrets(recipientKIDs)
	if err != nil {
		return nil, wire.Wrap(wire.ErrTransient, "secrets lookup", err)
	}
	if len(held) == 0 {
		return nil, wire.New(wire.ErrRecipientKeyNotLocal, "no recipient key held by this mediator")
	}

	var lastErr error
	for _, kid := range held {
		recipientSecret, err := e.secrets.FindSecret(kid)
		if err != nil {
			lastErr = err
			continue
		}
		var recEntry *rawRecipient
		for i := range jwe.Recipients {
			if jwe.Recipients[i].Header.KID == kid {
				recEntry = &jwe.Recipients[i]
				break
			}
		}
		if recEntry == nil {
			continue
		}

		ze, err := recipientSecret.ECDH(epkPub)
		if err != nil {
			lastErr = err
			continue
		}
		kek, err := deriveKEKES(ze, header.APV)
		if err != nil {
			lastErr = err
			continue
		}
		wrapped, err := unb64(recEntry.EncryptedKey)
		if err != nil {
			lastErr = err
			continue
		}
		cek, err := aesKeyUnwrap(kek, wrapped)
		if err != nil {
			lastErr = err
			continue
		}

		plaintext, err := decryptBody(jwe, cek)
		if err != nil {
			lastErr = err
			continue
		}

		return &UnpackResult{Plaintext: plaintext, Anonymous: true}, nil
	}

	if lastErr != nil {
		return nil, wire.Wrap(wire.ErrDecryptionFailed, "no held recipient key could decrypt", lastErr)
	}
	return nil, wire.New(wire.ErrDecryptionFailed, "no held recipient key could decrypt")
}

func decryptBody(jwe rawJWE, cek []byte) ([]byte, error) {
	iv, err := unb64(jwe.IV)
	if err != nil {
		return nil, err
	}
	ciphertext, err := unb64(jwe.Ciphertext)
	if err != nil {
		return nil, err
	}
	tag, err := unb64(jwe.Tag)
	if err != nil {
		return nil, err
	}
	return cbcHmacDecrypt(cek, iv, ciphertext, tag, []byte(jwe.Protected))
}

func (e *Engine) resolveSignerDoc(ctx context.Context, kid string) (*diddoc.Document, error) {
	did, err := didFromKeyID(kid)
	if err != nil {
		return nil, wire.Wrap(wire.ErrSenderResolutionFailed, "malformed sender kid", err)
	}
	doc, err := e.resolver.Resolve(ctx, did)
	if err != nil {
		return nil, wire.Wrap(wire.ErrSenderResolutionFailed, "resolve sender DID", err)
	}
	return doc, nil
}

// didFromKeyID extracts the controller DID from a key ID of the form
// "<did>#<fragment>", the convention every resolver in this module
// produces.
func didFromKeyID(kid string) (string, error) {
	for i := 0; i < len(kid); i++ {
		if kid[i] == '#' {
			return kid[:i], nil
		}
	}
	return "", fmt.Errorf("envelope: key id %q has no fragment", kid)
}

func keyAgreementPublicKey(doc *diddoc.Document, kid string) ([]byte, error) {
	vm, err := doc.FindVerificationMethod(kid)
	if err != nil {
		return nil, wire.Wrap(wire.ErrSenderResolutionFailed, fmt.Sprintf("key %q not in sender's DID document", kid), err)
	}
	return decodeMultibaseX25519(vm.PublicKeyMultibase)
}

func authenticationPublicKey(doc *diddoc.Document, kid string) (ed25519.PublicKey, error) {
	vm, err := doc.FindVerificationMethod(kid)
	if err != nil {
		return nil, wire.Wrap(wire.ErrSenderResolutionFailed, fmt.Sprintf("key %q not in signer's DID document", kid), err)
	}
	raw, err := decodeMultibaseEd25519(vm.PublicKeyMultibase)
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(raw), nil
}

// PackResponseFor resolves toDID and authcrypts plaintext to every
// key-agreement key its document publishes, authenticated (authcrypt) as
// fromKeyID — the
// shape the dispatcher (C7) needs to answer an authenticated sender with
// "to = [sender_did], from = mediator_did, authcrypt" (spec §4.7).
func (e *Engine) PackResponseFor(ctx context.Context, fromKeyID, toDID string, plaintext []byte) ([]byte, error) {
	doc, err := e.resolver.Resolve(ctx, toDID)
	if err != nil {
		return nil, wire.Wrap(wire.ErrSenderResolutionFailed, "resolve response recipient", err)
	}
	keys := doc.KeyAgreementKeys()
	if len(keys) == 0 {
		return nil, wire.New(wire.ErrSenderResolutionFailed, "response recipient document has no key agreement keys")
	}
	recipients := make([]Recipient, len(keys))
	for i, vm := range keys {
		pub, err := decodeMultibaseX25519(vm.PublicKeyMultibase)
		if err != nil {
			return nil, err
		}
		recipients[i] = Recipient{KeyID: vm.ID, PublicKey: pub}
	}
	return e.PackAuthcrypt(ctx, fromKeyID, recipients, plaintext)
}
