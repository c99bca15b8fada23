package envelope

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"golang.org/x/crypto/curve25519"

	"github.com/layr8/didcomm-mediator/internal/didkey"
	"github.com/layr8/didcomm-mediator/internal/resolver"
	"github.com/layr8/didcomm-mediator/internal/secrets"
)

type testParty struct {
	did        string
	agreeKeyID string
	authKeyID  string
	agreePub   []byte
	secrets    *secrets.MemoryProvider
}

func newTestParty(t *testing.T) testParty {
	t.Helper()

	agreePriv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(agreePriv); err != nil {
		t.Fatalf("generate X25519 key: %v", err)
	}
	agreePub, err := curve25519.X25519(agreePriv, curve25519.Basepoint)
	if err != nil {
		t.Fatalf("derive X25519 public key: %v", err)
	}

	authPub, authPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate Ed25519 key: %v", err)
	}

	did, _ := didkey.GenerateX25519(agreePub)
	agreeKeyID := did + "#" + did[len("did:key:"):]

	authDID, _ := didkey.GenerateEd25519(authPub)
	authKeyID := authDID + "#" + authDID[len("did:key:"):]

	sp := secrets.NewMemoryProvider()
	sp.Put(secrets.NewX25519Secret(agreeKeyID, agreePriv, agreePub))
	sp.Put(secrets.NewEd25519Secret(authKeyID, authPriv))

	return testParty{
		did:        did,
		agreeKeyID: agreeKeyID,
		authKeyID:  authKeyID,
		agreePub:   agreePub,
		secrets:    sp,
	}
}

func newTestResolver() *resolver.Resolver {
	return resolver.New(nil, resolver.Config{AllowedMethods: []string{"key", "peer"}})
}

func TestEngine_AnoncryptRoundTrip(t *testing.T) {
	recipient := newTestParty(t)
	eng := New(newTestResolver(), recipient.secrets)

	plaintext := []byte(`{"hello":"world"}`)
	packed, err := eng.PackAnoncrypt([]Recipient{{KeyID: recipient.agreeKeyID, PublicKey: recipient.agreePub}}, plaintext)
	if err != nil {
		t.Fatalf("PackAnoncrypt() error: %v", err)
	}

	result, err := eng.Unpack(context.Background(), packed)
	if err != nil {
		t.Fatalf("Unpack() error: %v", err)
	}
	if !result.Anonymous {
		t.Error("Unpack() result.Anonymous = false, want true")
	}
	if string(result.Plaintext) != string(plaintext) {
		t.Errorf("Unpack() plaintext = %q, want %q", result.Plaintext, plaintext)
	}
}

func TestEngine_AuthcryptRoundTrip(t *testing.T) {
	sender := newTestParty(t)
	recipient := newTestParty(t)

	senderEngine := New(newTestResolver(), sender.secrets)
	recipientEngine := New(newTestResolver(), recipient.secrets)

	plaintext := []byte(`{"hello":"authenticated world"}`)
	packed, err := senderEngine.PackAuthcrypt(context.Background(), sender.agreeKeyID, []Recipient{
		{KeyID: recipient.agreeKeyID, PublicKey: recipient.agreePub},
	}, plaintext)
	if err != nil {
		t.Fatalf("PackAuthcrypt() error: %v", err)
	}

	result, err := recipientEngine.Unpack(context.Background(), packed)
	if err != nil {
		t.Fatalf("Unpack() error: %v", err)
	}
	if result.Anonymous {
		t.Error("Unpack() result.Anonymous = true, want false for authcrypt")
	}
	if result.SenderDID != sender.did {
		t.Errorf("Unpack() SenderDID = %q, want %q", result.SenderDID, sender.did)
	}
	if string(result.Plaintext) != string(plaintext) {
		t.Errorf("Unpack() plaintext = %q, want %q", result.Plaintext, plaintext)
	}
}

func TestEngine_SignRoundTrip(t *testing.T) {
	signer := newTestParty(t)
	eng := New(newTestResolver(), signer.secrets)

	plaintext := []byte(`{"rotate":"did:key:znew"}`)
	signed, err := eng.Sign(signer.authKeyID, plaintext)
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}

	result, err := eng.Unpack(context.Background(), signed)
	if err != nil {
		t.Fatalf("Unpack() error: %v", err)
	}
	if result.SenderDID != signer.authDIDOrDID() {
		t.Errorf("Unpack() SenderDID = %q, want %q", result.SenderDID, signer.authDIDOrDID())
	}
	if string(result.Plaintext) != string(plaintext) {
		t.Errorf("Unpack() plaintext = %q, want %q", result.Plaintext, plaintext)
	}
}

// authDIDOrDID exists only because the Ed25519 and X25519 key pairs in a
// testParty are minted as two separate did:key identifiers; the signed
// test authenticates as the Ed25519 one.
func (p testParty) authDIDOrDID() string {
	for i := 0; i < len(p.authKeyID); i++ {
		if p.authKeyID[i] == '#' {
			return p.authKeyID[:i]
		}
	}
	return p.did
}

func TestEngine_AnoncryptUnknownRecipientKey(t *testing.T) {
	recipient := newTestParty(t)
	stranger := newTestParty(t)
	eng := New(newTestResolver(), stranger.secrets)

	packed, err := New(newTestResolver(), recipient.secrets).PackAnoncrypt(
		[]Recipient{{KeyID: recipient.agreeKeyID, PublicKey: recipient.agreePub}}, []byte("{}"))
	if err != nil {
		t.Fatalf("PackAnoncrypt() error: %v", err)
	}

	if _, err := eng.Unpack(context.Background(), packed); err == nil {
		t.Fatal("Unpack() should fail: stranger does not hold the recipient key")
	}
}
