package mediator

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/layr8/didcomm-mediator/internal/didkey"
	"github.com/layr8/didcomm-mediator/internal/envelope"
	"github.com/layr8/didcomm-mediator/internal/resolver"
	"github.com/layr8/didcomm-mediator/internal/secrets"
	"github.com/layr8/didcomm-mediator/internal/wire"
)

// rotationParty is a did:key Ed25519 identity that can sign a from_prior
// claim the way a rotating connection would.
type rotationParty struct {
	did   string
	keyID string
	sp    *secrets.MemoryProvider
}

func newRotationParty(t *testing.T) rotationParty {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate Ed25519 key: %v", err)
	}
	did, _ := didkey.GenerateEd25519(pub)
	keyID := did + "#" + did[len("did:key:"):]

	sp := secrets.NewMemoryProvider()
	sp.Put(secrets.NewEd25519Secret(keyID, priv))
	return rotationParty{did: did, keyID: keyID, sp: sp}
}

func newRotationEngine(t *testing.T) *Engine {
	t.Helper()
	e := newTestEngine(t)
	res := resolver.New(nil, resolver.Config{AllowedMethods: []string{"key", "peer"}})
	e.Envelope = envelope.New(res, secrets.NewMemoryProvider())
	return e
}

func signFromPrior(t *testing.T, signer rotationParty, sub, iss string) string {
	t.Helper()
	eng := envelope.New(resolver.New(nil, resolver.Config{AllowedMethods: []string{"key", "peer"}}), signer.sp)
	claim, err := json.Marshal(struct {
		Sub string `json:"sub"`
		Iss string `json:"iss"`
	}{Sub: sub, Iss: iss})
	if err != nil {
		t.Fatalf("marshal claim: %v", err)
	}
	signed, err := eng.Sign(signer.keyID, claim)
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	return string(signed)
}

func TestHandleRotation_Valid(t *testing.T) {
	ctx := context.Background()
	e := newRotationEngine(t)

	oldParty := newRotationParty(t)
	newParty := newRotationParty(t)

	if _, err := e.MediateRequest(ctx, msgFrom(oldParty.did, wire.TypeMediateRequest)); err != nil {
		t.Fatalf("MediateRequest() error: %v", err)
	}

	msg := &wire.Message{
		ID:        "msg-1",
		Type:      wire.TypePing,
		From:      newParty.did,
		FromPrior: signFromPrior(t, oldParty, newParty.did, oldParty.did),
	}
	if err := e.HandleRotation(ctx, msg); err != nil {
		t.Fatalf("HandleRotation() error: %v", err)
	}

	if _, err := e.Store.GetConnection(ctx, newParty.did); err != nil {
		t.Fatalf("GetConnection(newDID) after rotation: %v", err)
	}
	if _, err := e.Store.GetConnection(ctx, oldParty.did); !isKind(err, wire.ErrUnknownConnection) {
		t.Fatalf("GetConnection(oldDID) after rotation = %v, want ErrUnknownConnection", err)
	}
}

func TestHandleRotation_NoFromPriorIsNoOp(t *testing.T) {
	e := newRotationEngine(t)
	msg := &wire.Message{ID: "msg-1", Type: wire.TypePing, From: "did:key:zSomething"}
	if err := e.HandleRotation(context.Background(), msg); err != nil {
		t.Fatalf("HandleRotation() with no from_prior error = %v, want nil", err)
	}
}

func TestHandleRotation_IssuerDoesNotMatchSigner(t *testing.T) {
	ctx := context.Background()
	e := newRotationEngine(t)

	oldParty := newRotationParty(t)
	stranger := newRotationParty(t)
	newParty := newRotationParty(t)

	if _, err := e.MediateRequest(ctx, msgFrom(oldParty.did, wire.TypeMediateRequest)); err != nil {
		t.Fatalf("MediateRequest() error: %v", err)
	}

	// stranger signs the claim, but the claim falsely names oldParty as
	// iss — the signature is valid, but it isn't oldParty's signature.
	msg := &wire.Message{
		ID:        "msg-1",
		Type:      wire.TypePing,
		From:      newParty.did,
		FromPrior: signFromPrior(t, stranger, newParty.did, oldParty.did),
	}
	err := e.HandleRotation(ctx, msg)
	if !isKind(err, wire.ErrInvalidRotation) {
		t.Fatalf("HandleRotation() error = %v, want ErrInvalidRotation", err)
	}

	if _, err := e.Store.GetConnection(ctx, oldParty.did); err != nil {
		t.Fatalf("GetConnection(oldDID) should be untouched by a rejected rotation: %v", err)
	}
}

func TestHandleRotation_SubDoesNotMatchMessageFrom(t *testing.T) {
	ctx := context.Background()
	e := newRotationEngine(t)

	oldParty := newRotationParty(t)
	newParty := newRotationParty(t)
	someoneElse := newRotationParty(t)

	if _, err := e.MediateRequest(ctx, msgFrom(oldParty.did, wire.TypeMediateRequest)); err != nil {
		t.Fatalf("MediateRequest() error: %v", err)
	}

	// Claim says it's rotating to someoneElse, but the message itself
	// claims to be from newParty.
	msg := &wire.Message{
		ID:        "msg-1",
		Type:      wire.TypePing,
		From:      newParty.did,
		FromPrior: signFromPrior(t, oldParty, someoneElse.did, oldParty.did),
	}
	err := e.HandleRotation(ctx, msg)
	if !isKind(err, wire.ErrInvalidRotation) {
		t.Fatalf("HandleRotation() error = %v, want ErrInvalidRotation", err)
	}

	if _, err := e.Store.GetConnection(ctx, oldParty.did); err != nil {
		t.Fatalf("GetConnection(oldDID) should be untouched by a rejected rotation: %v", err)
	}
}
