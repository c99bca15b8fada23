package dispatch

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/layr8/didcomm-mediator/internal/didpeer"
	"github.com/layr8/didcomm-mediator/internal/envelope"
	"github.com/layr8/didcomm-mediator/internal/live"
	"github.com/layr8/didcomm-mediator/internal/mediator"
	"github.com/layr8/didcomm-mediator/internal/resolver"
	"github.com/layr8/didcomm-mediator/internal/secrets"
	"github.com/layr8/didcomm-mediator/internal/store"
	"github.com/layr8/didcomm-mediator/internal/wire"
	"golang.org/x/crypto/curve25519"
)

type party struct {
	did   string
	keyID string
	pub   []byte
	priv  []byte
}

func newParty(t *testing.T, endpoint string) party {
	t.Helper()
	priv := make([]byte, curve25519.ScalarSize)
	for i := range priv {
		priv[i] = byte(i + 1)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		t.Fatalf("X25519() error: %v", err)
	}
	did, _ := didpeer.GenerateNuma2(pub, nil, endpoint)
	return party{did: did, keyID: did + "#key-1", pub: pub, priv: priv}
}

// harness wires C1-C7 together with in-memory backends, the shape a real
// cmd/mediator/main.go assembles at startup.
type harness struct {
	engine   *Engine
	envelope *envelope.Engine
	secrets  *secrets.MemoryProvider
	mediator party
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mediatorParty := newParty(t, "https://mediator.example/inbox")

	sp := secrets.NewMemoryProvider()
	sp.Put(secrets.NewX25519Secret(mediatorParty.keyID, mediatorParty.priv, mediatorParty.pub))

	res := resolver.New(nil, resolver.Config{})
	env := envelope.New(res, sp)

	supported := []string{
		wire.TypeMediateRequest, wire.TypeKeylistUpdate, wire.TypeKeylistQuery,
		wire.TypeMediateTerminate, wire.TypeForward, wire.TypeStatusRequest,
		wire.TypeDeliveryRequest, wire.TypeMessagesReceived, wire.TypeLiveDeliveryChange,
		wire.TypePing,
	}
	med := mediator.New(mediatorParty.did, "https://mediator.example/inbox", supported,
		store.NewMemoryStore(store.MemoryConfig{}), live.New(8), env)

	eng := New(mediatorParty.did, mediatorParty.keyID, env, med, nil)
	return &harness{engine: eng, envelope: env, secrets: sp, mediator: mediatorParty}
}

func (h *harness) registerParty(p party) {
	h.secrets.Put(secrets.NewX25519Secret(p.keyID, p.priv, p.pub))
}

func (h *harness) packFrom(t *testing.T, sender party, msg wire.Message) []byte {
	t.Helper()
	plaintext, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	packed, err := h.envelope.PackAuthcrypt(context.Background(), sender.keyID,
		[]envelope.Recipient{{KeyID: h.mediator.keyID, PublicKey: h.mediator.pub}}, plaintext)
	if err != nil {
		t.Fatalf("PackAuthcrypt() error: %v", err)
	}
	return packed
}

func (h *harness) unpackTo(t *testing.T, recipient party, raw []byte) wire.Message {
	t.Helper()
	result, err := h.envelope.Unpack(context.Background(), raw)
	if err != nil {
		t.Fatalf("Unpack() response error: %v", err)
	}
	var msg wire.Message
	if err := json.Unmarshal(result.Plaintext, &msg); err != nil {
		t.Fatalf("unmarshal response plaintext: %v", err)
	}
	if result.SenderDID != h.mediator.did {
		t.Errorf("response sender = %q, want mediator %q", result.SenderDID, h.mediator.did)
	}
	return msg
}

func TestDispatch_MediateRequestRoundTrip(t *testing.T) {
	h := newHarness(t)
	alice := newParty(t, "https://alice.example/inbox")
	h.registerParty(alice)

	req := wire.Message{
		ID: uuid.NewString(), Type: wire.TypeMediateRequest,
		From: alice.did, To: []string{h.mediator.did},
	}
	raw := h.packFrom(t, alice, req)

	outcome, err := h.engine.Dispatch(context.Background(), raw)
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if outcome == nil || outcome.ResponseBytes == nil {
		t.Fatalf("Dispatch() outcome = %+v, want a response", outcome)
	}

	resp := h.unpackTo(t, alice, outcome.ResponseBytes)
	if resp.Type != wire.TypeMediateGrant {
		t.Errorf("response type = %q, want mediate-grant", resp.Type)
	}
}

func TestDispatch_UnknownMessageTypeProducesProblemReport(t *testing.T) {
	h := newHarness(t)
	alice := newParty(t, "https://alice.example/inbox")
	h.registerParty(alice)

	req := wire.Message{
		ID: uuid.NewString(), Type: "https://didcomm.org/nonexistent/1.0/whatever",
		From: alice.did, To: []string{h.mediator.did},
	}
	raw := h.packFrom(t, alice, req)

	outcome, err := h.engine.Dispatch(context.Background(), raw)
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if outcome == nil || outcome.ResponseBytes == nil {
		t.Fatalf("Dispatch() outcome = %+v, want a problem-report response", outcome)
	}
	resp := h.unpackTo(t, alice, outcome.ResponseBytes)
	if resp.Type != wire.TypeProblemReport {
		t.Errorf("response type = %q, want problem-report", resp.Type)
	}
}

func TestDispatch_NotAddressedHereIsAbsorbed(t *testing.T) {
	h := newHarness(t)
	alice := newParty(t, "https://alice.example/inbox")
	h.registerParty(alice)

	reported := false
	h.engine.OnError = func(msgType, senderDID string, err error) { reported = true }

	req := wire.Message{
		ID: uuid.NewString(), Type: wire.TypeMediateRequest,
		From: alice.did, To: []string{"did:peer:2.somebody-else"},
	}
	raw := h.packFrom(t, alice, req)

	outcome, err := h.engine.Dispatch(context.Background(), raw)
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if outcome == nil || outcome.ResponseBytes == nil {
		t.Fatalf("Dispatch() outcome = %+v, want a problem-report (authenticated sender)", outcome)
	}
	if reported {
		t.Errorf("OnError called for an authenticated not-addressed-here failure, want a problem-report instead")
	}
}
