package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/layr8/didcomm-mediator/internal/didpeer"
	"github.com/layr8/didcomm-mediator/internal/dispatch"
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

func newParty(t *testing.T, seed byte, endpoint string) party {
	t.Helper()
	priv := make([]byte, curve25519.ScalarSize)
	for i := range priv {
		priv[i] = seed + byte(i)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		t.Fatalf("X25519() error: %v", err)
	}
	did, _ := didpeer.GenerateNuma2(pub, nil, endpoint)
	return party{did: did, keyID: did + "#key-1", pub: pub, priv: priv}
}

type testServer struct {
	*httptest.Server
	envelope *envelope.Engine
	secrets  *secrets.MemoryProvider
	mediator party
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	med := newParty(t, 1, "https://mediator.example/inbox")

	sp := secrets.NewMemoryProvider()
	sp.Put(secrets.NewX25519Secret(med.keyID, med.priv, med.pub))

	res := resolver.New(nil, resolver.Config{})
	env := envelope.New(res, sp)

	supported := []string{
		wire.TypeMediateRequest, wire.TypeKeylistUpdate, wire.TypeKeylistQuery,
		wire.TypeMediateTerminate, wire.TypeForward, wire.TypeStatusRequest,
		wire.TypeDeliveryRequest, wire.TypeMessagesReceived, wire.TypeLiveDeliveryChange,
		wire.TypePing,
	}
	engine := mediator.New(med.did, "https://mediator.example/inbox", supported,
		store.NewMemoryStore(store.MemoryConfig{}), live.New(8), env)

	d := dispatch.New(med.did, med.keyID, env, engine, nil)
	s := NewServer(d, log.New(&bytes.Buffer{}, "", 0), "/")
	return &testServer{Server: httptest.NewServer(s), envelope: env, secrets: sp, mediator: med}
}

func (ts *testServer) registerParty(p party) {
	ts.secrets.Put(secrets.NewX25519Secret(p.keyID, p.priv, p.pub))
}

func (ts *testServer) packFrom(t *testing.T, sender party, msg wire.Message) []byte {
	t.Helper()
	plaintext, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	packed, err := ts.envelope.PackAuthcrypt(context.Background(), sender.keyID,
		[]envelope.Recipient{{KeyID: ts.mediator.keyID, PublicKey: ts.mediator.pub}}, plaintext)
	if err != nil {
		t.Fatalf("PackAuthcrypt() error: %v", err)
	}
	return packed
}

func (ts *testServer) unpack(t *testing.T, raw []byte) wire.Message {
	t.Helper()
	result, err := ts.envelope.Unpack(context.Background(), raw)
	if err != nil {
		t.Fatalf("Unpack() error: %v", err)
	}
	var msg wire.Message
	if err := json.Unmarshal(result.Plaintext, &msg); err != nil {
		t.Fatalf("unmarshal plaintext: %v", err)
	}
	return msg
}

func (ts *testServer) post(t *testing.T, raw []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+"/", didcommContentType, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST /: %v", err)
	}
	return resp
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestHandleInbound_MediateRequestRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()
	alice := newParty(t, 10, "https://alice.example/inbox")
	ts.registerParty(alice)

	req := wire.Message{ID: uuid.NewString(), Type: wire.TypeMediateRequest, From: alice.did, To: []string{ts.mediator.did}}
	resp := ts.post(t, ts.packFrom(t, alice, req))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	got := ts.unpack(t, buf.Bytes())
	if got.Type != wire.TypeMediateGrant {
		t.Errorf("response type = %q, want mediate-grant", got.Type)
	}
}

func TestHandleInbound_MalformedEnvelopeRejected(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	resp := ts.post(t, []byte(`not an envelope`))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

// TestHandleLive_AttachFlushesQueuedDelivery exercises Scenario C/E end to
// end: Alice mediates, registers zB, a forward queues a message for zB
// while offline, then Alice opens /live and attaches zB — the queued item
// must arrive as a delivery message on the socket.
func TestHandleLive_AttachFlushesQueuedDelivery(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()
	alice := newParty(t, 20, "https://alice.example/inbox")
	ts.registerParty(alice)

	mediateReq := wire.Message{ID: uuid.NewString(), Type: wire.TypeMediateRequest, From: alice.did, To: []string{ts.mediator.did}}
	resp := ts.post(t, ts.packFrom(t, alice, mediateReq))
	resp.Body.Close()

	const recipientDID = "did:key:zB-test-recipient"
	keylistReq := wire.Message{ID: uuid.NewString(), Type: wire.TypeKeylistUpdate, From: alice.did, To: []string{ts.mediator.did}}
	_ = keylistReq.SetBody(mediator.KeylistUpdateBody{Updates: []mediator.KeylistUpdateItem{{RecipientDID: recipientDID, Action: "add"}}})
	resp = ts.post(t, ts.packFrom(t, alice, keylistReq))
	resp.Body.Close()

	forwardReq := wire.Message{
		ID: uuid.NewString(), Type: wire.TypeForward, From: alice.did, To: []string{ts.mediator.did},
		Attachments: []wire.Attachment{{ID: "att-1", Data: wire.AttachmentData{JSON: json.RawMessage(`"hello-E"`)}}},
	}
	_ = forwardReq.SetBody(mediator.ForwardBody{Next: recipientDID})
	resp = ts.post(t, ts.packFrom(t, alice, forwardReq))
	resp.Body.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/live"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial /live: %v", err)
	}
	defer conn.Close()

	liveReq := wire.Message{ID: uuid.NewString(), Type: wire.TypeLiveDeliveryChange, From: alice.did, To: []string{ts.mediator.did}}
	_ = liveReq.SetBody(mediator.LiveDeliveryChangeBody{LiveDelivery: true, RecipientDID: recipientDID})
	if err := conn.WriteMessage(websocket.BinaryMessage, ts.packFrom(t, alice, liveReq)); err != nil {
		t.Fatalf("write live-delivery-change: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read delivery: %v", err)
	}
	delivered := ts.unpack(t, raw)
	if delivered.Type != wire.TypeDelivery {
		t.Fatalf("first socket message type = %q, want delivery", delivered.Type)
	}
	if len(delivered.Attachments) != 1 {
		t.Fatalf("delivery attachments = %d, want 1", len(delivered.Attachments))
	}
}
