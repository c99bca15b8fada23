// Package agentsim is a minimal DIDComm client: the test/bench harness
// that exercises a running mediator the way a real edge agent would, in
// place of the teacher's phoenixChannel-based client.go/handler.go. It
// mints its own did:peer identity, packs authcrypt requests with
// internal/envelope, and speaks HTTP + the /live WebSocket upgrade that
// internal/transport serves.
package agentsim

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/layr8/didcomm-mediator/internal/cryptoutil"
	"github.com/layr8/didcomm-mediator/internal/didpeer"
	"github.com/layr8/didcomm-mediator/internal/didweb"
	"github.com/layr8/didcomm-mediator/internal/envelope"
	"github.com/layr8/didcomm-mediator/internal/mediator"
	"github.com/layr8/didcomm-mediator/internal/resolver"
	"github.com/layr8/didcomm-mediator/internal/secrets"
	"github.com/layr8/didcomm-mediator/internal/wire"
)

const didcommContentType = "application/didcomm-encrypted+json"

// Agent is one simulated edge agent's DIDComm identity and transport.
type Agent struct {
	DID   string
	KeyID string

	mediatorDID string
	baseURL     string
	inboundPath string

	env        *envelope.Engine
	httpClient *http.Client
}

// New mints a fresh did:peer numalgo-2 identity (no authentication key,
// key-agreement only — all this mediator's protocols need) and wires it
// to an envelope engine that can resolve did:key/did:peer/did:web, the
// same composed resolver the mediator itself uses.
func New(baseURL, inboundPath, mediatorDID string) (*Agent, error) {
	pub, priv, err := cryptoutil.GenerateX25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("agentsim: generate key: %w", err)
	}

	did, _ := didpeer.GenerateNuma2(pub, nil, baseURL+inboundPath)
	keyID := did + "#key-1"

	sp := secrets.NewMemoryProvider()
	sp.Put(secrets.NewX25519Secret(keyID, priv, pub))
	res := resolver.New(didweb.Resolver{Fetcher: didweb.NewHTTPFetcher(&http.Client{Timeout: 10 * time.Second})}, resolver.Config{})
	env := envelope.New(res, sp)

	if inboundPath == "" {
		inboundPath = "/"
	}

	return &Agent{
		DID: did, KeyID: keyID,
		mediatorDID: mediatorDID, baseURL: strings.TrimRight(baseURL, "/"), inboundPath: inboundPath,
		env: env, httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Send packs msg as an authcrypt envelope addressed to the mediator,
// POSTs it, and unpacks whatever comes back (nil if the mediator
// returned 202 Accepted with no body, as Forward and absorbed errors do).
func (a *Agent) Send(ctx context.Context, msg *wire.Message) (*wire.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.From = a.DID
	msg.To = []string{a.mediatorDID}

	plaintext, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	packed, err := a.env.PackResponseFor(ctx, a.KeyID, a.mediatorDID, plaintext)
	if err != nil {
		return nil, fmt.Errorf("agentsim: pack: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+a.inboundPath, bytes.NewReader(packed))
	if err != nil {
		return nil, err
	}
	req.Header.Set("content-type", didcommContentType)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agentsim: post: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("agentsim: mediator returned %d: %s", resp.StatusCode, string(body))
	}
	if len(body) == 0 {
		return nil, nil
	}

	return a.unpack(ctx, body)
}

func (a *Agent) unpack(ctx context.Context, raw []byte) (*wire.Message, error) {
	result, err := a.env.Unpack(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("agentsim: unpack: %w", err)
	}
	var msg wire.Message
	if err := json.Unmarshal(result.Plaintext, &msg); err != nil {
		return nil, fmt.Errorf("agentsim: unmarshal plaintext: %w", err)
	}
	if result.SenderDID != a.mediatorDID {
		return nil, fmt.Errorf("agentsim: response signed by %q, want mediator %q", result.SenderDID, a.mediatorDID)
	}
	return &msg, nil
}

// MediateRequest sends coordinate-mediation/2.0/mediate-request.
func (a *Agent) MediateRequest(ctx context.Context) (*wire.Message, error) {
	return a.Send(ctx, &wire.Message{Type: wire.TypeMediateRequest})
}

// KeylistUpdate adds or removes recipient DIDs from this agent's keylist.
func (a *Agent) KeylistUpdate(ctx context.Context, updates []mediator.KeylistUpdateItem) (*wire.Message, error) {
	msg := &wire.Message{Type: wire.TypeKeylistUpdate}
	if err := msg.SetBody(mediator.KeylistUpdateBody{Updates: updates}); err != nil {
		return nil, err
	}
	return a.Send(ctx, msg)
}

// Forward relays plaintext to next as a routing/2.0/forward, the way a
// third party (not this agent) would reach a recipient through the
// mediator. Forward never yields a response, by privacy policy.
func (a *Agent) Forward(ctx context.Context, next string, plaintext []byte) error {
	msg := &wire.Message{
		Type: wire.TypeForward,
		Attachments: []wire.Attachment{{
			ID:   uuid.NewString(),
			Data: wire.AttachmentData{Base64: base64.StdEncoding.EncodeToString(plaintext)},
		}},
	}
	if err := msg.SetBody(mediator.ForwardBody{Next: next}); err != nil {
		return err
	}
	_, err := a.Send(ctx, msg)
	return err
}

// StatusRequest reports mailbox stats, aggregated over the whole keylist
// when recipientDID is empty.
func (a *Agent) StatusRequest(ctx context.Context, recipientDID string) (*wire.Message, error) {
	msg := &wire.Message{Type: wire.TypeStatusRequest}
	if err := msg.SetBody(mediator.StatusRequestBody{RecipientDID: recipientDID}); err != nil {
		return nil, err
	}
	return a.Send(ctx, msg)
}

// DeliveryRequest pulls up to limit queued messages.
func (a *Agent) DeliveryRequest(ctx context.Context, recipientDID string, limit int) (*wire.Message, error) {
	msg := &wire.Message{Type: wire.TypeDeliveryRequest}
	if err := msg.SetBody(mediator.DeliveryRequestBody{RecipientDID: recipientDID, Limit: limit}); err != nil {
		return nil, err
	}
	return a.Send(ctx, msg)
}

// MessagesReceived acknowledges delivered items by ID.
func (a *Agent) MessagesReceived(ctx context.Context, ids []string) (*wire.Message, error) {
	msg := &wire.Message{Type: wire.TypeMessagesReceived}
	if err := msg.SetBody(mediator.MessagesReceivedBody{MessageIDList: ids}); err != nil {
		return nil, err
	}
	return a.Send(ctx, msg)
}

// Ping sends trust-ping/2.0/ping.
func (a *Agent) Ping(ctx context.Context, responseRequested bool) (*wire.Message, error) {
	msg := &wire.Message{Type: wire.TypePing}
	if err := msg.SetBody(mediator.PingBody{ResponseRequested: responseRequested}); err != nil {
		return nil, err
	}
	return a.Send(ctx, msg)
}

// LiveSession is an open /live WebSocket connection. Deliveries arrive on
// Messages; the connection is torn down if the mediator reports
// displacement or closes the socket.
type LiveSession struct {
	Messages <-chan *wire.Message
	conn     *websocket.Conn
}

// Close ends the live session.
func (s *LiveSession) Close() error { return s.conn.Close() }

// AttachLive dials /live, sends a live-delivery-change(true) for
// recipientDID as the opening frame, and streams every later frame back
// as a decoded wire.Message. Dial retries use cenkalti/backoff's default
// exponential policy, capped by ctx.
func (a *Agent) AttachLive(ctx context.Context, recipientDID string) (*LiveSession, error) {
	wsURL := "ws" + strings.TrimPrefix(a.baseURL, "http") + "/live"

	var conn *websocket.Conn
	dial := func() error {
		c, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(dial, policy); err != nil {
		return nil, fmt.Errorf("agentsim: dial /live: %w", err)
	}

	msg := &wire.Message{Type: wire.TypeLiveDeliveryChange}
	_ = msg.SetBody(mediator.LiveDeliveryChangeBody{LiveDelivery: true, RecipientDID: recipientDID})
	msg.ID = uuid.NewString()
	msg.From = a.DID
	msg.To = []string{a.mediatorDID}
	plaintext, err := json.Marshal(msg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	packed, err := a.env.PackResponseFor(ctx, a.KeyID, a.mediatorDID, plaintext)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, packed); err != nil {
		conn.Close()
		return nil, err
	}

	out := make(chan *wire.Message, 16)
	go a.readLiveLoop(conn, out)
	return &LiveSession{Messages: out, conn: conn}, nil
}

func (a *Agent) readLiveLoop(conn *websocket.Conn, out chan<- *wire.Message) {
	defer close(out)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := a.unpack(context.Background(), raw)
		if err != nil {
			continue
		}
		out <- msg
	}
}
