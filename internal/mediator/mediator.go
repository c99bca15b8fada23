// Package mediator implements C6, the protocol handlers: one function per
// message-type URI, each a state-machine transition over the connection
// store (C4) and live delivery registry (C5). Handlers are bound into a
// static table at construction — no dynamic plugin loading — per the
// build-time handler table this mediator uses in place of the source's
// generic plugin loader.
package mediator

import (
	"context"
	"errors"
	"sync"

	"github.com/layr8/didcomm-mediator/internal/envelope"
	"github.com/layr8/didcomm-mediator/internal/live"
	"github.com/layr8/didcomm-mediator/internal/store"
	"github.com/layr8/didcomm-mediator/internal/wire"
)

// Request is one dispatched message, with the sender identity the
// envelope engine already proved (empty if the message was anonymous).
type Request struct {
	Message     *wire.Message
	SenderDID   string
	SenderKeyID string
}

// Authenticated reports whether the envelope engine proved a sender for
// this request.
func (r Request) Authenticated() bool { return r.SenderDID != "" }

// Result is a handler's outcome. Response, if non-nil, is packed back to
// the sender by the dispatcher. Attach/Detach are out-of-band signals to
// the transport adaptor (C8) for live-delivery-change: the registry
// session to start streaming from, or a request to stop.
type Result struct {
	Response *wire.Message
	Attach   *live.Session
	Detach   bool
}

// HandlerFunc is the shape every C6 protocol handler implements.
type HandlerFunc func(ctx context.Context, req Request) (*Result, error)

// Engine holds C6's dependencies: the connection/routing store (C4), the
// live delivery registry (C5), and the envelope engine (C3) — the last
// needed only to verify from_prior rotation claims, which are themselves
// signed DIDComm envelopes.
type Engine struct {
	MediatorDID     string
	ServiceEndpoint string
	SupportedTypes  []string

	Store    store.Store
	Live     *live.Registry
	Envelope *envelope.Engine

	mu           sync.Mutex
	attachTokens map[string]live.AttachToken
}

// New builds an Engine.
func New(mediatorDID, serviceEndpoint string, supportedTypes []string, st store.Store, reg *live.Registry, env *envelope.Engine) *Engine {
	return &Engine{
		MediatorDID:     mediatorDID,
		ServiceEndpoint: serviceEndpoint,
		SupportedTypes:  supportedTypes,
		Store:           st,
		Live:            reg,
		Envelope:        env,
		attachTokens:    make(map[string]live.AttachToken),
	}
}

// Handlers returns the static message-type → handler table.
func (e *Engine) Handlers() map[string]HandlerFunc {
	return map[string]HandlerFunc{
		wire.TypeMediateRequest:          e.MediateRequest,
		wire.TypeKeylistUpdate:           e.KeylistUpdate,
		wire.TypeKeylistQuery:            e.KeylistQuery,
		wire.TypeMediateTerminate:        e.MediateTerminate,
		wire.TypeForward:                 e.Forward,
		wire.TypeStatusRequest:           e.StatusRequest,
		wire.TypeDeliveryRequest:         e.DeliveryRequest,
		wire.TypeMessagesReceived:        e.MessagesReceived,
		wire.TypeLiveDeliveryChange:      e.LiveDeliveryChange,
		wire.TypePing:                    e.Ping,
		wire.TypeDiscoverFeaturesQueries: e.DiscoverQueries,
	}
}

// assertOwnsRecipient fails unless recipientDID is in clientDID's own
// keylist — every Pickup operation that names a recipient_did is scoped
// to the authenticated connection's own authorized DIDs, never another
// connection's.
func (e *Engine) assertOwnsRecipient(ctx context.Context, clientDID, recipientDID string) error {
	dids, _, err := e.Store.Keylist(ctx, clientDID, "", 0)
	if err != nil {
		return err
	}
	for _, d := range dids {
		if d == recipientDID {
			return nil
		}
	}
	return wire.New(wire.ErrUnauthenticated, "recipient_did not owned by this connection")
}

func isKind(err error, kind wire.ErrorKind) bool {
	var ce *wire.CoreError
	return errors.As(err, &ce) && ce.Kind == kind
}
