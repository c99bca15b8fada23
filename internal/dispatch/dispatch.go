// Package dispatch implements C7: it turns inbound envelope bytes into a
// handler call and the handler's result back into outbound envelope
// bytes, enforcing the preconditions common to every protocol handler so
// C6 doesn't have to.
package dispatch

import (
	"context"
	"encoding/json"

	"github.com/layr8/didcomm-mediator/internal/envelope"
	"github.com/layr8/didcomm-mediator/internal/live"
	"github.com/layr8/didcomm-mediator/internal/mediator"
	"github.com/layr8/didcomm-mediator/internal/problemreport"
	"github.com/layr8/didcomm-mediator/internal/wire"
)

// ErrorSink receives errors the dispatcher could not turn into a DIDComm
// response: Forward failures (never reported, by privacy policy) and
// failures for anonymous senders. Analogous to the teacher's ErrorHandler.
type ErrorSink func(msgType, senderDID string, err error)

// Outcome is what Dispatch hands back to the transport adaptor (C8): the
// bytes to write as the response, if any, plus any live-delivery signal
// the handler produced.
type Outcome struct {
	ResponseBytes []byte
	Attach        *live.Session
	Detach        bool

	// SenderDID is the authenticated sender of the request that produced
	// this Outcome, so a long-lived transport (a WebSocket) can tell which
	// recipient an Attach belongs to without re-unpacking the envelope.
	SenderDID string
}

// Engine wires C3 (envelope), C6 (handlers) and C9 (error mapping) into
// the single Dispatch entry point C8 calls per inbound request.
type Engine struct {
	MediatorDID   string
	MediatorKeyID string

	Envelope *envelope.Engine
	Mediator *mediator.Engine
	OnError  ErrorSink
}

// New builds an Engine. onError may be nil, in which case dropped errors
// are simply discarded.
func New(mediatorDID, mediatorKeyID string, env *envelope.Engine, med *mediator.Engine, onError ErrorSink) *Engine {
	if onError == nil {
		onError = func(string, string, error) {}
	}
	return &Engine{MediatorDID: mediatorDID, MediatorKeyID: mediatorKeyID, Envelope: env, Mediator: med, OnError: onError}
}

// Dispatch unpacks raw, routes it to the matching C6 handler, and packs
// any response. A non-nil error here is always envelope-level (per
// problemreport.IsEnvelopeLevel) — every other failure is either turned
// into a problem-report response or silently absorbed, and reported via
// OnError instead of returned, since the transport cannot know what to do
// with a protocol-level failure beyond what Outcome already encodes.
func (e *Engine) Dispatch(ctx context.Context, raw []byte) (*Outcome, error) {
	unpacked, err := e.Envelope.Unpack(ctx, raw)
	if err != nil {
		return nil, err
	}

	var msg wire.Message
	if err := json.Unmarshal(unpacked.Plaintext, &msg); err != nil {
		return nil, wire.Wrap(wire.ErrMalformed, "unpacked plaintext is not a DIDComm message", err)
	}

	senderDID := unpacked.SenderDID

	if !addressedToMediator(msg.To, e.MediatorDID) {
		return e.absorb(msg, senderDID, wire.New(wire.ErrNotAddressedHere, "message not addressed to this mediator"))
	}

	if msg.FromPrior != "" {
		if err := e.Mediator.HandleRotation(ctx, &msg); err != nil {
			return e.absorb(msg, senderDID, err)
		}
	}

	handler, ok := e.Mediator.Handlers()[msg.Type]
	if !ok {
		return e.absorb(msg, senderDID, wire.New(wire.ErrUnknownMessageType, msg.Type))
	}

	result, err := handler(ctx, mediator.Request{Message: &msg, SenderDID: senderDID, SenderKeyID: unpacked.SenderKeyID})
	if err != nil {
		return e.absorb(msg, senderDID, err)
	}
	if result == nil {
		return nil, nil
	}

	outcome := &Outcome{Attach: result.Attach, Detach: result.Detach, SenderDID: senderDID}
	if result.Response == nil {
		if outcome.Attach == nil && !outcome.Detach {
			return nil, nil
		}
		return outcome, nil
	}

	respBytes, err := e.pack(ctx, senderDID, result.Response)
	if err != nil {
		return nil, err
	}
	outcome.ResponseBytes = respBytes
	return outcome, nil
}

// absorb applies the propagation policy for a failure that happened after
// the envelope was successfully unpacked: Forward failures and failures
// for an anonymous sender are logged only; everything else from a proven
// sender becomes a problem-report.
func (e *Engine) absorb(msg wire.Message, senderDID string, cause error) (*Outcome, error) {
	if msg.Type == wire.TypeForward || senderDID == "" {
		e.OnError(msg.Type, senderDID, cause)
		return nil, nil
	}

	report := problemreport.ForError(cause, msg.ThreadID)
	respBytes, packErr := e.pack(context.Background(), senderDID, report)
	if packErr != nil {
		e.OnError(msg.Type, senderDID, cause)
		return nil, nil
	}
	return &Outcome{ResponseBytes: respBytes, SenderDID: senderDID}, nil
}

func (e *Engine) pack(ctx context.Context, toDID string, msg *wire.Message) ([]byte, error) {
	plaintext, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return e.Envelope.PackResponseFor(ctx, e.MediatorKeyID, toDID, plaintext)
}

func addressedToMediator(to []string, mediatorDID string) bool {
	for _, did := range to {
		if did == mediatorDID {
			return true
		}
	}
	return false
}
