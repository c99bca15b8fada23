package mediator

import (
	"context"
	"encoding/json"

	"github.com/layr8/didcomm-mediator/internal/wire"
)

// rotationClaim is the plaintext body of a from_prior claim: a signed
// attestation, by the prior DID, that it is rotating to sub.
type rotationClaim struct {
	Sub string `json:"sub"`
	Iss string `json:"iss"`
}

// HandleRotation verifies and applies a from_prior claim on msg, if
// present. Called by the dispatcher ahead of the type-specific handler so
// that by the time a coordination or pickup handler runs, the connection
// is already keyed by the new DID. A bad claim fails with
// ErrInvalidRotation and leaves all state unchanged.
func (e *Engine) HandleRotation(ctx context.Context, msg *wire.Message) error {
	if msg.FromPrior == "" {
		return nil
	}

	result, err := e.Envelope.Unpack(ctx, []byte(msg.FromPrior))
	if err != nil {
		return wire.Wrap(wire.ErrInvalidRotation, "from_prior signature verification failed", err)
	}

	var claim rotationClaim
	if err := json.Unmarshal(result.Plaintext, &claim); err != nil {
		return wire.Wrap(wire.ErrInvalidRotation, "from_prior claim body", err)
	}
	if result.SenderDID == "" || result.SenderDID != claim.Iss {
		return wire.New(wire.ErrInvalidRotation, "from_prior claim issuer does not match its own signature")
	}
	if claim.Sub != msg.From {
		return wire.New(wire.ErrInvalidRotation, "from_prior claim subject does not match message sender")
	}

	if err := e.Store.RotateClientDID(ctx, claim.Iss, claim.Sub); err != nil {
		return wire.Wrap(wire.ErrInvalidRotation, "rotate connection", err)
	}
	return nil
}
