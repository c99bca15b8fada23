package mediator

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/layr8/didcomm-mediator/internal/store"
	"github.com/layr8/didcomm-mediator/internal/wire"
)

// Forward enqueues a third party's attachment into the named recipient's
// mailbox and opportunistically pushes it to a live session. It never
// returns a Result — forward never produces a DIDComm response, even on
// error, since the sender may be anonymous and must never learn whether
// next exists. A non-nil error here is for the dispatcher to log, not
// report.
func (e *Engine) Forward(ctx context.Context, req Request) (*Result, error) {
	var body ForwardBody
	if err := req.Message.UnmarshalBody(&body); err != nil {
		return nil, wire.Wrap(wire.ErrMalformed, "forward body", err)
	}
	if body.Next == "" || len(req.Message.Attachments) == 0 {
		return nil, wire.New(wire.ErrMalformed, "forward requires next and at least one attachment")
	}

	blob, err := attachmentBytes(req.Message.Attachments[0])
	if err != nil {
		return nil, wire.Wrap(wire.ErrMalformed, "forward attachment", err)
	}

	itemID, err := e.Store.Enqueue(ctx, body.Next, blob)
	if err != nil {
		if isKind(err, wire.ErrUnknownRecipient) {
			// Privacy: do not leak recipient existence to the sender or
			// a log line naming the DID. Silent drop.
			return nil, nil
		}
		return nil, err
	}

	item := &store.MailboxItem{ID: itemID, RecipientDID: body.Next, AttachedMessage: blob}
	// Deliver's NotLive/Closed outcomes are not errors here: the item is
	// already queued in the mailbox regardless of whether a live session
	// picked it up immediately.
	e.Live.Deliver(body.Next, item)
	return nil, nil
}

func attachmentBytes(a wire.Attachment) ([]byte, error) {
	if a.Data.Base64 != "" {
		return base64.StdEncoding.DecodeString(a.Data.Base64)
	}
	if len(a.Data.JSON) > 0 {
		return []byte(a.Data.JSON), nil
	}
	return nil, fmt.Errorf("mediator: forward attachment carries no data")
}
