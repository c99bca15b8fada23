package mediator

import (
	"context"
	"encoding/base64"

	"github.com/google/uuid"

	"github.com/layr8/didcomm-mediator/internal/store"
	"github.com/layr8/didcomm-mediator/internal/wire"
)

const defaultDeliveryLimit = 10

// StatusRequest reports mailbox stats for one recipient_did, or
// aggregates over the whole connection's keylist when omitted.
func (e *Engine) StatusRequest(ctx context.Context, req Request) (*Result, error) {
	if !req.Authenticated() {
		return nil, wire.New(wire.ErrUnauthenticated, "status-request requires an authenticated sender")
	}
	var body StatusRequestBody
	_ = req.Message.UnmarshalBody(&body)

	if body.RecipientDID != "" {
		if err := e.assertOwnsRecipient(ctx, req.SenderDID, body.RecipientDID); err != nil {
			return nil, err
		}
		st, err := e.Store.Stats(ctx, body.RecipientDID)
		if err != nil {
			return nil, err
		}
		return &Result{Response: e.statusMessage(st, body.RecipientDID, e.Live.IsLive(body.RecipientDID))}, nil
	}

	agg, liveAny, err := e.aggregateStats(ctx, req.SenderDID)
	if err != nil {
		return nil, err
	}
	return &Result{Response: e.statusMessage(agg, "", liveAny)}, nil
}

// DeliveryRequest hands back up to limit queued items for a recipient,
// oldest first, retaining them in the mailbox until an explicit
// messages-received ack — at-least-once, not exactly-once, delivery.
func (e *Engine) DeliveryRequest(ctx context.Context, req Request) (*Result, error) {
	if !req.Authenticated() {
		return nil, wire.New(wire.ErrUnauthenticated, "delivery-request requires an authenticated sender")
	}
	var body DeliveryRequestBody
	_ = req.Message.UnmarshalBody(&body)

	recipientDID := body.RecipientDID
	if recipientDID == "" {
		recipientDID = req.SenderDID
	}
	if err := e.assertOwnsRecipient(ctx, req.SenderDID, recipientDID); err != nil {
		return nil, err
	}

	limit := body.Limit
	if limit <= 0 {
		limit = defaultDeliveryLimit
	}

	items, err := e.Store.ListMessages(ctx, recipientDID, limit)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		st, err := e.Store.Stats(ctx, recipientDID)
		if err != nil {
			return nil, err
		}
		return &Result{Response: e.statusMessage(st, recipientDID, e.Live.IsLive(recipientDID))}, nil
	}

	attachments := make([]wire.Attachment, len(items))
	for i, it := range items {
		attachments[i] = wire.Attachment{
			ID:   it.ID,
			Data: wire.AttachmentData{Base64: base64.StdEncoding.EncodeToString(it.AttachedMessage)},
		}
	}

	resp := &wire.Message{ID: uuid.NewString(), Type: wire.TypeDelivery, Attachments: attachments}
	if err := resp.SetBody(DeliveryBody{RecipientDID: recipientDID}); err != nil {
		return nil, err
	}
	return &Result{Response: resp}, nil
}

// MessagesReceived acknowledges delivered items by ID, across every DID
// in the connection's keylist (item IDs are globally unique, so this is
// equivalent to and simpler than requiring the caller to name which
// keylist entry each ID belongs to).
func (e *Engine) MessagesReceived(ctx context.Context, req Request) (*Result, error) {
	if !req.Authenticated() {
		return nil, wire.New(wire.ErrUnauthenticated, "messages-received requires an authenticated sender")
	}
	var body MessagesReceivedBody
	if err := req.Message.UnmarshalBody(&body); err != nil {
		return nil, wire.Wrap(wire.ErrMalformed, "messages-received body", err)
	}

	dids, _, err := e.Store.Keylist(ctx, req.SenderDID, "", 0)
	if err != nil {
		return nil, err
	}
	for _, did := range dids {
		if _, err := e.Store.AckMessages(ctx, did, body.MessageIDList); err != nil {
			return nil, err
		}
	}

	agg, liveAny, err := e.aggregateStats(ctx, req.SenderDID)
	if err != nil {
		return nil, err
	}
	return &Result{Response: e.statusMessage(agg, "", liveAny)}, nil
}

// LiveDeliveryChange attaches or detaches the calling transport to a
// recipient's live session, flushing already-queued items before any new
// forward arrives — the session is attached first so nothing enqueued
// during the flush window is missed.
func (e *Engine) LiveDeliveryChange(ctx context.Context, req Request) (*Result, error) {
	if !req.Authenticated() {
		return nil, wire.New(wire.ErrUnauthenticated, "live-delivery-change requires an authenticated sender")
	}
	var body LiveDeliveryChangeBody
	if err := req.Message.UnmarshalBody(&body); err != nil {
		return nil, wire.Wrap(wire.ErrMalformed, "live-delivery-change body", err)
	}

	recipientDID := body.RecipientDID
	if recipientDID == "" {
		recipientDID = req.SenderDID
	}
	if err := e.assertOwnsRecipient(ctx, req.SenderDID, recipientDID); err != nil {
		return nil, err
	}

	e.mu.Lock()
	priorToken, hadPrior := e.attachTokens[recipientDID]
	e.mu.Unlock()

	if !body.LiveDelivery {
		if hadPrior {
			e.Live.Detach(recipientDID, priorToken)
			e.mu.Lock()
			delete(e.attachTokens, recipientDID)
			e.mu.Unlock()
		}
		return &Result{Detach: true}, nil
	}

	sess := e.Live.Attach(recipientDID)
	e.mu.Lock()
	e.attachTokens[recipientDID] = sess.Token
	e.mu.Unlock()

	queued, err := e.Store.ListMessages(ctx, recipientDID, 0)
	if err != nil {
		return nil, err
	}
	for i := range queued {
		e.Live.Deliver(recipientDID, &queued[i])
	}

	return &Result{Attach: sess}, nil
}

// aggregateStats sums mailbox stats across every DID in clientDID's
// keylist and reports whether any one of them is currently live-attached,
// so an aggregate status-request (recipient_did omitted) reflects live
// delivery the same way a per-recipient one does.
func (e *Engine) aggregateStats(ctx context.Context, clientDID string) (store.Stats, bool, error) {
	dids, _, err := e.Store.Keylist(ctx, clientDID, "", 0)
	if err != nil {
		return store.Stats{}, false, err
	}

	var agg store.Stats
	var liveAny bool
	for _, did := range dids {
		st, err := e.Store.Stats(ctx, did)
		if err != nil {
			return store.Stats{}, false, err
		}
		agg.MessageCount += st.MessageCount
		agg.TotalBytes += st.TotalBytes
		if st.LongestWaitedSeconds > agg.LongestWaitedSeconds {
			agg.LongestWaitedSeconds = st.LongestWaitedSeconds
		}
		if !st.OldestReceivedTime.IsZero() && (agg.OldestReceivedTime.IsZero() || st.OldestReceivedTime.Before(agg.OldestReceivedTime)) {
			agg.OldestReceivedTime = st.OldestReceivedTime
		}
		if st.NewestReceivedTime.After(agg.NewestReceivedTime) {
			agg.NewestReceivedTime = st.NewestReceivedTime
		}
		if e.Live.IsLive(did) {
			liveAny = true
		}
	}
	return agg, liveAny, nil
}

func (e *Engine) statusMessage(st store.Stats, recipientDID string, liveDelivery bool) *wire.Message {
	body := StatusBody{
		RecipientDID:         recipientDID,
		MessageCount:         st.MessageCount,
		LongestWaitedSeconds: st.LongestWaitedSeconds,
		TotalBytes:           st.TotalBytes,
		LiveDelivery:         liveDelivery,
	}
	if !st.NewestReceivedTime.IsZero() {
		body.NewestReceivedTime = st.NewestReceivedTime.Unix()
	}
	if !st.OldestReceivedTime.IsZero() {
		body.OldestReceivedTime = st.OldestReceivedTime.Unix()
	}

	resp := &wire.Message{ID: uuid.NewString(), Type: wire.TypeStatus}
	_ = resp.SetBody(body)
	return resp
}
