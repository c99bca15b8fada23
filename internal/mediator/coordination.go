package mediator

import (
	"context"

	"github.com/google/uuid"

	"github.com/layr8/didcomm-mediator/internal/cryptoutil"
	"github.com/layr8/didcomm-mediator/internal/didpeer"
	"github.com/layr8/didcomm-mediator/internal/live"
	"github.com/layr8/didcomm-mediator/internal/store"
	"github.com/layr8/didcomm-mediator/internal/wire"
)

// MediateRequest implements coordinate-mediation's Unknown -> Granted
// transition. A second request from an already-granted connection is
// answered with mediate-deny rather than creating a duplicate.
func (e *Engine) MediateRequest(ctx context.Context, req Request) (*Result, error) {
	if !req.Authenticated() {
		return nil, wire.New(wire.ErrUnauthenticated, "mediate-request requires an authenticated sender")
	}

	if _, err := e.Store.GetConnection(ctx, req.SenderDID); err == nil {
		resp := &wire.Message{ID: uuid.NewString(), Type: wire.TypeMediateDeny}
		if err := resp.SetBody(MediateDenyBody{Reason: "already-mediated"}); err != nil {
			return nil, err
		}
		return &Result{Response: resp}, nil
	} else if !isKind(err, wire.ErrUnknownConnection) {
		return nil, err
	}

	routingPub, _, err := cryptoutil.GenerateX25519KeyPair()
	if err != nil {
		return nil, wire.Wrap(wire.ErrMalformed, "generate routing key", err)
	}
	routingDID, _ := didpeer.GenerateNuma2(routingPub, nil, e.ServiceEndpoint)

	conn, err := e.Store.CreateConnection(ctx, req.SenderDID, e.MediatorDID, req.SenderKeyID, routingDID)
	if err != nil {
		return nil, err
	}

	// The routing_did is pre-authorized in the new connection's own
	// keylist, so a third party addressing forward{next: routing_did}
	// works immediately without a separate keylist-update round trip.
	// keylist-query leaves this entry out, listing only client-added DIDs.
	if _, err := e.Store.UpdateKeylist(ctx, conn.ClientDID, []store.KeylistUpdate{
		{RecipientDID: routingDID, Action: store.KeylistAdd},
	}); err != nil {
		return nil, err
	}

	resp := &wire.Message{ID: uuid.NewString(), Type: wire.TypeMediateGrant}
	if err := resp.SetBody(MediateGrantBody{RoutingDID: routingDID}); err != nil {
		return nil, err
	}
	return &Result{Response: resp}, nil
}

// KeylistUpdate applies a batch of add/remove updates atomically and
// echoes a per-item result for every input item, per the "no partial
// silent success" rule.
func (e *Engine) KeylistUpdate(ctx context.Context, req Request) (*Result, error) {
	if !req.Authenticated() {
		return nil, wire.New(wire.ErrUnauthenticated, "keylist-update requires an authenticated sender")
	}
	var body KeylistUpdateBody
	if err := req.Message.UnmarshalBody(&body); err != nil {
		return nil, wire.Wrap(wire.ErrMalformed, "keylist-update body", err)
	}

	updates := make([]store.KeylistUpdate, len(body.Updates))
	for i, u := range body.Updates {
		action, err := parseKeylistAction(u.Action)
		if err != nil {
			return nil, err
		}
		updates[i] = store.KeylistUpdate{RecipientDID: u.RecipientDID, Action: action}
	}

	results, err := e.Store.UpdateKeylist(ctx, req.SenderDID, updates)
	if err != nil {
		return nil, err
	}

	out := make([]KeylistUpdateResultItem, len(results))
	for i, r := range results {
		out[i] = KeylistUpdateResultItem{
			RecipientDID: r.RecipientDID,
			Action:       r.Action.String(),
			Result:       keylistResultString(r.Result),
		}
	}

	resp := &wire.Message{ID: uuid.NewString(), Type: wire.TypeKeylistUpdateResponse}
	if err := resp.SetBody(KeylistUpdateResponseBody{Updated: out}); err != nil {
		return nil, err
	}
	return &Result{Response: resp}, nil
}

// KeylistQuery returns the connection's current keylist, minus the routing
// DID pre-added at grant, paginated by the opaque cursor the store hands back.
func (e *Engine) KeylistQuery(ctx context.Context, req Request) (*Result, error) {
	if !req.Authenticated() {
		return nil, wire.New(wire.ErrUnauthenticated, "keylist-query requires an authenticated sender")
	}
	var body KeylistQueryBody
	_ = req.Message.UnmarshalBody(&body)

	conn, err := e.Store.GetConnection(ctx, req.SenderDID)
	if err != nil {
		return nil, err
	}
	dids, next, err := e.Store.Keylist(ctx, req.SenderDID, body.Cursor, body.Limit)
	if err != nil {
		return nil, err
	}

	keys := make([]KeylistKeyItem, 0, len(dids))
	for _, did := range dids {
		if did == conn.RoutingDID {
			continue
		}
		keys = append(keys, KeylistKeyItem{RecipientDID: did})
	}

	resp := &wire.Message{ID: uuid.NewString(), Type: wire.TypeKeylist}
	if err := resp.SetBody(KeylistBody{Keys: keys, Cursor: next}); err != nil {
		return nil, err
	}
	return &Result{Response: resp}, nil
}

// MediateTerminate deletes the connection, its keylist, its mailboxes,
// and force-closes any live sessions still attached to its keylist DIDs.
func (e *Engine) MediateTerminate(ctx context.Context, req Request) (*Result, error) {
	if !req.Authenticated() {
		return nil, wire.New(wire.ErrUnauthenticated, "mediate-terminate requires an authenticated sender")
	}

	dids, _, err := e.Store.Keylist(ctx, req.SenderDID, "", 0)
	if err != nil {
		return nil, err
	}
	if err := e.Store.Terminate(ctx, req.SenderDID); err != nil {
		return nil, err
	}
	for _, did := range dids {
		e.Live.CloseRecipient(did, live.ClosedDetached)
	}

	resp := &wire.Message{ID: uuid.NewString(), Type: wire.TypeMediateTerminate}
	return &Result{Response: resp}, nil
}

func parseKeylistAction(s string) (store.KeylistAction, error) {
	switch s {
	case "add":
		return store.KeylistAdd, nil
	case "remove":
		return store.KeylistRemove, nil
	default:
		return 0, wire.New(wire.ErrMalformed, "keylist-update action must be add or remove, got "+s)
	}
}

func keylistResultString(k store.KeylistResultKind) string {
	switch k {
	case store.KeylistSuccess:
		return "success"
	case store.KeylistNoChange:
		return "no_change"
	default:
		return "client_error"
	}
}
