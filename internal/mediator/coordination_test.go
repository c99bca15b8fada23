package mediator

import (
	"context"
	"testing"

	"github.com/layr8/didcomm-mediator/internal/live"
	"github.com/layr8/didcomm-mediator/internal/wire"
)

func TestMediateTerminate_TearsDownKeylistAndForceClosesLiveSessions(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	if _, err := e.MediateRequest(ctx, msgFrom("did:key:zA", wire.TypeMediateRequest)); err != nil {
		t.Fatalf("MediateRequest() error: %v", err)
	}
	addReq := msgFrom("did:key:zA", wire.TypeKeylistUpdate)
	_ = addReq.Message.SetBody(KeylistUpdateBody{Updates: []KeylistUpdateItem{{RecipientDID: "did:key:zB", Action: "add"}}})
	if _, err := e.KeylistUpdate(ctx, addReq); err != nil {
		t.Fatalf("KeylistUpdate() error: %v", err)
	}

	liveReq := msgFrom("did:key:zA", wire.TypeLiveDeliveryChange)
	_ = liveReq.Message.SetBody(LiveDeliveryChangeBody{LiveDelivery: true, RecipientDID: "did:key:zB"})
	liveRes, err := e.LiveDeliveryChange(ctx, liveReq)
	if err != nil {
		t.Fatalf("LiveDeliveryChange(true) error: %v", err)
	}
	if liveRes.Attach == nil {
		t.Fatalf("LiveDeliveryChange(true) result has no Attach session")
	}
	if !e.Live.IsLive("did:key:zB") {
		t.Fatalf("did:key:zB should be live before terminate")
	}

	res, err := e.MediateTerminate(ctx, msgFrom("did:key:zA", wire.TypeMediateTerminate))
	if err != nil {
		t.Fatalf("MediateTerminate() error: %v", err)
	}
	if res.Response == nil || res.Response.Type != wire.TypeMediateTerminate {
		t.Fatalf("MediateTerminate() response = %+v, want echoed mediate-terminate", res.Response)
	}

	select {
	case reason := <-liveRes.Attach.Closed:
		if reason != live.ClosedDetached {
			t.Errorf("live session close reason = %v, want %v", reason, live.ClosedDetached)
		}
	default:
		t.Fatalf("terminate did not force-close the live session")
	}
	if e.Live.IsLive("did:key:zB") {
		t.Fatalf("did:key:zB should no longer be live after terminate")
	}

	if _, err := e.Store.GetConnection(ctx, "did:key:zA"); !isKind(err, wire.ErrUnknownConnection) {
		t.Fatalf("GetConnection() after terminate = %v, want ErrUnknownConnection", err)
	}

	// The keylist is gone too: re-granting the same client a fresh
	// mediate-request must not see any trace of the old keylist entry.
	if _, err := e.MediateRequest(ctx, msgFrom("did:key:zA", wire.TypeMediateRequest)); err != nil {
		t.Fatalf("MediateRequest() after terminate error: %v", err)
	}
	queryRes, err := e.KeylistQuery(ctx, msgFrom("did:key:zA", wire.TypeKeylistQuery))
	if err != nil {
		t.Fatalf("KeylistQuery() error: %v", err)
	}
	var keylist KeylistBody
	if err := queryRes.Response.UnmarshalBody(&keylist); err != nil {
		t.Fatalf("unmarshal keylist: %v", err)
	}
	for _, k := range keylist.Keys {
		if k.RecipientDID == "did:key:zB" {
			t.Errorf("keylist after re-mediate still carries the old did:key:zB entry")
		}
	}
}

func TestMediateTerminate_Unauthenticated(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.MediateTerminate(context.Background(), Request{Message: &wire.Message{Type: wire.TypeMediateTerminate}})
	if !isKind(err, wire.ErrUnauthenticated) {
		t.Fatalf("MediateTerminate() from anonymous error = %v, want ErrUnauthenticated", err)
	}
}

func TestMediateTerminate_UnknownConnection(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.MediateTerminate(context.Background(), msgFrom("did:key:zNeverMediated", wire.TypeMediateTerminate))
	if !isKind(err, wire.ErrUnknownConnection) {
		t.Fatalf("MediateTerminate() for unmediated sender error = %v, want ErrUnknownConnection", err)
	}
}
