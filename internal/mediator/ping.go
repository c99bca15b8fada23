package mediator

import (
	"context"

	"github.com/google/uuid"

	"github.com/layr8/didcomm-mediator/internal/wire"
)

// Ping is a liveness probe only; it never touches the store and works
// whether or not the sender was authenticated.
func (e *Engine) Ping(ctx context.Context, req Request) (*Result, error) {
	var body PingBody
	_ = req.Message.UnmarshalBody(&body)

	if !body.ResponseRequested {
		return &Result{}, nil
	}

	thid := req.Message.ThreadID
	if thid == "" {
		thid = req.Message.ID
	}
	resp := &wire.Message{ID: uuid.NewString(), Type: wire.TypePingResponse, ThreadID: thid}
	return &Result{Response: resp}, nil
}
