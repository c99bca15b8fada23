package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/layr8/didcomm-mediator/internal/live"
	"github.com/layr8/didcomm-mediator/internal/problemreport"
	"github.com/layr8/didcomm-mediator/internal/store"
	"github.com/layr8/didcomm-mediator/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// liveSocket streams live deliveries to one attached recipient. It mirrors
// the teacher's phoenixChannel, server-side: a mutex-guarded writer and a
// done channel both the read loop and the session pump can close.
type liveSocket struct {
	conn *websocket.Conn
	mu   sync.Mutex
	done chan struct{}
}

func newLiveSocket(conn *websocket.Conn) *liveSocket {
	return &liveSocket{conn: conn, done: make(chan struct{})}
}

func (s *liveSocket) writeEnvelope(raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return websocket.ErrCloseSent
	default:
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, raw)
}

func (s *liveSocket) close() {
	select {
	case <-s.done:
		return
	default:
		close(s.done)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.Close()
}

// handleLive upgrades to a WebSocket. The client's first (and any later)
// frame is an authenticated envelope dispatched exactly like the POST
// endpoint, so acks (messages-received, status-request) share the same
// socket as the live-delivery-change that opened it. Once that message
// yields a live.Session, a second goroutine pumps its Items onto the
// socket as delivery messages until the session closes or the socket dies.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Printf("transport: websocket upgrade failed: %v", err)
		return
	}
	sock := newLiveSocket(conn)
	defer sock.close()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		outcome, dispatchErr := s.Dispatch.Dispatch(ctx, raw)
		cancel()
		if dispatchErr != nil {
			// Envelope-level failure: no DIDComm response is possible, per
			// problem-report's contract, so the socket isn't worth keeping.
			return
		}
		if outcome == nil {
			continue
		}
		if outcome.ResponseBytes != nil {
			if err := sock.writeEnvelope(outcome.ResponseBytes); err != nil {
				return
			}
		}
		if outcome.Attach != nil {
			// pumpLiveSession outlives this request loop's 30s ctx (it runs
			// until the session closes or the socket dies), so it gets a
			// context scoped to the connection's own lifetime instead.
			go s.pumpLiveSession(r.Context(), sock, outcome.Attach, outcome.SenderDID)
		}
	}
}

// pumpLiveSession drains sess.Items onto sock as delivery messages and, if
// the registry ends the session (displacement, backpressure), packs a
// problem-report carrying the close reason before giving up the socket.
func (s *Server) pumpLiveSession(ctx context.Context, sock *liveSocket, sess *live.Session, recipientDID string) {
	for {
		select {
		case item, ok := <-sess.Items:
			if !ok {
				// Closed is closed before Items, so this receive never blocks.
				if reason, ok := <-sess.Closed; ok {
					s.notifyClosed(ctx, sock, recipientDID, reason)
				}
				return
			}
			raw, err := s.packDelivery(ctx, recipientDID, item)
			if err != nil {
				s.Logger.Printf("transport: pack live delivery for %s failed: %v", recipientDID, err)
				continue
			}
			if err := sock.writeEnvelope(raw); err != nil {
				return
			}
		case reason, ok := <-sess.Closed:
			if !ok {
				return
			}
			s.notifyClosed(ctx, sock, recipientDID, reason)
			return
		}
	}
}

func (s *Server) packDelivery(ctx context.Context, recipientDID string, item *store.MailboxItem) ([]byte, error) {
	msg := &wire.Message{
		ID:   uuid.NewString(),
		Type: wire.TypeDelivery,
		Attachments: []wire.Attachment{{
			ID:   item.ID,
			Data: wire.AttachmentData{Base64: base64.StdEncoding.EncodeToString(item.AttachedMessage)},
		}},
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return s.Dispatch.Envelope.PackResponseFor(ctx, s.Dispatch.MediatorKeyID, recipientDID, b)
}

func (s *Server) notifyClosed(ctx context.Context, sock *liveSocket, recipientDID string, reason live.CloseReason) {
	report := &wire.Message{ID: uuid.NewString(), Type: wire.TypeProblemReport}
	if err := report.SetBody(problemreport.Body{Code: string(reason), Comment: "live session closed"}); err != nil {
		return
	}
	b, err := json.Marshal(report)
	if err != nil {
		return
	}
	raw, err := s.Dispatch.Envelope.PackResponseFor(ctx, s.Dispatch.MediatorKeyID, recipientDID, b)
	if err != nil {
		return
	}
	sock.writeEnvelope(raw)
}
