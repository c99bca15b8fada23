// Package live implements C5, the live delivery registry: an in-process
// map from recipient DID to its currently attached pickup session. The
// registry owns only the sender half of each session's channel; the
// transport (C8) owns the receive half and is the session's single
// consumer, so that closing a session is entirely local to the registry
// and never blocks on a slow or gone transport.
package live

import (
	"sync"

	"github.com/google/uuid"

	"github.com/layr8/didcomm-mediator/internal/store"
)

// DeliverResult classifies the outcome of one Deliver call.
type DeliverResult int

const (
	Delivered DeliverResult = iota
	NotLive
	Closed
)

// CloseReason explains why a session ended, for surfacing as the
// displaced problem-report code on the transport side.
type CloseReason string

const (
	ClosedDisplaced    CloseReason = "displaced"
	ClosedBackpressure CloseReason = "backpressure-exceeded"
	ClosedDetached     CloseReason = "detached"
)

// AttachToken identifies one Attach call, so a caller can tell whether it
// still owns a session or has already been displaced by a newer one.
type AttachToken string

// Session is the registry's handle back to a transport that just
// attached. Items carries queued deliveries; Closed fires exactly once,
// with the reason, whenever the session ends (displacement, backpressure,
// Detach or CloseRecipient).
type Session struct {
	Token  AttachToken
	Items  <-chan *store.MailboxItem
	Closed <-chan CloseReason
}

type sendResult int

const (
	sendOK sendResult = iota
	sendFull
	sendDead
)

type entry struct {
	token  AttachToken
	ch     chan *store.MailboxItem
	closed chan CloseReason

	mu   sync.Mutex
	live bool
}

func newEntry(bound int) *entry {
	return &entry{
		token:  AttachToken(uuid.NewString()),
		ch:     make(chan *store.MailboxItem, bound),
		closed: make(chan CloseReason, 1),
		live:   true,
	}
}

// send pushes item if the entry is still live and has room, all under
// the same lock close() uses, so a session is never closed mid-send and
// a send never reaches an already-closed channel.
func (e *entry) send(item *store.MailboxItem) sendResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.live {
		return sendDead
	}
	select {
	case e.ch <- item:
		return sendOK
	default:
		return sendFull
	}
}

func (e *entry) close(reason CloseReason) {
	e.mu.Lock()
	if !e.live {
		e.mu.Unlock()
		return
	}
	e.live = false
	e.mu.Unlock()

	e.closed <- reason
	close(e.closed)
	close(e.ch)
}

// Registry is C5. Zero value is not usable; construct with New.
type Registry struct {
	backpressureBound int

	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty Registry. backpressureBound is the per-session
// outstanding-message limit before a session is closed for falling
// behind (spec's live_delivery_backpressure_bound); zero or negative
// falls back to a conservative default.
func New(backpressureBound int) *Registry {
	return &Registry{
		backpressureBound: backpressureBound,
		entries:           make(map[string]*entry),
	}
}

func (r *Registry) bound() int {
	if r.backpressureBound > 0 {
		return r.backpressureBound
	}
	return 16
}

// Attach opens a new live session for recipientDID. Any existing session
// for that recipient is closed first with ClosedDisplaced — at most one
// live session per recipient DID at any time.
func (r *Registry) Attach(recipientDID string) *Session {
	e := newEntry(r.bound())

	r.mu.Lock()
	prior, had := r.entries[recipientDID]
	r.entries[recipientDID] = e
	r.mu.Unlock()

	if had {
		prior.close(ClosedDisplaced)
	}

	return &Session{Token: e.token, Items: e.ch, Closed: e.closed}
}

// Detach ends the session for recipientDID if token still identifies the
// currently attached session; a detach for an already-displaced or
// already-closed token is a no-op.
func (r *Registry) Detach(recipientDID string, token AttachToken) {
	r.mu.Lock()
	e, ok := r.entries[recipientDID]
	if !ok || e.token != token {
		r.mu.Unlock()
		return
	}
	delete(r.entries, recipientDID)
	r.mu.Unlock()

	e.close(ClosedDetached)
}

// Deliver pushes item onto recipientDID's live session if one is
// attached. NotLive means the caller should leave the item queued for a
// future delivery-request or attach. Closed means the session existed
// but had already exceeded its backpressure bound; the registry closes
// it as a side effect and the caller should leave item queued exactly as
// on NotLive.
func (r *Registry) Deliver(recipientDID string, item *store.MailboxItem) DeliverResult {
	r.mu.Lock()
	e, ok := r.entries[recipientDID]
	r.mu.Unlock()
	if !ok {
		return NotLive
	}

	switch e.send(item) {
	case sendOK:
		return Delivered
	case sendDead:
		return NotLive
	default: // sendFull
		r.closeIfCurrent(recipientDID, e, ClosedBackpressure)
		return Closed
	}
}

func (r *Registry) closeIfCurrent(recipientDID string, e *entry, reason CloseReason) {
	r.mu.Lock()
	if cur, ok := r.entries[recipientDID]; ok && cur == e {
		delete(r.entries, recipientDID)
	}
	r.mu.Unlock()
	e.close(reason)
}

// CloseRecipient force-closes whatever session is currently attached for
// recipientDID, regardless of token — used by administrative cleanup
// (connection termination, DID rotation) rather than by the session's own
// transport, which should use Detach instead.
func (r *Registry) CloseRecipient(recipientDID string, reason CloseReason) {
	r.mu.Lock()
	e, ok := r.entries[recipientDID]
	if ok {
		delete(r.entries, recipientDID)
	}
	r.mu.Unlock()

	if ok {
		e.close(reason)
	}
}

// IsLive reports whether recipientDID currently has an attached session.
func (r *Registry) IsLive(recipientDID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[recipientDID]
	return ok
}
