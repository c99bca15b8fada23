package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/layr8/didcomm-mediator/internal/wire"
)

// MemoryConfig controls mailbox eviction policy, shared by MemoryStore and
// PostgresStore.
type MemoryConfig struct {
	// MailboxSoftCap is the per-recipient item count above which the
	// oldest item is evicted on enqueue. Zero means unbounded.
	MailboxSoftCap int
	// MailboxHardByteCap is the per-recipient total-bytes budget above
	// which the oldest items are evicted until back under budget. Zero
	// means unbounded. Supplements the soft item-count cap with a byte
	// budget, since a handful of large attachments can exhaust memory
	// well before the item-count cap trips.
	MailboxHardByteCap int
}

type connectionRecord struct {
	conn    Connection
	keylist map[string]bool
}

type mailbox struct {
	items   []*MailboxItem // oldest first
	dropped uint64
}

// MemoryStore is an in-process Store guarded by a single mutex, matching
// spec §4.4's "single writer for connection state... typed atomic
// operations rather than locks" at the API boundary while keeping the
// implementation itself straightforward for tests and small deployments.
type MemoryStore struct {
	cfg MemoryConfig

	mu            sync.Mutex
	connections   map[string]*connectionRecord // client_did -> record
	keylistOwner  map[string]string            // recipient_did -> client_did
	mailboxes     map[string]*mailbox          // recipient_did -> mailbox
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(cfg MemoryConfig) *MemoryStore {
	return &MemoryStore{
		cfg:          cfg,
		connections:  make(map[string]*connectionRecord),
		keylistOwner: make(map[string]string),
		mailboxes:    make(map[string]*mailbox),
	}
}

func (s *MemoryStore) CreateConnection(_ context.Context, clientDID, mediatorDID, authPubKey, routingDID string) (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.connections[clientDID]; ok {
		return nil, wire.New(wire.ErrAlreadyMediated, fmt.Sprintf("client %s already has a connection", clientDID))
	}

	now := time.Now()
	rec := &connectionRecord{
		conn: Connection{
			ClientDID: clientDID, MediatorDID: mediatorDID, AuthPubKey: authPubKey,
			RoutingDID: routingDID, CreatedAt: now, UpdatedAt: now,
		},
		keylist: make(map[string]bool),
	}
	s.connections[clientDID] = rec
	out := rec.conn
	return &out, nil
}

func (s *MemoryStore) GetConnection(_ context.Context, clientDID string) (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.connections[clientDID]
	if !ok {
		return nil, wire.New(wire.ErrUnknownConnection, clientDID)
	}
	out := rec.conn
	return &out, nil
}

func (s *MemoryStore) UpdateKeylist(_ context.Context, clientDID string, updates []KeylistUpdate) ([]KeylistUpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.connections[clientDID]
	if !ok {
		return nil, wire.New(wire.ErrUnknownConnection, clientDID)
	}

	results := make([]KeylistUpdateResult, len(updates))
	for i, u := range updates {
		switch u.Action {
		case KeylistAdd:
			if rec.keylist[u.RecipientDID] {
				results[i] = KeylistUpdateResult{u.RecipientDID, u.Action, KeylistNoChange}
				continue
			}
			if owner, taken := s.keylistOwner[u.RecipientDID]; taken && owner != clientDID {
				results[i] = KeylistUpdateResult{u.RecipientDID, u.Action, KeylistClientError}
				continue
			}
			rec.keylist[u.RecipientDID] = true
			s.keylistOwner[u.RecipientDID] = clientDID
			results[i] = KeylistUpdateResult{u.RecipientDID, u.Action, KeylistSuccess}

		case KeylistRemove:
			if !rec.keylist[u.RecipientDID] {
				results[i] = KeylistUpdateResult{u.RecipientDID, u.Action, KeylistNoChange}
				continue
			}
			delete(rec.keylist, u.RecipientDID)
			delete(s.keylistOwner, u.RecipientDID)
			results[i] = KeylistUpdateResult{u.RecipientDID, u.Action, KeylistSuccess}
		}
	}
	rec.conn.UpdatedAt = time.Now()
	return results, nil
}

func (s *MemoryStore) Keylist(_ context.Context, clientDID string, cursor string, limit int) ([]string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.connections[clientDID]
	if !ok {
		return nil, "", wire.New(wire.ErrUnknownConnection, clientDID)
	}

	all := make([]string, 0, len(rec.keylist))
	for did := range rec.keylist {
		all = append(all, did)
	}
	sort.Strings(all)

	start := 0
	if cursor != "" {
		parsed, err := strconv.Atoi(cursor)
		if err != nil || parsed < 0 {
			return nil, "", wire.New(wire.ErrMalformed, "invalid keylist-query cursor")
		}
		start = parsed
	}
	if start > len(all) {
		start = len(all)
	}

	end := len(all)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	page := all[start:end]
	nextCursor := ""
	if end < len(all) {
		nextCursor = strconv.Itoa(end)
	}
	return page, nextCursor, nil
}

func (s *MemoryStore) Enqueue(_ context.Context, recipientDID string, blob []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, owned := s.keylistOwner[recipientDID]; !owned {
		return "", wire.New(wire.ErrUnknownRecipient, recipientDID)
	}

	mb, ok := s.mailboxes[recipientDID]
	if !ok {
		mb = &mailbox{}
		s.mailboxes[recipientDID] = mb
	}

	item := &MailboxItem{
		ID:              uuid.NewString(),
		RecipientDID:    recipientDID,
		AttachedMessage: append([]byte(nil), blob...),
		EnqueuedAt:      time.Now(),
	}
	mb.items = append(mb.items, item)

	s.evict(mb)
	return item.ID, nil
}

// evict drops the oldest items until mb is back within the configured
// soft item-count cap and hard byte cap, incrementing the dropped
// counter once per evicted item.
func (s *MemoryStore) evict(mb *mailbox) {
	for s.cfg.MailboxSoftCap > 0 && len(mb.items) > s.cfg.MailboxSoftCap {
		mb.items = mb.items[1:]
		mb.dropped++
	}
	if s.cfg.MailboxHardByteCap > 0 {
		for totalBytes(mb.items) > s.cfg.MailboxHardByteCap && len(mb.items) > 0 {
			mb.items = mb.items[1:]
			mb.dropped++
		}
	}
}

func totalBytes(items []*MailboxItem) int {
	n := 0
	for _, it := range items {
		n += len(it.AttachedMessage)
	}
	return n
}

func (s *MemoryStore) ListMessages(_ context.Context, recipientDID string, limit int) ([]MailboxItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, ok := s.mailboxes[recipientDID]
	if !ok {
		return nil, nil
	}
	n := len(mb.items)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]MailboxItem, n)
	for i := 0; i < n; i++ {
		out[i] = *mb.items[i]
	}
	return out, nil
}

func (s *MemoryStore) AckMessages(_ context.Context, recipientDID string, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, ok := s.mailboxes[recipientDID]
	if !ok {
		return 0, nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	kept := mb.items[:0]
	removed := 0
	for _, item := range mb.items {
		if want[item.ID] {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	mb.items = kept
	return removed, nil
}

func (s *MemoryStore) Stats(_ context.Context, recipientDID string) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, ok := s.mailboxes[recipientDID]
	if !ok || len(mb.items) == 0 {
		return Stats{}, nil
	}

	oldest := mb.items[0].EnqueuedAt
	newest := mb.items[len(mb.items)-1].EnqueuedAt
	return Stats{
		MessageCount:         uint64(len(mb.items)),
		LongestWaitedSeconds: time.Since(oldest).Seconds(),
		NewestReceivedTime:   newest,
		OldestReceivedTime:   oldest,
		TotalBytes:           uint64(totalBytes(mb.items)),
	}, nil
}

func (s *MemoryStore) DroppedCount(_ context.Context, recipientDID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, ok := s.mailboxes[recipientDID]
	if !ok {
		return 0, nil
	}
	return mb.dropped, nil
}

func (s *MemoryStore) Terminate(_ context.Context, clientDID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.connections[clientDID]
	if !ok {
		return wire.New(wire.ErrUnknownConnection, clientDID)
	}
	for did := range rec.keylist {
		delete(s.keylistOwner, did)
		delete(s.mailboxes, did)
	}
	delete(s.connections, clientDID)
	return nil
}

func (s *MemoryStore) RotateClientDID(_ context.Context, oldDID, newDID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.connections[oldDID]
	if !ok {
		return wire.New(wire.ErrUnknownConnection, oldDID)
	}
	if _, clash := s.connections[newDID]; clash {
		return wire.New(wire.ErrAlreadyMediated, newDID)
	}

	for did := range rec.keylist {
		s.keylistOwner[did] = newDID
	}
	rec.conn.ClientDID = newDID
	rec.conn.UpdatedAt = time.Now()
	s.connections[newDID] = rec
	delete(s.connections, oldDID)
	return nil
}
