package store

import (
	"context"
	"errors"
	"testing"

	"github.com/layr8/didcomm-mediator/internal/wire"
)

func TestMemoryStore_FIFOOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(MemoryConfig{})

	if _, err := s.CreateConnection(ctx, "did:key:zA", "did:key:zMed", "zA#key-1", "did:peer:2.Eabc"); err != nil {
		t.Fatalf("CreateConnection() error: %v", err)
	}
	if _, err := s.UpdateKeylist(ctx, "did:key:zA", []KeylistUpdate{{RecipientDID: "did:key:zB", Action: KeylistAdd}}); err != nil {
		t.Fatalf("UpdateKeylist() error: %v", err)
	}

	want := [][]byte{[]byte("b1"), []byte("b2"), []byte("b3")}
	for _, b := range want {
		if _, err := s.Enqueue(ctx, "did:key:zB", b); err != nil {
			t.Fatalf("Enqueue() error: %v", err)
		}
	}

	items, err := s.ListMessages(ctx, "did:key:zB", 0)
	if err != nil {
		t.Fatalf("ListMessages() error: %v", err)
	}
	if len(items) != len(want) {
		t.Fatalf("ListMessages() returned %d items, want %d", len(items), len(want))
	}
	for i, item := range items {
		if string(item.AttachedMessage) != string(want[i]) {
			t.Errorf("item %d = %q, want %q", i, item.AttachedMessage, want[i])
		}
	}
}

func TestMemoryStore_KeylistGlobalUniqueness(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(MemoryConfig{})

	if _, err := s.CreateConnection(ctx, "did:key:zA", "did:key:zMed", "zA#key-1", "did:peer:2.EaaaA"); err != nil {
		t.Fatalf("CreateConnection(zA) error: %v", err)
	}
	if _, err := s.CreateConnection(ctx, "did:key:zC", "did:key:zMed", "zC#key-1", "did:peer:2.EaaaC"); err != nil {
		t.Fatalf("CreateConnection(zC) error: %v", err)
	}

	results, err := s.UpdateKeylist(ctx, "did:key:zA", []KeylistUpdate{{RecipientDID: "did:key:zB", Action: KeylistAdd}})
	if err != nil {
		t.Fatalf("UpdateKeylist(zA) error: %v", err)
	}
	if results[0].Result != KeylistSuccess {
		t.Fatalf("first claim of zB = %v, want success", results[0].Result)
	}

	results, err = s.UpdateKeylist(ctx, "did:key:zC", []KeylistUpdate{{RecipientDID: "did:key:zB", Action: KeylistAdd}})
	if err != nil {
		t.Fatalf("UpdateKeylist(zC) error: %v", err)
	}
	if results[0].Result != KeylistClientError {
		t.Fatalf("second claim of zB = %v, want client_error", results[0].Result)
	}
}

func TestMemoryStore_UpdateKeylistAtomicityAndIdempotence(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(MemoryConfig{})

	if _, err := s.CreateConnection(ctx, "did:key:zA", "did:key:zMed", "zA#key-1", "did:peer:2.Eaaa"); err != nil {
		t.Fatalf("CreateConnection() error: %v", err)
	}

	results, err := s.UpdateKeylist(ctx, "did:key:zA", []KeylistUpdate{
		{RecipientDID: "did:key:zB", Action: KeylistAdd},
		{RecipientDID: "did:key:zC", Action: KeylistAdd},
		{RecipientDID: "did:key:zB", Action: KeylistAdd},
	})
	if err != nil {
		t.Fatalf("UpdateKeylist() error: %v", err)
	}
	wantResults := []KeylistResultKind{KeylistSuccess, KeylistSuccess, KeylistNoChange}
	for i, r := range results {
		if r.Result != wantResults[i] {
			t.Errorf("results[%d] = %v, want %v", i, r.Result, wantResults[i])
		}
	}

	dids, _, err := s.Keylist(ctx, "did:key:zA", "", 0)
	if err != nil {
		t.Fatalf("Keylist() error: %v", err)
	}
	if len(dids) != 2 || dids[0] != "did:key:zB" || dids[1] != "did:key:zC" {
		t.Errorf("Keylist() = %v, want [did:key:zB did:key:zC]", dids)
	}
}

func TestMemoryStore_AckDecrementsCount(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(MemoryConfig{})

	if _, err := s.CreateConnection(ctx, "did:key:zA", "did:key:zMed", "zA#key-1", "did:peer:2.Eaaa"); err != nil {
		t.Fatalf("CreateConnection() error: %v", err)
	}
	if _, err := s.UpdateKeylist(ctx, "did:key:zA", []KeylistUpdate{{RecipientDID: "did:key:zB", Action: KeylistAdd}}); err != nil {
		t.Fatalf("UpdateKeylist() error: %v", err)
	}

	id1, err := s.Enqueue(ctx, "did:key:zB", []byte("e1"))
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if _, err := s.Enqueue(ctx, "did:key:zB", []byte("e2")); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	stats, err := s.Stats(ctx, "did:key:zB")
	if err != nil {
		t.Fatalf("Stats() error: %v", err)
	}
	if stats.MessageCount != 2 {
		t.Fatalf("MessageCount before ack = %d, want 2", stats.MessageCount)
	}

	removed, err := s.AckMessages(ctx, "did:key:zB", []string{id1, "nonexistent-id"})
	if err != nil {
		t.Fatalf("AckMessages() error: %v", err)
	}
	if removed != 1 {
		t.Errorf("AckMessages() removed = %d, want 1", removed)
	}

	stats, err = s.Stats(ctx, "did:key:zB")
	if err != nil {
		t.Fatalf("Stats() error: %v", err)
	}
	if stats.MessageCount != 1 {
		t.Errorf("MessageCount after ack = %d, want 1", stats.MessageCount)
	}
}

func TestMemoryStore_MailboxSoftCapEviction(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(MemoryConfig{MailboxSoftCap: 2})

	if _, err := s.CreateConnection(ctx, "did:key:zA", "did:key:zMed", "zA#key-1", "did:peer:2.Eaaa"); err != nil {
		t.Fatalf("CreateConnection() error: %v", err)
	}
	if _, err := s.UpdateKeylist(ctx, "did:key:zA", []KeylistUpdate{{RecipientDID: "did:key:zB", Action: KeylistAdd}}); err != nil {
		t.Fatalf("UpdateKeylist() error: %v", err)
	}

	for _, b := range [][]byte{[]byte("e1"), []byte("e2"), []byte("e3")} {
		if _, err := s.Enqueue(ctx, "did:key:zB", b); err != nil {
			t.Fatalf("Enqueue() error: %v", err)
		}
	}

	items, err := s.ListMessages(ctx, "did:key:zB", 0)
	if err != nil {
		t.Fatalf("ListMessages() error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("ListMessages() returned %d items, want 2 after eviction", len(items))
	}
	if string(items[0].AttachedMessage) != "e2" {
		t.Errorf("oldest surviving item = %q, want %q", items[0].AttachedMessage, "e2")
	}

	dropped, err := s.DroppedCount(ctx, "did:key:zB")
	if err != nil {
		t.Fatalf("DroppedCount() error: %v", err)
	}
	if dropped != 1 {
		t.Errorf("DroppedCount() = %d, want 1", dropped)
	}
}

func TestMemoryStore_EnqueueUnknownRecipient(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(MemoryConfig{})

	_, err := s.Enqueue(ctx, "did:key:zQ", []byte("e"))
	var coreErr *wire.CoreError
	if !errors.As(err, &coreErr) || coreErr.Kind != wire.ErrUnknownRecipient {
		t.Fatalf("Enqueue() error = %v, want ErrUnknownRecipient", err)
	}
}
