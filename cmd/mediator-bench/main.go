// Command mediator-bench smoke-tests a running mediator daemon end to
// end: mediate, register a routed recipient, forward a message through
// it, and pull it back both via delivery-request and live delivery. It
// replaces the teacher's cmd/integration-test, which drove two live SDK
// clients against a Phoenix-channel node; this drives two agentsim
// clients against the DIDComm HTTP/WebSocket surface instead.
//
// Usage:
//
//	go run ./cmd/mediator-bench -url http://localhost:8080 -mediator-did did:web:mediator.example
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/layr8/didcomm-mediator/internal/agentsim"
	"github.com/layr8/didcomm-mediator/internal/mediator"
	"github.com/layr8/didcomm-mediator/internal/wire"
)

func main() {
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	url := flag.String("url", "http://localhost:8080", "mediator base URL")
	inboundPath := flag.String("inbound-path", "/", "mediator inbound path")
	mediatorDID := flag.String("mediator-did", "", "the mediator's own DID (required)")
	flag.Parse()

	if *mediatorDID == "" {
		fmt.Fprintln(os.Stderr, "mediator-bench: -mediator-did is required")
		os.Exit(2)
	}

	passed, failed := 0, 0
	check := func(name string, err error) {
		if err != nil {
			fmt.Printf("[FAIL] %s: %v\n", name, err)
			failed++
			return
		}
		fmt.Printf("[PASS] %s\n", name)
		passed++
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Println("=== mediator-bench ===")

	alice, err := agentsim.New(*url, *inboundPath, *mediatorDID)
	if err != nil {
		log.Fatalf("mediator-bench: new agent: %v", err)
	}
	sender, err := agentsim.New(*url, *inboundPath, *mediatorDID)
	if err != nil {
		log.Fatalf("mediator-bench: new agent: %v", err)
	}

	resp, err := alice.MediateRequest(ctx)
	check("mediate-request -> mediate-grant", requireType(resp, err, wire.TypeMediateGrant))

	var routingDID string
	if resp != nil {
		var body mediator.MediateGrantBody
		if err := resp.UnmarshalBody(&body); err == nil {
			routingDID = body.RoutingDID
		}
	}

	resp, err = alice.KeylistUpdate(ctx, []mediator.KeylistUpdateItem{{RecipientDID: "did:key:zBenchRecipient", Action: "add"}})
	check("keylist-update add", requireType(resp, err, wire.TypeKeylistUpdateResponse))

	err = sender.Forward(ctx, "did:key:zBenchRecipient", []byte(`"hello from mediator-bench"`))
	check("forward to routed recipient", err)

	resp, err = alice.StatusRequest(ctx, "did:key:zBenchRecipient")
	check("status-request shows a queued message", requireNonZeroStatus(resp, err))

	resp, err = alice.DeliveryRequest(ctx, "did:key:zBenchRecipient", 10)
	check("delivery-request returns the forwarded message", requireType(resp, err, wire.TypeDelivery))

	if resp != nil && len(resp.Attachments) > 0 {
		_, err = alice.MessagesReceived(ctx, []string{resp.Attachments[0].ID})
		check("messages-received acknowledges delivery", err)
	}

	resp, err = alice.Ping(ctx, true)
	check("ping -> ping-response", requireType(resp, err, wire.TypePingResponse))

	check("live delivery flushes a queued message", runLiveScenario(ctx, alice, sender))

	fmt.Println()
	fmt.Printf("=== %d passed, %d failed ===\n", passed, failed)
	if routingDID != "" {
		fmt.Printf("(routing_did granted: %s)\n", routingDID)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func requireType(msg *wire.Message, err error, want string) error {
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("no response, want type %q", want)
	}
	if msg.Type != want {
		return fmt.Errorf("response type = %q, want %q", msg.Type, want)
	}
	return nil
}

func requireNonZeroStatus(msg *wire.Message, err error) error {
	if err != nil {
		return err
	}
	if msg == nil || msg.Type != wire.TypeStatus {
		return fmt.Errorf("expected a status message, got %+v", msg)
	}
	var body mediator.StatusBody
	if err := msg.UnmarshalBody(&body); err != nil {
		return err
	}
	if body.MessageCount == 0 {
		return fmt.Errorf("message_count = 0, want at least 1")
	}
	return nil
}

func runLiveScenario(ctx context.Context, alice, sender *agentsim.Agent) error {
	_, err := alice.KeylistUpdate(ctx, []mediator.KeylistUpdateItem{{RecipientDID: "did:key:zBenchLive", Action: "add"}})
	if err != nil {
		return fmt.Errorf("keylist-update: %w", err)
	}
	if err := sender.Forward(ctx, "did:key:zBenchLive", []byte(`"queued before attach"`)); err != nil {
		return fmt.Errorf("forward: %w", err)
	}

	sess, err := alice.AttachLive(ctx, "did:key:zBenchLive")
	if err != nil {
		return fmt.Errorf("attach /live: %w", err)
	}
	defer sess.Close()

	select {
	case msg, ok := <-sess.Messages:
		if !ok {
			return fmt.Errorf("live session closed with no message")
		}
		if msg.Type != wire.TypeDelivery {
			return fmt.Errorf("live message type = %q, want delivery", msg.Type)
		}
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timed out waiting for live delivery")
	case <-ctx.Done():
		return ctx.Err()
	}
}
