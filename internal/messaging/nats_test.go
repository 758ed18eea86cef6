package messaging

import (
	"testing"
	"time"

	"github.com/chatline/relay/internal/chat"
)

func TestEventSubject(t *testing.T) {
	if got := EventSubject("c1"); got != "chat.events.c1" {
		t.Errorf("expected %q, got %q", "chat.events.c1", got)
	}
}

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"kind":"message.created","conversation_id":"c1","actor_id":"a","message_id":"m1","status":"delivered","ts":1}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Kind != chat.EventMessageCreated || ev.Status != chat.StatusDelivered {
		t.Errorf("unexpected event: %+v", ev)
	}

	if _, err := DecodeEvent([]byte(`{"kind":"message.created"}`)); err == nil {
		t.Error("expected error for event without conversation")
	}
	if _, err := DecodeEvent([]byte(`nope`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

// TestPublishSubscribe round-trips an event through a local NATS server.
func TestPublishSubscribe(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.MaxReconnects = 0
	client, err := NewNATSClient(cfg)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	defer client.Close()

	got := make(chan chat.Event, 1)
	if err := client.SubscribeEvents(func(_ string, ev chat.Event) {
		if ev.ConversationID == "test-conv" {
			got <- ev
		}
	}); err != nil {
		t.Fatalf("SubscribeEvents() error: %v", err)
	}

	want := chat.Event{Kind: chat.EventMessagesRead, ConversationID: "test-conv", ActorID: "b", Count: 2, Ts: 1}
	if err := client.PublishEvent(want); err != nil {
		t.Fatalf("PublishEvent() error: %v", err)
	}

	select {
	case ev := <-got:
		if ev.Count != 2 || ev.ActorID != "b" {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}
