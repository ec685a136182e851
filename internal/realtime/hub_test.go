package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_PublicEvent(t *testing.T) {
	h := testHub()
	client := &Client{userID: "usr_buyer"}

	event := &Event{Kind: KindUpdate, Entity: EntityOffer, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("event without audience should reach every client")
	}
}

func TestShouldSend_AudienceScoping(t *testing.T) {
	h := testHub()

	buyer := &Client{userID: "usr_buyer"}
	seller := &Client{userID: "usr_seller"}
	stranger := &Client{userID: "usr_stranger"}

	event := &Event{
		Kind:     KindUpdate,
		Entity:   EntityOffer,
		Audience: []string{"usr_buyer", "usr_seller"},
	}

	if !h.shouldSend(buyer, event) {
		t.Error("buyer should receive the event")
	}
	if !h.shouldSend(seller, event) {
		t.Error("seller should receive the event")
	}
	if h.shouldSend(stranger, event) {
		t.Error("stranger should NOT receive the event")
	}
}

func TestShouldSend_EntityFilter(t *testing.T) {
	h := testHub()

	client := &Client{
		userID: "usr_buyer",
		sub:    Subscription{Entities: []Entity{EntityOffer, EntityHold}},
	}

	offerEvent := &Event{Kind: KindUpdate, Entity: EntityOffer}
	holdEvent := &Event{Kind: KindInsert, Entity: EntityHold}
	messageEvent := &Event{Kind: KindInsert, Entity: EntityMessage}

	if !h.shouldSend(client, offerEvent) {
		t.Error("should receive offer events")
	}
	if !h.shouldSend(client, holdEvent) {
		t.Error("should receive hold events")
	}
	if h.shouldSend(client, messageEvent) {
		t.Error("should NOT receive message events")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHubRegisterAndBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{hub: h, userID: "usr_buyer", send: make(chan []byte, 8)}
	h.register <- client

	h.BroadcastRow(KindUpdate, EntityOffer, map[string]any{"id": "off_1"}, "usr_buyer")

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("empty broadcast payload")
		}
	case <-time.After(time.Second):
		t.Fatal("client never received the broadcast")
	}

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("connectedClients = %v, want 1", stats["connectedClients"])
	}
}

func TestHubUnregisterClosesSend(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{hub: h, userID: "usr_buyer", send: make(chan []byte, 8)}
	h.register <- client
	h.unregister <- client

	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("send channel should be closed after unregister")
		}
	case <-time.After(time.Second):
		t.Fatal("send channel never closed")
	}
}

func TestHubShutdownClosesClients(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	client := &Client{hub: h, userID: "usr_buyer", send: make(chan []byte, 8)}
	h.register <- client

	cancel()

	select {
	case <-h.done:
	case <-time.After(time.Second):
		t.Fatal("hub never stopped")
	}

	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("send channel should be closed on shutdown")
		}
	default:
		t.Error("send channel should be closed on shutdown")
	}
}
