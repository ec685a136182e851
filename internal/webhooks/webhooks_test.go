package webhooks

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testSub(url string, events ...EventType) *Subscription {
	return &Subscription{
		ID:        "wh_test",
		UserID:    "usr_seller",
		URL:       url,
		Secret:    "topsecret",
		Events:    events,
		Active:    true,
		CreatedAt: time.Now(),
	}
}

func TestSendDeliversSignedEvent(t *testing.T) {
	var gotBody []byte
	var gotSig, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Karroo-Signature")
		gotType = r.Header.Get("X-Karroo-Event")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	sub := testSub(srv.URL, EventOrderPaid)
	store.Create(context.Background(), sub)
	d := NewDispatcher(store)

	event := &Event{
		ID:        "evt_1",
		Type:      EventOrderPaid,
		Timestamp: time.Now(),
		Data:      map[string]any{"orderId": "ord_1"},
	}
	d.send(context.Background(), sub, event)

	if gotType != "order.paid" {
		t.Errorf("event header = %q, want order.paid", gotType)
	}
	want := Sign(gotBody, "topsecret")
	if !hmac.Equal([]byte(gotSig), []byte(want)) {
		t.Errorf("signature mismatch: got %q want %q", gotSig, want)
	}

	var decoded Event
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("payload decode: %v", err)
	}
	if decoded.Data["orderId"] != "ord_1" {
		t.Errorf("payload data = %v", decoded.Data)
	}

	if sub.LastSuccess == nil {
		t.Error("LastSuccess not recorded")
	}
	if sub.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", sub.ConsecutiveFailures)
	}
}

func TestDispatchToUserFiltersByEvent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	store.Create(context.Background(), testSub(srv.URL, EventOrderPaid))
	d := NewDispatcher(store)

	// Subscribed type: delivered.
	d.DispatchToUser(context.Background(), "usr_seller", &Event{
		ID: "evt_1", Type: EventOrderPaid, Timestamp: time.Now(),
	})
	// Unsubscribed type: dropped.
	d.DispatchToUser(context.Background(), "usr_seller", &Event{
		ID: "evt_2", Type: EventOfferReceived, Timestamp: time.Now(),
	})
	// Different user: dropped.
	d.DispatchToUser(context.Background(), "usr_other", &Event{
		ID: "evt_3", Type: EventOrderPaid, Timestamp: time.Now(),
	})

	deadline := time.Now().Add(time.Second)
	for hits.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := hits.Load(); got != 1 {
		t.Errorf("endpoint hit %d times, want 1", got)
	}
}

func TestDispatchSkipsInactive(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	sub := testSub(srv.URL, EventOrderPaid)
	sub.Active = false
	store.Create(context.Background(), sub)
	d := NewDispatcher(store)

	d.DispatchToUser(context.Background(), "usr_seller", &Event{
		ID: "evt_1", Type: EventOrderPaid, Timestamp: time.Now(),
	})
	time.Sleep(50 * time.Millisecond)
	if hits.Load() != 0 {
		t.Error("inactive subscription was delivered to")
	}
}

func TestSendRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	sub := testSub(srv.URL, EventOrderPaid)
	store.Create(context.Background(), sub)
	d := NewDispatcher(store)

	d.send(context.Background(), sub, &Event{ID: "evt_1", Type: EventOrderPaid, Timestamp: time.Now()})

	if got := hits.Load(); got != 3 {
		t.Errorf("endpoint hit %d times, want 3", got)
	}
	if sub.LastSuccess == nil {
		t.Error("retried delivery not recorded as success")
	}
}

func TestSendDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	sub := testSub(srv.URL, EventOrderPaid)
	store.Create(context.Background(), sub)
	d := NewDispatcher(store)

	d.send(context.Background(), sub, &Event{ID: "evt_1", Type: EventOrderPaid, Timestamp: time.Now()})

	if got := hits.Load(); got != 1 {
		t.Errorf("endpoint hit %d times, want 1", got)
	}
	if sub.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", sub.ConsecutiveFailures)
	}
}

func TestRepeatedFailuresDisableSubscription(t *testing.T) {
	store := NewMemoryStore()
	sub := testSub("http://127.0.0.1:1", EventOrderPaid)
	store.Create(context.Background(), sub)
	d := NewDispatcher(store)

	for i := 0; i < maxConsecutiveFailures; i++ {
		d.recordFailure(context.Background(), sub, "connection refused")
	}
	if sub.Active {
		t.Error("subscription still active after repeated failures")
	}

	stored, _ := store.Get(context.Background(), sub.ID)
	if stored.Active {
		t.Error("store not updated with disabled state")
	}
}

func TestOpenCircuitSkipsDelivery(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	sub := testSub(srv.URL, EventOrderPaid)
	store.Create(context.Background(), sub)
	d := NewDispatcher(store)

	// Trip the breaker for this endpoint
	for i := 0; i < 5; i++ {
		d.breaker.RecordFailure(sub.URL)
	}

	d.send(context.Background(), sub, &Event{ID: "evt_1", Type: EventOrderPaid, Timestamp: time.Now()})

	if got := hits.Load(); got != 0 {
		t.Errorf("endpoint hit %d times through an open circuit, want 0", got)
	}
	if sub.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1 (skip recorded as failure)", sub.ConsecutiveFailures)
	}
}

func TestMemoryStoreGetByEvent(t *testing.T) {
	store := NewMemoryStore()
	store.Create(context.Background(), &Subscription{ID: "wh_1", UserID: "usr_a", Events: []EventType{EventOrderPaid}})
	store.Create(context.Background(), &Subscription{ID: "wh_2", UserID: "usr_b", Events: []EventType{EventOfferReceived}})

	subs, err := store.GetByEvent(context.Background(), EventOrderPaid)
	if err != nil {
		t.Fatalf("GetByEvent: %v", err)
	}
	if len(subs) != 1 || subs[0].ID != "wh_1" {
		t.Errorf("GetByEvent returned %v", subs)
	}
}
