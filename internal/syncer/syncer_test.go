package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/karroolabs/karroo/internal/realtime"
)

type fakeFetcher struct {
	rows  map[realtime.Entity][]Row
	err   error
	calls int
}

func (f *fakeFetcher) FetchAll(ctx context.Context, userID string) (map[realtime.Entity][]Row, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.rows, nil
}

func startSession(t *testing.T, fetcher Fetcher) *Session {
	t.Helper()
	s := NewSession("usr_buyer", fetcher)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Start(ctx)
	return s
}

func waitForRow(t *testing.T, s *Session, entity realtime.Entity, id string, updatedAt time.Time) Row {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if row, ok := s.Get(entity, id); ok && row.UpdatedAt.Equal(updatedAt) {
			return row
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("row %s/%s with updatedAt %v never applied", entity, id, updatedAt)
	return Row{}
}

func TestApplyReplacesWholesale(t *testing.T) {
	s := startSession(t, &fakeFetcher{})

	t0 := time.Now().Truncate(time.Millisecond)
	s.Enqueue(Event{Entity: realtime.EntityOffer, Row: Row{
		ID:        "off_1",
		UpdatedAt: t0,
		Payload:   map[string]any{"status": "pending", "amount": int64(90_000)},
	}})
	waitForRow(t, s, realtime.EntityOffer, "off_1", t0)

	t1 := t0.Add(time.Second)
	s.Enqueue(Event{Entity: realtime.EntityOffer, Row: Row{
		ID:        "off_1",
		UpdatedAt: t1,
		Payload:   map[string]any{"status": "accepted"},
	}})
	row := waitForRow(t, s, realtime.EntityOffer, "off_1", t1)

	payload := row.Payload.(map[string]any)
	if payload["status"] != "accepted" {
		t.Errorf("status = %v, want accepted", payload["status"])
	}
	if _, ok := payload["amount"]; ok {
		t.Error("stale field survived a wholesale replace")
	}
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	s := startSession(t, &fakeFetcher{})

	t0 := time.Now().Truncate(time.Millisecond)
	ev := Event{Entity: realtime.EntityOrder, Row: Row{
		ID:        "ord_1",
		UpdatedAt: t0,
		Payload:   map[string]any{"status": "paid"},
	}}
	s.Enqueue(ev)
	s.Enqueue(ev)
	s.Enqueue(ev)

	row := waitForRow(t, s, realtime.EntityOrder, "ord_1", t0)
	if row.Payload.(map[string]any)["status"] != "paid" {
		t.Errorf("unexpected payload after duplicate delivery: %v", row.Payload)
	}
	if got := len(s.Snapshot(realtime.EntityOrder)); got != 1 {
		t.Errorf("snapshot has %d rows, want 1", got)
	}
}

func TestOutOfOrderDeliveryDiscarded(t *testing.T) {
	s := startSession(t, &fakeFetcher{})

	t0 := time.Now().Truncate(time.Millisecond)
	t1 := t0.Add(time.Second)

	s.Enqueue(Event{Entity: realtime.EntityOffer, Row: Row{
		ID: "off_1", UpdatedAt: t1,
		Payload: map[string]any{"status": "accepted"},
	}})
	waitForRow(t, s, realtime.EntityOffer, "off_1", t1)

	// The earlier update arrives late.
	s.Enqueue(Event{Entity: realtime.EntityOffer, Row: Row{
		ID: "off_1", UpdatedAt: t0,
		Payload: map[string]any{"status": "countered"},
	}})

	// Anchor event to know the queue has drained.
	s.Enqueue(Event{Entity: realtime.EntityOffer, Row: Row{
		ID: "off_2", UpdatedAt: t1,
		Payload: map[string]any{"status": "pending"},
	}})
	waitForRow(t, s, realtime.EntityOffer, "off_2", t1)

	row, _ := s.Get(realtime.EntityOffer, "off_1")
	if row.Payload.(map[string]any)["status"] != "accepted" {
		t.Errorf("stale event overwrote newer row: %v", row.Payload)
	}
	if !row.UpdatedAt.Equal(t1) {
		t.Errorf("updatedAt regressed to %v", row.UpdatedAt)
	}
}

func TestIndependentRowsUnordered(t *testing.T) {
	s := startSession(t, &fakeFetcher{})

	t0 := time.Now().Truncate(time.Millisecond)
	s.Enqueue(Event{Entity: realtime.EntityMessage, Row: Row{ID: "msg_2", UpdatedAt: t0.Add(time.Second)}})
	s.Enqueue(Event{Entity: realtime.EntityMessage, Row: Row{ID: "msg_1", UpdatedAt: t0}})

	waitForRow(t, s, realtime.EntityMessage, "msg_1", t0)
	waitForRow(t, s, realtime.EntityMessage, "msg_2", t0.Add(time.Second))
}

func TestResyncReplacesState(t *testing.T) {
	t0 := time.Now().Truncate(time.Millisecond)
	fetcher := &fakeFetcher{rows: map[realtime.Entity][]Row{
		realtime.EntityOffer: {
			{ID: "off_1", UpdatedAt: t0.Add(time.Minute), Payload: map[string]any{"status": "accepted"}},
		},
		realtime.EntityOrder: {
			{ID: "ord_1", UpdatedAt: t0.Add(time.Minute), Payload: map[string]any{"status": "pending_payment"}},
		},
	}}
	s := startSession(t, fetcher)

	// Local state that the refetch no longer contains.
	s.Enqueue(Event{Entity: realtime.EntityOffer, Row: Row{ID: "off_gone", UpdatedAt: t0}})
	waitForRow(t, s, realtime.EntityOffer, "off_gone", t0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Resync(ctx); err != nil {
		t.Fatalf("Resync: %v", err)
	}

	if _, ok := s.Get(realtime.EntityOffer, "off_gone"); ok {
		t.Error("resync kept a row the authoritative state no longer has")
	}
	if _, ok := s.Get(realtime.EntityOffer, "off_1"); !ok {
		t.Error("resync missed an offer row")
	}
	if _, ok := s.Get(realtime.EntityOrder, "ord_1"); !ok {
		t.Error("resync missed an order row")
	}
	if fetcher.calls != 1 {
		t.Errorf("FetchAll called %d times, want 1", fetcher.calls)
	}
}

func TestResyncClearsDropFlag(t *testing.T) {
	fetcher := &fakeFetcher{rows: map[realtime.Entity][]Row{}}
	s := NewSession("usr_buyer", fetcher)

	// Overfill the queue before the actor starts draining it.
	for i := 0; i < QueueSize+10; i++ {
		s.Enqueue(Event{Entity: realtime.EntityOffer, Row: Row{ID: "off_1", UpdatedAt: time.Now()}})
	}
	if !s.NeedsResync() {
		t.Fatal("expected dropped events to flag a resync")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go s.Start(ctx)

	if err := s.Resync(ctx); err != nil {
		t.Fatalf("Resync: %v", err)
	}
	if s.NeedsResync() {
		t.Error("resync did not clear the drop flag")
	}
}

func TestResyncPropagatesFetchError(t *testing.T) {
	wantErr := errors.New("backend unavailable")
	s := startSession(t, &fakeFetcher{err: wantErr})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Resync(ctx); !errors.Is(err, wantErr) {
		t.Errorf("Resync error = %v, want %v", err, wantErr)
	}
}
