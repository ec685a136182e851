package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

const endpoint = "https://hooks.example.com/karroo"

func TestClosedCircuitAllows(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	if !b.Allow(endpoint) {
		t.Fatal("closed circuit should allow deliveries")
	}
	if b.State("https://never-seen.example.com") != StateClosed {
		t.Fatal("unseen endpoints start closed")
	}
}

func TestOpensAtFailureThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure(endpoint)
	b.RecordFailure(endpoint)
	if !b.Allow(endpoint) {
		t.Fatal("below the threshold the circuit stays closed")
	}

	b.RecordFailure(endpoint)
	if b.Allow(endpoint) {
		t.Fatal("at the threshold the circuit opens")
	}
	if b.State(endpoint) != StateOpen {
		t.Fatalf("State = %v, want open", b.State(endpoint))
	}
}

func TestHalfOpenProbe(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure(endpoint)
	b.RecordFailure(endpoint)
	if b.Allow(endpoint) {
		t.Fatal("circuit should have opened")
	}

	time.Sleep(60 * time.Millisecond)

	if !b.Allow(endpoint) {
		t.Fatal("after the open window one probe delivery is allowed")
	}
	if b.State(endpoint) != StateHalfOpen {
		t.Fatalf("State = %v, want half_open", b.State(endpoint))
	}
	if b.Allow(endpoint) {
		t.Fatal("only one probe is allowed while half-open")
	}
}

func TestProbeSuccessCloses(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure(endpoint)
	b.RecordFailure(endpoint)
	time.Sleep(60 * time.Millisecond)
	b.Allow(endpoint) // take the probe slot

	b.RecordSuccess(endpoint)
	if b.State(endpoint) != StateClosed {
		t.Fatalf("State = %v, want closed after successful probe", b.State(endpoint))
	}
	if !b.Allow(endpoint) {
		t.Fatal("recovered endpoint should accept deliveries again")
	}
}

func TestProbeFailureReopens(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure(endpoint)
	b.RecordFailure(endpoint)
	time.Sleep(60 * time.Millisecond)
	b.Allow(endpoint) // take the probe slot

	b.RecordFailure(endpoint)
	if b.State(endpoint) != StateOpen {
		t.Fatalf("State = %v, want open after failed probe", b.State(endpoint))
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure(endpoint)
	b.RecordFailure(endpoint)
	b.RecordSuccess(endpoint)
	b.RecordFailure(endpoint)

	if !b.Allow(endpoint) {
		t.Fatal("a success should reset the consecutive failure count")
	}
}

func TestEndpointsAreIndependent(t *testing.T) {
	b := New(2, 100*time.Millisecond)
	other := "https://hooks.other.example.com/karroo"

	b.RecordFailure(endpoint)
	b.RecordFailure(endpoint)

	if b.Allow(endpoint) {
		t.Fatal("failing endpoint should be open")
	}
	if !b.Allow(other) {
		t.Fatal("an unrelated endpoint should be unaffected")
	}
}

func TestTransitionCallback(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	var mu sync.Mutex
	var transitions []struct{ from, to State }
	b.OnTransition(func(key string, from, to State) {
		mu.Lock()
		transitions = append(transitions, struct{ from, to State }{from, to})
		mu.Unlock()
	})

	b.RecordFailure(endpoint)
	b.RecordFailure(endpoint)

	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 {
		t.Fatalf("transitions = %d, want 1", len(transitions))
	}
	if transitions[0].from != StateClosed || transitions[0].to != StateOpen {
		t.Fatalf("transition %v->%v, want closed->open", transitions[0].from, transitions[0].to)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half_open",
		State(99):     "unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
