package health

import (
	"context"
	"sync"
	"testing"
)

func TestEmptyRegistryIsHealthy(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	if !healthy {
		t.Fatal("a registry with no checkers should report healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("statuses = %d, want 0", len(statuses))
	}
}

func TestAggregateHealth(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(_ context.Context) Status {
		return Status{Name: "database", Healthy: true}
	})
	r.Register("escrow_timer", func(_ context.Context) Status {
		return Status{Name: "escrow_timer", Healthy: true}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("all subsystems healthy, aggregate should be too")
	}
	if len(statuses) != 2 {
		t.Fatalf("statuses = %d, want 2", len(statuses))
	}
	if statuses[0].Name != "database" || statuses[1].Name != "escrow_timer" {
		t.Errorf("checkers should run in registration order, got %+v", statuses)
	}
}

func TestOneFailureDegradesAggregate(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(_ context.Context) Status {
		return Status{Name: "database", Healthy: true}
	})
	r.Register("escrow_timer", func(_ context.Context) Status {
		return Status{Name: "escrow_timer", Healthy: false, Detail: "stopped"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("one failing subsystem should degrade the aggregate")
	}
	if statuses[1].Detail != "stopped" {
		t.Errorf("Detail = %q, want stopped", statuses[1].Detail)
	}
}

func TestCheckerNameBackfilled(t *testing.T) {
	r := NewRegistry()
	r.Register("reconciliation_timer", func(_ context.Context) Status {
		return Status{Healthy: true} // checker forgot to set Name
	})

	_, statuses := r.CheckAll(context.Background())
	if statuses[0].Name != "reconciliation_timer" {
		t.Errorf("Name = %q, want registered name", statuses[0].Name)
	}
}

func TestConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Healthy: true}
			})
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}
