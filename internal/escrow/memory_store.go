package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	holds    map[string]*Hold
	disputes map[string]*Dispute
	mu       sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		holds:    make(map[string]*Hold),
		disputes: make(map[string]*Dispute),
	}
}

func (m *MemoryStore) CreateHold(_ context.Context, h *Hold) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.holds {
		if existing.OrderID == h.OrderID {
			return ErrAlreadyHeld
		}
	}
	m.holds[h.ID] = copyHold(h)
	return nil
}

func (m *MemoryStore) GetHold(_ context.Context, id string) (*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.holds[id]
	if !ok {
		return nil, ErrHoldNotFound
	}
	return copyHold(h), nil
}

// HasHoldForOrder reports whether a hold exists for the order. The
// in-memory order store uses it to scope its repair scan.
func (m *MemoryStore) HasHoldForOrder(orderID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, h := range m.holds {
		if h.OrderID == orderID {
			return true
		}
	}
	return false
}

func (m *MemoryStore) GetHoldByOrder(_ context.Context, orderID string) (*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, h := range m.holds {
		if h.OrderID == orderID {
			return copyHold(h), nil
		}
	}
	return nil, ErrHoldNotFound
}

func (m *MemoryStore) UpdateHoldCAS(_ context.Context, h *Hold, expected HoldStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.holds[h.ID]
	if !ok {
		return ErrHoldNotFound
	}
	if stored.Status != expected {
		return ErrStaleHoldState
	}
	m.holds[h.ID] = copyHold(h)
	return nil
}

func (m *MemoryStore) ListDueHolds(_ context.Context, now time.Time, limit int) ([]*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Hold
	for _, h := range m.holds {
		if h.Status == HoldPending && !now.Before(h.ReleaseAt) {
			result = append(result, copyHold(h))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ReleaseAt.Before(result[j].ReleaseAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CreateDispute(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disputes[d.ID] = copyDispute(d)
	return nil
}

func (m *MemoryStore) GetDispute(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return copyDispute(d), nil
}

func (m *MemoryStore) GetActiveDisputeByOrder(_ context.Context, orderID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.disputes {
		if d.OrderID == orderID && !d.Status.Terminal() {
			return copyDispute(d), nil
		}
	}
	return nil, ErrDisputeNotFound
}

func (m *MemoryStore) UpdateDispute(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.disputes[d.ID]; !ok {
		return ErrDisputeNotFound
	}
	m.disputes[d.ID] = copyDispute(d)
	return nil
}

func (m *MemoryStore) ListDisputesByOrder(_ context.Context, orderID string) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.OrderID == orderID {
			result = append(result, copyDispute(d))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func copyHold(h *Hold) *Hold {
	cp := *h
	if h.ReleasedAt != nil {
		t := *h.ReleasedAt
		cp.ReleasedAt = &t
	}
	return &cp
}

func copyDispute(d *Dispute) *Dispute {
	cp := *d
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
