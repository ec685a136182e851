package orders

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory order store for demo/development mode.
type MemoryStore struct {
	orders  map[string]*Order
	hasHold func(orderID string) bool
	mu      sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*Order),
	}
}

// WithHoldCheck wires the escrow store's hold lookup so the delivered
// scan can exclude orders that already have one. Postgres does this
// with an anti-join; memory mode needs the collaborator.
func (m *MemoryStore) WithHoldCheck(fn func(orderID string) bool) *MemoryStore {
	m.hasHold = fn
	return m
}

func (m *MemoryStore) Create(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.orders {
		if existing.OfferID == o.OfferID && existing.Status != StatusCancelled {
			return ErrAlreadyMaterialized
		}
	}
	cp := copyOrder(o)
	m.orders[o.ID] = cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOrder(o), nil
}

func (m *MemoryStore) GetByOffer(_ context.Context, offerID string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.orders {
		if o.OfferID == offerID && o.Status != StatusCancelled {
			return copyOrder(o), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpdateCAS(_ context.Context, o *Order, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.orders[o.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Status != expected {
		return ErrStaleOrderState
	}
	m.orders[o.ID] = copyOrder(o)
	return nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if o.BuyerID == userID || o.SellerID == userID {
			result = append(result, copyOrder(o))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByListing(_ context.Context, listingID string, status Status) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if o.ListingID == listingID && o.Status == status {
			result = append(result, copyOrder(o))
		}
	}
	return result, nil
}

func (m *MemoryStore) ListDeliveredWithoutHold(_ context.Context, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if o.Status != StatusDelivered {
			continue
		}
		if m.hasHold != nil && m.hasHold(o.ID) {
			continue
		}
		result = append(result, copyOrder(o))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func copyOrder(o *Order) *Order {
	cp := *o
	cp.Tracking = append([]TrackingEvent(nil), o.Tracking...)
	if o.DeliveredAt != nil {
		t := *o.DeliveredAt
		cp.DeliveredAt = &t
	}
	return &cp
}
