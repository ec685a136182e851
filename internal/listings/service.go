package listings

import (
	"context"
	"strings"
	"time"

	"github.com/karroolabs/karroo/internal/idgen"
	"github.com/karroolabs/karroo/internal/pagination"
)

// Service implements listing business logic.
type Service struct {
	store Store
}

// NewService creates a new listings service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// CreateRequest is the payload for publishing a listing.
type CreateRequest struct {
	SellerID    string `json:"sellerId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	AskingPrice int64  `json:"askingPrice"`
}

// Create publishes a new listing.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Listing, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, ErrTitleRequired
	}
	if req.AskingPrice <= 0 {
		return nil, ErrInvalidPrice
	}

	now := time.Now()
	l := &Listing{
		ID:          idgen.WithPrefix("lst_"),
		SellerID:    req.SellerID,
		Title:       strings.TrimSpace(req.Title),
		Description: strings.TrimSpace(req.Description),
		AskingPrice: req.AskingPrice,
		Status:      StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Get returns a listing by ID.
func (s *Service) Get(ctx context.Context, id string) (*Listing, error) {
	return s.store.Get(ctx, id)
}

// List returns one page of listings filtered by status and/or seller,
// plus a cursor for the next page when more remain.
func (s *Service) List(ctx context.Context, opts ListOptions) ([]*Listing, string, error) {
	if opts.Limit <= 0 || opts.Limit > 100 {
		opts.Limit = 50
	}
	limit := opts.Limit

	// Fetch one extra row to detect whether another page exists
	opts.Limit = limit + 1
	result, err := s.store.List(ctx, opts)
	if err != nil {
		return nil, "", err
	}

	page, next, _ := pagination.ComputePage(result, limit, func(l *Listing) (time.Time, string) {
		return l.CreatedAt, l.ID
	})
	return page, next, nil
}

// Withdraw takes an active listing off the market.
func (s *Service) Withdraw(ctx context.Context, id, callerID string) (*Listing, error) {
	l, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.SellerID != callerID {
		return nil, ErrNotSeller
	}
	if l.Status != StatusActive {
		return nil, ErrNotActive
	}

	l.Status = StatusWithdrawn
	l.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// MarkSold flags a listing as sold. Called when an order for the
// listing is paid; selling an already-sold listing is a no-op.
func (s *Service) MarkSold(ctx context.Context, id string) error {
	l, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if l.Status == StatusSold {
		return nil
	}

	l.Status = StatusSold
	l.UpdatedAt = time.Now()
	return s.store.Update(ctx, l)
}
