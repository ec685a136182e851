// Package listings manages marketplace listings that offers are made against.
//
// Flow:
//  1. Seller publishes a listing with an asking price
//  2. Buyers negotiate via the offers package
//  3. When an order for the listing is paid, the listing is marked sold
//  4. Seller can withdraw an unsold listing at any time
package listings

import (
	"context"
	"errors"
	"time"

	"github.com/karroolabs/karroo/internal/pagination"
)

var (
	ErrNotFound      = errors.New("listing not found")
	ErrInvalidPrice  = errors.New("asking price must be positive")
	ErrNotSeller     = errors.New("only the seller can modify this listing")
	ErrNotActive     = errors.New("listing is no longer active")
	ErrTitleRequired = errors.New("listing title is required")
)

// Status represents the state of a listing.
type Status string

const (
	StatusActive    Status = "active"
	StatusSold      Status = "sold"
	StatusWithdrawn Status = "withdrawn"
)

// Listing represents an item offered for sale. AskingPrice is in ZAR cents.
type Listing struct {
	ID          string    `json:"id"`
	SellerID    string    `json:"sellerId"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	AskingPrice int64     `json:"askingPrice"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ListOptions for filtering and paginating listings. After, when set,
// returns listings strictly older than the cursor position.
type ListOptions struct {
	Status   Status
	SellerID string
	Limit    int
	After    *pagination.Cursor
}

// Store persists listings.
type Store interface {
	Create(ctx context.Context, l *Listing) error
	Get(ctx context.Context, id string) (*Listing, error)
	Update(ctx context.Context, l *Listing) error
	List(ctx context.Context, opts ListOptions) ([]*Listing, error)
}
