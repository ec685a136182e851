// Package orders manages the payable unit created when a price is agreed.
//
// Flow:
//  1. An accepted offer materializes exactly one order (unique per offer)
//  2. The payment collaborator marks the order paid
//  3. Seller ships with tracking details
//  4. Buyer confirms delivery, which starts the escrow hold
//
// Materialization is idempotent: a retried request detects the existing
// non-cancelled order for the offer and returns it instead of creating a
// duplicate.
package orders

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound            = errors.New("order not found")
	ErrAlreadyMaterialized = errors.New("order already exists for this offer")
	ErrInvalidStatus       = errors.New("invalid status for this operation")
	ErrStaleOrderState     = errors.New("order was modified concurrently, refresh and retry")
	ErrUnauthorized        = errors.New("not authorized for this operation")
)

// Status represents the state of an order.
type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusPaid           Status = "paid"
	StatusShipped        Status = "shipped"
	StatusDelivered      Status = "delivered"
	StatusCancelled      Status = "cancelled"
	StatusRefunded       Status = "refunded"
)

// TrackingEvent is one entry in an order's tracking history.
type TrackingEvent struct {
	Status   string    `json:"status"`
	Note     string    `json:"note,omitempty"`
	PhotoRef string    `json:"photoRef,omitempty"`
	At       time.Time `json:"at"`
}

// Order is the payable unit for an agreed price. Amounts are ZAR cents;
// Total = Amount + ServiceFee is what the buyer pays.
type Order struct {
	ID             string          `json:"id"`
	OfferID        string          `json:"offerId"`
	ListingID      string          `json:"listingId"`
	BuyerID        string          `json:"buyerId"`
	SellerID       string          `json:"sellerId"`
	Amount         int64           `json:"amount"`
	ServiceFee     int64           `json:"serviceFee"`
	Total          int64           `json:"total"`
	Status         Status          `json:"status"`
	Carrier        string          `json:"carrier,omitempty"`
	TrackingNumber string          `json:"trackingNumber,omitempty"`
	Tracking       []TrackingEvent `json:"tracking,omitempty"`
	DeliveredAt    *time.Time      `json:"deliveredAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Store persists orders. Create must enforce at most one non-cancelled
// order per offer, returning ErrAlreadyMaterialized on violation.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	GetByOffer(ctx context.Context, offerID string) (*Order, error)
	UpdateCAS(ctx context.Context, o *Order, expected Status) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Order, error)
	ListByListing(ctx context.Context, listingID string, status Status) ([]*Order, error)
	ListDeliveredWithoutHold(ctx context.Context, limit int) ([]*Order, error)
}
