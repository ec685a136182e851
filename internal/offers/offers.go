// Package offers implements price negotiation between a buyer and a seller.
//
// Flow:
//  1. Buyer proposes an amount below the listing's asking price
//  2. Seller accepts, declines, or counters once with a higher amount
//  3. On a counter, the buyer accepts or declines; the seller cannot
//     counter again while a counter is outstanding
//  4. Acceptance materializes a payable order through the orders package
//
// Concurrent terminal transitions (seller accepts while buyer withdraws)
// are decided by the store's conditional write: the loser observes
// ErrStaleOfferState and must refetch.
package offers

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound             = errors.New("offer not found")
	ErrInvalidAmount        = errors.New("offer amount must be positive and below the asking price")
	ErrDuplicateActiveOffer = errors.New("an active offer already exists for this listing and buyer")
	ErrInvalidCounter       = errors.New("counter must exceed the offer amount and not exceed the asking price")
	ErrInvalidStatus        = errors.New("invalid status for this operation")
	ErrStaleOfferState      = errors.New("offer was modified concurrently, refresh and retry")
	ErrUnauthorized         = errors.New("not authorized for this operation")
	ErrListingInactive      = errors.New("listing is no longer active")
)

// Status represents the state of an offer.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCountered Status = "countered"
	StatusAccepted  Status = "accepted"
	StatusDeclined  Status = "declined"
	StatusWithdrawn Status = "withdrawn"
)

// Active reports whether the status still permits transitions.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusCountered
}

// Decision is a party's response to an outstanding amount.
type Decision string

const (
	DecisionAccept  Decision = "accept"
	DecisionDecline Decision = "decline"
)

// Offer represents one negotiation thread's current proposal.
// Amounts are ZAR cents.
type Offer struct {
	ID            string    `json:"id"`
	ListingID     string    `json:"listingId"`
	BuyerID       string    `json:"buyerId"`
	SellerID      string    `json:"sellerId"`
	Amount        int64     `json:"amount"`
	Message       string    `json:"message,omitempty"`
	CounterAmount *int64    `json:"counterAmount,omitempty"`
	Status        Status    `json:"status"`
	OrderID       string    `json:"orderId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// AgreedAmount returns the amount both parties settle on when the offer
// is accepted: the counter-amount when present, the original otherwise.
func (o *Offer) AgreedAmount() int64 {
	if o.CounterAmount != nil {
		return *o.CounterAmount
	}
	return o.Amount
}

// Store persists offers. UpdateCAS is the sole authority for resolving
// concurrent transitions: it writes the offer only if the stored row's
// status still equals expected, returning ErrStaleOfferState otherwise.
type Store interface {
	Create(ctx context.Context, o *Offer) error
	Get(ctx context.Context, id string) (*Offer, error)
	UpdateCAS(ctx context.Context, o *Offer, expected Status) error
	FindActive(ctx context.Context, listingID, buyerID, sellerID string) (*Offer, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Offer, error)
	ListAcceptedWithoutOrder(ctx context.Context, limit int) ([]*Offer, error)
}
