// Package escrow holds settlement funds for a fixed buyer-protection
// window after delivery.
//
// Flow:
//  1. Delivery confirmation creates a hold with release_at fixed at
//     delivery time + 48h; the clock never moves after creation
//  2. A dispute flips the hold to disputed and suppresses release
//     evaluation without touching release_at, so a dispute opened and
//     later dropped cannot shorten or extend the protection window
//  3. Once release_at passes on an undisputed hold, the sweep releases
//     the funds; release is idempotent because the trigger may fire
//     more than once
package escrow

import (
	"context"
	"errors"
	"time"
)

var (
	ErrHoldNotFound    = errors.New("escrow hold not found")
	ErrDisputeNotFound = errors.New("dispute not found")
	ErrAlreadyHeld     = errors.New("hold already exists for this order")
	ErrDisputeActive   = errors.New("an active dispute blocks this hold")
	ErrInvalidStatus   = errors.New("invalid status for this operation")
	ErrStaleHoldState  = errors.New("hold was modified concurrently, refresh and retry")
	ErrUnauthorized    = errors.New("not authorized for this operation")
)

// DefaultHoldWindow is the buyer-protection window after delivery.
const DefaultHoldWindow = 48 * time.Hour

// HoldStatus represents the state of an escrow hold.
type HoldStatus string

const (
	HoldPending  HoldStatus = "pending"
	HoldDisputed HoldStatus = "disputed"
	HoldReleased HoldStatus = "released"
)

// Hold is the custody record for one delivered order. Amounts are ZAR
// cents; NetPayout = Amount - Commission is what the seller receives.
type Hold struct {
	ID         string     `json:"id"`
	OrderID    string     `json:"orderId"`
	BuyerID    string     `json:"buyerId"`
	SellerID   string     `json:"sellerId"`
	Amount     int64      `json:"amount"`
	Commission int64      `json:"commission"`
	NetPayout  int64      `json:"netPayout"`
	ReleaseAt  time.Time  `json:"releaseAt"`
	Status     HoldStatus `json:"status"`
	ReleasedAt *time.Time `json:"releasedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// DisputeStatus represents the state of a dispute.
type DisputeStatus string

const (
	DisputeOpen            DisputeStatus = "open"
	DisputeUnderReview     DisputeStatus = "under_review"
	DisputeResolvedRefund  DisputeStatus = "resolved_refund"
	DisputeResolvedPartial DisputeStatus = "resolved_partial_refund"
	DisputeResolvedNone    DisputeStatus = "resolved_no_refund"
	DisputeClosed          DisputeStatus = "closed"
)

// Terminal reports whether the dispute no longer gates its hold.
func (s DisputeStatus) Terminal() bool {
	switch s {
	case DisputeResolvedRefund, DisputeResolvedPartial, DisputeResolvedNone, DisputeClosed:
		return true
	}
	return false
}

// Dispute is a buyer-raised claim gating an escrow hold. At most one
// non-terminal dispute exists per order.
type Dispute struct {
	ID               string        `json:"id"`
	OrderID          string        `json:"orderId"`
	HoldID           string        `json:"holdId"`
	OpenedBy         string        `json:"openedBy"`
	Reason           string        `json:"reason"`
	Status           DisputeStatus `json:"status"`
	ResolutionAmount int64         `json:"resolutionAmount,omitempty"`
	Notes            string        `json:"notes,omitempty"`
	ResolvedAt       *time.Time    `json:"resolvedAt,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// Decision is the outcome of a release evaluation.
type Decision string

const (
	DecisionRelease Decision = "release"
	DecisionWait    Decision = "wait"
	DecisionBlocked Decision = "blocked"
)

// Evaluation is the result of EvaluateRelease.
type Evaluation struct {
	Decision  Decision      `json:"decision"`
	Remaining time.Duration `json:"remaining,omitempty"`
}

// EvaluateRelease decides whether a hold may release at the given
// instant. Pure function: disputed holds are blocked regardless of
// elapsed time, released holds have nothing left to decide, and
// pending holds release once release_at has passed.
func EvaluateRelease(h *Hold, now time.Time) Evaluation {
	switch h.Status {
	case HoldDisputed:
		return Evaluation{Decision: DecisionBlocked}
	case HoldReleased:
		return Evaluation{Decision: DecisionRelease}
	}
	if !now.Before(h.ReleaseAt) {
		return Evaluation{Decision: DecisionRelease}
	}
	return Evaluation{Decision: DecisionWait, Remaining: h.ReleaseAt.Sub(now)}
}

// Store persists holds and disputes. CreateHold must enforce one hold
// per order, returning ErrAlreadyHeld on violation.
type Store interface {
	CreateHold(ctx context.Context, h *Hold) error
	GetHold(ctx context.Context, id string) (*Hold, error)
	GetHoldByOrder(ctx context.Context, orderID string) (*Hold, error)
	UpdateHoldCAS(ctx context.Context, h *Hold, expected HoldStatus) error
	ListDueHolds(ctx context.Context, now time.Time, limit int) ([]*Hold, error)

	CreateDispute(ctx context.Context, d *Dispute) error
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	GetActiveDisputeByOrder(ctx context.Context, orderID string) (*Dispute, error)
	UpdateDispute(ctx context.Context, d *Dispute) error
	ListDisputesByOrder(ctx context.Context, orderID string) ([]*Dispute, error)
}
