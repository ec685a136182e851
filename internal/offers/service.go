package offers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/karroolabs/karroo/internal/idgen"
	"github.com/karroolabs/karroo/internal/logging"
	"github.com/karroolabs/karroo/internal/metrics"
)

// ListingInfo is the slice of a listing the state machine needs.
type ListingInfo struct {
	ID          string
	SellerID    string
	AskingPrice int64
	Active      bool
}

// ListingProvider looks up listings for validation.
type ListingProvider interface {
	GetListingInfo(ctx context.Context, listingID string) (*ListingInfo, error)
}

// OrderMaterializer turns an accepted offer into exactly one order.
type OrderMaterializer interface {
	MaterializeOrder(ctx context.Context, o *Offer) (orderID string, err error)
}

// Notifier pushes offer changes to subscribed parties.
type Notifier interface {
	OfferChanged(o *Offer)
}

// Service implements the offer state machine.
type Service struct {
	store    Store
	listings ListingProvider
	orders   OrderMaterializer
	notifier Notifier
}

// NewService creates a new offers service.
func NewService(store Store, listings ListingProvider) *Service {
	return &Service{store: store, listings: listings}
}

// WithMaterializer wires order creation into acceptance.
func (s *Service) WithMaterializer(m OrderMaterializer) *Service {
	s.orders = m
	return s
}

// WithNotifier enables real-time change pushes.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// ProposeRequest is the payload for opening a negotiation.
type ProposeRequest struct {
	ListingID string `json:"listingId"`
	BuyerID   string `json:"buyerId"`
	Amount    int64  `json:"amount"`
	Message   string `json:"message"`
}

// Propose opens a new offer on a listing.
func (s *Service) Propose(ctx context.Context, req ProposeRequest) (*Offer, error) {
	listing, err := s.listings.GetListingInfo(ctx, req.ListingID)
	if err != nil {
		return nil, fmt.Errorf("listing lookup: %w", err)
	}
	if !listing.Active {
		return nil, ErrListingInactive
	}
	if listing.SellerID == req.BuyerID {
		return nil, ErrUnauthorized
	}
	if req.Amount <= 0 || req.Amount >= listing.AskingPrice {
		return nil, ErrInvalidAmount
	}

	if existing, err := s.store.FindActive(ctx, req.ListingID, req.BuyerID, listing.SellerID); err == nil && existing != nil {
		return nil, ErrDuplicateActiveOffer
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now()
	o := &Offer{
		ID:        idgen.WithPrefix("off_"),
		ListingID: req.ListingID,
		BuyerID:   req.BuyerID,
		SellerID:  listing.SellerID,
		Amount:    req.Amount,
		Message:   strings.TrimSpace(req.Message),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.Create(ctx, o); err != nil {
		return nil, err
	}

	metrics.OffersProposedTotal.Inc()
	s.notify(o)
	return o, nil
}

// Counter records the seller's counter-amount on a pending offer.
// A second counter while one is outstanding is rejected; the buyer
// must respond first.
func (s *Service) Counter(ctx context.Context, offerID, callerID string, counterAmount int64) (*Offer, error) {
	o, err := s.store.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if o.SellerID != callerID {
		return nil, ErrUnauthorized
	}
	if !o.Status.Active() {
		// Another transition already ended the negotiation; the
		// caller lost the race and should refetch.
		metrics.OfferRaceLossesTotal.Inc()
		return nil, ErrStaleOfferState
	}
	if o.Status != StatusPending {
		return nil, ErrInvalidStatus
	}

	listing, err := s.listings.GetListingInfo(ctx, o.ListingID)
	if err != nil {
		return nil, fmt.Errorf("listing lookup: %w", err)
	}
	if counterAmount <= o.Amount || counterAmount > listing.AskingPrice {
		return nil, ErrInvalidCounter
	}

	o.CounterAmount = &counterAmount
	o.Status = StatusCountered
	o.UpdatedAt = time.Now()

	if err := s.store.UpdateCAS(ctx, o, StatusPending); err != nil {
		return nil, err
	}

	metrics.OffersCounteredTotal.Inc()
	s.notify(o)
	return o, nil
}

// Respond applies an accept or decline decision. From pending only the
// seller may respond to the original amount; from countered only the
// buyer may respond to the counter-amount. Acceptance materializes an
// order as part of the same logical operation.
func (s *Service) Respond(ctx context.Context, offerID, actorID string, decision Decision) (*Offer, error) {
	if decision != DecisionAccept && decision != DecisionDecline {
		return nil, fmt.Errorf("unknown decision %q", decision)
	}

	o, err := s.store.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}

	expected := o.Status
	switch o.Status {
	case StatusPending:
		if actorID != o.SellerID {
			return nil, ErrUnauthorized
		}
	case StatusCountered:
		if actorID != o.BuyerID {
			return nil, ErrUnauthorized
		}
	default:
		// Terminal already: the concurrent winner's write landed
		// before our read. Same contract as losing the CAS.
		metrics.OfferRaceLossesTotal.Inc()
		return nil, ErrStaleOfferState
	}

	if decision == DecisionAccept {
		o.Status = StatusAccepted
	} else {
		o.Status = StatusDeclined
	}
	o.UpdatedAt = time.Now()

	if err := s.store.UpdateCAS(ctx, o, expected); err != nil {
		if errors.Is(err, ErrStaleOfferState) {
			metrics.OfferRaceLossesTotal.Inc()
		}
		return nil, err
	}

	metrics.OffersResolvedTotal.WithLabelValues(string(o.Status)).Inc()

	if o.Status == StatusAccepted && s.orders != nil {
		orderID, merr := s.orders.MaterializeOrder(ctx, o)
		if merr != nil {
			// The acceptance is already durable; the reconciliation
			// sweep will retry materialization.
			logging.L(ctx).Error("order materialization failed, deferring to sweep",
				"offer_id", o.ID, "error", merr)
		} else {
			o.OrderID = orderID
			if uerr := s.store.UpdateCAS(ctx, o, StatusAccepted); uerr != nil {
				logging.L(ctx).Error("failed to record order id on offer",
					"offer_id", o.ID, "order_id", orderID, "error", uerr)
			}
		}
	}

	s.notify(o)
	return o, nil
}

// Withdraw retracts a pending offer. Only the buyer may withdraw, and
// only while the offer is pending; once countered the buyer must
// decline instead.
func (s *Service) Withdraw(ctx context.Context, offerID, callerID string) (*Offer, error) {
	o, err := s.store.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != callerID {
		return nil, ErrUnauthorized
	}
	if !o.Status.Active() {
		metrics.OfferRaceLossesTotal.Inc()
		return nil, ErrStaleOfferState
	}
	if o.Status != StatusPending {
		return nil, ErrInvalidStatus
	}

	o.Status = StatusWithdrawn
	o.UpdatedAt = time.Now()

	if err := s.store.UpdateCAS(ctx, o, StatusPending); err != nil {
		if errors.Is(err, ErrStaleOfferState) {
			metrics.OfferRaceLossesTotal.Inc()
		}
		return nil, err
	}

	metrics.OffersResolvedTotal.WithLabelValues(string(StatusWithdrawn)).Inc()
	s.notify(o)
	return o, nil
}

// Get returns an offer visible to the caller.
func (s *Service) Get(ctx context.Context, offerID, callerID string) (*Offer, error) {
	o, err := s.store.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != callerID && o.SellerID != callerID {
		return nil, ErrUnauthorized
	}
	return o, nil
}

// ListForUser returns offers where the caller is buyer or seller.
func (s *Service) ListForUser(ctx context.Context, userID string, limit int) ([]*Offer, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// ThreadParticipants returns the two parties of an offer's message
// thread.
func (s *Service) ThreadParticipants(ctx context.Context, offerID string) (buyerID, sellerID string, err error) {
	o, err := s.store.Get(ctx, offerID)
	if err != nil {
		return "", "", err
	}
	return o.BuyerID, o.SellerID, nil
}

// AcceptedWithoutOrder returns accepted offers whose order never
// materialized. Used by the reconciliation sweep.
func (s *Service) AcceptedWithoutOrder(ctx context.Context, limit int) ([]*Offer, error) {
	return s.store.ListAcceptedWithoutOrder(ctx, limit)
}

// RepairOrder retries materialization for an accepted offer that has no
// order recorded. Safe to call repeatedly.
func (s *Service) RepairOrder(ctx context.Context, o *Offer) error {
	if s.orders == nil || o.Status != StatusAccepted || o.OrderID != "" {
		return nil
	}
	orderID, err := s.orders.MaterializeOrder(ctx, o)
	if err != nil {
		return err
	}
	o.OrderID = orderID
	o.UpdatedAt = time.Now()
	return s.store.UpdateCAS(ctx, o, StatusAccepted)
}

func (s *Service) notify(o *Offer) {
	if s.notifier != nil {
		s.notifier.OfferChanged(o)
	}
}
