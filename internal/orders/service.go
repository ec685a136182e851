package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/karroolabs/karroo/internal/fees"
	"github.com/karroolabs/karroo/internal/idgen"
	"github.com/karroolabs/karroo/internal/logging"
	"github.com/karroolabs/karroo/internal/metrics"
)

// HoldStarter begins the escrow countdown for a delivered order.
type HoldStarter interface {
	StartHold(ctx context.Context, order *Order, deliveredAt time.Time) error
}

// ListingMarker flags a listing as sold once its order is paid.
type ListingMarker interface {
	MarkSold(ctx context.Context, listingID string) error
}

// Notifier pushes order changes to subscribed parties.
type Notifier interface {
	OrderChanged(o *Order)
}

// Service implements order business logic.
type Service struct {
	store    Store
	fees     *fees.Schedule
	escrow   HoldStarter
	listings ListingMarker
	notifier Notifier
}

// NewService creates a new orders service.
func NewService(store Store, schedule *fees.Schedule) *Service {
	return &Service{store: store, fees: schedule}
}

// WithEscrow wires hold creation into delivery confirmation.
func (s *Service) WithEscrow(h HoldStarter) *Service {
	s.escrow = h
	return s
}

// WithListings wires listing sold-marking into payment.
func (s *Service) WithListings(l ListingMarker) *Service {
	s.listings = l
	return s
}

// WithNotifier enables real-time change pushes.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// MaterializeRequest carries the agreed terms of an accepted offer.
type MaterializeRequest struct {
	OfferID   string
	ListingID string
	BuyerID   string
	SellerID  string
	Amount    int64
}

// Materialize creates the order for an accepted offer. Invoked twice
// for the same offer it returns the existing order; the store's
// uniqueness constraint is what makes the retry benign. Creating a new
// order also cancels stale unpaid orders for the same listing from
// other offer threads, so a unique item cannot be sold twice.
func (s *Service) Materialize(ctx context.Context, req MaterializeRequest) (*Order, error) {
	breakdown, err := s.fees.Compute(req.Amount)
	if err != nil {
		return nil, fmt.Errorf("fee computation: %w", err)
	}

	now := time.Now()
	o := &Order{
		ID:         idgen.WithPrefix("ord_"),
		OfferID:    req.OfferID,
		ListingID:  req.ListingID,
		BuyerID:    req.BuyerID,
		SellerID:   req.SellerID,
		Amount:     breakdown.Amount,
		ServiceFee: breakdown.Fee,
		Total:      breakdown.Total,
		Status:     StatusPendingPayment,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.store.Create(ctx, o); err != nil {
		if errors.Is(err, ErrAlreadyMaterialized) {
			return s.store.GetByOffer(ctx, req.OfferID)
		}
		return nil, err
	}

	s.cancelStaleOrders(ctx, req.ListingID, o.ID)

	metrics.OrdersMaterializedTotal.Inc()
	s.notify(o)
	return o, nil
}

// cancelStaleOrders cancels other unpaid orders on the same listing.
func (s *Service) cancelStaleOrders(ctx context.Context, listingID, keepOrderID string) {
	stale, err := s.store.ListByListing(ctx, listingID, StatusPendingPayment)
	if err != nil {
		logging.L(ctx).Error("stale order scan failed", "listing_id", listingID, "error", err)
		return
	}
	for _, o := range stale {
		if o.ID == keepOrderID {
			continue
		}
		o.Status = StatusCancelled
		o.UpdatedAt = time.Now()
		if err := s.store.UpdateCAS(ctx, o, StatusPendingPayment); err != nil {
			logging.L(ctx).Error("stale order cancel failed", "order_id", o.ID, "error", err)
			continue
		}
		s.notify(o)
	}
}

// MarkPaid transitions an order to paid. Called by the payment
// collaborator once funds are captured.
func (s *Service) MarkPaid(ctx context.Context, orderID string) (*Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status == StatusPaid {
		return o, nil
	}
	if o.Status != StatusPendingPayment {
		return nil, ErrInvalidStatus
	}

	o.Status = StatusPaid
	o.UpdatedAt = time.Now()
	if err := s.store.UpdateCAS(ctx, o, StatusPendingPayment); err != nil {
		return nil, err
	}

	if s.listings != nil {
		if err := s.listings.MarkSold(ctx, o.ListingID); err != nil {
			logging.L(ctx).Error("listing sold-marking failed", "listing_id", o.ListingID, "error", err)
		}
	}

	s.notify(o)
	return o, nil
}

// MarkShipped records carrier details and moves the order to shipped.
// Seller-only, valid from paid.
func (s *Service) MarkShipped(ctx context.Context, orderID, callerID, carrier, trackingNumber string) (*Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.SellerID != callerID {
		return nil, ErrUnauthorized
	}
	if o.Status != StatusPaid {
		return nil, ErrInvalidStatus
	}

	now := time.Now()
	o.Status = StatusShipped
	o.Carrier = strings.TrimSpace(carrier)
	o.TrackingNumber = strings.TrimSpace(trackingNumber)
	o.Tracking = append(o.Tracking, TrackingEvent{Status: "Shipped", Note: o.Carrier + " " + o.TrackingNumber, At: now})
	o.UpdatedAt = now

	if err := s.store.UpdateCAS(ctx, o, StatusPaid); err != nil {
		return nil, err
	}

	s.notify(o)
	return o, nil
}

// ConfirmDelivery records the buyer's delivery confirmation, with or
// without photo evidence. The tracking entry and status change are the
// primary effects; hold creation is non-blocking, so a transient escrow
// failure never rolls back a confirmed delivery. The reconciliation
// sweep repairs any missing hold later.
func (s *Service) ConfirmDelivery(ctx context.Context, orderID, callerID, photoRef string) (*Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != callerID {
		return nil, ErrUnauthorized
	}
	if o.Status != StatusShipped {
		return nil, ErrInvalidStatus
	}

	now := time.Now()
	o.Status = StatusDelivered
	o.DeliveredAt = &now
	o.Tracking = append(o.Tracking, TrackingEvent{Status: "Delivered", PhotoRef: photoRef, At: now})
	o.UpdatedAt = now

	if err := s.store.UpdateCAS(ctx, o, StatusShipped); err != nil {
		return nil, err
	}

	metrics.DeliveriesConfirmedTotal.Inc()

	if s.escrow != nil {
		if err := s.escrow.StartHold(ctx, o, now); err != nil {
			logging.L(ctx).Error("hold creation failed, deferring to sweep",
				"order_id", o.ID, "error", err)
		}
	}

	s.notify(o)
	return o, nil
}

// RecordTracking appends a courier-supplied tracking entry without
// changing the order's status.
func (s *Service) RecordTracking(ctx context.Context, orderID string, ev TrackingEvent) (*Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	o.Tracking = append(o.Tracking, ev)
	o.UpdatedAt = time.Now()

	if err := s.store.UpdateCAS(ctx, o, o.Status); err != nil {
		return nil, err
	}
	return o, nil
}

// Cancel cancels an unpaid order. Either party may cancel before payment.
func (s *Service) Cancel(ctx context.Context, orderID, callerID string) (*Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != callerID && o.SellerID != callerID {
		return nil, ErrUnauthorized
	}
	if o.Status != StatusPendingPayment {
		return nil, ErrInvalidStatus
	}

	o.Status = StatusCancelled
	o.UpdatedAt = time.Now()
	if err := s.store.UpdateCAS(ctx, o, StatusPendingPayment); err != nil {
		return nil, err
	}

	s.notify(o)
	return o, nil
}

// MarkRefunded transitions a delivered order to refunded after a
// dispute resolves in the buyer's favor.
func (s *Service) MarkRefunded(ctx context.Context, orderID string) (*Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status == StatusRefunded {
		return o, nil
	}
	if o.Status != StatusDelivered {
		return nil, ErrInvalidStatus
	}

	o.Status = StatusRefunded
	o.UpdatedAt = time.Now()
	if err := s.store.UpdateCAS(ctx, o, StatusDelivered); err != nil {
		return nil, err
	}

	s.notify(o)
	return o, nil
}

// Get returns an order visible to the caller.
func (s *Service) Get(ctx context.Context, orderID, callerID string) (*Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != callerID && o.SellerID != callerID {
		return nil, ErrUnauthorized
	}
	return o, nil
}

// ListForUser returns orders where the caller is buyer or seller.
func (s *Service) ListForUser(ctx context.Context, userID string, limit int) ([]*Order, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// ListDelivered returns delivered orders that have no escrow hold yet,
// oldest first. Used by the reconciliation sweep to repair missing
// holds; orders already held never enter the batch.
func (s *Service) ListDelivered(ctx context.Context, limit int) ([]*Order, error) {
	return s.store.ListDeliveredWithoutHold(ctx, limit)
}

func (s *Service) notify(o *Order) {
	if s.notifier != nil {
		s.notifier.OrderChanged(o)
	}
}
