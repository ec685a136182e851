// Package reconciliation sweeps for records the synchronous write path
// left half-finished and repairs them.
//
// Two gaps can open at runtime: an offer accepted whose order
// materialization failed, and a delivered order whose escrow hold was
// never created. Both writes are designed to fail open, with this
// sweep as the repair path. Every repair goes through the same
// idempotent operation the live path uses, so a sweep racing a retry
// converges on one record.
package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/karroolabs/karroo/internal/escrow"
	"github.com/karroolabs/karroo/internal/logging"
	"github.com/karroolabs/karroo/internal/metrics"
	"github.com/karroolabs/karroo/internal/offers"
	"github.com/karroolabs/karroo/internal/orders"
)

// OfferSource yields accepted offers that never got an order.
type OfferSource interface {
	AcceptedWithoutOrder(ctx context.Context, limit int) ([]*offers.Offer, error)
	RepairOrder(ctx context.Context, o *offers.Offer) error
}

// OrderSource yields delivered orders for the hold check.
type OrderSource interface {
	ListDelivered(ctx context.Context, limit int) ([]*orders.Order, error)
}

// HoldSource looks up and creates escrow holds.
type HoldSource interface {
	HoldForOrder(ctx context.Context, orderID string) (*escrow.Hold, error)
	StartHold(ctx context.Context, req escrow.StartHoldRequest) (*escrow.Hold, error)
}

// Report summarizes one reconciliation run.
type Report struct {
	RanAt          time.Time `json:"ranAt"`
	Duration       string    `json:"duration"`
	OrphanedOffers int       `json:"orphanedOffers"`
	OrdersRepaired int       `json:"ordersRepaired"`
	MissingHolds   int       `json:"missingHolds"`
	HoldsRepaired  int       `json:"holdsRepaired"`
	Errors         []string  `json:"errors,omitempty"`
}

// Runner performs the repair sweeps.
type Runner struct {
	offers    OfferSource
	orders    OrderSource
	holds     HoldSource
	batchSize int
}

// NewRunner creates a reconciliation runner.
func NewRunner(offerSrc OfferSource, orderSrc OrderSource, holdSrc HoldSource) *Runner {
	return &Runner{
		offers:    offerSrc,
		orders:    orderSrc,
		holds:     holdSrc,
		batchSize: 100,
	}
}

// RunAll executes every check and returns the combined report.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{RanAt: start}

	if err := r.repairOrders(ctx, report); err != nil {
		report.Errors = append(report.Errors, err.Error())
		reconcileErrors.Inc()
	}
	if err := r.repairHolds(ctx, report); err != nil {
		report.Errors = append(report.Errors, err.Error())
		reconcileErrors.Inc()
	}

	reconcileOrphanedOffers.Set(float64(report.OrphanedOffers))
	reconcileMissingHolds.Set(float64(report.MissingHolds))
	reconcileDuration.Observe(time.Since(start).Seconds())
	report.Duration = time.Since(start).String()
	return report, nil
}

// repairOrders materializes the order for accepted offers that lost
// theirs to a write failure.
func (r *Runner) repairOrders(ctx context.Context, report *Report) error {
	if r.offers == nil {
		return nil
	}
	missing, err := r.offers.AcceptedWithoutOrder(ctx, r.batchSize)
	if err != nil {
		return fmt.Errorf("orphaned offer scan: %w", err)
	}
	report.OrphanedOffers = len(missing)

	for _, o := range missing {
		if err := r.offers.RepairOrder(ctx, o); err != nil {
			logging.L(ctx).Error("order repair failed", "offer_id", o.ID, "error", err)
			report.Errors = append(report.Errors, fmt.Sprintf("offer %s: %v", o.ID, err))
			continue
		}
		logging.L(ctx).Info("repaired missing order", "offer_id", o.ID, "order_id", o.OrderID)
		metrics.OrderRepairsTotal.Inc()
		report.OrdersRepaired++
	}
	return nil
}

// repairHolds creates the escrow hold for delivered orders that lost
// theirs. release_at still counts from the recorded delivery time, so
// a late repair never extends the window.
func (r *Runner) repairHolds(ctx context.Context, report *Report) error {
	if r.orders == nil || r.holds == nil {
		return nil
	}
	delivered, err := r.orders.ListDelivered(ctx, r.batchSize)
	if err != nil {
		return fmt.Errorf("delivered order scan: %w", err)
	}

	for _, o := range delivered {
		if o.DeliveredAt == nil {
			continue
		}
		if _, err := r.holds.HoldForOrder(ctx, o.ID); err == nil {
			continue
		}
		report.MissingHolds++

		_, err := r.holds.StartHold(ctx, escrow.StartHoldRequest{
			OrderID:     o.ID,
			BuyerID:     o.BuyerID,
			SellerID:    o.SellerID,
			Amount:      o.Amount,
			DeliveredAt: *o.DeliveredAt,
		})
		if err != nil {
			logging.L(ctx).Error("hold repair failed", "order_id", o.ID, "error", err)
			report.Errors = append(report.Errors, fmt.Sprintf("order %s: %v", o.ID, err))
			continue
		}
		logging.L(ctx).Info("repaired missing hold", "order_id", o.ID)
		metrics.HoldRepairsTotal.Inc()
		report.HoldsRepaired++
	}
	return nil
}
