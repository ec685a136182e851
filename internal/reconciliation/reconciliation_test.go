package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/karroolabs/karroo/internal/escrow"
	"github.com/karroolabs/karroo/internal/fees"
	"github.com/karroolabs/karroo/internal/offers"
	"github.com/karroolabs/karroo/internal/orders"
)

type fakeOfferSource struct {
	missing   []*offers.Offer
	repaired  []string
	repairErr error
}

func (f *fakeOfferSource) AcceptedWithoutOrder(ctx context.Context, limit int) ([]*offers.Offer, error) {
	return f.missing, nil
}

func (f *fakeOfferSource) RepairOrder(ctx context.Context, o *offers.Offer) error {
	if f.repairErr != nil {
		return f.repairErr
	}
	o.OrderID = "ord_repaired"
	f.repaired = append(f.repaired, o.ID)
	return nil
}

type fakeOrderSource struct {
	delivered []*orders.Order
}

func (f *fakeOrderSource) ListDelivered(ctx context.Context, limit int) ([]*orders.Order, error) {
	return f.delivered, nil
}

type fakeHoldSource struct {
	holds   map[string]*escrow.Hold
	started []escrow.StartHoldRequest
}

func (f *fakeHoldSource) HoldForOrder(ctx context.Context, orderID string) (*escrow.Hold, error) {
	if h, ok := f.holds[orderID]; ok {
		return h, nil
	}
	return nil, escrow.ErrHoldNotFound
}

func (f *fakeHoldSource) StartHold(ctx context.Context, req escrow.StartHoldRequest) (*escrow.Hold, error) {
	f.started = append(f.started, req)
	h := &escrow.Hold{
		OrderID:   req.OrderID,
		ReleaseAt: req.DeliveredAt.Add(escrow.DefaultHoldWindow),
	}
	if f.holds == nil {
		f.holds = make(map[string]*escrow.Hold)
	}
	f.holds[req.OrderID] = h
	return h, nil
}

func TestRunAllRepairsOrphanedOffers(t *testing.T) {
	offerSrc := &fakeOfferSource{missing: []*offers.Offer{
		{ID: "off_1", Status: offers.StatusAccepted},
		{ID: "off_2", Status: offers.StatusAccepted},
	}}
	runner := NewRunner(offerSrc, &fakeOrderSource{}, &fakeHoldSource{})

	report, err := runner.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if report.OrphanedOffers != 2 {
		t.Errorf("OrphanedOffers = %d, want 2", report.OrphanedOffers)
	}
	if report.OrdersRepaired != 2 {
		t.Errorf("OrdersRepaired = %d, want 2", report.OrdersRepaired)
	}
	if len(offerSrc.repaired) != 2 {
		t.Errorf("repaired %v, want both offers", offerSrc.repaired)
	}
}

func TestRunAllRepairsMissingHolds(t *testing.T) {
	deliveredAt := time.Now().Add(-72 * time.Hour)
	orderSrc := &fakeOrderSource{delivered: []*orders.Order{
		{ID: "ord_held", BuyerID: "usr_b", SellerID: "usr_s", Amount: 90_000, DeliveredAt: &deliveredAt},
		{ID: "ord_bare", BuyerID: "usr_b", SellerID: "usr_s", Amount: 40_000, DeliveredAt: &deliveredAt},
	}}
	holdSrc := &fakeHoldSource{holds: map[string]*escrow.Hold{
		"ord_held": {OrderID: "ord_held"},
	}}
	runner := NewRunner(&fakeOfferSource{}, orderSrc, holdSrc)

	report, err := runner.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if report.MissingHolds != 1 {
		t.Errorf("MissingHolds = %d, want 1", report.MissingHolds)
	}
	if report.HoldsRepaired != 1 {
		t.Errorf("HoldsRepaired = %d, want 1", report.HoldsRepaired)
	}
	if len(holdSrc.started) != 1 || holdSrc.started[0].OrderID != "ord_bare" {
		t.Fatalf("started holds %v, want one for ord_bare", holdSrc.started)
	}

	// A late repair still counts the window from delivery.
	want := deliveredAt.Add(escrow.DefaultHoldWindow)
	if got := holdSrc.holds["ord_bare"].ReleaseAt; !got.Equal(want) {
		t.Errorf("ReleaseAt = %v, want %v", got, want)
	}
}

func TestSweepReachesOrderBehindHeldBacklog(t *testing.T) {
	escrowStore := escrow.NewMemoryStore()
	escrowSvc := escrow.NewService(escrowStore, fees.Default(), escrow.DefaultHoldWindow)
	orderStore := orders.NewMemoryStore().WithHoldCheck(escrowStore.HasHoldForOrder)
	orderSvc := orders.NewService(orderStore, fees.Default())
	ctx := context.Background()

	deliver := func(offerID string) *orders.Order {
		o, err := orderSvc.Materialize(ctx, orders.MaterializeRequest{
			OfferID:   offerID,
			ListingID: "lst_bike",
			BuyerID:   "usr_b",
			SellerID:  "usr_s",
			Amount:    90_000,
		})
		if err != nil {
			t.Fatalf("Materialize %s: %v", offerID, err)
		}
		orderSvc.MarkPaid(ctx, o.ID)
		orderSvc.MarkShipped(ctx, o.ID, "usr_s", "courierco", "CC1")
		d, err := orderSvc.ConfirmDelivery(ctx, o.ID, "usr_b", "")
		if err != nil {
			t.Fatalf("ConfirmDelivery %s: %v", offerID, err)
		}
		return d
	}

	// A backlog of held delivered orders larger than the sweep batch
	for i := 0; i < 150; i++ {
		o := deliver(fmt.Sprintf("off_%d", i))
		if _, err := escrowSvc.StartHold(ctx, escrow.StartHoldRequest{
			OrderID: o.ID, BuyerID: o.BuyerID, SellerID: o.SellerID,
			Amount: o.Amount, DeliveredAt: *o.DeliveredAt,
		}); err != nil {
			t.Fatalf("StartHold: %v", err)
		}
	}
	broken := deliver("off_broken")

	runner := NewRunner(&fakeOfferSource{}, orderSvc, escrowSvc)
	report, err := runner.RunAll(ctx)
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if report.MissingHolds != 1 || report.HoldsRepaired != 1 {
		t.Fatalf("report = %+v, want one missing and one repaired hold", report)
	}
	if _, err := escrowSvc.HoldForOrder(ctx, broken.ID); err != nil {
		t.Fatalf("hold for %s never repaired: %v", broken.ID, err)
	}
}

func TestRunAllRecordsRepairErrors(t *testing.T) {
	offerSrc := &fakeOfferSource{
		missing:   []*offers.Offer{{ID: "off_1", Status: offers.StatusAccepted}},
		repairErr: errors.New("store unavailable"),
	}
	runner := NewRunner(offerSrc, &fakeOrderSource{}, &fakeHoldSource{})

	report, err := runner.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if report.OrdersRepaired != 0 {
		t.Errorf("OrdersRepaired = %d, want 0", report.OrdersRepaired)
	}
	if len(report.Errors) != 1 {
		t.Errorf("Errors = %v, want one entry", report.Errors)
	}
}

func TestRunAllSkipsUndeliveredOrders(t *testing.T) {
	orderSrc := &fakeOrderSource{delivered: []*orders.Order{
		{ID: "ord_1", BuyerID: "usr_b", SellerID: "usr_s", Amount: 90_000},
	}}
	holdSrc := &fakeHoldSource{}
	runner := NewRunner(&fakeOfferSource{}, orderSrc, holdSrc)

	report, err := runner.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if report.MissingHolds != 0 || len(holdSrc.started) != 0 {
		t.Errorf("order without a delivery timestamp was repaired: %+v", report)
	}
}
