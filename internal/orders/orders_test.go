package orders

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/karroolabs/karroo/internal/fees"
)

type fakeHolds struct {
	started []string
	fail    bool
}

func (f *fakeHolds) StartHold(_ context.Context, o *Order, _ time.Time) error {
	if f.fail {
		return errors.New("escrow unavailable")
	}
	f.started = append(f.started, o.ID)
	return nil
}

type fakeListings struct {
	sold []string
}

func (f *fakeListings) MarkSold(_ context.Context, listingID string) error {
	f.sold = append(f.sold, listingID)
	return nil
}

func newTestService() (*Service, *fakeHolds, *fakeListings) {
	holds := &fakeHolds{}
	listings := &fakeListings{}
	svc := NewService(NewMemoryStore(), fees.Default()).WithEscrow(holds).WithListings(listings)
	return svc, holds, listings
}

func materialize(t *testing.T, svc *Service, offerID string, amount int64) *Order {
	t.Helper()
	o, err := svc.Materialize(context.Background(), MaterializeRequest{
		OfferID:   offerID,
		ListingID: "lst_bike",
		BuyerID:   "usr_buyer",
		SellerID:  "usr_seller",
		Amount:    amount,
	})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	return o
}

func TestMaterialize(t *testing.T) {
	svc, _, _ := newTestService()

	o := materialize(t, svc, "off_1", 90_000)

	if o.Status != StatusPendingPayment {
		t.Errorf("Status = %s, want pending_payment", o.Status)
	}
	// 90000 falls in the 7.5% tier
	if o.ServiceFee != 6_750 {
		t.Errorf("ServiceFee = %d, want 6750", o.ServiceFee)
	}
	if o.Total != 96_750 {
		t.Errorf("Total = %d, want 96750", o.Total)
	}
}

func TestMaterializeIdempotent(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	first := materialize(t, svc, "off_1", 90_000)

	// Retried materialization returns the existing order
	second, err := svc.Materialize(ctx, MaterializeRequest{
		OfferID: "off_1", ListingID: "lst_bike",
		BuyerID: "usr_buyer", SellerID: "usr_seller", Amount: 90_000,
	})
	if err != nil {
		t.Fatalf("second Materialize: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("second call created a new order: %s != %s", second.ID, first.ID)
	}

	all, _ := svc.store.ListByListing(ctx, "lst_bike", StatusPendingPayment)
	if len(all) != 1 {
		t.Errorf("order count = %d, want 1", len(all))
	}
}

func TestMaterializeCancelsStaleOrders(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	stale := materialize(t, svc, "off_1", 80_000)

	// A second offer thread wins the listing
	svc.Materialize(ctx, MaterializeRequest{
		OfferID: "off_2", ListingID: "lst_bike",
		BuyerID: "usr_other", SellerID: "usr_seller", Amount: 85_000,
	})

	got, _ := svc.store.Get(ctx, stale.ID)
	if got.Status != StatusCancelled {
		t.Errorf("stale order status = %s, want cancelled", got.Status)
	}
}

func TestPaymentFlow(t *testing.T) {
	svc, _, listings := newTestService()
	ctx := context.Background()

	o := materialize(t, svc, "off_1", 90_000)

	paid, err := svc.MarkPaid(ctx, o.ID)
	if err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}
	if paid.Status != StatusPaid {
		t.Errorf("Status = %s, want paid", paid.Status)
	}
	if len(listings.sold) != 1 || listings.sold[0] != "lst_bike" {
		t.Errorf("listing not marked sold: %v", listings.sold)
	}

	// MarkPaid is idempotent
	if _, err := svc.MarkPaid(ctx, o.ID); err != nil {
		t.Errorf("second MarkPaid: %v", err)
	}
}

func TestShipAndConfirmDelivery(t *testing.T) {
	svc, holds, _ := newTestService()
	ctx := context.Background()

	o := materialize(t, svc, "off_1", 90_000)
	svc.MarkPaid(ctx, o.ID)

	// Only the seller ships
	if _, err := svc.MarkShipped(ctx, o.ID, "usr_buyer", "courierco", "CC123"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("buyer ship: err = %v, want ErrUnauthorized", err)
	}

	shipped, err := svc.MarkShipped(ctx, o.ID, "usr_seller", "courierco", "CC123")
	if err != nil {
		t.Fatalf("MarkShipped: %v", err)
	}
	if shipped.Status != StatusShipped {
		t.Errorf("Status = %s, want shipped", shipped.Status)
	}

	// Only the buyer confirms delivery
	if _, err := svc.ConfirmDelivery(ctx, o.ID, "usr_seller", ""); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("seller confirm: err = %v, want ErrUnauthorized", err)
	}

	delivered, err := svc.ConfirmDelivery(ctx, o.ID, "usr_buyer", "photo_123")
	if err != nil {
		t.Fatalf("ConfirmDelivery: %v", err)
	}
	if delivered.Status != StatusDelivered {
		t.Errorf("Status = %s, want delivered", delivered.Status)
	}
	if delivered.DeliveredAt == nil {
		t.Error("DeliveredAt should be set")
	}

	last := delivered.Tracking[len(delivered.Tracking)-1]
	if last.Status != "Delivered" || last.PhotoRef != "photo_123" {
		t.Errorf("tracking entry = %+v, want Delivered with photo", last)
	}

	if len(holds.started) != 1 || holds.started[0] != o.ID {
		t.Errorf("hold not started: %v", holds.started)
	}
}

func TestConfirmDeliveryRequiresShipped(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	o := materialize(t, svc, "off_1", 90_000)

	if _, err := svc.ConfirmDelivery(ctx, o.ID, "usr_buyer", ""); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("confirm on unpaid order: err = %v, want ErrInvalidStatus", err)
	}
}

func TestConfirmDeliverySurvivesHoldFailure(t *testing.T) {
	svc, holds, _ := newTestService()
	ctx := context.Background()

	o := materialize(t, svc, "off_1", 90_000)
	svc.MarkPaid(ctx, o.ID)
	svc.MarkShipped(ctx, o.ID, "usr_seller", "courierco", "CC123")

	// Escrow is down; delivery confirmation must still succeed
	holds.fail = true
	delivered, err := svc.ConfirmDelivery(ctx, o.ID, "usr_buyer", "")
	if err != nil {
		t.Fatalf("ConfirmDelivery with failing escrow: %v", err)
	}
	if delivered.Status != StatusDelivered {
		t.Errorf("Status = %s, want delivered", delivered.Status)
	}

	// The sweep sees it as needing repair
	pending, _ := svc.ListDelivered(ctx, 10)
	if len(pending) != 1 {
		t.Errorf("delivered count = %d, want 1", len(pending))
	}
}

func TestDeliveredScanSkipsHeldOrders(t *testing.T) {
	held := map[string]bool{}
	store := NewMemoryStore().WithHoldCheck(func(orderID string) bool { return held[orderID] })
	svc := NewService(store, fees.Default()).WithEscrow(&fakeHolds{})
	ctx := context.Background()

	deliver := func(offerID string) *Order {
		o, err := svc.Materialize(ctx, MaterializeRequest{
			OfferID:   offerID,
			ListingID: "lst_bike",
			BuyerID:   "usr_buyer",
			SellerID:  "usr_seller",
			Amount:    90_000,
		})
		if err != nil {
			t.Fatalf("Materialize %s: %v", offerID, err)
		}
		svc.MarkPaid(ctx, o.ID)
		svc.MarkShipped(ctx, o.ID, "usr_seller", "courierco", "CC1")
		d, err := svc.ConfirmDelivery(ctx, o.ID, "usr_buyer", "")
		if err != nil {
			t.Fatalf("ConfirmDelivery %s: %v", offerID, err)
		}
		return d
	}

	// Older delivered orders whose holds already exist
	for i := 0; i < 5; i++ {
		o := deliver(fmt.Sprintf("off_held_%d", i))
		held[o.ID] = true
	}
	broken := deliver("off_broken")

	// A batch smaller than the held backlog must still surface the
	// order that needs repair
	pending, err := svc.ListDelivered(ctx, 3)
	if err != nil {
		t.Fatalf("ListDelivered: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != broken.ID {
		t.Fatalf("pending = %+v, want only %s", pending, broken.ID)
	}
}

func TestCancelUnpaidOrder(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	o := materialize(t, svc, "off_1", 90_000)

	if _, err := svc.Cancel(ctx, o.ID, "usr_stranger"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("stranger cancel: err = %v, want ErrUnauthorized", err)
	}

	cancelled, err := svc.Cancel(ctx, o.ID, "usr_buyer")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("Status = %s, want cancelled", cancelled.Status)
	}

	// Paid orders cannot be cancelled through this path
	o2 := materialize(t, svc, "off_2", 90_000)
	svc.MarkPaid(ctx, o2.ID)
	if _, err := svc.Cancel(ctx, o2.ID, "usr_buyer"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("cancel paid order: err = %v, want ErrInvalidStatus", err)
	}
}
