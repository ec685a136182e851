package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/karroolabs/karroo/internal/idgen"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "karroo",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "karroo",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter wraps a Dispatcher to emit lifecycle events across subsystems.
// All methods are fire-and-forget: errors are logged but never returned.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

func (e *Emitter) emit(userID string, eventType EventType, data map[string]any) {
	if e == nil || e.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.d.DispatchToUser(ctx, userID, event); err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "user", userID, "error", err)
	}
}

// --- Offer events ---

// EmitOfferReceived notifies the seller of a new offer.
func (e *Emitter) EmitOfferReceived(sellerID, offerID, listingID string, amount int64) {
	e.emit(sellerID, EventOfferReceived, map[string]any{
		"offerId":   offerID,
		"listingId": listingID,
		"amount":    amount,
	})
}

// EmitOfferCountered notifies the buyer of a counter-offer.
func (e *Emitter) EmitOfferCountered(buyerID, offerID string, counterAmount int64) {
	e.emit(buyerID, EventOfferCountered, map[string]any{
		"offerId":       offerID,
		"counterAmount": counterAmount,
	})
}

// EmitOfferAccepted notifies the buyer that the seller accepted, or the
// seller that the buyer accepted a counter.
func (e *Emitter) EmitOfferAccepted(userID, offerID, orderID string, agreedAmount int64) {
	e.emit(userID, EventOfferAccepted, map[string]any{
		"offerId":      offerID,
		"orderId":      orderID,
		"agreedAmount": agreedAmount,
	})
}

// EmitOfferDeclined notifies the counterparty of a declined offer.
func (e *Emitter) EmitOfferDeclined(userID, offerID string) {
	e.emit(userID, EventOfferDeclined, map[string]any{
		"offerId": offerID,
	})
}

// --- Order events ---

// EmitOrderCreated notifies both parties of a materialized order.
func (e *Emitter) EmitOrderCreated(userID, orderID, offerID string, total int64) {
	e.emit(userID, EventOrderCreated, map[string]any{
		"orderId": orderID,
		"offerId": offerID,
		"total":   total,
	})
}

// EmitOrderPaid notifies the seller that payment cleared.
func (e *Emitter) EmitOrderPaid(sellerID, orderID string) {
	e.emit(sellerID, EventOrderPaid, map[string]any{
		"orderId": orderID,
	})
}

// EmitOrderShipped notifies the buyer of a shipment.
func (e *Emitter) EmitOrderShipped(buyerID, orderID, carrier, trackingNumber string) {
	e.emit(buyerID, EventOrderShipped, map[string]any{
		"orderId":        orderID,
		"carrier":        carrier,
		"trackingNumber": trackingNumber,
	})
}

// EmitOrderDelivered notifies the seller of a confirmed delivery.
func (e *Emitter) EmitOrderDelivered(sellerID, orderID string, releaseAt time.Time) {
	e.emit(sellerID, EventOrderDelivered, map[string]any{
		"orderId":   orderID,
		"releaseAt": releaseAt,
	})
}

// --- Escrow events ---

// EmitHoldReleased notifies the seller of a released payout.
func (e *Emitter) EmitHoldReleased(sellerID, holdID, orderID string, netPayout int64) {
	e.emit(sellerID, EventHoldReleased, map[string]any{
		"holdId":    holdID,
		"orderId":   orderID,
		"netPayout": netPayout,
	})
}

// EmitHoldDisputed notifies the seller of an opened dispute.
func (e *Emitter) EmitHoldDisputed(sellerID, disputeID, orderID, reason string) {
	e.emit(sellerID, EventHoldDisputed, map[string]any{
		"disputeId": disputeID,
		"orderId":   orderID,
		"reason":    reason,
	})
}

// EmitDisputeResolved notifies a party of a dispute outcome.
func (e *Emitter) EmitDisputeResolved(userID, disputeID, orderID, outcome string) {
	e.emit(userID, EventDisputeClosed, map[string]any{
		"disputeId": disputeID,
		"orderId":   orderID,
		"outcome":   outcome,
	})
}
