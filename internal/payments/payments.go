// Package payments collects order payments through Stripe.
//
// Flow:
//  1. The buyer asks for a payment intent covering the order total.
//  2. Stripe confirms the charge client-side.
//  3. Stripe's webhook reports payment_intent.succeeded, and the order
//     moves to paid.
//
// The webhook is the authority on payment completion. The intent
// carries the order ID in its metadata so the webhook can find its way
// back without any local intent bookkeeping.
package payments

import "errors"

var (
	// ErrNotConfigured is returned when no Stripe key is set.
	ErrNotConfigured = errors.New("payments not configured")

	// ErrInvalidSignature is returned for webhook payloads that fail
	// signature verification.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrUnknownOrder is returned when an event references no known order.
	ErrUnknownOrder = errors.New("event references unknown order")

	// ErrNotPayable is returned when the order is not awaiting payment.
	ErrNotPayable = errors.New("order is not awaiting payment")
)

// Intent is the client-facing slice of a created payment intent.
type Intent struct {
	ID           string `json:"id"`
	OrderID      string `json:"orderId"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	ClientSecret string `json:"clientSecret"`
}
