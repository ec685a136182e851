package payments

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/karroolabs/karroo/internal/logging"
	"github.com/karroolabs/karroo/internal/orders"
)

// OrderSource exposes the order operations the payment flow needs.
type OrderSource interface {
	Get(ctx context.Context, orderID, callerID string) (*orders.Order, error)
	MarkPaid(ctx context.Context, orderID string) (*orders.Order, error)
}

// intentCreator wraps the Stripe call so tests can stub it.
type intentCreator func(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)

// Service creates payment intents and processes Stripe webhooks.
type Service struct {
	orders        OrderSource
	webhookSecret string
	createIntent  intentCreator
}

// NewService creates a payment service. secretKey is the Stripe API
// key; webhookSecret verifies inbound event signatures.
func NewService(orderSrc OrderSource, secretKey, webhookSecret string) *Service {
	stripe.Key = secretKey
	s := &Service{
		orders:        orderSrc,
		webhookSecret: webhookSecret,
	}
	if secretKey != "" {
		s.createIntent = paymentintent.New
	}
	return s
}

// CreateIntent opens a Stripe payment intent for the order total.
// Buyer-only; the order must still be awaiting payment.
func (s *Service) CreateIntent(ctx context.Context, orderID, callerID string) (*Intent, error) {
	if s.createIntent == nil {
		return nil, ErrNotConfigured
	}

	o, err := s.orders.Get(ctx, orderID, callerID)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != callerID {
		return nil, orders.ErrUnauthorized
	}
	if o.Status != orders.StatusPendingPayment {
		return nil, ErrNotPayable
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(o.Total),
		Currency: stripe.String(string(stripe.CurrencyZAR)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.AddMetadata("order_id", o.ID)

	pi, err := s.createIntent(params)
	if err != nil {
		return nil, fmt.Errorf("stripe intent creation: %w", err)
	}

	paymentIntentsTotal.Inc()
	return &Intent{
		ID:           pi.ID,
		OrderID:      o.ID,
		Amount:       o.Total,
		Currency:     string(stripe.CurrencyZAR),
		ClientSecret: pi.ClientSecret,
	}, nil
}

// HandleWebhook verifies and applies one Stripe event. Only
// payment_intent.succeeded advances an order; everything else is
// acknowledged and dropped.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, sigHeader string) error {
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return ErrInvalidSignature
	}

	if event.Type != stripe.EventTypePaymentIntentSucceeded {
		return nil
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return fmt.Errorf("event payload decode: %w", err)
	}
	orderID := pi.Metadata["order_id"]
	if orderID == "" {
		return ErrUnknownOrder
	}

	// Stripe retries webhooks, so a paid order is a clean no-op here.
	o, err := s.orders.MarkPaid(ctx, orderID)
	if err != nil {
		return fmt.Errorf("marking order paid: %w", err)
	}

	paymentsSucceededTotal.Inc()
	logging.L(ctx).Info("payment completed", "order_id", o.ID, "intent_id", pi.ID)
	return nil
}
