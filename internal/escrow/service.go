package escrow

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
	"github.com/karroolabs/karroo/internal/syncutil"
)

// RefundMarker flags an order as refunded after a dispute resolves in
// the buyer's favor.
type RefundMarker interface {
	MarkRefunded(ctx context.Context, orderID string) error
}

// Notifier pushes hold and dispute changes to subscribed parties.
type Notifier interface {
	HoldChanged(h *Hold)
	DisputeChanged(d *Dispute)
}

// Service implements the escrow hold controller.
type Service struct {
	store    Store
	fees     *fees.Schedule
	window   time.Duration
	orders   RefundMarker
	notifier Notifier
	locks    *syncutil.ContextShardedMutex // per-hold ID locks
}

// NewService creates a new escrow service.
func NewService(store Store, schedule *fees.Schedule, window time.Duration) *Service {
	if window <= 0 {
		window = DefaultHoldWindow
	}
	return &Service{
		store:  store,
		fees:   schedule,
		window: window,
		locks:  syncutil.NewContextShardedMutex(),
	}
}

// WithOrders wires refund-marking into dispute resolution.
func (s *Service) WithOrders(r RefundMarker) *Service {
	s.orders = r
	return s
}

// WithNotifier enables real-time change pushes.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// StartHoldRequest carries the order facts the hold needs.
type StartHoldRequest struct {
	OrderID     string
	BuyerID     string
	SellerID    string
	Amount      int64
	DeliveredAt time.Time
}

// StartHold creates the custody record for a delivered order.
// release_at is fixed here and never changes afterwards. Idempotent:
// a hold that already exists for the order is returned as-is.
func (s *Service) StartHold(ctx context.Context, req StartHoldRequest) (*Hold, error) {
	breakdown, err := s.fees.Compute(req.Amount)
	if err != nil {
		return nil, fmt.Errorf("commission computation: %w", err)
	}

	now := time.Now()
	h := &Hold{
		ID:         idgen.WithPrefix("esc_"),
		OrderID:    req.OrderID,
		BuyerID:    req.BuyerID,
		SellerID:   req.SellerID,
		Amount:     breakdown.Amount,
		Commission: breakdown.Fee,
		NetPayout:  breakdown.Net,
		ReleaseAt:  req.DeliveredAt.Add(s.window),
		Status:     HoldPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.store.CreateHold(ctx, h); err != nil {
		if errors.Is(err, ErrAlreadyHeld) {
			return s.store.GetHoldByOrder(ctx, req.OrderID)
		}
		return nil, err
	}

	metrics.HoldsStartedTotal.Inc()
	s.notifyHold(h)
	return h, nil
}

// OpenDispute raises a claim against an order's hold. Buyer-only; an
// already-disputed or released hold rejects the claim.
func (s *Service) OpenDispute(ctx context.Context, orderID, callerID, reason string) (*Dispute, error) {
	h, err := s.store.GetHoldByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if h.BuyerID != callerID {
		return nil, ErrUnauthorized
	}

	unlock, err := s.locks.LockContext(ctx, h.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under lock
	h, err = s.store.GetHold(ctx, h.ID)
	if err != nil {
		return nil, err
	}
	if h.Status != HoldPending {
		return nil, ErrInvalidStatus
	}

	now := time.Now()
	d := &Dispute{
		ID:        idgen.WithPrefix("dsp_"),
		OrderID:   orderID,
		HoldID:    h.ID,
		OpenedBy:  callerID,
		Reason:    strings.TrimSpace(reason),
		Status:    DisputeOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateDispute(ctx, d); err != nil {
		return nil, err
	}

	h.Status = HoldDisputed
	h.UpdatedAt = now
	if err := s.store.UpdateHoldCAS(ctx, h, HoldPending); err != nil {
		return nil, err
	}

	metrics.DisputesOpenedTotal.Inc()
	s.notifyHold(h)
	s.notifyDispute(d)
	return d, nil
}

// MarkUnderReview moves an open dispute into review.
func (s *Service) MarkUnderReview(ctx context.Context, disputeID string) (*Dispute, error) {
	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != DisputeOpen {
		return nil, ErrInvalidStatus
	}

	d.Status = DisputeUnderReview
	d.UpdatedAt = time.Now()
	if err := s.store.UpdateDispute(ctx, d); err != nil {
		return nil, err
	}

	s.notifyDispute(d)
	return d, nil
}

// ResolveDispute settles a dispute. Refund outcomes force-release the
// hold with the resolution recorded; no-refund and closed outcomes
// return the hold to pending so the original release_at, which was
// never touched, governs again.
func (s *Service) ResolveDispute(ctx context.Context, disputeID string, outcome DisputeStatus, resolutionAmount int64, notes string) (*Dispute, error) {
	if !outcome.Terminal() {
		return nil, fmt.Errorf("outcome %q is not terminal", outcome)
	}

	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status.Terminal() {
		return nil, ErrInvalidStatus
	}

	unlock, err := s.locks.LockContext(ctx, d.HoldID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	h, err := s.store.GetHold(ctx, d.HoldID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	d.Status = outcome
	d.ResolutionAmount = resolutionAmount
	d.Notes = strings.TrimSpace(notes)
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := s.store.UpdateDispute(ctx, d); err != nil {
		return nil, err
	}

	switch outcome {
	case DisputeResolvedRefund, DisputeResolvedPartial:
		h.Status = HoldReleased
		h.ReleasedAt = &now
		h.UpdatedAt = now
		if err := s.store.UpdateHoldCAS(ctx, h, HoldDisputed); err != nil {
			return nil, err
		}
		if s.orders != nil && outcome == DisputeResolvedRefund {
			if err := s.orders.MarkRefunded(ctx, d.OrderID); err != nil {
				logging.L(ctx).Error("refund marking failed", "order_id", d.OrderID, "error", err)
			}
		}
	case DisputeResolvedNone, DisputeClosed:
		h.Status = HoldPending
		h.UpdatedAt = now
		if err := s.store.UpdateHoldCAS(ctx, h, HoldDisputed); err != nil {
			return nil, err
		}
	}

	metrics.DisputesResolvedTotal.WithLabelValues(string(outcome)).Inc()
	s.notifyHold(h)
	s.notifyDispute(d)
	return d, nil
}

// AutoRelease releases a hold whose window has elapsed. Idempotent: a
// hold that already released returns its final state unchanged, since
// the sweep and a server-validated client call may both fire.
func (s *Service) AutoRelease(ctx context.Context, holdID string) (*Hold, error) {
	unlock, err := s.locks.LockContext(ctx, holdID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	h, err := s.store.GetHold(ctx, holdID)
	if err != nil {
		return nil, err
	}

	switch EvaluateRelease(h, time.Now()).Decision {
	case DecisionBlocked:
		return h, ErrDisputeActive
	case DecisionWait:
		return h, ErrInvalidStatus
	}

	if h.Status == HoldReleased {
		return h, nil
	}

	now := time.Now()
	h.Status = HoldReleased
	h.ReleasedAt = &now
	h.UpdatedAt = now
	if err := s.store.UpdateHoldCAS(ctx, h, HoldPending); err != nil {
		return nil, err
	}

	metrics.HoldsReleasedTotal.Inc()
	metrics.HoldDuration.Observe(now.Sub(h.CreatedAt).Hours())
	s.notifyHold(h)
	return h, nil
}

// Status is the escrow view for one order.
type Status struct {
	Hold          *Hold       `json:"hold"`
	ActiveDispute *Dispute    `json:"activeDispute,omitempty"`
	Evaluation    *Evaluation `json:"evaluation,omitempty"`
}

// GetStatus returns the hold, any active dispute, and the current
// release evaluation for an order.
func (s *Service) GetStatus(ctx context.Context, orderID, callerID string) (*Status, error) {
	h, err := s.store.GetHoldByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if h.BuyerID != callerID && h.SellerID != callerID {
		return nil, ErrUnauthorized
	}

	st := &Status{Hold: h}
	if d, err := s.store.GetActiveDisputeByOrder(ctx, orderID); err == nil {
		st.ActiveDispute = d
	}
	ev := EvaluateRelease(h, time.Now())
	st.Evaluation = &ev
	return st, nil
}

// HoldForOrder returns the hold backing an order, without the
// participant check GetStatus applies. For internal callers.
func (s *Service) HoldForOrder(ctx context.Context, orderID string) (*Hold, error) {
	return s.store.GetHoldByOrder(ctx, orderID)
}

// SweepDue releases every undisputed hold whose window has elapsed.
// Called by the timer; failures are logged and retried next tick.
func (s *Service) SweepDue(ctx context.Context, limit int) int {
	due, err := s.store.ListDueHolds(ctx, time.Now(), limit)
	if err != nil {
		logging.L(ctx).Error("due hold scan failed", "error", err)
		return 0
	}

	released := 0
	for _, h := range due {
		if _, err := s.AutoRelease(ctx, h.ID); err != nil {
			if !errors.Is(err, ErrDisputeActive) && !errors.Is(err, ErrInvalidStatus) {
				logging.L(ctx).Error("auto-release failed", "hold_id", h.ID, "error", err)
			}
			continue
		}
		released++
	}
	return released
}

func (s *Service) notifyHold(h *Hold) {
	if s.notifier != nil {
		s.notifier.HoldChanged(h)
	}
}

func (s *Service) notifyDispute(d *Dispute) {
	if s.notifier != nil {
		s.notifier.DisputeChanged(d)
	}
}
