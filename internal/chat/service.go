package chat

import (
	"context"
	"strings"
	"time"

	"github.com/karroolabs/karroo/internal/chatguard"
	"github.com/karroolabs/karroo/internal/idgen"
	"github.com/karroolabs/karroo/internal/metrics"
)

// ThreadResolver identifies the participants of an offer thread.
type ThreadResolver interface {
	ThreadParticipants(ctx context.Context, offerID string) (buyerID, sellerID string, err error)
}

// Notifier pushes new messages to the thread's parties.
type Notifier interface {
	MessageSent(m *Message, recipientID string)
}

// Service implements chat business logic.
type Service struct {
	store    Store
	guard    *chatguard.Guard
	threads  ThreadResolver
	notifier Notifier
}

// NewService creates a new chat service.
func NewService(store Store, guard *chatguard.Guard, threads ThreadResolver) *Service {
	return &Service{store: store, guard: guard, threads: threads}
}

// WithNotifier enables real-time message pushes.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// SendResult pairs the guard's verdict with the stored message when
// the message went through.
type SendResult struct {
	Guard   chatguard.Result `json:"guard"`
	Message *Message         `json:"message,omitempty"`
}

// Send gates a message through the guard and stores it if allowed.
// Guard refusals are soft outcomes, not errors: the caller gets the
// result metadata and can wait, edit, or override.
func (s *Service) Send(ctx context.Context, offerID, senderID, body string, override bool) (*SendResult, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, ErrEmptyBody
	}

	buyerID, sellerID, err := s.threads.ThreadParticipants(ctx, offerID)
	if err != nil {
		return nil, ErrThreadClosed
	}
	if senderID != buyerID && senderID != sellerID {
		return nil, ErrUnauthorized
	}

	res := s.guard.Check(senderID, body, override)
	if !res.Allowed {
		if res.RateLimited {
			metrics.MessagesRateLimitedTotal.Inc()
		}
		if res.Verdict == chatguard.VerdictBlock {
			metrics.MessagesBlockedTotal.Inc()
		}
		return &SendResult{Guard: res}, nil
	}

	m := &Message{
		ID:        idgen.WithPrefix("msg_"),
		OfferID:   offerID,
		SenderID:  senderID,
		Body:      body,
		Warned:    res.Verdict == chatguard.VerdictWarn,
		CreatedAt: time.Now(),
	}
	if err := s.store.Create(ctx, m); err != nil {
		return nil, err
	}

	if s.notifier != nil {
		recipient := buyerID
		if senderID == buyerID {
			recipient = sellerID
		}
		s.notifier.MessageSent(m, recipient)
	}

	return &SendResult{Guard: res, Message: m}, nil
}

// History returns the thread's messages, oldest first, for a
// participant.
func (s *Service) History(ctx context.Context, offerID, callerID string, limit int) ([]*Message, error) {
	buyerID, sellerID, err := s.threads.ThreadParticipants(ctx, offerID)
	if err != nil {
		return nil, ErrThreadClosed
	}
	if callerID != buyerID && callerID != sellerID {
		return nil, ErrUnauthorized
	}

	if limit <= 0 || limit > 200 {
		limit = 100
	}
	return s.store.ListByOffer(ctx, offerID, limit)
}
