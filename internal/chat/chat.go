// Package chat carries the negotiation conversation between the two
// parties of an offer thread. Every outbound message passes the
// chatguard before it is stored or pushed.
package chat

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("message not found")
	ErrThreadClosed = errors.New("offer thread not found")
	ErrUnauthorized = errors.New("not a participant in this thread")
	ErrEmptyBody    = errors.New("message body is required")
)

// Message is one chat entry in an offer thread.
type Message struct {
	ID        string    `json:"id"`
	OfferID   string    `json:"offerId"`
	SenderID  string    `json:"senderId"`
	Body      string    `json:"body"`
	Warned    bool      `json:"warned,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists chat messages.
type Store interface {
	Create(ctx context.Context, m *Message) error
	ListByOffer(ctx context.Context, offerID string, limit int) ([]*Message, error)
}
