package chat

import (
	"context"
	"database/sql"
)

// PostgresStore persists chat messages in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed message store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, m *Message) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO messages (id, offer_id, sender_id, body, warned, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, m.ID, m.OfferID, m.SenderID, m.Body, m.Warned, m.CreatedAt)
	return err
}

func (p *PostgresStore) ListByOffer(ctx context.Context, offerID string, limit int) ([]*Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, offer_id, sender_id, body, warned, created_at
		FROM (
			SELECT id, offer_id, sender_id, body, warned, created_at
			FROM messages WHERE offer_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC
	`, offerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.OfferID, &m.SenderID, &m.Body, &m.Warned, &m.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}
