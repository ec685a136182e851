package offers

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore persists offers in PostgreSQL.
//
// A partial unique index on (listing_id, buyer_id, seller_id) where the
// status is active enforces the single-active-offer rule at the store
// layer; conditional updates on status resolve transition races.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed offer store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const offerColumns = `id, listing_id, buyer_id, seller_id, amount, message,
	counter_amount, status, order_id, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Offer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO offers (`+offerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, o.ID, o.ListingID, o.BuyerID, o.SellerID, o.Amount, nullStr(o.Message),
		o.CounterAmount, o.Status, nullStr(o.OrderID), o.CreatedAt, o.UpdatedAt)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrDuplicateActiveOffer
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Offer, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+offerColumns+` FROM offers WHERE id = $1
	`, id)
	return scanOffer(row)
}

// UpdateCAS writes o only if the stored row's status still equals
// expected. Zero affected rows on an existing offer means the caller
// lost a transition race.
func (p *PostgresStore) UpdateCAS(ctx context.Context, o *Offer, expected Status) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE offers
		SET amount = $3, message = $4, counter_amount = $5, status = $6,
		    order_id = $7, updated_at = $8
		WHERE id = $1 AND status = $2
	`, o.ID, expected, o.Amount, nullStr(o.Message), o.CounterAmount, o.Status,
		nullStr(o.OrderID), o.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, gerr := p.Get(ctx, o.ID); gerr != nil {
			return gerr
		}
		return ErrStaleOfferState
	}
	return nil
}

func (p *PostgresStore) FindActive(ctx context.Context, listingID, buyerID, sellerID string) (*Offer, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE listing_id = $1 AND buyer_id = $2 AND seller_id = $3
		  AND status IN ('pending', 'countered')
	`, listingID, buyerID, sellerID)
	return scanOffer(row)
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOffers(rows)
}

// ListAcceptedWithoutOrder scans only the broken subset so repairs are
// never crowded out by healthy accepted rows. Served by the partial
// index idx_offers_accepted_unmaterialized.
func (p *PostgresStore) ListAcceptedWithoutOrder(ctx context.Context, limit int) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE status = 'accepted' AND order_id IS NULL
		ORDER BY updated_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOffers(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOffer(row rowScanner) (*Offer, error) {
	o := &Offer{}
	var message, orderID sql.NullString
	var counter sql.NullInt64

	err := row.Scan(
		&o.ID, &o.ListingID, &o.BuyerID, &o.SellerID, &o.Amount, &message,
		&counter, &o.Status, &orderID, &o.CreatedAt, &o.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	o.Message = message.String
	o.OrderID = orderID.String
	if counter.Valid {
		v := counter.Int64
		o.CounterAmount = &v
	}
	return o, nil
}

func scanOffers(rows *sql.Rows) ([]*Offer, error) {
	var result []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
