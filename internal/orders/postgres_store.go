package orders

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/lib/pq"
)

// PostgresStore persists orders in PostgreSQL.
//
// A partial unique index on offer_id where status <> 'cancelled'
// enforces exactly-once materialization at the store layer.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, offer_id, listing_id, buyer_id, seller_id,
	amount, service_fee, total, status, carrier, tracking_number,
	tracking, delivered_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	tracking, err := json.Marshal(o.Tracking)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, o.ID, o.OfferID, o.ListingID, o.BuyerID, o.SellerID,
		o.Amount, o.ServiceFee, o.Total, o.Status, nullStr(o.Carrier), nullStr(o.TrackingNumber),
		tracking, o.DeliveredAt, o.CreatedAt, o.UpdatedAt)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrAlreadyMaterialized
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE id = $1
	`, id)
	return scanOrder(row)
}

func (p *PostgresStore) GetByOffer(ctx context.Context, offerID string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE offer_id = $1 AND status <> 'cancelled'
	`, offerID)
	return scanOrder(row)
}

func (p *PostgresStore) UpdateCAS(ctx context.Context, o *Order, expected Status) error {
	tracking, err := json.Marshal(o.Tracking)
	if err != nil {
		return err
	}

	res, err := p.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $3, carrier = $4, tracking_number = $5, tracking = $6,
		    delivered_at = $7, updated_at = $8
		WHERE id = $1 AND status = $2
	`, o.ID, expected, o.Status, nullStr(o.Carrier), nullStr(o.TrackingNumber),
		tracking, o.DeliveredAt, o.UpdatedAt)
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
		return ErrStaleOrderState
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOrders(rows)
}

func (p *PostgresStore) ListByListing(ctx context.Context, listingID string, status Status) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE listing_id = $1 AND status = $2
	`, listingID, status)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOrders(rows)
}

// ListDeliveredWithoutHold anti-joins against escrow_holds so the scan
// window only ever contains orders that still need a hold. Healthy
// delivered orders accumulate forever and must not crowd the batch.
func (p *PostgresStore) ListDeliveredWithoutHold(ctx context.Context, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = 'delivered'
		  AND NOT EXISTS (SELECT 1 FROM escrow_holds h WHERE h.order_id = orders.id)
		ORDER BY updated_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOrders(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	o := &Order{}
	var carrier, trackingNumber sql.NullString
	var deliveredAt sql.NullTime
	var tracking []byte

	err := row.Scan(
		&o.ID, &o.OfferID, &o.ListingID, &o.BuyerID, &o.SellerID,
		&o.Amount, &o.ServiceFee, &o.Total, &o.Status, &carrier, &trackingNumber,
		&tracking, &deliveredAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	o.Carrier = carrier.String
	o.TrackingNumber = trackingNumber.String
	if deliveredAt.Valid {
		o.DeliveredAt = &deliveredAt.Time
	}
	if len(tracking) > 0 {
		if err := json.Unmarshal(tracking, &o.Tracking); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func scanOrders(rows *sql.Rows) ([]*Order, error) {
	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
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
