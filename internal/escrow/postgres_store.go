package escrow

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists holds and disputes in PostgreSQL.
//
// A unique index on escrow_holds.order_id enforces one hold per order;
// a partial unique index on disputes.order_id for non-terminal statuses
// enforces one active dispute per order.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const holdColumns = `id, order_id, buyer_id, seller_id, amount, commission,
	net_payout, release_at, status, released_at, created_at, updated_at`

const disputeColumns = `id, order_id, hold_id, opened_by, reason, status,
	resolution_amount, notes, resolved_at, created_at, updated_at`

func (p *PostgresStore) CreateHold(ctx context.Context, h *Hold) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_holds (`+holdColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, h.ID, h.OrderID, h.BuyerID, h.SellerID, h.Amount, h.Commission,
		h.NetPayout, h.ReleaseAt, h.Status, h.ReleasedAt, h.CreatedAt, h.UpdatedAt)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrAlreadyHeld
	}
	return err
}

func (p *PostgresStore) GetHold(ctx context.Context, id string) (*Hold, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+holdColumns+` FROM escrow_holds WHERE id = $1
	`, id)
	return scanHold(row)
}

func (p *PostgresStore) GetHoldByOrder(ctx context.Context, orderID string) (*Hold, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+holdColumns+` FROM escrow_holds WHERE order_id = $1
	`, orderID)
	return scanHold(row)
}

func (p *PostgresStore) UpdateHoldCAS(ctx context.Context, h *Hold, expected HoldStatus) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE escrow_holds
		SET status = $3, released_at = $4, updated_at = $5
		WHERE id = $1 AND status = $2
	`, h.ID, expected, h.Status, h.ReleasedAt, h.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, gerr := p.GetHold(ctx, h.ID); gerr != nil {
			return gerr
		}
		return ErrStaleHoldState
	}
	return nil
}

func (p *PostgresStore) ListDueHolds(ctx context.Context, now time.Time, limit int) ([]*Hold, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+holdColumns+` FROM escrow_holds
		WHERE status = 'pending' AND release_at <= $1
		ORDER BY release_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CreateDispute(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, d.ID, d.OrderID, d.HoldID, d.OpenedBy, d.Reason, d.Status,
		d.ResolutionAmount, nullStr(d.Notes), d.ResolvedAt, d.CreatedAt, d.UpdatedAt)
	return err
}

func (p *PostgresStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes WHERE id = $1
	`, id)
	return scanDispute(row)
}

func (p *PostgresStore) GetActiveDisputeByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE order_id = $1 AND status IN ('open', 'under_review')
	`, orderID)
	return scanDispute(row)
}

func (p *PostgresStore) UpdateDispute(ctx context.Context, d *Dispute) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE disputes
		SET status = $2, resolution_amount = $3, notes = $4, resolved_at = $5, updated_at = $6
		WHERE id = $1
	`, d.ID, d.Status, d.ResolutionAmount, nullStr(d.Notes), d.ResolvedAt, d.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (p *PostgresStore) ListDisputesByOrder(ctx context.Context, orderID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE order_id = $1
		ORDER BY created_at ASC
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHold(row rowScanner) (*Hold, error) {
	h := &Hold{}
	var releasedAt sql.NullTime

	err := row.Scan(
		&h.ID, &h.OrderID, &h.BuyerID, &h.SellerID, &h.Amount, &h.Commission,
		&h.NetPayout, &h.ReleaseAt, &h.Status, &releasedAt, &h.CreatedAt, &h.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrHoldNotFound
	}
	if err != nil {
		return nil, err
	}

	if releasedAt.Valid {
		h.ReleasedAt = &releasedAt.Time
	}
	return h, nil
}

func scanDispute(row rowScanner) (*Dispute, error) {
	d := &Dispute{}
	var notes sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(
		&d.ID, &d.OrderID, &d.HoldID, &d.OpenedBy, &d.Reason, &d.Status,
		&d.ResolutionAmount, &notes, &resolvedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, err
	}

	d.Notes = notes.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
