package listings

import (
	"context"
	"database/sql"
)

// PostgresStore persists listings in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed listing store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const listingColumns = `id, seller_id, title, description, asking_price, status, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, l *Listing) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO listings (`+listingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, l.ID, l.SellerID, l.Title, l.Description, l.AskingPrice, l.Status, l.CreatedAt, l.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Listing, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+listingColumns+` FROM listings WHERE id = $1
	`, id)
	return scanListing(row)
}

func (p *PostgresStore) Update(ctx context.Context, l *Listing) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE listings
		SET title = $2, description = $3, asking_price = $4, status = $5, updated_at = $6
		WHERE id = $1
	`, l.ID, l.Title, l.Description, l.AskingPrice, l.Status, l.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, opts ListOptions) ([]*Listing, error) {
	var afterAt interface{}
	afterID := ""
	if opts.After != nil {
		afterAt = opts.After.CreatedAt
		afterID = opts.After.ID
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+listingColumns+` FROM listings
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR seller_id = $2)
		  AND ($3::timestamptz IS NULL OR (created_at, id) < ($3, $4))
		ORDER BY created_at DESC, id DESC
		LIMIT $5
	`, string(opts.Status), opts.SellerID, afterAt, afterID, opts.Limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner) (*Listing, error) {
	l := &Listing{}
	err := row.Scan(
		&l.ID, &l.SellerID, &l.Title, &l.Description,
		&l.AskingPrice, &l.Status, &l.CreatedAt, &l.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}
