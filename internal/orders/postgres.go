package orders

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// The marketplace owns this table; the statement only guarantees it exists in
// development databases.
const createOrdersSQL = `
CREATE TABLE IF NOT EXISTS orders (
    id TEXT PRIMARY KEY,
    buyer_id TEXT NOT NULL,
    seller_id TEXT NOT NULL,
    amount NUMERIC(78, 18) NOT NULL,
    status TEXT NOT NULL,
    payment_status TEXT NOT NULL DEFAULT 'unpaid'
);
`

// PostgresSource reads orders from the marketplace database.
type PostgresSource struct {
	pool *pgxpool.Pool
}

func NewPostgresSource(ctx context.Context, pool *pgxpool.Pool) (*PostgresSource, error) {
	if _, err := pool.Exec(ctx, createOrdersSQL); err != nil {
		return nil, err
	}
	return &PostgresSource{pool: pool}, nil
}

func (p *PostgresSource) Get(ctx context.Context, id string) (Order, error) {
	var (
		o                     Order
		amount                string
		status, paymentStatus string
	)
	err := p.pool.QueryRow(ctx, `
SELECT id, buyer_id, seller_id, amount::text, status, payment_status FROM orders WHERE id = $1
`, id).Scan(&o.ID, &o.BuyerID, &o.SellerID, &amount, &status, &paymentStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, err
	}
	o.Status = Status(status)
	o.PaymentStatus = PaymentStatus(paymentStatus)
	if o.Amount, err = decimal.NewFromString(amount); err != nil {
		return Order{}, err
	}
	return o, nil
}

func (p *PostgresSource) SetPaymentStatus(ctx context.Context, id string, from, to PaymentStatus) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE orders SET payment_status = $3 WHERE id = $1 AND payment_status = $2
`, id, string(from), string(to))
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := p.Get(ctx, id); err != nil {
		return err
	}
	return ErrPaymentStatus
}
