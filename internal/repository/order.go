package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/order"
)

const (
	createOrderSQL = `INSERT INTO orders (id, user_id, session_token, subtotal, shipping_fee,
			discount_code, discount_amount, total, status, payment_status, payment_method,
			shipping_name, shipping_phone, shipping_email, shipping_address, shipping_city,
			notes, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19)`

	orderColumns = `id, COALESCE(user_id, ''), COALESCE(session_token, ''), subtotal, shipping_fee,
		COALESCE(discount_code, ''), discount_amount, total, status, payment_status, payment_method,
		COALESCE(payment_intent_id, ''), shipping_name, shipping_phone, shipping_email,
		shipping_address, shipping_city, notes, created_at, updated_at`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	getOrderByIntentSQL = `SELECT ` + orderColumns + ` FROM orders WHERE payment_intent_id = $1`

	listOrderLinesSQL = `SELECT product_id, name, image_url, unit_price, quantity, line_total
		FROM order_lines WHERE order_id = $1 ORDER BY position`

	lockOrderSQL = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`

	updateOrderStatusSQL = `UPDATE orders SET status = $2, updated_at = now() WHERE id = $1`

	updateOrderPaymentStatusSQL = `UPDATE orders SET payment_status = $2, updated_at = now() WHERE id = $1`

	setOrderPaymentIntentSQL = `UPDATE orders SET payment_intent_id = $2, updated_at = now() WHERE id = $1`
)

var orderLineColumns = []string{"order_id", "position", "product_id", "name", "image_url", "unit_price", "quantity", "line_total"}

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	db DB
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(db DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create persists a new order and its line snapshots. Callers run it inside
// a transaction so the header and lines land together.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	q := conn(ctx, r.db)

	_, err := q.Exec(ctx, createOrderSQL,
		o.ID, o.UserID, o.SessionToken, o.Subtotal, o.ShippingFee,
		o.DiscountCode, o.DiscountAmount, o.Total,
		string(o.Status), string(o.PaymentStatus), string(o.PaymentMethod),
		o.Shipping.Name, o.Shipping.Phone, o.Shipping.Email, o.Shipping.Address, o.Shipping.City,
		o.Notes, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}

	rows := make([][]any, len(o.Lines))
	for i, l := range o.Lines {
		rows[i] = []any{o.ID, i, l.ProductID, l.Name, l.ImageURL, l.UnitPrice, l.Quantity, l.LineTotal}
	}
	if _, err := q.CopyFrom(ctx, pgx.Identifier{"order_lines"}, orderLineColumns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("creating lines of order %q: %w", o.ID, err)
	}
	return nil
}

// Get returns an order with its lines.
func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	return r.get(ctx, getOrderSQL, id)
}

// GetByPaymentIntent returns the order a payment intent was created for.
func (r *OrderRepository) GetByPaymentIntent(ctx context.Context, intentID string) (*order.Order, error) {
	return r.get(ctx, getOrderByIntentSQL, intentID)
}

func (r *OrderRepository) get(ctx context.Context, query, arg string) (*order.Order, error) {
	q := conn(ctx, r.db)

	rows, err := q.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", arg, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", arg, err)
	}

	rows, err = q.Query(ctx, listOrderLinesSQL, o.ID)
	if err != nil {
		return nil, fmt.Errorf("getting lines of order %q: %w", o.ID, err)
	}
	if o.Lines, err = pgx.CollectRows(rows, scanOrderLine); err != nil {
		return nil, fmt.Errorf("getting lines of order %q: %w", o.ID, err)
	}
	return &o, nil
}

// Lock takes a transaction-scoped advisory lock on the order id.
func (r *OrderRepository) Lock(ctx context.Context, id string) error {
	if _, err := conn(ctx, r.db).Exec(ctx, lockOrderSQL, id); err != nil {
		return fmt.Errorf("locking order %q: %w", id, err)
	}
	return nil
}

// UpdateStatus sets the fulfillment status.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, status order.Status) error {
	return r.update(ctx, updateOrderStatusSQL, id, string(status))
}

// UpdatePaymentStatus sets the payment status.
func (r *OrderRepository) UpdatePaymentStatus(ctx context.Context, id string, status order.PaymentStatus) error {
	return r.update(ctx, updateOrderPaymentStatusSQL, id, string(status))
}

// SetPaymentIntent attaches a processor intent to the order.
func (r *OrderRepository) SetPaymentIntent(ctx context.Context, id, intentID string) error {
	return r.update(ctx, setOrderPaymentIntentSQL, id, intentID)
}

func (r *OrderRepository) update(ctx context.Context, query, id, value string) error {
	tag, err := conn(ctx, r.db).Exec(ctx, query, id, value)
	if err != nil {
		return fmt.Errorf("updating order %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o                                    order.Order
		status, paymentStatus, paymentMethod string
	)
	err := row.Scan(
		&o.ID, &o.UserID, &o.SessionToken, &o.Subtotal, &o.ShippingFee,
		&o.DiscountCode, &o.DiscountAmount, &o.Total, &status, &paymentStatus, &paymentMethod,
		&o.PaymentIntentID, &o.Shipping.Name, &o.Shipping.Phone, &o.Shipping.Email,
		&o.Shipping.Address, &o.Shipping.City, &o.Notes, &o.CreatedAt, &o.UpdatedAt,
	)
	o.Status = order.Status(status)
	o.PaymentStatus = order.PaymentStatus(paymentStatus)
	o.PaymentMethod = order.PaymentMethod(paymentMethod)
	return o, err
}

func scanOrderLine(row pgx.CollectableRow) (order.Line, error) {
	var (
		l         order.Line
		unitPrice decimal.Decimal
		lineTotal decimal.Decimal
		qty       int32
	)
	err := row.Scan(&l.ProductID, &l.Name, &l.ImageURL, &unitPrice, &qty, &lineTotal)
	l.UnitPrice = unitPrice
	l.LineTotal = lineTotal
	l.Quantity = int(qty)
	return l, err
}
