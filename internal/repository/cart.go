package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/storefront/internal/domain/cart"
)

const (
	// The no-op update makes RETURNING yield the existing row and locks it
	// for the rest of the transaction.
	getOrCreateCartSQL = `INSERT INTO carts (id, owner_kind, owner_key) VALUES ($1, $2, $3)
		ON CONFLICT (owner_kind, owner_key) DO UPDATE SET updated_at = now()
		RETURNING id::text, owner_kind, owner_key, created_at, updated_at`

	listCartLinesSQL = `SELECT id::text, product_id, quantity
		FROM cart_lines WHERE cart_id = $1 ORDER BY created_at, id`

	addCartLineSQL = `INSERT INTO cart_lines (id, cart_id, product_id, quantity) VALUES ($1, $2, $3, $4)
		ON CONFLICT (cart_id, product_id) DO UPDATE SET quantity = cart_lines.quantity + excluded.quantity
		WHERE cart_lines.quantity <= $5 - excluded.quantity`

	setCartLineQuantitySQL = `UPDATE cart_lines SET quantity = $3 WHERE cart_id = $1 AND id = $2`

	removeCartLineSQL = `DELETE FROM cart_lines WHERE cart_id = $1 AND id = $2`

	clearCartSQL = `DELETE FROM cart_lines WHERE cart_id = $1`
)

var _ cart.Repository = (*CartRepository)(nil)

// CartRepository implements cart.Repository backed by PostgreSQL.
type CartRepository struct {
	db DB
}

// NewCartRepository returns a CartRepository that uses the given pool.
func NewCartRepository(db DB) *CartRepository {
	return &CartRepository{db: db}
}

// GetOrCreate returns the owner's cart with its lines.
func (r *CartRepository) GetOrCreate(ctx context.Context, owner cart.Owner) (*cart.Cart, error) {
	q := conn(ctx, r.db)

	var (
		c    cart.Cart
		kind string
	)
	err := q.QueryRow(ctx, getOrCreateCartSQL, uuid.NewString(), string(owner.Kind), owner.Key).Scan(
		&c.ID, &kind, &c.Owner.Key, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("getting cart for %s %q: %w", owner.Kind, owner.Key, err)
	}
	c.Owner.Kind = cart.OwnerKind(kind)

	lines, err := r.Lines(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	c.Lines = lines
	return &c, nil
}

// AddLine inserts a line or adds quantity to the existing line. A sum above
// cart.MaxLineQuantity leaves the line as is and returns
// cart.ErrInvalidQuantity.
func (r *CartRepository) AddLine(ctx context.Context, cartID, productID string, quantity int) error {
	tag, err := conn(ctx, r.db).Exec(ctx, addCartLineSQL, uuid.NewString(), cartID, productID, quantity, cart.MaxLineQuantity)
	if err != nil {
		return fmt.Errorf("adding %s to cart %s: %w", productID, cartID, err)
	}
	if tag.RowsAffected() == 0 {
		return cart.ErrInvalidQuantity
	}
	return nil
}

// SetLineQuantity overwrites a line's quantity.
func (r *CartRepository) SetLineQuantity(ctx context.Context, cartID, lineID string, quantity int) error {
	if uuid.Validate(lineID) != nil {
		return cart.ErrLineNotFound
	}
	tag, err := conn(ctx, r.db).Exec(ctx, setCartLineQuantitySQL, cartID, lineID, quantity)
	if err != nil {
		return fmt.Errorf("setting quantity of line %s: %w", lineID, err)
	}
	if tag.RowsAffected() == 0 {
		return cart.ErrLineNotFound
	}
	return nil
}

// RemoveLine deletes a line; unknown lines are ignored.
func (r *CartRepository) RemoveLine(ctx context.Context, cartID, lineID string) error {
	if uuid.Validate(lineID) != nil {
		return nil
	}
	if _, err := conn(ctx, r.db).Exec(ctx, removeCartLineSQL, cartID, lineID); err != nil {
		return fmt.Errorf("removing line %s: %w", lineID, err)
	}
	return nil
}

// Lines returns the cart's lines in insertion order.
func (r *CartRepository) Lines(ctx context.Context, cartID string) ([]cart.Line, error) {
	rows, err := conn(ctx, r.db).Query(ctx, listCartLinesSQL, cartID)
	if err != nil {
		return nil, fmt.Errorf("listing lines of cart %s: %w", cartID, err)
	}
	lines, err := pgx.CollectRows(rows, scanCartLine)
	if err != nil {
		return nil, fmt.Errorf("listing lines of cart %s: %w", cartID, err)
	}
	return lines, nil
}

// Clear deletes every line of the cart.
func (r *CartRepository) Clear(ctx context.Context, cartID string) error {
	if _, err := conn(ctx, r.db).Exec(ctx, clearCartSQL, cartID); err != nil {
		return fmt.Errorf("clearing cart %s: %w", cartID, err)
	}
	return nil
}

func scanCartLine(row pgx.CollectableRow) (cart.Line, error) {
	var (
		l   cart.Line
		qty int32
	)
	err := row.Scan(&l.ID, &l.ProductID, &qty)
	l.Quantity = int(qty)
	return l, err
}
