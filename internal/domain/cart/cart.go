package cart

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/product"
)

// MaxLineQuantity bounds the quantity of a single cart line, including the
// sum produced by re-adding a product or merging carts.
const MaxLineQuantity = 9999

// Sentinel errors for cart mutations.
var (
	ErrInvalidQuantity  = errors.Errorf("quantity must be between 1 and %d", MaxLineQuantity)
	ErrLineNotFound     = errors.New("cart line not found")
	ErrMissingIdentity  = errors.New("session token or user id required")
	ErrSameCartForMerge = errors.New("session and user resolve to the same cart")
)

// ProductNotFoundError indicates an add-to-cart referenced an unknown product.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// OwnerKind tells whether a cart belongs to an anonymous session or a user.
type OwnerKind string

const (
	OwnerSession OwnerKind = "session"
	OwnerUser    OwnerKind = "user"
)

// Owner is the storage key of a cart.
type Owner struct {
	Kind OwnerKind
	Key  string
}

// Identity is whoever is calling: an anonymous session token, an
// authenticated user, or both.
type Identity struct {
	SessionToken string
	UserID       string
}

// Owner resolves the cart owner. An authenticated user always shops from
// the user cart; the session cart only survives until it is merged.
func (i Identity) Owner() (Owner, error) {
	switch {
	case i.UserID != "":
		return Owner{Kind: OwnerUser, Key: i.UserID}, nil
	case i.SessionToken != "":
		return Owner{Kind: OwnerSession, Key: i.SessionToken}, nil
	default:
		return Owner{}, ErrMissingIdentity
	}
}

// Cart is an identity-scoped collection of lines, at most one per product.
type Cart struct {
	ID        string
	Owner     Owner
	Lines     []Line
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Line is one (product, quantity) pair.
type Line struct {
	ID        string
	ProductID string
	Quantity  int
}

// IsEmpty reports whether the cart has no lines.
func (c *Cart) IsEmpty() bool {
	return len(c.Lines) == 0
}

// ProductIDs returns the product IDs in line order.
func (c *Cart) ProductIDs() []string {
	ids := make([]string, len(c.Lines))
	for i, l := range c.Lines {
		ids[i] = l.ProductID
	}
	return ids
}

// PricedLine is a line joined with the live catalog record.
type PricedLine struct {
	Line
	Product   product.Product
	LineTotal decimal.Decimal
}

// Totals is the live-priced view of a cart.
type Totals struct {
	Lines       []PricedLine
	Subtotal    decimal.Decimal
	ShippingFee decimal.Decimal
}

// Repository persists carts and their lines.
type Repository interface {
	// GetOrCreate returns the owner's cart, creating it when missing. Inside a
	// transaction the cart row stays locked until commit.
	GetOrCreate(ctx context.Context, owner Owner) (*Cart, error)
	// AddLine inserts a line or increments the quantity of the existing line
	// for the same product in one statement.
	AddLine(ctx context.Context, cartID, productID string, quantity int) error
	// SetLineQuantity returns ErrLineNotFound when the line is not in the cart.
	SetLineQuantity(ctx context.Context, cartID, lineID string, quantity int) error
	RemoveLine(ctx context.Context, cartID, lineID string) error
	Lines(ctx context.Context, cartID string) ([]Line, error)
	Clear(ctx context.Context, cartID string) error
}

// Transactor runs fn inside a single database transaction.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
