package cart

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/product"
)

// Service encapsulates cart business logic. Every operation resolves the cart
// through get-or-create, so a cleared client session never surfaces as a
// missing cart.
type Service struct {
	carts       Repository
	products    product.Repository
	tx          Transactor
	shippingFee decimal.Decimal
}

// NewService creates a cart Service. shippingFee is the flat fee charged
// unless a line qualifies for free shipping.
func NewService(
	carts Repository,
	products product.Repository,
	tx Transactor,
	shippingFee decimal.Decimal,
) *Service {
	return &Service{
		carts:       carts,
		products:    products,
		tx:          tx,
		shippingFee: shippingFee,
	}
}

// GetOrCreateCart returns the caller's cart, creating an empty one on first use.
func (s *Service) GetOrCreateCart(ctx context.Context, id Identity) (*Cart, error) {
	owner, err := id.Owner()
	if err != nil {
		return nil, err
	}
	c, err := s.carts.GetOrCreate(ctx, owner)
	if err != nil {
		return nil, errors.Wrap(err, "get cart")
	}
	return c, nil
}

func validQuantity(q int) bool {
	return q >= 1 && q <= MaxLineQuantity
}

// AddItem adds quantity units of a product. A product already in the cart has
// its quantity increased instead of getting a second line; a sum above
// MaxLineQuantity is rejected with ErrInvalidQuantity.
func (s *Service) AddItem(ctx context.Context, id Identity, productID string, quantity int) (*Cart, error) {
	if !validQuantity(quantity) {
		return nil, ErrInvalidQuantity
	}
	if _, err := s.products.GetByID(ctx, productID); err != nil {
		if errors.Is(err, product.ErrNotFound) {
			return nil, &ProductNotFoundError{ProductID: productID}
		}
		return nil, errors.Wrap(err, "get product")
	}

	c, err := s.GetOrCreateCart(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.carts.AddLine(ctx, c.ID, productID, quantity); err != nil {
		return nil, errors.Wrap(err, "add line")
	}
	return s.reload(ctx, c)
}

// SetQuantity overwrites a line's quantity. Zero is rejected: removal goes
// through RemoveItem only.
func (s *Service) SetQuantity(ctx context.Context, id Identity, lineID string, quantity int) (*Cart, error) {
	if !validQuantity(quantity) {
		return nil, ErrInvalidQuantity
	}
	c, err := s.GetOrCreateCart(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.carts.SetLineQuantity(ctx, c.ID, lineID, quantity); err != nil {
		if errors.Is(err, ErrLineNotFound) {
			return nil, ErrLineNotFound
		}
		return nil, errors.Wrap(err, "set line quantity")
	}
	return s.reload(ctx, c)
}

// RemoveItem deletes a line. Removing a line that is already gone is a no-op.
func (s *Service) RemoveItem(ctx context.Context, id Identity, lineID string) (*Cart, error) {
	c, err := s.GetOrCreateCart(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.carts.RemoveLine(ctx, c.ID, lineID); err != nil {
		return nil, errors.Wrap(err, "remove line")
	}
	return s.reload(ctx, c)
}

// Clear deletes every line of the cart.
func (s *Service) Clear(ctx context.Context, cartID string) error {
	if err := s.carts.Clear(ctx, cartID); err != nil {
		return errors.Wrap(err, "clear cart")
	}
	return nil
}

// Totals prices the cart at current catalog prices. The shipping fee is waived
// when any line's product ships free; an empty cart owes nothing.
func (s *Service) Totals(ctx context.Context, c *Cart) (*Totals, error) {
	t := &Totals{
		Lines:       make([]PricedLine, 0, len(c.Lines)),
		Subtotal:    decimal.Zero,
		ShippingFee: decimal.Zero,
	}
	if c.IsEmpty() {
		return t, nil
	}

	fetched, err := s.products.GetByIDs(ctx, c.ProductIDs())
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	byID := product.Index(fetched)

	freeShipping := false
	for _, l := range c.Lines {
		p, ok := byID[l.ProductID]
		if !ok {
			return nil, &ProductNotFoundError{ProductID: l.ProductID}
		}
		lineTotal := p.Price.Mul(decimal.NewFromInt(int64(l.Quantity)))
		t.Lines = append(t.Lines, PricedLine{Line: l, Product: p, LineTotal: lineTotal})
		t.Subtotal = t.Subtotal.Add(lineTotal)
		if p.FreeShipping {
			freeShipping = true
		}
	}
	if !freeShipping {
		t.ShippingFee = s.shippingFee
	}
	return t, nil
}

// Merge moves the anonymous session cart into the user's cart, summing
// quantities per product, and empties the session cart. It is meant to run
// once right after login. A summed line above MaxLineQuantity aborts the
// merge with ErrInvalidQuantity and leaves both carts untouched.
func (s *Service) Merge(ctx context.Context, sessionToken, userID string) (*Cart, error) {
	if sessionToken == "" || userID == "" {
		return nil, ErrMissingIdentity
	}

	var merged *Cart
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		src, err := s.carts.GetOrCreate(ctx, Owner{Kind: OwnerSession, Key: sessionToken})
		if err != nil {
			return errors.Wrap(err, "get session cart")
		}
		dst, err := s.carts.GetOrCreate(ctx, Owner{Kind: OwnerUser, Key: userID})
		if err != nil {
			return errors.Wrap(err, "get user cart")
		}
		if src.ID == dst.ID {
			return ErrSameCartForMerge
		}

		for _, l := range src.Lines {
			if err := s.carts.AddLine(ctx, dst.ID, l.ProductID, l.Quantity); err != nil {
				return errors.Wrapf(err, "move line %s", l.ID)
			}
		}
		if err := s.carts.Clear(ctx, src.ID); err != nil {
			return errors.Wrap(err, "clear session cart")
		}

		merged, err = s.reload(ctx, dst)
		return err
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

func (s *Service) reload(ctx context.Context, c *Cart) (*Cart, error) {
	lines, err := s.carts.Lines(ctx, c.ID)
	if err != nil {
		return nil, errors.Wrap(err, "list lines")
	}
	c.Lines = lines
	return c, nil
}
