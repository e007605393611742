package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/storefront/internal/domain/cart"
	"github.com/xenking/storefront/internal/domain/product"
)

func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.Products.GetByID(r.Context(), chi.URLParam(r, "productID"))
	if err != nil {
		failure(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { h.encodeProduct(e, p) })
}

// respondCart prices c and writes it.
func (h *Handler) respondCart(w http.ResponseWriter, r *http.Request, c *cart.Cart) {
	totals, err := h.Carts.Totals(r.Context(), c)
	if err != nil {
		failure(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { h.encodeCart(e, c, totals) })
}

func (h *Handler) getCart(w http.ResponseWriter, r *http.Request) {
	c, err := h.Carts.GetOrCreateCart(r.Context(), identityFrom(r.Context()))
	if err != nil {
		failure(r.Context(), w, err)
		return
	}
	h.respondCart(w, r, c)
}

func (h *Handler) addCartItem(w http.ResponseWriter, r *http.Request) {
	var (
		productID string
		quantity  = 1
	)
	err := decodeObject(w, r, func(d *jx.Decoder, key string) error {
		switch key {
		case "product_id":
			v, err := d.Str()
			productID = v
			return err
		case "quantity":
			v, err := d.Int()
			quantity = v
			return err
		default:
			return d.Skip()
		}
	})
	if err == nil && productID == "" {
		err = errors.Wrap(errMalformed, "product_id is required")
	}
	if err != nil {
		failure(r.Context(), w, err)
		return
	}

	c, err := h.Carts.AddItem(r.Context(), identityFrom(r.Context()), productID, quantity)
	if err != nil {
		// An unknown product on add is a 404 of the referenced resource.
		var pnf *cart.ProductNotFoundError
		if errors.As(err, &pnf) {
			err = errors.Wrap(product.ErrNotFound, pnf.ProductID)
		}
		failure(r.Context(), w, err)
		return
	}
	h.respondCart(w, r, c)
}

func decodeQuantity(w http.ResponseWriter, r *http.Request) (int, error) {
	quantity, seen := 0, false
	err := decodeObject(w, r, func(d *jx.Decoder, key string) error {
		if key != "quantity" {
			return d.Skip()
		}
		v, err := d.Int()
		quantity, seen = v, true
		return err
	})
	if err == nil && !seen {
		err = errors.Wrap(errMalformed, "quantity is required")
	}
	return quantity, err
}

func (h *Handler) setCartItemQuantity(w http.ResponseWriter, r *http.Request) {
	quantity, err := decodeQuantity(w, r)
	if err != nil {
		failure(r.Context(), w, err)
		return
	}
	c, err := h.Carts.SetQuantity(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "lineID"), quantity)
	if err != nil {
		failure(r.Context(), w, err)
		return
	}
	h.respondCart(w, r, c)
}

func (h *Handler) removeCartItem(w http.ResponseWriter, r *http.Request) {
	c, err := h.Carts.RemoveItem(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "lineID"))
	if err != nil {
		failure(r.Context(), w, err)
		return
	}
	h.respondCart(w, r, c)
}

// mergeCart folds the anonymous session cart into the signed-in user's cart.
// Both identities must be present.
func (h *Handler) mergeCart(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	if id.SessionToken == "" || id.UserID == "" {
		failure(r.Context(), w, cart.ErrMissingIdentity)
		return
	}
	c, err := h.Carts.Merge(r.Context(), id.SessionToken, id.UserID)
	if err != nil {
		failure(r.Context(), w, err)
		return
	}
	h.respondCart(w, r, c)
}
