package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/discount"
)

// validateDiscount previews a code. The subtotal comes from the body when
// given, otherwise from the caller's cart at live prices.
func (h *Handler) validateDiscount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var (
		code     string
		subtotal *decimal.Decimal
	)
	err := decodeObject(w, r, func(d *jx.Decoder, key string) error {
		switch key {
		case "code":
			v, err := d.Str()
			code = v
			return err
		case "subtotal":
			v, err := decodeMoney(d)
			subtotal = &v
			return err
		default:
			return d.Skip()
		}
	})
	if err == nil && discount.Normalize(code) == "" {
		err = errors.Wrap(errMalformed, "code is required")
	}
	if err == nil && subtotal != nil && subtotal.IsNegative() {
		err = errors.Wrap(errMalformed, "subtotal must not be negative")
	}
	if err != nil {
		failure(ctx, w, err)
		return
	}

	id := identityFrom(ctx)
	if subtotal == nil {
		c, err := h.Carts.GetOrCreateCart(ctx, id)
		if err != nil {
			failure(ctx, w, err)
			return
		}
		totals, err := h.Carts.Totals(ctx, c)
		if err != nil {
			failure(ctx, w, err)
			return
		}
		subtotal = &totals.Subtotal
	}

	q, err := h.Discounts.Quote(ctx, code, *subtotal, id.UserID)
	if err != nil {
		failure(ctx, w, err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("code")
		e.Str(q.Code.Code)
		e.FieldStart("type")
		e.Str(string(q.Code.Type))
		e.FieldStart("value")
		encodeMoney(e, q.Code.Value)
		if q.Code.MaxDiscountAmount != nil {
			e.FieldStart("max_discount_amount")
			encodeMoney(e, *q.Code.MaxDiscountAmount)
		}
		if q.Code.Description != "" {
			e.FieldStart("description")
			e.Str(q.Code.Description)
		}
		e.FieldStart("subtotal")
		encodeMoney(e, *subtotal)
		e.FieldStart("discount_amount")
		encodeMoney(e, q.Amount)
		e.ObjEnd()
	})
}
