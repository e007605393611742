package handler

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/cart"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/payment"
	"github.com/xenking/storefront/internal/domain/product"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encode(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Wrap(errMalformed, err.Error())
	}
	return body, nil
}

// decodeObject reads a JSON object body, handing every field to fn.
func decodeObject(w http.ResponseWriter, r *http.Request, fn func(d *jx.Decoder, key string) error) error {
	body, err := readBody(w, r)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return errors.Wrap(errMalformed, "empty body")
	}
	if err := jx.DecodeBytes(body).Obj(fn); err != nil {
		return errors.Wrap(errMalformed, err.Error())
	}
	return nil
}

// decodeMoney accepts a JSON number or a numeric string.
func decodeMoney(d *jx.Decoder) (decimal.Decimal, error) {
	var raw string
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Decimal{}, err
		}
		raw = s
	default:
		n, err := d.Num()
		if err != nil {
			return decimal.Decimal{}, err
		}
		raw = n.String()
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, errors.Wrapf(err, "amount %q", raw)
	}
	return v, nil
}

func encodeMoney(e *jx.Encoder, v decimal.Decimal) {
	e.Num(jx.Num(v.String()))
}

func (h *Handler) imageURL(path string) string {
	if path == "" || strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return h.imageBaseURL + path
}

func encodeTime(e *jx.Encoder, t time.Time) {
	e.Str(t.UTC().Format(time.RFC3339))
}

func (h *Handler) encodeProduct(e *jx.Encoder, p *product.Product) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(p.ID)
	e.FieldStart("name")
	e.Str(p.Name)
	e.FieldStart("price")
	encodeMoney(e, p.Price)
	e.FieldStart("category")
	e.Str(p.Category)
	e.FieldStart("image_url")
	e.Str(h.imageURL(p.ImageURL))
	e.FieldStart("free_shipping")
	e.Bool(p.FreeShipping)
	e.FieldStart("in_stock")
	e.Bool(p.Stock > 0)
	e.ObjEnd()
}

func (h *Handler) encodeCart(e *jx.Encoder, c *cart.Cart, t *cart.Totals) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(c.ID)
	e.FieldStart("lines")
	e.ArrStart()
	for _, l := range t.Lines {
		e.ObjStart()
		e.FieldStart("id")
		e.Str(l.ID)
		e.FieldStart("product_id")
		e.Str(l.ProductID)
		e.FieldStart("name")
		e.Str(l.Product.Name)
		e.FieldStart("image_url")
		e.Str(h.imageURL(l.Product.ImageURL))
		e.FieldStart("unit_price")
		encodeMoney(e, l.Product.Price)
		e.FieldStart("quantity")
		e.Int(l.Quantity)
		e.FieldStart("line_total")
		encodeMoney(e, l.LineTotal)
		e.FieldStart("free_shipping")
		e.Bool(l.Product.FreeShipping)
		e.ObjEnd()
	}
	e.ArrEnd()
	e.FieldStart("subtotal")
	encodeMoney(e, t.Subtotal)
	e.FieldStart("shipping_fee")
	encodeMoney(e, t.ShippingFee)
	e.FieldStart("total")
	encodeMoney(e, t.Subtotal.Add(t.ShippingFee))
	e.ObjEnd()
}

func (h *Handler) encodeOrder(e *jx.Encoder, o *order.Order) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(o.ID)
	e.FieldStart("status")
	e.Str(string(o.Status))
	e.FieldStart("payment_status")
	e.Str(string(o.PaymentStatus))
	e.FieldStart("payment_method")
	e.Str(string(o.PaymentMethod))
	if o.PaymentIntentID != "" {
		e.FieldStart("payment_intent_id")
		e.Str(o.PaymentIntentID)
	}

	e.FieldStart("lines")
	e.ArrStart()
	for _, l := range o.Lines {
		e.ObjStart()
		e.FieldStart("product_id")
		e.Str(l.ProductID)
		e.FieldStart("name")
		e.Str(l.Name)
		e.FieldStart("image_url")
		e.Str(h.imageURL(l.ImageURL))
		e.FieldStart("unit_price")
		encodeMoney(e, l.UnitPrice)
		e.FieldStart("quantity")
		e.Int(l.Quantity)
		e.FieldStart("line_total")
		encodeMoney(e, l.LineTotal)
		e.ObjEnd()
	}
	e.ArrEnd()

	e.FieldStart("subtotal")
	encodeMoney(e, o.Subtotal)
	e.FieldStart("shipping_fee")
	encodeMoney(e, o.ShippingFee)
	if o.DiscountCode != "" {
		e.FieldStart("discount_code")
		e.Str(o.DiscountCode)
	}
	e.FieldStart("discount_amount")
	encodeMoney(e, o.DiscountAmount)
	e.FieldStart("total")
	encodeMoney(e, o.Total)

	e.FieldStart("shipping")
	e.ObjStart()
	e.FieldStart("name")
	e.Str(o.Shipping.Name)
	e.FieldStart("phone")
	e.Str(o.Shipping.Phone)
	e.FieldStart("email")
	e.Str(o.Shipping.Email)
	e.FieldStart("address")
	e.Str(o.Shipping.Address)
	e.FieldStart("city")
	e.Str(o.Shipping.City)
	e.ObjEnd()

	if o.Notes != "" {
		e.FieldStart("notes")
		e.Str(o.Notes)
	}
	e.FieldStart("created_at")
	encodeTime(e, o.CreatedAt)
	e.FieldStart("updated_at")
	encodeTime(e, o.UpdatedAt)
	e.ObjEnd()
}

func encodeIntent(e *jx.Encoder, in *payment.Intent) {
	e.ObjStart()
	e.FieldStart("intent_id")
	e.Str(in.ID)
	e.FieldStart("client_secret")
	e.Str(in.ClientSecret)
	e.FieldStart("status")
	e.Str(string(in.Status))
	e.FieldStart("amount")
	e.Int64(in.Amount)
	e.FieldStart("currency")
	e.Str(in.Currency)
	e.ObjEnd()
}

func decodeShipping(d *jx.Decoder, s *order.ShippingInfo) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var dst *string
		switch key {
		case "name":
			dst = &s.Name
		case "phone":
			dst = &s.Phone
		case "email":
			dst = &s.Email
		case "address":
			dst = &s.Address
		case "city":
			dst = &s.City
		default:
			return d.Skip()
		}
		v, err := d.Str()
		*dst = v
		return err
	})
}
