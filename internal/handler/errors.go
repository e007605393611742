package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/cart"
	"github.com/xenking/storefront/internal/domain/discount"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/payment"
	"github.com/xenking/storefront/internal/domain/product"
)

var errMalformed = errors.New("malformed request body")

func writeError(w http.ResponseWriter, status int, code, reason, message string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("code")
		e.Str(code)
		if reason != "" {
			e.FieldStart("reason")
			e.Str(reason)
		}
		e.FieldStart("message")
		e.Str(message)
		e.ObjEnd()
	})
}

func writeDiscountError(w http.ResponseWriter, de *discount.Error) {
	writeJSON(w, http.StatusUnprocessableEntity, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("code")
		e.Str("discount_rejected")
		e.FieldStart("reason")
		e.Str(string(de.Reason))
		e.FieldStart("message")
		e.Str(de.Error())
		if de.Reason == discount.ReasonMinimumOrderNotMet {
			e.FieldStart("min_order_value")
			encodeMoney(e, de.MinOrderValue)
		}
		e.ObjEnd()
	})
}

// failure maps a domain error onto an HTTP response. Unknown errors are
// logged and answered with 500.
func failure(ctx context.Context, w http.ResponseWriter, err error) {
	var (
		cartProduct  *cart.ProductNotFoundError
		orderProduct *order.ProductNotFoundError
		outOfStock   *order.OutOfStockError
		shipping     *order.ShippingError
		transition   *order.TransitionError
		discountErr  *discount.Error
	)
	switch {
	case errors.Is(err, errMalformed):
		writeError(w, http.StatusBadRequest, "malformed_request", "", err.Error())

	case errors.Is(err, cart.ErrMissingIdentity):
		writeError(w, http.StatusUnauthorized, "missing_identity", "", err.Error())

	case errors.Is(err, product.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "product_not_found", err.Error())
	case errors.Is(err, order.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "order_not_found", err.Error())
	case errors.Is(err, cart.ErrLineNotFound):
		writeError(w, http.StatusNotFound, "not_found", "line_not_found", err.Error())
	case errors.Is(err, payment.ErrIntentNotFound):
		writeError(w, http.StatusNotFound, "not_found", "payment_intent_not_found", err.Error())

	case errors.As(err, &transition):
		writeError(w, http.StatusConflict, "invalid_state_transition", string(transition.To), err.Error())
	case errors.Is(err, order.ErrOrderCancelled),
		errors.Is(err, payment.ErrOrderNotPayable),
		errors.Is(err, cart.ErrSameCartForMerge):
		writeError(w, http.StatusConflict, "conflict", "", err.Error())

	case errors.As(err, &discountErr):
		writeDiscountError(w, discountErr)
	case errors.Is(err, cart.ErrInvalidQuantity):
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "invalid_quantity", err.Error())
	case errors.As(err, &cartProduct), errors.As(err, &orderProduct):
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "product_not_found", err.Error())
	case errors.As(err, &outOfStock):
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "out_of_stock", err.Error())
	case errors.As(err, &shipping):
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "invalid_shipping", err.Error())
	case errors.Is(err, order.ErrEmptyCart):
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "empty_cart", err.Error())
	case errors.Is(err, order.ErrInvalidPaymentMethod):
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "invalid_payment_method", err.Error())
	case errors.Is(err, payment.ErrNotCardOrder), errors.Is(err, order.ErrNotCashOrder):
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", "wrong_payment_method", err.Error())

	case errors.Is(err, payment.ErrIntentCreationFailed), errors.Is(err, payment.ErrUnknownStatus):
		zctx.From(ctx).Warn("Payment processor failure", zap.Error(err))
		writeError(w, http.StatusBadGateway, "payment_processor_error", "", "payment processor unavailable")

	default:
		zctx.From(ctx).Error("Request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "", "internal server error")
	}
}
