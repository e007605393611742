package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/cart"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/payment"
)

func decodePlaceOrder(w http.ResponseWriter, r *http.Request, req *order.PlaceOrderRequest) error {
	return decodeObject(w, r, func(d *jx.Decoder, key string) error {
		switch key {
		case "shipping":
			return decodeShipping(d, &req.Shipping)
		case "payment_method":
			v, err := d.Str()
			req.PaymentMethod = order.PaymentMethod(v)
			return err
		case "discount_code":
			if d.Next() == jx.Null {
				return d.Null()
			}
			v, err := d.Str()
			req.DiscountCode = v
			return err
		case "notes":
			v, err := d.Str()
			req.Notes = v
			return err
		default:
			return d.Skip()
		}
	})
}

// placeOrder forms the order and, for card payments, opens a payment
// intent. An intent failure does not undo the order: it is returned
// pending with payment_error set so the client can retry the intent.
func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req := order.PlaceOrderRequest{Identity: identityFrom(ctx)}
	if err := decodePlaceOrder(w, r, &req); err != nil {
		failure(ctx, w, err)
		return
	}
	if _, err := req.Identity.Owner(); err != nil {
		failure(ctx, w, err)
		return
	}

	res, err := h.Orders.PlaceOrder(ctx, req)
	if err != nil {
		failure(ctx, w, err)
		return
	}

	var (
		intent    *payment.Intent
		intentErr error
	)
	if res.Order.PaymentMethod == order.PaymentCard {
		intent, intentErr = h.Payments.CreateIntent(ctx, res.Order.ID, req.Identity)
		switch {
		case errors.Is(intentErr, payment.ErrNothingToCharge):
			intentErr = nil
			if o, err := h.Orders.Get(ctx, res.Order.ID, req.Identity); err == nil {
				res.Order = o
			}
		case intentErr != nil:
			zctx.From(ctx).Warn("Payment intent not created",
				zap.String("order_id", res.Order.ID),
				zap.Error(intentErr),
			)
		default:
			res.Order.PaymentIntentID = intent.ID
		}
	}

	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("order")
		h.encodeOrder(e, res.Order)
		if de := res.DiscountRejection; de != nil {
			e.FieldStart("discount_rejection")
			e.ObjStart()
			e.FieldStart("reason")
			e.Str(string(de.Reason))
			e.FieldStart("message")
			e.Str(de.Error())
			e.ObjEnd()
		}
		if intent != nil {
			e.FieldStart("payment")
			encodeIntent(e, intent)
		}
		if intentErr != nil {
			e.FieldStart("payment_error")
			e.Str("payment could not be initialised, retry via the payment-intent endpoint")
		}
		e.ObjEnd()
	})
}

func (h *Handler) respondOrder(w http.ResponseWriter, r *http.Request, o *order.Order, err error) {
	if err != nil {
		failure(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { h.encodeOrder(e, o) })
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.Get(r.Context(), chi.URLParam(r, "orderID"), identityFrom(r.Context()))
	h.respondOrder(w, r, o, err)
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Lifecycle.Transition(r.Context(), chi.URLParam(r, "orderID"),
		order.StatusCancelled, order.ActorCustomer, identityFrom(r.Context()))
	h.respondOrder(w, r, o, err)
}

// createPaymentIntent opens or returns the order's intent. A zero total
// needs no intent: the settled order is returned instead.
func (h *Handler) createPaymentIntent(w http.ResponseWriter, r *http.Request) {
	ctx, orderID, who := r.Context(), chi.URLParam(r, "orderID"), identityFrom(r.Context())
	intent, err := h.Payments.CreateIntent(ctx, orderID, who)
	if errors.Is(err, payment.ErrNothingToCharge) {
		o, err := h.Orders.Get(ctx, orderID, who)
		h.respondOrder(w, r, o, err)
		return
	}
	if err != nil {
		failure(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeIntent(e, intent) })
}

// syncPaymentStatus asks the processor for the intent's status and
// reconciles it. The client never reports the status itself.
func (h *Handler) syncPaymentStatus(w http.ResponseWriter, r *http.Request) {
	var intentID string
	err := decodeObject(w, r, func(d *jx.Decoder, key string) error {
		if key != "payment_intent_id" {
			return d.Skip()
		}
		v, err := d.Str()
		intentID = v
		return err
	})
	if err == nil && intentID == "" {
		err = errors.Wrap(errMalformed, "payment_intent_id is required")
	}
	if err != nil {
		failure(r.Context(), w, err)
		return
	}
	o, err := h.Payments.Sync(r.Context(), intentID, identityFrom(r.Context()))
	h.respondOrder(w, r, o, err)
}

// paymentWebhook acknowledges verified processor notifications. Processing
// failures answer 500 so the processor redelivers.
func (h *Handler) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	payload, err := readBody(w, r)
	if err != nil {
		failure(ctx, w, err)
		return
	}
	n, ok, err := h.Webhooks.ParseNotification(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		zctx.From(ctx).Warn("Webhook rejected", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid_webhook", "", "webhook verification failed")
		return
	}
	if ok {
		if err := h.Payments.HandleNotification(ctx, n); err != nil {
			failure(ctx, w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("received")
		e.Bool(true)
		e.ObjEnd()
	})
}

func (h *Handler) adminTransition(w http.ResponseWriter, r *http.Request) {
	var raw string
	err := decodeObject(w, r, func(d *jx.Decoder, key string) error {
		if key != "status" {
			return d.Skip()
		}
		v, err := d.Str()
		raw = v
		return err
	})
	if err != nil {
		failure(r.Context(), w, err)
		return
	}
	to, err := order.ParseStatus(raw)
	if err != nil {
		failure(r.Context(), w, errors.Wrap(errMalformed, err.Error()))
		return
	}
	o, err := h.Lifecycle.Transition(r.Context(), chi.URLParam(r, "orderID"), to, order.ActorAdmin, cart.Identity{})
	h.respondOrder(w, r, o, err)
}

func (h *Handler) adminCashCollected(w http.ResponseWriter, r *http.Request) {
	o, err := h.Lifecycle.MarkCashCollected(r.Context(), chi.URLParam(r, "orderID"))
	h.respondOrder(w, r, o, err)
}
