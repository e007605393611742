// Package handler exposes the storefront checkout API over HTTP.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/cart"
	"github.com/xenking/storefront/internal/domain/discount"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/payment"
	"github.com/xenking/storefront/internal/domain/product"
	"github.com/xenking/storefront/pkg/httpmiddleware"
)

// CartService is the cart store.
type CartService interface {
	GetOrCreateCart(ctx context.Context, id cart.Identity) (*cart.Cart, error)
	AddItem(ctx context.Context, id cart.Identity, productID string, quantity int) (*cart.Cart, error)
	SetQuantity(ctx context.Context, id cart.Identity, lineID string, quantity int) (*cart.Cart, error)
	RemoveItem(ctx context.Context, id cart.Identity, lineID string) (*cart.Cart, error)
	Totals(ctx context.Context, c *cart.Cart) (*cart.Totals, error)
	Merge(ctx context.Context, sessionToken, userID string) (*cart.Cart, error)
}

// DiscountQuoter previews a discount code against a subtotal.
type DiscountQuoter interface {
	Quote(ctx context.Context, code string, subtotal decimal.Decimal, userID string) (*discount.Quote, error)
}

// OrderService forms and reads orders.
type OrderService interface {
	PlaceOrder(ctx context.Context, req order.PlaceOrderRequest) (*order.PlaceOrderResult, error)
	Get(ctx context.Context, orderID string, who cart.Identity) (*order.Order, error)
}

// Lifecycle moves orders between statuses.
type Lifecycle interface {
	Transition(ctx context.Context, orderID string, to order.Status, actor order.Actor, who cart.Identity) (*order.Order, error)
	MarkCashCollected(ctx context.Context, orderID string) (*order.Order, error)
}

// PaymentService creates intents and reconciles their status.
type PaymentService interface {
	CreateIntent(ctx context.Context, orderID string, who cart.Identity) (*payment.Intent, error)
	Sync(ctx context.Context, intentID string, who cart.Identity) (*order.Order, error)
	HandleNotification(ctx context.Context, n payment.Notification) error
}

// WebhookVerifier checks and decodes processor webhook deliveries.
type WebhookVerifier interface {
	ParseNotification(payload []byte, signature string) (payment.Notification, bool, error)
}

// TokenVerifier resolves a bearer token to a user id.
type TokenVerifier interface {
	Verify(raw string) (string, error)
}

// APIKeyAuthenticator resolves an admin API key.
type APIKeyAuthenticator interface {
	Authenticate(ctx context.Context, key string) (*auth.APIKeyInfo, error)
}

// Config holds non-dependency settings.
type Config struct {
	// ImageBaseURL is prepended to relative image paths in responses.
	ImageBaseURL string
}

// Services bundles the domain dependencies of the Handler.
type Services struct {
	Products  product.Repository
	Carts     CartService
	Discounts DiscountQuoter
	Orders    OrderService
	Lifecycle Lifecycle
	Payments  PaymentService
	Webhooks  WebhookVerifier
	Tokens    TokenVerifier
	APIKeys   APIKeyAuthenticator
}

// Handler serves the checkout API.
type Handler struct {
	Services
	imageBaseURL string
}

// NewHandler constructs a Handler.
func NewHandler(cfg Config, s Services) *Handler {
	return &Handler{Services: s, imageBaseURL: cfg.ImageBaseURL}
}

// Router mounts every route. Middlewares run inside the router so they can
// see the matched route pattern.
func (h *Handler) Router(middlewares ...httpmiddleware.Middleware) chi.Router {
	r := chi.NewRouter()
	r.Use(middlewares...)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "", "method not allowed")
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/payments/webhook", h.paymentWebhook)

		r.Group(func(r chi.Router) {
			r.Use(h.identify)

			r.Get("/products/{productID}", h.getProduct)

			r.Get("/cart", h.getCart)
			r.Post("/cart/items", h.addCartItem)
			r.Put("/cart/items/{lineID}", h.setCartItemQuantity)
			r.Delete("/cart/items/{lineID}", h.removeCartItem)
			r.Post("/cart/merge", h.mergeCart)

			r.Post("/discounts/validate", h.validateDiscount)

			r.Post("/orders", h.placeOrder)
			r.Get("/orders/{orderID}", h.getOrder)
			r.Post("/orders/{orderID}/cancel", h.cancelOrder)
			r.Post("/orders/{orderID}/payment-intent", h.createPaymentIntent)
			r.Post("/payments/status", h.syncPaymentStatus)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.requireAPIKey)
			r.Post("/orders/{orderID}/status", h.adminTransition)
			r.Post("/orders/{orderID}/cash-collected", h.adminCashCollected)
		})
	})
	return r
}
