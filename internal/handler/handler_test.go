package handler

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/cart"
	"github.com/xenking/storefront/internal/domain/discount"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/payment"
	"github.com/xenking/storefront/internal/domain/product"
)

// --- Mock implementations ---

var shirt = product.Product{
	ID: "shirt", Name: "Shirt", Price: decimal.NewFromInt(100000), Category: "apparel",
	ImageURL: "/img/shirt.jpg", Stock: 5,
}

type mockProducts struct{}

func (mockProducts) GetByID(_ context.Context, id string) (*product.Product, error) {
	if id != shirt.ID {
		return nil, product.ErrNotFound
	}
	p := shirt
	return &p, nil
}

func (mockProducts) GetByIDs(context.Context, []string) ([]product.Product, error) {
	return []product.Product{shirt}, nil
}

type mockCarts struct {
	lastID    cart.Identity
	cart      *cart.Cart
	totals    *cart.Totals
	err       error
	totalsErr error
}

func (m *mockCarts) result(id cart.Identity) (*cart.Cart, error) {
	m.lastID = id
	if _, err := id.Owner(); err != nil {
		return nil, err
	}
	return m.cart, m.err
}

func (m *mockCarts) GetOrCreateCart(_ context.Context, id cart.Identity) (*cart.Cart, error) {
	return m.result(id)
}

func (m *mockCarts) AddItem(_ context.Context, id cart.Identity, productID string, quantity int) (*cart.Cart, error) {
	if quantity < 1 {
		return nil, cart.ErrInvalidQuantity
	}
	if productID != shirt.ID {
		return nil, &cart.ProductNotFoundError{ProductID: productID}
	}
	return m.result(id)
}

func (m *mockCarts) SetQuantity(_ context.Context, id cart.Identity, lineID string, _ int) (*cart.Cart, error) {
	if lineID != "line-1" {
		return nil, cart.ErrLineNotFound
	}
	return m.result(id)
}

func (m *mockCarts) RemoveItem(_ context.Context, id cart.Identity, _ string) (*cart.Cart, error) {
	return m.result(id)
}

func (m *mockCarts) Totals(context.Context, *cart.Cart) (*cart.Totals, error) {
	return m.totals, m.totalsErr
}

func (m *mockCarts) Merge(_ context.Context, sessionToken, userID string) (*cart.Cart, error) {
	return m.result(cart.Identity{SessionToken: sessionToken, UserID: userID})
}

type mockQuoter struct {
	gotSubtotal decimal.Decimal
	gotUser     string
	err         error
}

func (m *mockQuoter) Quote(_ context.Context, code string, subtotal decimal.Decimal, userID string) (*discount.Quote, error) {
	m.gotSubtotal, m.gotUser = subtotal, userID
	if m.err != nil {
		return nil, m.err
	}
	c := &discount.Code{Code: discount.Normalize(code), Type: discount.TypePercentage, Value: decimal.NewFromInt(10)}
	return &discount.Quote{Code: c, Amount: discount.ComputeAmount(c, subtotal, 0)}, nil
}

type mockOrders struct {
	lastReq order.PlaceOrderRequest
	result  *order.PlaceOrderResult
	order   *order.Order
	err     error
}

func (m *mockOrders) PlaceOrder(_ context.Context, req order.PlaceOrderRequest) (*order.PlaceOrderResult, error) {
	m.lastReq = req
	return m.result, m.err
}

func (m *mockOrders) Get(context.Context, string, cart.Identity) (*order.Order, error) {
	return m.order, m.err
}

type mockLifecycle struct {
	lastActor order.Actor
	lastTo    order.Status
	order     *order.Order
	err       error
}

func (m *mockLifecycle) Transition(_ context.Context, _ string, to order.Status, actor order.Actor, _ cart.Identity) (*order.Order, error) {
	m.lastActor, m.lastTo = actor, to
	return m.order, m.err
}

func (m *mockLifecycle) MarkCashCollected(context.Context, string) (*order.Order, error) {
	return m.order, m.err
}

type mockPayments struct {
	intent    *payment.Intent
	intentErr error
	synced    *order.Order
	handled   []payment.Notification
	handleErr error
}

func (m *mockPayments) CreateIntent(context.Context, string, cart.Identity) (*payment.Intent, error) {
	return m.intent, m.intentErr
}

func (m *mockPayments) Sync(context.Context, string, cart.Identity) (*order.Order, error) {
	return m.synced, nil
}

func (m *mockPayments) HandleNotification(_ context.Context, n payment.Notification) error {
	m.handled = append(m.handled, n)
	return m.handleErr
}

type mockWebhooks struct {
	n   payment.Notification
	ok  bool
	err error
}

func (m mockWebhooks) ParseNotification([]byte, string) (payment.Notification, bool, error) {
	return m.n, m.ok, m.err
}

type mockTokens map[string]string

func (m mockTokens) Verify(raw string) (string, error) {
	if id, ok := m[raw]; ok {
		return id, nil
	}
	return "", errors.New("bad token")
}

type mockAPIKeys map[string]*auth.APIKeyInfo

func (m mockAPIKeys) Authenticate(_ context.Context, key string) (*auth.APIKeyInfo, error) {
	if info, ok := m[key]; ok {
		return info, nil
	}
	return nil, auth.ErrUnauthorized
}

// --- Helpers ---

type fixture struct {
	carts     *mockCarts
	quoter    *mockQuoter
	orders    *mockOrders
	lifecycle *mockLifecycle
	payments  *mockPayments
	webhooks  mockWebhooks
	handler   http.Handler
}

var placedAt = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func sampleCart() (*cart.Cart, *cart.Totals) {
	c := &cart.Cart{ID: "cart-1", Lines: []cart.Line{{ID: "line-1", ProductID: "shirt", Quantity: 2}}}
	t := &cart.Totals{
		Lines: []cart.PricedLine{{
			Line: c.Lines[0], Product: shirt, LineTotal: decimal.NewFromInt(200000),
		}},
		Subtotal:    decimal.NewFromInt(200000),
		ShippingFee: decimal.NewFromInt(30000),
	}
	return c, t
}

func sampleOrder(method order.PaymentMethod) *order.Order {
	return &order.Order{
		ID:             "o1",
		SessionToken:   "sess-1",
		Lines:          []order.Line{{ProductID: "shirt", Name: "Shirt", ImageURL: "/img/shirt.jpg", UnitPrice: decimal.NewFromInt(100000), Quantity: 2, LineTotal: decimal.NewFromInt(200000)}},
		Subtotal:       decimal.NewFromInt(200000),
		ShippingFee:    decimal.NewFromInt(30000),
		DiscountCode:   "SAVE10",
		DiscountAmount: decimal.NewFromInt(20000),
		Total:          decimal.NewFromInt(210000),
		Status:         order.StatusPending,
		PaymentStatus:  order.PaymentPending,
		PaymentMethod:  method,
		Shipping:       order.ShippingInfo{Name: "Lan", Phone: "0900000000", Address: "1 Le Loi", City: "HCMC"},
		CreatedAt:      placedAt,
		UpdatedAt:      placedAt,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c, totals := sampleCart()
	f := &fixture{
		carts:     &mockCarts{cart: c, totals: totals},
		quoter:    &mockQuoter{},
		orders:    &mockOrders{},
		lifecycle: &mockLifecycle{},
		payments:  &mockPayments{},
	}
	f.build()
	return f
}

func (f *fixture) build() {
	h := NewHandler(Config{ImageBaseURL: "https://cdn.example"}, Services{
		Products:  mockProducts{},
		Carts:     f.carts,
		Discounts: f.quoter,
		Orders:    f.orders,
		Lifecycle: f.lifecycle,
		Payments:  f.payments,
		Webhooks:  f.webhooks,
		Tokens:    mockTokens{"tok-alice": "alice"},
		APIKeys: mockAPIKeys{
			"admin-key":  {ID: "k1", Name: "ops", Scopes: []string{"admin"}},
			"reader-key": {ID: "k2", Name: "reader", Scopes: []string{"read"}},
		},
	})
	f.handler = h.Router()
}

func (f *fixture) do(t *testing.T, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

var session = []string{"X-Session-Token", "sess-1"}

// --- Tests ---

func TestGetProduct(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/products/shirt", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":"shirt","name":"Shirt","price":100000,"category":"apparel",
		"image_url":"https://cdn.example/img/shirt.jpg","free_shipping":false,"in_stock":true}`, w.Body.String())

	w = f.do(t, http.MethodGet, "/api/products/ghost", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestIdentity(t *testing.T) {
	f := newFixture(t)

	t.Run("missing", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/cart", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), `"missing_identity"`)
	})

	t.Run("session token", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/cart", "", session...)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, cart.Identity{SessionToken: "sess-1"}, f.carts.lastID)
	})

	t.Run("bearer token", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/cart", "", "Authorization", "Bearer tok-alice")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, cart.Identity{UserID: "alice"}, f.carts.lastID)
	})

	t.Run("invalid bearer is rejected", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/cart", "", "X-Session-Token", "sess-1", "Authorization", "Bearer forged")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("non bearer scheme", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/cart", "", "Authorization", "Basic Zm9vOmJhcg==")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestGetCart(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/cart", "", session...)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{
		"id": "cart-1",
		"lines": [{
			"id": "line-1", "product_id": "shirt", "name": "Shirt",
			"image_url": "https://cdn.example/img/shirt.jpg",
			"unit_price": 100000, "quantity": 2, "line_total": 200000, "free_shipping": false
		}],
		"subtotal": 200000,
		"shipping_fee": 30000,
		"total": 230000
	}`, w.Body.String())
}

func TestCartMutations(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name     string
		method   string
		target   string
		body     string
		wantCode int
		contains string
	}{
		{"add", http.MethodPost, "/api/cart/items", `{"product_id":"shirt","quantity":2}`, http.StatusOK, `"cart-1"`},
		{"add defaults quantity", http.MethodPost, "/api/cart/items", `{"product_id":"shirt"}`, http.StatusOK, `"cart-1"`},
		{"add malformed", http.MethodPost, "/api/cart/items", `{"product_id":`, http.StatusBadRequest, `"malformed_request"`},
		{"add without product", http.MethodPost, "/api/cart/items", `{"quantity":1}`, http.StatusBadRequest, `"malformed_request"`},
		{"add unknown product", http.MethodPost, "/api/cart/items", `{"product_id":"ghost","quantity":1}`, http.StatusNotFound, `"product_not_found"`},
		{"add zero quantity", http.MethodPost, "/api/cart/items", `{"product_id":"shirt","quantity":0}`, http.StatusUnprocessableEntity, `"invalid_quantity"`},
		{"set quantity", http.MethodPut, "/api/cart/items/line-1", `{"quantity":3}`, http.StatusOK, `"cart-1"`},
		{"set quantity missing", http.MethodPut, "/api/cart/items/line-1", `{}`, http.StatusBadRequest, `"malformed_request"`},
		{"set unknown line", http.MethodPut, "/api/cart/items/line-9", `{"quantity":3}`, http.StatusNotFound, `"line_not_found"`},
		{"remove", http.MethodDelete, "/api/cart/items/line-1", "", http.StatusOK, `"cart-1"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.method, tt.target, tt.body, session...)
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), tt.contains)
		})
	}
}

func TestMergeCart(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/cart/merge", "", session...)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPost, "/api/cart/merge", "", "X-Session-Token", "sess-1", "Authorization", "Bearer tok-alice")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, cart.Identity{SessionToken: "sess-1", UserID: "alice"}, f.carts.lastID)
}

func TestValidateDiscount(t *testing.T) {
	t.Run("subtotal from body", func(t *testing.T) {
		f := newFixture(t)
		w := f.do(t, http.MethodPost, "/api/discounts/validate", `{"code":"save10","subtotal":"150000"}`, session...)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"code":"SAVE10","type":"percentage","value":10,"subtotal":150000,"discount_amount":15000}`, w.Body.String())
	})

	t.Run("subtotal from cart", func(t *testing.T) {
		f := newFixture(t)
		w := f.do(t, http.MethodPost, "/api/discounts/validate", `{"code":"SAVE10"}`, "Authorization", "Bearer tok-alice")
		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, decimal.NewFromInt(200000).Equal(f.quoter.gotSubtotal))
		assert.Equal(t, "alice", f.quoter.gotUser)
		assert.Contains(t, w.Body.String(), `"discount_amount":20000`)
	})

	t.Run("minimum not met", func(t *testing.T) {
		f := newFixture(t)
		f.quoter.err = &discount.Error{Reason: discount.ReasonMinimumOrderNotMet, Code: "SAVE10", MinOrderValue: decimal.NewFromInt(500000)}
		w := f.do(t, http.MethodPost, "/api/discounts/validate", `{"code":"SAVE10","subtotal":100}`, session...)
		require.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Contains(t, w.Body.String(), `"reason":"minimum_order_not_met"`)
		assert.Contains(t, w.Body.String(), `"min_order_value":500000`)
	})

	t.Run("blank code", func(t *testing.T) {
		f := newFixture(t)
		w := f.do(t, http.MethodPost, "/api/discounts/validate", `{"code":"  "}`, session...)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

const placeBody = `{
	"shipping": {"name":"Lan","phone":"0900000000","address":"1 Le Loi","city":"HCMC"},
	"payment_method": "%s",
	"discount_code": "SAVE10",
	"notes": "ring twice"
}`

func placeOrderBody(method string) string {
	return strings.Replace(placeBody, "%s", method, 1)
}

func TestPlaceOrder(t *testing.T) {
	t.Run("cash on delivery", func(t *testing.T) {
		f := newFixture(t)
		f.orders.result = &order.PlaceOrderResult{Order: sampleOrder(order.PaymentCOD)}

		w := f.do(t, http.MethodPost, "/api/orders", placeOrderBody("cod"), session...)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		assert.Equal(t, order.PlaceOrderRequest{
			Identity:      cart.Identity{SessionToken: "sess-1"},
			Shipping:      order.ShippingInfo{Name: "Lan", Phone: "0900000000", Address: "1 Le Loi", City: "HCMC"},
			PaymentMethod: order.PaymentCOD,
			DiscountCode:  "SAVE10",
			Notes:         "ring twice",
		}, f.orders.lastReq)
		assert.Contains(t, w.Body.String(), `"total":210000`)
		assert.NotContains(t, w.Body.String(), `"payment"`)
	})

	t.Run("card with intent", func(t *testing.T) {
		f := newFixture(t)
		f.orders.result = &order.PlaceOrderResult{Order: sampleOrder(order.PaymentCard)}
		f.payments.intent = &payment.Intent{ID: "pi_1", ClientSecret: "pi_1_secret", Status: payment.IntentRequiresPaymentMethod, Amount: 210000, Currency: "vnd"}

		w := f.do(t, http.MethodPost, "/api/orders", placeOrderBody("card"), session...)
		require.Equal(t, http.StatusCreated, w.Code)
		assert.Contains(t, w.Body.String(), `"client_secret":"pi_1_secret"`)
		assert.Contains(t, w.Body.String(), `"payment_intent_id":"pi_1"`)
	})

	t.Run("card intent failure keeps the order", func(t *testing.T) {
		f := newFixture(t)
		f.orders.result = &order.PlaceOrderResult{Order: sampleOrder(order.PaymentCard)}
		f.payments.intentErr = payment.ErrIntentCreationFailed

		w := f.do(t, http.MethodPost, "/api/orders", placeOrderBody("card"), session...)
		require.Equal(t, http.StatusCreated, w.Code)
		assert.Contains(t, w.Body.String(), `"payment_error"`)
		assert.NotContains(t, w.Body.String(), `"client_secret"`)
	})

	t.Run("zero total card order needs no intent", func(t *testing.T) {
		f := newFixture(t)
		placed := sampleOrder(order.PaymentCard)
		placed.Total = decimal.Zero
		f.orders.result = &order.PlaceOrderResult{Order: placed}
		settled := *placed
		settled.Status, settled.PaymentStatus = order.StatusProcessing, order.PaymentCompleted
		f.orders.order = &settled
		f.payments.intentErr = payment.ErrNothingToCharge

		w := f.do(t, http.MethodPost, "/api/orders", placeOrderBody("card"), session...)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		assert.Contains(t, w.Body.String(), `"payment_status":"completed"`)
		assert.NotContains(t, w.Body.String(), `"payment_error"`)
		assert.NotContains(t, w.Body.String(), `"client_secret"`)
	})

	t.Run("discount dropped", func(t *testing.T) {
		f := newFixture(t)
		o := sampleOrder(order.PaymentCOD)
		o.DiscountCode, o.DiscountAmount, o.Total = "", decimal.Zero, decimal.NewFromInt(230000)
		f.orders.result = &order.PlaceOrderResult{
			Order:             o,
			DiscountRejection: &discount.Error{Reason: discount.ReasonCodeExpired, Code: "SAVE10"},
		}

		w := f.do(t, http.MethodPost, "/api/orders", placeOrderBody("cod"), session...)
		require.Equal(t, http.StatusCreated, w.Code)
		assert.Contains(t, w.Body.String(), `"discount_rejection":{"reason":"code_expired"`)
	})

	errorCases := []struct {
		name     string
		err      error
		wantCode int
		reason   string
	}{
		{"empty cart", order.ErrEmptyCart, http.StatusUnprocessableEntity, "empty_cart"},
		{"out of stock", &order.OutOfStockError{ProductID: "shirt", Requested: 9, Available: 5}, http.StatusUnprocessableEntity, "out_of_stock"},
		{"product gone", &order.ProductNotFoundError{ProductID: "hat"}, http.StatusUnprocessableEntity, "product_not_found"},
		{"shipping", &order.ShippingError{Field: "phone"}, http.StatusUnprocessableEntity, "invalid_shipping"},
		{"payment method", order.ErrInvalidPaymentMethod, http.StatusUnprocessableEntity, "invalid_payment_method"},
		{"database", errors.New("connection reset"), http.StatusInternalServerError, ""},
	}
	for _, tt := range errorCases {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.orders.err = tt.err

			w := f.do(t, http.MethodPost, "/api/orders", placeOrderBody("cod"), session...)
			assert.Equal(t, tt.wantCode, w.Code)
			if tt.reason != "" {
				assert.Contains(t, w.Body.String(), `"reason":"`+tt.reason+`"`)
			}
			assert.NotContains(t, w.Body.String(), "connection reset")
		})
	}

	t.Run("anonymous without session", func(t *testing.T) {
		f := newFixture(t)
		w := f.do(t, http.MethodPost, "/api/orders", placeOrderBody("cod"))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestOrderEndpoints(t *testing.T) {
	t.Run("get not found", func(t *testing.T) {
		f := newFixture(t)
		f.orders.err = order.ErrNotFound
		w := f.do(t, http.MethodGet, "/api/orders/o1", "", session...)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("customer cancel", func(t *testing.T) {
		f := newFixture(t)
		o := sampleOrder(order.PaymentCOD)
		o.Status = order.StatusCancelled
		f.lifecycle.order = o

		w := f.do(t, http.MethodPost, "/api/orders/o1/cancel", "", session...)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, order.ActorCustomer, f.lifecycle.lastActor)
		assert.Equal(t, order.StatusCancelled, f.lifecycle.lastTo)
		assert.Contains(t, w.Body.String(), `"status":"cancelled"`)
	})

	t.Run("cancel after processing conflicts", func(t *testing.T) {
		f := newFixture(t)
		f.lifecycle.err = &order.TransitionError{From: order.StatusShipping, To: order.StatusCancelled, Reason: "not allowed"}
		w := f.do(t, http.MethodPost, "/api/orders/o1/cancel", "", session...)
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Contains(t, w.Body.String(), `"invalid_state_transition"`)
	})

	t.Run("retry intent", func(t *testing.T) {
		f := newFixture(t)
		f.payments.intent = &payment.Intent{ID: "pi_2", ClientSecret: "s", Status: payment.IntentRequiresPaymentMethod, Amount: 1, Currency: "vnd"}
		w := f.do(t, http.MethodPost, "/api/orders/o1/payment-intent", "", session...)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"intent_id":"pi_2"`)
	})

	t.Run("intent for zero total returns the settled order", func(t *testing.T) {
		f := newFixture(t)
		settled := sampleOrder(order.PaymentCard)
		settled.Total = decimal.Zero
		settled.Status, settled.PaymentStatus = order.StatusProcessing, order.PaymentCompleted
		f.orders.order = settled
		f.payments.intentErr = payment.ErrNothingToCharge

		w := f.do(t, http.MethodPost, "/api/orders/o1/payment-intent", "", session...)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Contains(t, w.Body.String(), `"status":"processing"`)
		assert.NotContains(t, w.Body.String(), `"client_secret"`)
	})

	t.Run("retry intent on cod order", func(t *testing.T) {
		f := newFixture(t)
		f.payments.intentErr = payment.ErrNotCardOrder
		w := f.do(t, http.MethodPost, "/api/orders/o1/payment-intent", "", session...)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("processor down", func(t *testing.T) {
		f := newFixture(t)
		f.payments.intentErr = errors.Wrap(payment.ErrIntentCreationFailed, "timeout")
		w := f.do(t, http.MethodPost, "/api/orders/o1/payment-intent", "", session...)
		assert.Equal(t, http.StatusBadGateway, w.Code)
	})

	t.Run("sync status", func(t *testing.T) {
		f := newFixture(t)
		o := sampleOrder(order.PaymentCard)
		o.Status, o.PaymentStatus = order.StatusProcessing, order.PaymentCompleted
		f.payments.synced = o

		w := f.do(t, http.MethodPost, "/api/payments/status", `{"payment_intent_id":"pi_1"}`, session...)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"payment_status":"completed"`)

		w = f.do(t, http.MethodPost, "/api/payments/status", `{}`, session...)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestPaymentWebhook(t *testing.T) {
	n := payment.Notification{EventID: "evt_1", Type: "payment_intent.succeeded", IntentID: "pi_1", Status: payment.IntentSucceeded}

	t.Run("bad signature", func(t *testing.T) {
		f := newFixture(t)
		f.webhooks = mockWebhooks{err: errors.New("signature mismatch")}
		f.build()
		w := f.do(t, http.MethodPost, "/api/payments/webhook", `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Empty(t, f.payments.handled)
	})

	t.Run("unrelated event acknowledged", func(t *testing.T) {
		f := newFixture(t)
		w := f.do(t, http.MethodPost, "/api/payments/webhook", `{}`)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, f.payments.handled)
	})

	t.Run("handled", func(t *testing.T) {
		f := newFixture(t)
		f.webhooks = mockWebhooks{n: n, ok: true}
		f.build()
		w := f.do(t, http.MethodPost, "/api/payments/webhook", `{}`)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, []payment.Notification{n}, f.payments.handled)
	})

	t.Run("processing failure asks for redelivery", func(t *testing.T) {
		f := newFixture(t)
		f.webhooks = mockWebhooks{n: n, ok: true}
		f.payments.handleErr = errors.New("db down")
		f.build()
		w := f.do(t, http.MethodPost, "/api/payments/webhook", `{}`)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestAdmin(t *testing.T) {
	f := newFixture(t)
	o := sampleOrder(order.PaymentCOD)
	o.Status = order.StatusProcessing
	f.lifecycle.order = o

	w := f.do(t, http.MethodPost, "/api/admin/orders/o1/status", `{"status":"processing"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPost, "/api/admin/orders/o1/status", `{"status":"processing"}`, "X-API-Key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPost, "/api/admin/orders/o1/status", `{"status":"processing"}`, "X-API-Key", "reader-key")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodPost, "/api/admin/orders/o1/status", `{"status":"teleported"}`, "X-API-Key", "admin-key")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/admin/orders/o1/status", `{"status":"processing"}`, "X-API-Key", "admin-key")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, order.ActorAdmin, f.lifecycle.lastActor)
	assert.Equal(t, order.StatusProcessing, f.lifecycle.lastTo)

	f.lifecycle.err = order.ErrNotCashOrder
	w = f.do(t, http.MethodPost, "/api/admin/orders/o1/cash-collected", "", "X-API-Key", "admin-key")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}
