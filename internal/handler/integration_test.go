//go:build integration

package handler_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-faster/jx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/cart"
	"github.com/xenking/storefront/internal/domain/discount"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/payment"
	"github.com/xenking/storefront/internal/domain/product"
	"github.com/xenking/storefront/internal/events"
	"github.com/xenking/storefront/internal/handler"
	"github.com/xenking/storefront/internal/repository"
	"github.com/xenking/storefront/internal/stripe"
)

const (
	webhookSecret = "whsec_integration"
	adminKey      = "integration-admin-key"
	pepper        = "integration-pepper"
	intentID      = "pi_integration_1"
)

var pool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "shop",
				"POSTGRES_PASSWORD": "shop",
				"POSTGRES_DB":       "shop",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() { _ = pg.Terminate(context.Background()) }()

	host, err := pg.Host(ctx)
	if err != nil {
		log.Fatalf("host: %v", err)
	}
	port, err := pg.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Fatalf("mapped port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://shop:shop@%s:%s/shop?sslmode=disable", host, port.Port())

	if _, err := repository.RunMigrations(dsn); err != nil {
		log.Fatalf("migrations: %v", err)
	}
	pool, err = repository.NewPool(ctx, dsn)
	if err != nil {
		log.Fatalf("pool: %v", err)
	}
	defer pool.Close()

	return m.Run()
}

// fakeStripe answers the two PaymentIntent calls the client makes.
func fakeStripe(t *testing.T) *httptest.Server {
	t.Helper()
	intent := func(status string) string {
		return fmt.Sprintf(`{"id":%q,"object":"payment_intent","client_secret":"%s_secret","status":%q,"amount":210000,"currency":"vnd"}`,
			intentID, intentID, status)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/payment_intents":
			_, _ = io.WriteString(w, intent("requires_payment_method"))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/payment_intents/"+intentID:
			_, _ = io.WriteString(w, intent("succeeded"))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":{"type":"invalid_request_error","code":"resource_missing"}}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()

	products := repository.NewProductRepository(pool)
	discounts := repository.NewDiscountRepository(pool)
	orders := repository.NewOrderRepository(pool)
	apikeys := repository.NewAPIKeyRepository(pool)
	tx := repository.NewTransactor(pool)

	require.NoError(t, products.Upsert(ctx, product.Product{
		ID: "mug", Name: "Enamel Mug", Price: decimal.NewFromInt(100000), Category: "kitchen",
		ImageURL: "/img/mug.jpg", Stock: 10,
	}))
	require.NoError(t, discounts.Upsert(ctx, discount.Code{
		Code: "SAVE10", Type: discount.TypePercentage, Value: decimal.NewFromInt(10),
		StartsAt: time.Now().Add(-time.Hour), EndsAt: time.Now().Add(time.Hour), Active: true,
	}))
	require.NoError(t, apikeys.Upsert(ctx, auth.APIKeyInfo{
		ID: "it", KeyHash: auth.HashAPIKey(adminKey, []byte(pepper)), Name: "integration", Scopes: []string{"admin"},
	}))

	carts := cart.NewService(repository.NewCartRepository(pool), products, tx, decimal.NewFromInt(30000))
	engine := discount.NewEngine(discounts)
	lifecycle := order.NewLifecycle(orders, tx, events.Nop{})
	placer, err := order.NewService(carts, engine, orders, tx, lifecycle)
	require.NoError(t, err)

	processor := stripe.New(stripe.Config{
		SecretKey:     "sk_test_integration",
		WebhookSecret: webhookSecret,
		BaseURL:       fakeStripe(t).URL,
	})
	payments, err := payment.NewService(payment.Config{Currency: "vnd"},
		orders, tx, lifecycle, processor, repository.NewWebhookEventRepository(pool))
	require.NoError(t, err)

	h := handler.NewHandler(handler.Config{}, handler.Services{
		Products:  products,
		Carts:     carts,
		Discounts: engine,
		Orders:    placer,
		Lifecycle: lifecycle,
		Payments:  payments,
		Webhooks:  processor,
		Tokens:    auth.NewTokens([]byte("integration-jwt"), "storefront"),
		APIKeys:   auth.NewAPIKeyAuthenticator(apikeys, []byte(pepper)),
	})
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv
}

type client struct {
	t       *testing.T
	baseURL string
}

func (c client) do(method, path, body string, headers ...string) (int, []byte) {
	c.t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, c.baseURL+path, rd)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp.StatusCode, data
}

// lookup walks nested object keys and returns the scalar found there.
func lookup(t *testing.T, body []byte, path ...string) string {
	t.Helper()
	raw := jx.Raw(body)
	for _, key := range path {
		var next jx.Raw
		err := jx.DecodeBytes(raw).Obj(func(d *jx.Decoder, k string) error {
			if k != key {
				return d.Skip()
			}
			v, err := d.Raw()
			next = v
			return err
		})
		require.NoError(t, err)
		require.NotNil(t, next, "missing field %q in %s", key, body)
		raw = next
	}
	if raw.Type() == jx.String {
		s, err := jx.DecodeBytes(raw).Str()
		require.NoError(t, err)
		return s
	}
	return raw.String()
}

func assertMoney(t *testing.T, want int64, got string) {
	t.Helper()
	assert.True(t, decimal.NewFromInt(want).Equal(decimal.RequireFromString(got)), "want %d, got %s", want, got)
}

func sign(payload []byte, ts int64) string {
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	_, _ = fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestCardCheckout(t *testing.T) {
	c := client{t: t, baseURL: newServer(t).URL}
	session := []string{"X-Session-Token", "integration-session"}

	code, body := c.do(http.MethodPost, "/api/cart/items", `{"product_id":"mug","quantity":2}`, session...)
	require.Equal(t, http.StatusOK, code, string(body))
	assertMoney(t, 200000, lookup(t, body, "subtotal"))
	assertMoney(t, 30000, lookup(t, body, "shipping_fee"))

	code, body = c.do(http.MethodPost, "/api/discounts/validate", `{"code":"save10"}`, session...)
	require.Equal(t, http.StatusOK, code, string(body))
	assertMoney(t, 20000, lookup(t, body, "discount_amount"))

	code, body = c.do(http.MethodPost, "/api/orders", `{
		"shipping": {"name":"Minh","phone":"0912345678","address":"12 Hang Bai","city":"Hanoi"},
		"payment_method": "card",
		"discount_code": "SAVE10"
	}`, session...)
	require.Equal(t, http.StatusCreated, code, string(body))
	orderID := lookup(t, body, "order", "id")
	assertMoney(t, 210000, lookup(t, body, "order", "total"))
	assert.Equal(t, "pending", lookup(t, body, "order", "status"))
	assert.Equal(t, intentID+"_secret", lookup(t, body, "payment", "client_secret"))

	code, body = c.do(http.MethodGet, "/api/cart", "", session...)
	require.Equal(t, http.StatusOK, code)
	assertMoney(t, 0, lookup(t, body, "subtotal"))

	// Another session cannot see the order.
	code, _ = c.do(http.MethodGet, "/api/orders/"+orderID, "", "X-Session-Token", "someone-else")
	assert.Equal(t, http.StatusNotFound, code)

	event := []byte(fmt.Sprintf(`{"id":"evt_integration_1","object":"event","type":"payment_intent.succeeded",`+
		`"api_version":"2023-10-16","data":{"object":{"id":%q,"object":"payment_intent","status":"succeeded"}}}`, intentID))

	code, _ = c.do(http.MethodPost, "/api/payments/webhook", string(event), "Stripe-Signature", "t=1,v1=deadbeef")
	assert.Equal(t, http.StatusBadRequest, code)

	for range 2 {
		code, body = c.do(http.MethodPost, "/api/payments/webhook", string(event),
			"Stripe-Signature", sign(event, time.Now().Unix()))
		require.Equal(t, http.StatusOK, code, string(body))
	}

	code, body = c.do(http.MethodGet, "/api/orders/"+orderID, "", session...)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "processing", lookup(t, body, "status"))
	assert.Equal(t, "completed", lookup(t, body, "payment_status"))

	code, body = c.do(http.MethodPost, "/api/payments/status", fmt.Sprintf(`{"payment_intent_id":%q}`, intentID), session...)
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, "completed", lookup(t, body, "payment_status"))

	code, _ = c.do(http.MethodPost, "/api/admin/orders/"+orderID+"/status", `{"status":"shipping"}`)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body = c.do(http.MethodPost, "/api/admin/orders/"+orderID+"/status", `{"status":"shipping"}`, "X-API-Key", adminKey)
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, "shipping", lookup(t, body, "status"))

	code, _ = c.do(http.MethodPost, "/api/orders/"+orderID+"/cancel", "", session...)
	assert.Equal(t, http.StatusConflict, code)
}

func TestCashOnDeliveryCancel(t *testing.T) {
	c := client{t: t, baseURL: newServer(t).URL}
	session := []string{"X-Session-Token", "integration-cod"}

	code, _ := c.do(http.MethodPost, "/api/orders", `{
		"shipping": {"name":"An","phone":"0900000001","address":"3 Ly Thuong Kiet"},
		"payment_method": "cod"
	}`, session...)
	assert.Equal(t, http.StatusUnprocessableEntity, code, "empty cart")

	code, _ = c.do(http.MethodPost, "/api/cart/items", `{"product_id":"mug","quantity":11}`, session...)
	require.Equal(t, http.StatusOK, code)

	code, body := c.do(http.MethodPost, "/api/orders", `{
		"shipping": {"name":"An","phone":"0900000001","address":"3 Ly Thuong Kiet"},
		"payment_method": "cod"
	}`, session...)
	require.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "out_of_stock", lookup(t, body, "reason"))

	code, body = c.do(http.MethodGet, "/api/cart", "", session...)
	require.Equal(t, http.StatusOK, code)
	lineID := func() string {
		var id string
		require.NoError(t, jx.DecodeBytes(body).Obj(func(d *jx.Decoder, k string) error {
			if k != "lines" {
				return d.Skip()
			}
			return d.Arr(func(d *jx.Decoder) error {
				raw, err := d.Raw()
				if err == nil && id == "" {
					id = lookup(t, raw, "id")
				}
				return err
			})
		}))
		return id
	}()
	require.NotEmpty(t, lineID)

	code, body = c.do(http.MethodPut, "/api/cart/items/"+lineID, `{"quantity":3000000000}`, session...)
	require.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "invalid_quantity", lookup(t, body, "reason"))

	code, body = c.do(http.MethodPost, "/api/cart/items", `{"product_id":"mug","quantity":9990}`, session...)
	require.Equal(t, http.StatusUnprocessableEntity, code, "sum above the line cap")
	assert.Equal(t, "invalid_quantity", lookup(t, body, "reason"))

	code, _ = c.do(http.MethodPut, "/api/cart/items/"+lineID, `{"quantity":1}`, session...)
	require.Equal(t, http.StatusOK, code)

	code, body = c.do(http.MethodPost, "/api/orders", `{
		"shipping": {"name":"An","phone":"0900000001","address":"3 Ly Thuong Kiet"},
		"payment_method": "cod"
	}`, session...)
	require.Equal(t, http.StatusCreated, code, string(body))
	orderID := lookup(t, body, "order", "id")
	assertMoney(t, 130000, lookup(t, body, "order", "total"))

	code, _ = c.do(http.MethodPost, "/api/orders/"+orderID+"/payment-intent", "", session...)
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	code, body = c.do(http.MethodPost, "/api/orders/"+orderID+"/cancel", "", session...)
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, "cancelled", lookup(t, body, "status"))
}
