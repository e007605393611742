// Package stripe adapts the Stripe PaymentIntents API to payment.Processor
// and verifies Stripe webhook deliveries.
package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	stripeapi "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/xenking/storefront/internal/domain/payment"
)

// Config holds Stripe credentials.
type Config struct {
	SecretKey     string
	WebhookSecret string
	Timeout       time.Duration
	// BaseURL overrides the API endpoint. Empty means api.stripe.com.
	BaseURL string
}

var _ payment.Processor = (*Client)(nil)

// Client creates and retrieves payment intents.
type Client struct {
	api           *client.API
	webhookSecret string
}

// New returns a Client for the given account.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	bc := &stripeapi.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		LeveledLogger:     &stripeapi.LeveledLogger{Level: stripeapi.LevelError},
		MaxNetworkRetries: stripeapi.Int64(2),
	}
	if cfg.BaseURL != "" {
		bc.URL = stripeapi.String(cfg.BaseURL)
	}
	backend := stripeapi.GetBackendWithConfig(stripeapi.APIBackend, bc)

	api := &client.API{}
	api.Init(cfg.SecretKey, &stripeapi.Backends{API: backend, Connect: backend, Uploads: backend})
	return &Client{api: api, webhookSecret: cfg.WebhookSecret}
}

// CreateIntent creates a PaymentIntent tagged with the order id.
func (c *Client) CreateIntent(ctx context.Context, p payment.CreateIntentParams) (*payment.Intent, error) {
	params := &stripeapi.PaymentIntentParams{
		Amount:   stripeapi.Int64(p.Amount),
		Currency: stripeapi.String(strings.ToLower(p.Currency)),
		AutomaticPaymentMethods: &stripeapi.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripeapi.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata("order_id", p.OrderID)
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}

	pi, err := c.api.PaymentIntents.New(params)
	if err != nil {
		return nil, errors.Wrap(err, "create payment intent")
	}
	return toIntent(pi), nil
}

// GetIntent retrieves a PaymentIntent by id.
func (c *Client) GetIntent(ctx context.Context, id string) (*payment.Intent, error) {
	params := &stripeapi.PaymentIntentParams{}
	params.Context = ctx

	pi, err := c.api.PaymentIntents.Get(id, params)
	if err != nil {
		var se *stripeapi.Error
		if errors.As(err, &se) && (se.Code == stripeapi.ErrorCodeResourceMissing || se.HTTPStatusCode == http.StatusNotFound) {
			return nil, errors.Wrapf(payment.ErrIntentNotFound, "%q", id)
		}
		return nil, errors.Wrapf(err, "get payment intent %q", id)
	}
	return toIntent(pi), nil
}

func toIntent(pi *stripeapi.PaymentIntent) *payment.Intent {
	return &payment.Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       payment.IntentStatus(pi.Status),
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
	}
}

// ErrInvalidSignature is returned for webhook payloads that fail verification.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// ParseNotification verifies a webhook delivery and decodes it. Events that
// do not concern payment intents return ok=false.
func (c *Client) ParseNotification(payload []byte, signature string) (n payment.Notification, ok bool, err error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, c.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return n, false, errors.Wrap(ErrInvalidSignature, err.Error())
	}
	if !strings.HasPrefix(string(event.Type), "payment_intent.") || event.Data == nil {
		return n, false, nil
	}

	n = payment.Notification{EventID: event.ID, Type: string(event.Type)}
	if err := jx.DecodeBytes(event.Data.Raw).ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "id":
			v, err := d.Str()
			n.IntentID = v
			return err
		case "status":
			v, err := d.Str()
			n.Status = payment.IntentStatus(v)
			return err
		default:
			return d.Skip()
		}
	}); err != nil {
		return n, false, errors.Wrapf(err, "decode event %q", event.ID)
	}
	if n.IntentID == "" {
		return n, false, errors.Errorf("event %q carries no payment intent id", event.ID)
	}
	return n, true, nil
}
