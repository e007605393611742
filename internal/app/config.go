package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Config holds the complete application configuration, loadable from
// environment variables (SHOP_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (SHOP_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	ImageBaseURL string `default:"" usage:"Base URL for product images (e.g. https://cdn.example.com/images)" flag:"image-base-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing (SHOP_API_KEY_PEPPER)" flag:"api-key-pepper"`
	JWTSecret    string `usage:"HMAC secret for bearer tokens; empty disables signed-in users" flag:"jwt-secret"`
	JWTIssuer    string `default:"storefront" usage:"Expected bearer token issuer" flag:"jwt-issuer"`
	Checkout     CheckoutConfig
	Stripe       StripeConfig
	AMQP         AMQPConfig
	Redis        RedisConfig
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Graceful     GracefulConfig
}

// CheckoutConfig holds pricing settings.
type CheckoutConfig struct {
	ShippingFee      string `default:"30000" usage:"Flat shipping fee for carts without a free-shipping product" flag:"shipping-fee"`
	Currency         string `default:"vnd" usage:"ISO currency charged by card"`
	CurrencyExponent int32  `default:"0" usage:"Minor unit exponent of the currency (0 for VND, 2 for USD)" flag:"currency-exponent"`
}

// Fee parses the shipping fee.
func (c CheckoutConfig) Fee() (decimal.Decimal, error) {
	fee, err := decimal.NewFromString(c.ShippingFee)
	if err != nil {
		return decimal.Decimal{}, errors.Wrapf(err, "parse shipping fee %q", c.ShippingFee)
	}
	if fee.IsNegative() {
		return decimal.Decimal{}, errors.Errorf("shipping fee %s is negative", fee)
	}
	return fee, nil
}

// StripeConfig holds card processor credentials.
type StripeConfig struct {
	SecretKey     string        `usage:"Stripe secret API key" flag:"stripe-secret-key"`
	WebhookSecret string        `usage:"Stripe webhook signing secret" flag:"stripe-webhook-secret"`
	Timeout       time.Duration `default:"10s" usage:"Stripe API request timeout" flag:"stripe-timeout"`
	BaseURL       string        `usage:"Override the Stripe API endpoint (stripe-mock)" flag:"stripe-base-url"`
}

// AMQPConfig controls order event publishing. Empty URL disables it.
type AMQPConfig struct {
	URL      string `usage:"AMQP broker URL for order events" flag:"amqp-url"`
	Exchange string `default:"storefront.events" usage:"Topic exchange for order events" flag:"amqp-exchange"`
}

// RedisConfig controls webhook deduplication. Empty Addr falls back to
// PostgreSQL.
type RedisConfig struct {
	Addr     string        `usage:"Redis address for webhook dedup" flag:"redis-addr"`
	Password string        `usage:"Redis password" flag:"redis-password"`
	DB       int           `default:"0" usage:"Redis database" flag:"redis-db"`
	DedupTTL time.Duration `default:"72h" usage:"How long processed webhook ids are remembered" flag:"redis-dedup-ttl"`
}

// RateLimitConfig controls the per-client token bucket rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "SHOP",
		Files:     []string{"config.yaml", "/etc/storefront/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set SHOP_DATABASE_URL or DATABASE_URL")
	}
	fee, err := c.Checkout.Fee()
	if err != nil {
		return err
	}
	if c.Checkout.CurrencyExponent < 0 || c.Checkout.CurrencyExponent > 3 {
		return errors.Errorf("currency exponent %d out of range", c.Checkout.CurrencyExponent)
	}
	if !fee.Equal(fee.Round(c.Checkout.CurrencyExponent)) {
		return errors.Errorf("shipping fee %s is finer than the currency minor unit", fee)
	}
	if c.RateLimit.Max <= 0 || c.RateLimit.Window <= 0 {
		return errors.New("rate limit max and window must be positive")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's SHOP_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
