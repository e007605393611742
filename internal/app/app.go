package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/storefront/internal/dedup"
	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/cart"
	"github.com/xenking/storefront/internal/domain/discount"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/payment"
	"github.com/xenking/storefront/internal/events"
	"github.com/xenking/storefront/internal/handler"
	"github.com/xenking/storefront/internal/repository"
	"github.com/xenking/storefront/internal/stripe"
	"github.com/xenking/storefront/pkg/health"
	"github.com/xenking/storefront/pkg/httpmiddleware"
)

const serviceName = "storefront-api"

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	shippingFee, err := cfg.Checkout.Fee()
	if err != nil {
		return err
	}

	// PostgreSQL pool + migrations.
	version, err := repository.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "run migrations")
	}
	lg.Info("Migrations applied", zap.Uint("version", version))

	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	// Order events: RabbitMQ when configured.
	var publisher order.EventPublisher = events.Nop{}
	if cfg.AMQP.URL != "" {
		p, err := events.Dial(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			return errors.Wrap(err, "connect amqp")
		}
		defer func() { _ = p.Close() }()
		publisher = p
		healthSvc.AddOptionalCheck("amqp", 2*time.Second, health.PingCheck(p))
		lg.Info("Publishing order events", zap.String("exchange", cfg.AMQP.Exchange))
	} else {
		lg.Warn("AMQP not configured, order events are dropped")
	}

	// Repositories.
	productRepo := repository.NewProductRepository(pool)
	cartRepo := repository.NewCartRepository(pool)
	discountRepo := repository.NewDiscountRepository(pool)
	orderRepo := repository.NewOrderRepository(pool)
	apikeyRepo := repository.NewAPIKeyRepository(pool)
	tx := repository.NewTransactor(pool)

	// Webhook dedup: Redis when configured, otherwise PostgreSQL.
	var dedupStore payment.DedupStore = repository.NewWebhookEventRepository(pool)
	if cfg.Redis.Addr != "" {
		store, rdb, err := dedup.Connect(ctx, dedup.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.DedupTTL,
		})
		if err != nil {
			return errors.Wrap(err, "connect redis")
		}
		defer func() { _ = rdb.Close() }()
		dedupStore = store
		healthSvc.AddOptionalCheck("redis", 2*time.Second, health.PingCheck(store))
	}

	// Domain services.
	telemetry := []order.Option{order.WithTelemetry(m.MeterProvider(), m.TracerProvider())}
	cartService := cart.NewService(cartRepo, productRepo, tx, shippingFee)
	discountEngine := discount.NewEngine(discountRepo, discount.WithCurrencyExponent(cfg.Checkout.CurrencyExponent))
	lifecycle := order.NewLifecycle(orderRepo, tx, publisher)
	orderService, err := order.NewService(cartService, discountEngine, orderRepo, tx, lifecycle, telemetry...)
	if err != nil {
		return errors.Wrap(err, "create order service")
	}

	if cfg.Stripe.SecretKey == "" {
		lg.Warn("Stripe secret key not set, card payments will fail")
	}
	processor := stripe.New(stripe.Config{
		SecretKey:     cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		Timeout:       cfg.Stripe.Timeout,
		BaseURL:       cfg.Stripe.BaseURL,
	})
	paymentService, err := payment.NewService(
		payment.Config{Currency: cfg.Checkout.Currency, CurrencyExponent: cfg.Checkout.CurrencyExponent},
		orderRepo, tx, lifecycle, processor, dedupStore,
		payment.WithTelemetry(m.MeterProvider(), m.TracerProvider()),
	)
	if err != nil {
		return errors.Wrap(err, "create payment service")
	}

	if cfg.JWTSecret == "" {
		lg.Warn("JWT secret not set, bearer tokens are rejected")
	}

	// HTTP handlers.
	h := handler.NewHandler(handler.Config{ImageBaseURL: cfg.ImageBaseURL}, handler.Services{
		Products:  productRepo,
		Carts:     cartService,
		Discounts: discountEngine,
		Orders:    orderService,
		Lifecycle: lifecycle,
		Payments:  paymentService,
		Webhooks:  processor,
		Tokens:    auth.NewTokens([]byte(cfg.JWTSecret), cfg.JWTIssuer),
		APIKeys:   auth.NewAPIKeyAuthenticator(apikeyRepo, []byte(cfg.APIKeyPepper)),
	})

	api := h.Router(
		httpmiddleware.InjectLogger(zctx.From(ctx)),
		httpmiddleware.RequestID(),
		httpmiddleware.Recovery(),
		httpmiddleware.Instrument(serviceName, m),
		httpmiddleware.LogRequests(),
		httpmiddleware.CORS(httpmiddleware.CORSConfig{
			Origins:          cfg.CORS.Origins,
			AllowHeaders:     []string{"Content-Type", "Authorization", "X-Session-Token", "X-API-Key", "X-Request-ID"},
			ExposeHeaders:    []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           86400,
		}),
		httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
			Max:    cfg.RateLimit.Max,
			Window: cfg.RateLimit.Window,
		}),
	)

	// Health endpoints bypass the API middleware chain.
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	mux.Handle("/", api)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           mux,
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	// Graceful shutdown: wait for cancellation, drain, then stop.
	g.Go(func() error {
		<-gCtx.Done()
		healthSvc.SetReady(false)
		if ctx.Err() != nil {
			lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
			time.Sleep(cfg.Graceful.ReadinessDelay)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})
	return g.Wait()
}
