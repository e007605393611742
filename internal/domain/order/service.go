package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/cart"
	"github.com/xenking/storefront/internal/domain/discount"
)

// CartStore is the part of the cart service order formation needs.
type CartStore interface {
	GetOrCreateCart(ctx context.Context, id cart.Identity) (*cart.Cart, error)
	Totals(ctx context.Context, c *cart.Cart) (*cart.Totals, error)
	Clear(ctx context.Context, cartID string) error
}

// DiscountEngine re-validates, prices and redeems discount codes at checkout.
type DiscountEngine interface {
	ValidateForUpdate(ctx context.Context, code string, subtotal decimal.Decimal, userID string) (*discount.Code, error)
	Redeem(ctx context.Context, c *discount.Code, userID, orderID string) error
	Amount(c *discount.Code, subtotal decimal.Decimal) decimal.Decimal
}

// PlaceOrderRequest holds the input for placing an order.
type PlaceOrderRequest struct {
	Identity      cart.Identity
	Shipping      ShippingInfo
	PaymentMethod PaymentMethod
	DiscountCode  string
	Notes         string
}

// PlaceOrderResult holds the output of a successfully placed order.
type PlaceOrderResult struct {
	Order *Order
	// DiscountRejection is set when the requested code no longer applied at
	// checkout and the order was formed without it.
	DiscountRejection *discount.Error
}

// Option configures a Service.
type Option func(*Service)

// WithTelemetry reports spans and counters to the given providers.
func WithTelemetry(meter metric.MeterProvider, tracer trace.TracerProvider) Option {
	return func(s *Service) {
		s.meterProvider = meter
		s.tracerProvider = tracer
	}
}

// Service encapsulates order placement business logic.
type Service struct {
	carts     CartStore
	discounts DiscountEngine
	orders    Repository
	tx        Transactor
	lifecycle *Lifecycle
	now       func() time.Time

	meterProvider     metric.MeterProvider
	tracerProvider    trace.TracerProvider
	tracer            trace.Tracer
	placed            metric.Int64Counter
	discountsRejected metric.Int64Counter
}

// NewService creates an order Service with the required domain dependencies.
func NewService(
	carts CartStore,
	discounts DiscountEngine,
	orders Repository,
	tx Transactor,
	lifecycle *Lifecycle,
	opts ...Option,
) (*Service, error) {
	s := &Service{
		carts:          carts,
		discounts:      discounts,
		orders:         orders,
		tx:             tx,
		lifecycle:      lifecycle,
		now:            time.Now,
		meterProvider:  metricnoop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}
	for _, o := range opts {
		o(s)
	}

	const scope = "github.com/xenking/storefront/internal/domain/order"
	s.tracer = s.tracerProvider.Tracer(scope)
	meter := s.meterProvider.Meter(scope)

	var err error
	if s.placed, err = meter.Int64Counter("orders.placed",
		metric.WithDescription("Orders placed"),
	); err != nil {
		return nil, errors.Wrap(err, "orders.placed counter")
	}
	if s.discountsRejected, err = meter.Int64Counter("discounts.rejected",
		metric.WithDescription("Discount codes dropped at checkout"),
	); err != nil {
		return nil, errors.Wrap(err, "discounts.rejected counter")
	}
	return s, nil
}

// PlaceOrder forms an order from the caller's cart in a single transaction:
// lines are priced at the live catalog price, the discount is re-validated
// with its row locked, the order is persisted as pending/pending, the
// discount is redeemed and the cart is emptied. A discount that no longer
// applies does not fail the order; the result reports why it was dropped.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	ctx, span := s.tracer.Start(ctx, "order.PlaceOrder")
	defer span.End()

	if err := req.Shipping.Validate(); err != nil {
		return nil, err
	}
	if _, err := ParsePaymentMethod(string(req.PaymentMethod)); err != nil {
		return nil, err
	}

	var result *PlaceOrderResult
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		r, err := s.formOrder(ctx, req)
		result = r
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	o := result.Order
	span.SetAttributes(
		attribute.String("order.id", o.ID),
		attribute.String("order.payment_method", string(o.PaymentMethod)),
	)
	s.placed.Add(ctx, 1, metric.WithAttributes(attribute.String("payment_method", string(o.PaymentMethod))))
	if result.DiscountRejection != nil {
		s.discountsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(result.DiscountRejection.Reason))))
	}

	s.lifecycle.Publish(ctx, Event{
		Type:          EventPlaced,
		OrderID:       o.ID,
		UserID:        o.UserID,
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
		Total:         o.Total,
		OccurredAt:    o.CreatedAt,
	})
	zctx.From(ctx).Info("Order placed",
		zap.String("order_id", o.ID),
		zap.String("total", o.Total.String()),
		zap.String("payment_method", string(o.PaymentMethod)),
	)
	return result, nil
}

func (s *Service) formOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	c, err := s.carts.GetOrCreateCart(ctx, req.Identity)
	if err != nil {
		return nil, err
	}
	if c.IsEmpty() {
		return nil, ErrEmptyCart
	}

	totals, err := s.carts.Totals(ctx, c)
	if err != nil {
		var pnf *cart.ProductNotFoundError
		if errors.As(err, &pnf) {
			return nil, &ProductNotFoundError{ProductID: pnf.ProductID}
		}
		return nil, errors.Wrap(err, "price cart")
	}

	lines := make([]Line, 0, len(totals.Lines))
	for _, l := range totals.Lines {
		if l.Quantity > l.Product.Stock {
			return nil, &OutOfStockError{
				ProductID: l.ProductID,
				Requested: l.Quantity,
				Available: l.Product.Stock,
			}
		}
		lines = append(lines, Line{
			ProductID: l.ProductID,
			Name:      l.Product.Name,
			ImageURL:  l.Product.ImageURL,
			UnitPrice: l.Product.Price,
			Quantity:  l.Quantity,
			LineTotal: l.LineTotal,
		})
	}

	result := &PlaceOrderResult{}
	userID := req.Identity.UserID

	var (
		code           *discount.Code
		discountAmount = decimal.Zero
	)
	if discount.Normalize(req.DiscountCode) != "" {
		code, err = s.discounts.ValidateForUpdate(ctx, req.DiscountCode, totals.Subtotal, userID)
		var dErr *discount.Error
		switch {
		case errors.As(err, &dErr):
			result.DiscountRejection = dErr
			code = nil
			zctx.From(ctx).Info("Discount dropped at checkout",
				zap.String("code", dErr.Code),
				zap.String("reason", string(dErr.Reason)),
			)
		case err != nil:
			return nil, errors.Wrap(err, "validate discount")
		default:
			discountAmount = s.discounts.Amount(code, totals.Subtotal)
		}
	}

	total := totals.Subtotal.Add(totals.ShippingFee).Sub(discountAmount)
	if total.IsNegative() {
		total = decimal.Zero
	}

	now := s.now()
	o := &Order{
		ID:             uuid.New().String(),
		UserID:         userID,
		Lines:          lines,
		Subtotal:       totals.Subtotal,
		ShippingFee:    totals.ShippingFee,
		DiscountAmount: discountAmount,
		Total:          total,
		Status:         StatusPending,
		PaymentStatus:  PaymentPending,
		PaymentMethod:  req.PaymentMethod,
		Shipping:       req.Shipping,
		Notes:          req.Notes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if userID == "" {
		o.SessionToken = req.Identity.SessionToken
	}
	if code != nil {
		o.DiscountCode = code.Code
	}

	if err := s.orders.Create(ctx, o); err != nil {
		return nil, errors.Wrap(err, "create order")
	}
	if code != nil {
		if err := s.discounts.Redeem(ctx, code, userID, o.ID); err != nil {
			return nil, errors.Wrap(err, "redeem discount")
		}
	}
	if err := s.carts.Clear(ctx, c.ID); err != nil {
		return nil, errors.Wrap(err, "clear cart")
	}

	result.Order = o
	return result, nil
}

// Get returns an order visible to id.
func (s *Service) Get(ctx context.Context, orderID string, id cart.Identity) (*Order, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.OwnedBy(id) {
		return nil, ErrNotFound
	}
	return o, nil
}
