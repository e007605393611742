package payment

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/cart"
	"github.com/xenking/storefront/internal/domain/order"
)

// Config holds checkout currency settings.
type Config struct {
	Currency         string
	CurrencyExponent int32
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

// Service creates payment intents and reconciles processor status onto
// orders.
type Service struct {
	cfg       Config
	orders    order.Repository
	tx        order.Transactor
	lifecycle *order.Lifecycle
	processor Processor
	dedup     DedupStore

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer
	reconciled     metric.Int64Counter
}

// NewService creates a payment Service.
func NewService(
	cfg Config,
	orders order.Repository,
	tx order.Transactor,
	lifecycle *order.Lifecycle,
	processor Processor,
	dedup DedupStore,
	opts ...Option,
) (*Service, error) {
	s := &Service{
		cfg:            cfg,
		orders:         orders,
		tx:             tx,
		lifecycle:      lifecycle,
		processor:      processor,
		dedup:          dedup,
		meterProvider:  metricnoop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}
	for _, o := range opts {
		o(s)
	}

	const scope = "github.com/xenking/storefront/internal/domain/payment"
	s.tracer = s.tracerProvider.Tracer(scope)

	var err error
	if s.reconciled, err = s.meterProvider.Meter(scope).Int64Counter("payments.reconciled",
		metric.WithDescription("Payment status changes applied to orders"),
	); err != nil {
		return nil, errors.Wrap(err, "payments.reconciled counter")
	}
	return s, nil
}

// CreateIntent sets up a card charge for the order total. Calling it again
// returns the live intent already attached to the order; a canceled intent
// is replaced. When the processor fails the order is left untouched and
// the error matches ErrIntentCreationFailed.
//
// An order whose total is zero minor units is never sent to the processor:
// its payment is completed on the spot and ErrNothingToCharge is returned.
func (s *Service) CreateIntent(ctx context.Context, orderID string, who cart.Identity) (*Intent, error) {
	ctx, span := s.tracer.Start(ctx, "payment.CreateIntent")
	defer span.End()

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.OwnedBy(who) {
		return nil, order.ErrNotFound
	}
	if o.PaymentMethod != order.PaymentCard {
		return nil, ErrNotCardOrder
	}
	if o.Status == order.StatusCancelled || o.PaymentStatus == order.PaymentCompleted {
		return nil, ErrOrderNotPayable
	}

	if MinorUnits(o.Total, s.cfg.CurrencyExponent) == 0 {
		if err := s.settleFree(ctx, o.ID); err != nil {
			span.RecordError(err)
			return nil, err
		}
		return nil, ErrNothingToCharge
	}

	key := o.ID
	if o.PaymentIntentID != "" {
		existing, err := s.processor.GetIntent(ctx, o.PaymentIntentID)
		switch {
		case err == nil && existing.Status != IntentCanceled:
			return existing, nil
		case err != nil && !errors.Is(err, ErrIntentNotFound):
			return nil, fmt.Errorf("%w: %w", ErrIntentCreationFailed, err)
		}
		// A fresh key, or the processor replays the canceled intent.
		key = o.ID + ":" + o.PaymentIntentID
	}

	intent, err := s.processor.CreateIntent(ctx, CreateIntentParams{
		OrderID:        o.ID,
		Amount:         MinorUnits(o.Total, s.cfg.CurrencyExponent),
		Currency:       s.cfg.Currency,
		IdempotencyKey: key,
	})
	if err != nil {
		span.RecordError(err)
		zctx.From(ctx).Warn("Create payment intent",
			zap.String("order_id", o.ID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %w", ErrIntentCreationFailed, err)
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.orders.Lock(ctx, o.ID); err != nil {
			return errors.Wrap(err, "lock order")
		}
		return s.orders.SetPaymentIntent(ctx, o.ID, intent.ID)
	})
	if err != nil {
		return nil, errors.Wrap(err, "store payment intent")
	}

	span.SetAttributes(attribute.String("payment.intent_id", intent.ID))
	zctx.From(ctx).Info("Payment intent created",
		zap.String("order_id", o.ID),
		zap.String("intent_id", intent.ID),
		zap.Int64("amount", intent.Amount),
	)
	return intent, nil
}

// Reconcile applies a processor status to the order holding intentID.
// Calls for one order are serialised; reapplying the current status is a
// no-op that emits nothing. A completed payment is final: late failure
// notifications are ignored. Completion also moves a pending order to
// processing, or emits order.refund_required when the order was cancelled.
func (s *Service) Reconcile(ctx context.Context, intentID string, status IntentStatus) (*order.Order, error) {
	ctx, span := s.tracer.Start(ctx, "payment.Reconcile", trace.WithAttributes(
		attribute.String("payment.intent_id", intentID),
		attribute.String("payment.status", string(status)),
	))
	defer span.End()

	mapped, err := MapStatus(status)
	if err != nil {
		return nil, err
	}

	var (
		o      *order.Order
		events []order.Event
	)
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		found, err := s.orders.GetByPaymentIntent(ctx, intentID)
		if err != nil {
			if errors.Is(err, order.ErrNotFound) {
				return ErrIntentNotFound
			}
			return errors.Wrap(err, "find order by intent")
		}
		if err := s.orders.Lock(ctx, found.ID); err != nil {
			return errors.Wrap(err, "lock order")
		}
		// Re-read under the lock.
		if o, err = s.orders.Get(ctx, found.ID); err != nil {
			return err
		}

		if o.PaymentStatus == order.PaymentCompleted && mapped != order.PaymentCompleted {
			zctx.From(ctx).Warn("Ignoring payment status after completion",
				zap.String("order_id", o.ID),
				zap.String("intent_status", string(status)),
			)
			return nil
		}

		events, err = s.applyLocked(ctx, o, mapped)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if len(events) > 0 {
		s.reconciled.Add(ctx, 1, metric.WithAttributes(attribute.String("payment_status", string(mapped))))
		s.lifecycle.Publish(ctx, events...)
	}
	return o, nil
}

// applyLocked records mapped on an order locked by the caller's transaction
// and returns the events to publish after commit. Completion moves a pending
// order to processing; completion on a cancelled order asks for a refund.
func (s *Service) applyLocked(ctx context.Context, o *order.Order, mapped order.PaymentStatus) ([]order.Event, error) {
	ev, changed, err := s.lifecycle.SetPaymentStatusLocked(ctx, o, mapped)
	if err != nil || !changed {
		return nil, err
	}
	events := []order.Event{ev}

	if mapped != order.PaymentCompleted {
		return events, nil
	}
	switch o.Status {
	case order.StatusPending:
		ev, err := s.lifecycle.TransitionLocked(ctx, o, order.StatusProcessing, order.ActorSystem)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	case order.StatusCancelled:
		zctx.From(ctx).Warn("Payment completed for cancelled order",
			zap.String("order_id", o.ID),
			zap.String("intent_id", o.PaymentIntentID),
		)
		refund := ev
		refund.Type = order.EventRefundRequired
		events = append(events, refund)
	}
	return events, nil
}

// settleFree completes payment for a card order with nothing to charge.
func (s *Service) settleFree(ctx context.Context, orderID string) error {
	var events []order.Event
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.orders.Lock(ctx, orderID); err != nil {
			return errors.Wrap(err, "lock order")
		}
		o, err := s.orders.Get(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status == order.StatusCancelled {
			return ErrOrderNotPayable
		}
		events, err = s.applyLocked(ctx, o, order.PaymentCompleted)
		return err
	})
	if err != nil {
		return err
	}

	if len(events) > 0 {
		s.reconciled.Add(ctx, 1, metric.WithAttributes(attribute.String("payment_status", string(order.PaymentCompleted))))
		s.lifecycle.Publish(ctx, events...)
	}
	zctx.From(ctx).Info("Zero total order settled without a charge", zap.String("order_id", orderID))
	return nil
}

// Sync fetches the intent's status from the processor and reconciles it.
// Status reported by clients is never trusted.
func (s *Service) Sync(ctx context.Context, intentID string, who cart.Identity) (*order.Order, error) {
	o, err := s.orders.GetByPaymentIntent(ctx, intentID)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			return nil, ErrIntentNotFound
		}
		return nil, errors.Wrap(err, "find order by intent")
	}
	if !o.OwnedBy(who) {
		return nil, ErrIntentNotFound
	}

	intent, err := s.processor.GetIntent(ctx, intentID)
	if err != nil {
		return nil, errors.Wrap(err, "get intent")
	}
	return s.Reconcile(ctx, intent.ID, intent.Status)
}

// HandleNotification reconciles a verified webhook event once. Redelivered
// events are acknowledged without effect; events for intents this service
// did not create are acknowledged and dropped.
func (s *Service) HandleNotification(ctx context.Context, n Notification) error {
	lg := zctx.From(ctx).With(
		zap.String("event_id", n.EventID),
		zap.String("event_type", n.Type),
		zap.String("intent_id", n.IntentID),
	)

	seen, err := s.dedup.Seen(ctx, n.EventID)
	if err != nil {
		return errors.Wrap(err, "check webhook dedup")
	}
	if seen {
		lg.Debug("Duplicate webhook event")
		return nil
	}

	if _, err := s.Reconcile(ctx, n.IntentID, n.Status); err != nil {
		switch {
		case errors.Is(err, ErrIntentNotFound):
			lg.Warn("Webhook for unknown payment intent")
		case errors.Is(err, ErrUnknownStatus):
			lg.Warn("Webhook with unknown intent status", zap.String("status", string(n.Status)))
		default:
			return errors.Wrap(err, "reconcile")
		}
	}

	if err := s.dedup.Mark(ctx, n.EventID); err != nil {
		return errors.Wrap(err, "mark webhook event")
	}
	return nil
}
