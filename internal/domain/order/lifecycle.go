package order

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/cart"
)

// ErrInvalidStateTransition matches every *TransitionError.
var ErrInvalidStateTransition = errors.New("invalid state transition")

// TransitionError describes a rejected status change.
type TransitionError struct {
	From   Status
	To     Status
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move order from %s to %s: %s", e.From, e.To, e.Reason)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

// Actor is who requests a transition.
type Actor string

const (
	ActorAdmin    Actor = "admin"
	ActorSystem   Actor = "system"
	ActorCustomer Actor = "customer"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusShipping, StatusCancelled},
	StatusShipping:   {StatusDelivered},
}

// CanTransition reports whether the status graph has an edge from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition validates a status change for o requested by actor. It
// enforces the graph, the customer restriction and the payment coupling.
func CheckTransition(o *Order, to Status, actor Actor) error {
	if !CanTransition(o.Status, to) {
		return &TransitionError{From: o.Status, To: to, Reason: "not allowed"}
	}
	if actor == ActorCustomer && (to != StatusCancelled || o.Status != StatusPending) {
		return &TransitionError{From: o.Status, To: to, Reason: "customers may only cancel pending orders"}
	}
	if to != StatusCancelled && o.PaymentMethod != PaymentCOD && o.PaymentStatus != PaymentCompleted {
		return &TransitionError{From: o.Status, To: to, Reason: "payment not completed"}
	}
	return nil
}

// Lifecycle applies status and payment-status changes to stored orders.
// Writers on the same order are serialised with a per-order lock.
type Lifecycle struct {
	orders Repository
	tx     Transactor
	events EventPublisher
	now    func() time.Time
}

// NewLifecycle creates a Lifecycle.
func NewLifecycle(orders Repository, tx Transactor, events EventPublisher) *Lifecycle {
	return &Lifecycle{orders: orders, tx: tx, events: events, now: time.Now}
}

// Transition moves orderID to status to. A customer must own the order;
// otherwise the order is reported as not found.
func (l *Lifecycle) Transition(ctx context.Context, orderID string, to Status, actor Actor, who cart.Identity) (*Order, error) {
	var (
		o  *Order
		ev Event
	)
	err := l.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := l.orders.Lock(ctx, orderID); err != nil {
			return errors.Wrap(err, "lock order")
		}
		var err error
		o, err = l.orders.Get(ctx, orderID)
		if err != nil {
			return err
		}
		if actor == ActorCustomer && !o.OwnedBy(who) {
			return ErrNotFound
		}
		ev, err = l.TransitionLocked(ctx, o, to, actor)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.publish(ctx, ev)
	return o, nil
}

// TransitionLocked applies the change to an order already locked by the
// caller's transaction and updates o in place. The returned event must be
// published after commit.
func (l *Lifecycle) TransitionLocked(ctx context.Context, o *Order, to Status, actor Actor) (Event, error) {
	if err := CheckTransition(o, to, actor); err != nil {
		return Event{}, err
	}
	if err := l.orders.UpdateStatus(ctx, o.ID, to); err != nil {
		return Event{}, errors.Wrap(err, "update status")
	}

	prev := o.Status
	o.Status = to
	o.UpdatedAt = l.now()

	zctx.From(ctx).Info("Order status changed",
		zap.String("order_id", o.ID),
		zap.String("from", string(prev)),
		zap.String("to", string(to)),
		zap.String("actor", string(actor)),
	)

	return Event{
		Type:           EventStatusChanged,
		OrderID:        o.ID,
		UserID:         o.UserID,
		Status:         to,
		PreviousStatus: prev,
		PaymentStatus:  o.PaymentStatus,
		Total:          o.Total,
		OccurredAt:     o.UpdatedAt,
	}, nil
}

// SetPaymentStatusLocked records a new payment status on an order locked by
// the caller's transaction. It reports false when nothing changed.
func (l *Lifecycle) SetPaymentStatusLocked(ctx context.Context, o *Order, status PaymentStatus) (Event, bool, error) {
	if o.PaymentStatus == status {
		return Event{}, false, nil
	}
	if err := l.orders.UpdatePaymentStatus(ctx, o.ID, status); err != nil {
		return Event{}, false, errors.Wrap(err, "update payment status")
	}

	prev := o.PaymentStatus
	o.PaymentStatus = status
	o.UpdatedAt = l.now()

	zctx.From(ctx).Info("Order payment status changed",
		zap.String("order_id", o.ID),
		zap.String("from", string(prev)),
		zap.String("to", string(status)),
	)

	return Event{
		Type:                  EventPaymentStatusChanged,
		OrderID:               o.ID,
		UserID:                o.UserID,
		Status:                o.Status,
		PaymentStatus:         status,
		PreviousPaymentStatus: prev,
		Total:                 o.Total,
		OccurredAt:            o.UpdatedAt,
	}, true, nil
}

// MarkCashCollected records that a cash-on-delivery order has been paid.
// Marking an already paid order again is a no-op.
func (l *Lifecycle) MarkCashCollected(ctx context.Context, orderID string) (*Order, error) {
	var (
		o       *Order
		ev      Event
		changed bool
	)
	err := l.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := l.orders.Lock(ctx, orderID); err != nil {
			return errors.Wrap(err, "lock order")
		}
		var err error
		o, err = l.orders.Get(ctx, orderID)
		if err != nil {
			return err
		}
		if o.PaymentMethod != PaymentCOD {
			return ErrNotCashOrder
		}
		if o.Status == StatusCancelled {
			return ErrOrderCancelled
		}
		ev, changed, err = l.SetPaymentStatusLocked(ctx, o, PaymentCompleted)
		return err
	})
	if err != nil {
		return nil, err
	}

	if changed {
		l.publish(ctx, ev)
	}
	return o, nil
}

// Publish sends events collected inside a committed transaction.
func (l *Lifecycle) Publish(ctx context.Context, events ...Event) {
	for _, ev := range events {
		l.publish(ctx, ev)
	}
}

func (l *Lifecycle) publish(ctx context.Context, ev Event) {
	if err := l.events.Publish(ctx, ev); err != nil {
		zctx.From(ctx).Warn("Publish order event",
			zap.String("type", string(ev.Type)),
			zap.String("order_id", ev.OrderID),
			zap.Error(err),
		)
	}
}
