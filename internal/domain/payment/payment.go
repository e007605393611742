package payment

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/order"
)

// IntentStatus is the processor's status vocabulary for a payment intent.
type IntentStatus string

const (
	IntentSucceeded             IntentStatus = "succeeded"
	IntentProcessing            IntentStatus = "processing"
	IntentRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentRequiresAction        IntentStatus = "requires_action"
	IntentRequiresConfirmation  IntentStatus = "requires_confirmation"
	IntentRequiresCapture       IntentStatus = "requires_capture"
	IntentCanceled              IntentStatus = "canceled"
)

var (
	ErrIntentCreationFailed = errors.New("payment intent creation failed")
	ErrIntentNotFound       = errors.New("payment intent not found")
	ErrNotCardOrder         = errors.New("order is not paid by card")
	ErrNothingToCharge      = errors.New("order total is zero, payment recorded as completed")
	ErrOrderNotPayable      = errors.New("order no longer accepts payment")
	ErrUnknownStatus        = errors.New("unknown payment intent status")
)

// MapStatus folds the processor vocabulary onto the order's payment axis.
func MapStatus(s IntentStatus) (order.PaymentStatus, error) {
	switch s {
	case IntentSucceeded:
		return order.PaymentCompleted, nil
	case IntentProcessing, IntentRequiresAction, IntentRequiresConfirmation, IntentRequiresCapture:
		return order.PaymentPending, nil
	case IntentRequiresPaymentMethod, IntentCanceled:
		return order.PaymentFailed, nil
	default:
		return "", errors.Wrapf(ErrUnknownStatus, "%q", s)
	}
}

// Intent is the processor's handle for an attempted charge.
type Intent struct {
	ID           string
	ClientSecret string
	Status       IntentStatus
	Amount       int64
	Currency     string
}

// CreateIntentParams describes a charge to set up.
type CreateIntentParams struct {
	OrderID        string
	Amount         int64
	Currency       string
	IdempotencyKey string
}

// Processor is the external card-payment processor.
type Processor interface {
	CreateIntent(ctx context.Context, p CreateIntentParams) (*Intent, error)
	// GetIntent returns ErrIntentNotFound for unknown ids.
	GetIntent(ctx context.Context, id string) (*Intent, error)
}

// Notification is a verified, decoded processor webhook event.
type Notification struct {
	EventID  string
	Type     string
	IntentID string
	Status   IntentStatus
}

// DedupStore remembers processed webhook event ids.
type DedupStore interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

// MinorUnits converts an amount to integer minor units for the given
// currency exponent (0 for VND, 2 for USD).
func MinorUnits(amount decimal.Decimal, exponent int32) int64 {
	return amount.Shift(exponent).Round(0).IntPart()
}
