package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/cart"
)

// Status is the fulfillment state of an order.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusShipping   Status = "shipping"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
)

// ParseStatus validates a status received from outside.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusProcessing, StatusShipping, StatusDelivered, StatusCancelled:
		return st, nil
	default:
		return "", errors.Errorf("unknown order status %q", s)
	}
}

// PaymentStatus is the payment axis, orthogonal to Status.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// PaymentMethod is how the customer pays.
type PaymentMethod string

const (
	PaymentCOD  PaymentMethod = "cod"
	PaymentCard PaymentMethod = "card"
)

// ParsePaymentMethod validates a payment method received from outside.
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	switch m := PaymentMethod(s); m {
	case PaymentCOD, PaymentCard:
		return m, nil
	default:
		return "", ErrInvalidPaymentMethod
	}
}

// Sentinel errors for order formation and lookup.
var (
	ErrNotFound             = errors.New("order not found")
	ErrEmptyCart            = errors.New("cart is empty")
	ErrInvalidPaymentMethod = errors.New("payment method must be cod or card")
	ErrOrderCancelled       = errors.New("order is cancelled")
	ErrNotCashOrder         = errors.New("order is not cash on delivery")
)

// ShippingError reports a missing or malformed shipping field.
type ShippingError struct {
	Field string
}

func (e *ShippingError) Error() string {
	return fmt.Sprintf("shipping %s is required", e.Field)
}

// OutOfStockError indicates a cart line asks for more units than are in stock.
type OutOfStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("product %s: requested %d, only %d in stock", e.ProductID, e.Requested, e.Available)
}

// ProductNotFoundError indicates a cart line references a product that has
// left the catalog.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// ShippingInfo is where and to whom the order ships.
type ShippingInfo struct {
	Name    string
	Phone   string
	Email   string
	Address string
	City    string
}

// Validate checks required fields.
func (s ShippingInfo) Validate() error {
	switch {
	case strings.TrimSpace(s.Name) == "":
		return &ShippingError{Field: "name"}
	case strings.TrimSpace(s.Phone) == "":
		return &ShippingError{Field: "phone"}
	case strings.TrimSpace(s.Address) == "":
		return &ShippingError{Field: "address"}
	}
	return nil
}

// Line is a snapshot of a cart line at order time. Later catalog changes do
// not affect it.
type Line struct {
	ProductID string
	Name      string
	ImageURL  string
	UnitPrice decimal.Decimal
	Quantity  int
	LineTotal decimal.Decimal
}

// Order is a placed order.
type Order struct {
	ID              string
	UserID          string
	SessionToken    string
	Lines           []Line
	Subtotal        decimal.Decimal
	ShippingFee     decimal.Decimal
	DiscountCode    string
	DiscountAmount  decimal.Decimal
	Total           decimal.Decimal
	Status          Status
	PaymentStatus   PaymentStatus
	PaymentMethod   PaymentMethod
	PaymentIntentID string
	Shipping        ShippingInfo
	Notes           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OwnedBy reports whether id may see the order. Orders placed by a user
// belong to that user only; anonymous orders belong to the session.
func (o *Order) OwnedBy(id cart.Identity) bool {
	if o.UserID != "" {
		return o.UserID == id.UserID
	}
	return o.SessionToken != "" && o.SessionToken == id.SessionToken
}

// Repository persists orders.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	GetByPaymentIntent(ctx context.Context, intentID string) (*Order, error)
	// Lock serialises writers on one order until the transaction ends.
	Lock(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id string, status Status) error
	UpdatePaymentStatus(ctx context.Context, id string, status PaymentStatus) error
	SetPaymentIntent(ctx context.Context, id, intentID string) error
}

// Transactor runs fn inside a single database transaction.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// EventType names an order event on the bus.
type EventType string

const (
	EventPlaced               EventType = "order.placed"
	EventStatusChanged        EventType = "order.status_changed"
	EventPaymentStatusChanged EventType = "order.payment_status_changed"
	// EventRefundRequired is emitted when a payment completes on an order
	// that was already cancelled.
	EventRefundRequired EventType = "order.refund_required"
)

// Event notifies subscribers of an order change.
type Event struct {
	Type                  EventType
	OrderID               string
	UserID                string
	Status                Status
	PreviousStatus        Status
	PaymentStatus         PaymentStatus
	PreviousPaymentStatus PaymentStatus
	Total                 decimal.Decimal
	OccurredAt            time.Time
}

// EventPublisher delivers order events. Publishing happens after commit and
// failures are logged, never returned to the caller.
type EventPublisher interface {
	Publish(ctx context.Context, e Event) error
}
