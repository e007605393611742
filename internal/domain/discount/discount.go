package discount

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Type enumerates the supported discount strategies.
type Type string

const (
	// TypePercentage takes a percentage of the subtotal, optionally capped.
	TypePercentage Type = "percentage"
	// TypeFixedAmount takes a fixed amount, never more than the subtotal.
	TypeFixedAmount Type = "fixed_amount"
)

// Valid reports whether t is a known discount type.
func (t Type) Valid() bool {
	return t == TypePercentage || t == TypeFixedAmount
}

// Reason identifies why a code was rejected.
type Reason string

const (
	ReasonCodeNotFound       Reason = "code_not_found"
	ReasonCodeInactive       Reason = "code_inactive"
	ReasonCodeExpired        Reason = "code_expired"
	ReasonCodeNotYetActive   Reason = "code_not_yet_active"
	ReasonUsageLimitReached  Reason = "usage_limit_reached"
	ReasonAlreadyUsedByUser  Reason = "already_used_by_user"
	ReasonMinimumOrderNotMet Reason = "minimum_order_not_met"
)

// Error is a structured validation failure that callers surface to the user.
type Error struct {
	Reason Reason
	Code   string
	// MinOrderValue is set for ReasonMinimumOrderNotMet.
	MinOrderValue decimal.Decimal
}

func (e *Error) Error() string {
	switch e.Reason {
	case ReasonCodeNotFound:
		return fmt.Sprintf("discount code %q not found", e.Code)
	case ReasonCodeInactive:
		return fmt.Sprintf("discount code %q is inactive", e.Code)
	case ReasonCodeExpired:
		return fmt.Sprintf("discount code %q has expired", e.Code)
	case ReasonCodeNotYetActive:
		return fmt.Sprintf("discount code %q is not active yet", e.Code)
	case ReasonUsageLimitReached:
		return fmt.Sprintf("discount code %q usage limit reached", e.Code)
	case ReasonAlreadyUsedByUser:
		return fmt.Sprintf("discount code %q already used", e.Code)
	case ReasonMinimumOrderNotMet:
		return fmt.Sprintf("order subtotal must be at least %s to use %q", e.MinOrderValue.String(), e.Code)
	default:
		return fmt.Sprintf("discount code %q rejected: %s", e.Code, e.Reason)
	}
}

// Is matches any *Error with the same Reason, so the sentinels below work
// with errors.Is regardless of code or minimum.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Reason == e.Reason
}

// Sentinels for errors.Is matching.
var (
	ErrCodeNotFound       = &Error{Reason: ReasonCodeNotFound}
	ErrCodeInactive       = &Error{Reason: ReasonCodeInactive}
	ErrCodeExpired        = &Error{Reason: ReasonCodeExpired}
	ErrCodeNotYetActive   = &Error{Reason: ReasonCodeNotYetActive}
	ErrUsageLimitReached  = &Error{Reason: ReasonUsageLimitReached}
	ErrAlreadyUsedByUser  = &Error{Reason: ReasonAlreadyUsedByUser}
	ErrMinimumOrderNotMet = &Error{Reason: ReasonMinimumOrderNotMet}
)

// ErrNotFound is returned by repositories for an unknown code.
var ErrNotFound = errors.New("discount code not found")

// Code is a discount code definition together with its usage counter.
type Code struct {
	ID                string
	Code              string
	Type              Type
	Value             decimal.Decimal
	MinOrderValue     decimal.Decimal
	MaxDiscountAmount *decimal.Decimal
	StartsAt          time.Time
	EndsAt            time.Time
	Active            bool
	UsageLimit        *int
	UsageCount        int
	OneTimeUse        bool
	Description       string
}

// Usage is the audit row written when an order redeems a code.
type Usage struct {
	CodeID  string
	UserID  string
	OrderID string
}

// Quote is a validated code plus the amount it takes off a given subtotal.
type Quote struct {
	Code   *Code
	Amount decimal.Decimal
}

// Normalize returns the canonical storage form of a user-entered code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Repository provides lookup and redemption of discount codes.
type Repository interface {
	FindByCode(ctx context.Context, code string) (*Code, error)
	// FindByCodeForUpdate locks the code row until the enclosing transaction ends.
	FindByCodeForUpdate(ctx context.Context, code string) (*Code, error)
	HasUsage(ctx context.Context, codeID, userID string) (bool, error)
	// IncrementUsage bumps usage_count unless the limit is already reached and
	// reports whether the increment happened.
	IncrementUsage(ctx context.Context, codeID string) (bool, error)
	RecordUsage(ctx context.Context, u Usage) error
}
