package discount

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Engine validates discount codes and redeems them at checkout.
type Engine struct {
	repo     Repository
	now      func() time.Time
	exponent int32
}

// Option configures an Engine.
type Option func(*Engine)

// WithCurrencyExponent sets the minor-unit exponent amounts are rounded to.
// The default is 0, whole currency units.
func WithCurrencyExponent(exponent int32) Option {
	return func(e *Engine) { e.exponent = exponent }
}

// NewEngine creates an Engine backed by the given Repository.
func NewEngine(repo Repository, opts ...Option) *Engine {
	e := &Engine{repo: repo, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Amount is ComputeAmount in the engine's currency.
func (e *Engine) Amount(c *Code, subtotal decimal.Decimal) decimal.Decimal {
	return ComputeAmount(c, subtotal, e.exponent)
}

// Validate runs the eligibility checks in order and stops at the first
// failure. userID may be empty for anonymous shoppers, in which case the
// one-time-use check is skipped. Validation never touches usage counters.
func (e *Engine) Validate(ctx context.Context, code string, subtotal decimal.Decimal, userID string) (*Code, error) {
	return e.validate(ctx, e.repo.FindByCode, code, subtotal, userID)
}

// ValidateForUpdate is Validate with the code row locked for the rest of the
// caller's transaction.
func (e *Engine) ValidateForUpdate(ctx context.Context, code string, subtotal decimal.Decimal, userID string) (*Code, error) {
	return e.validate(ctx, e.repo.FindByCodeForUpdate, code, subtotal, userID)
}

// Quote validates code and computes its amount for subtotal.
func (e *Engine) Quote(ctx context.Context, code string, subtotal decimal.Decimal, userID string) (*Quote, error) {
	c, err := e.Validate(ctx, code, subtotal, userID)
	if err != nil {
		return nil, err
	}
	return &Quote{Code: c, Amount: e.Amount(c, subtotal)}, nil
}

// Redeem records that orderID used the code. It must run in the same
// transaction that persisted the order.
func (e *Engine) Redeem(ctx context.Context, c *Code, userID, orderID string) error {
	ok, err := e.repo.IncrementUsage(ctx, c.ID)
	if err != nil {
		return errors.Wrap(err, "increment usage")
	}
	if !ok {
		return &Error{Reason: ReasonUsageLimitReached, Code: c.Code}
	}
	if err := e.repo.RecordUsage(ctx, Usage{CodeID: c.ID, UserID: userID, OrderID: orderID}); err != nil {
		return errors.Wrap(err, "record usage")
	}
	return nil
}

type findFunc func(ctx context.Context, code string) (*Code, error)

func (e *Engine) validate(ctx context.Context, find findFunc, code string, subtotal decimal.Decimal, userID string) (*Code, error) {
	normalized := Normalize(code)
	if normalized == "" {
		return nil, &Error{Reason: ReasonCodeNotFound, Code: normalized}
	}

	c, err := find(ctx, normalized)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &Error{Reason: ReasonCodeNotFound, Code: normalized}
		}
		return nil, errors.Wrap(err, "lookup discount code")
	}

	if !c.Active {
		return nil, &Error{Reason: ReasonCodeInactive, Code: c.Code}
	}

	now := e.now()
	if now.Before(c.StartsAt) {
		return nil, &Error{Reason: ReasonCodeNotYetActive, Code: c.Code}
	}
	if now.After(c.EndsAt) {
		return nil, &Error{Reason: ReasonCodeExpired, Code: c.Code}
	}

	if c.UsageLimit != nil && c.UsageCount >= *c.UsageLimit {
		return nil, &Error{Reason: ReasonUsageLimitReached, Code: c.Code}
	}

	if c.OneTimeUse && userID != "" {
		used, err := e.repo.HasUsage(ctx, c.ID, userID)
		if err != nil {
			return nil, errors.Wrap(err, "check usage")
		}
		if used {
			return nil, &Error{Reason: ReasonAlreadyUsedByUser, Code: c.Code}
		}
	}

	if subtotal.LessThan(c.MinOrderValue) {
		return nil, &Error{Reason: ReasonMinimumOrderNotMet, Code: c.Code, MinOrderValue: c.MinOrderValue}
	}

	return c, nil
}
