package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/discount"
)

const (
	discountColumns = `id::text, code, discount_type, discount_value, min_order_value, max_discount_amount,
		starts_at, ends_at, active, usage_limit, usage_count, one_time_use, description`

	getDiscountByCodeSQL = `SELECT ` + discountColumns + ` FROM discount_codes WHERE code = $1`

	getDiscountByCodeForUpdateSQL = getDiscountByCodeSQL + ` FOR UPDATE`

	hasDiscountUsageSQL = `SELECT EXISTS (
		SELECT 1 FROM discount_usages WHERE discount_code_id = $1 AND user_id = $2)`

	incrementDiscountUsageSQL = `UPDATE discount_codes SET usage_count = usage_count + 1
		WHERE id = $1 AND (usage_limit IS NULL OR usage_count < usage_limit)`

	insertDiscountUsageSQL = `INSERT INTO discount_usages (discount_code_id, user_id, order_id)
		VALUES ($1, NULLIF($2, ''), $3)`

	upsertDiscountSQL = `INSERT INTO discount_codes (id, code, discount_type, discount_value, min_order_value,
			max_discount_amount, starts_at, ends_at, active, usage_limit, one_time_use, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (code) DO UPDATE SET
			discount_type = excluded.discount_type, discount_value = excluded.discount_value,
			min_order_value = excluded.min_order_value, max_discount_amount = excluded.max_discount_amount,
			starts_at = excluded.starts_at, ends_at = excluded.ends_at, active = excluded.active,
			usage_limit = excluded.usage_limit, one_time_use = excluded.one_time_use,
			description = excluded.description`
)

var _ discount.Repository = (*DiscountRepository)(nil)

// DiscountRepository implements discount.Repository backed by PostgreSQL.
type DiscountRepository struct {
	db DB
}

// NewDiscountRepository returns a DiscountRepository that uses the given pool.
func NewDiscountRepository(db DB) *DiscountRepository {
	return &DiscountRepository{db: db}
}

// FindByCode looks up a code in its normalized upper-case form.
func (r *DiscountRepository) FindByCode(ctx context.Context, code string) (*discount.Code, error) {
	return r.find(ctx, getDiscountByCodeSQL, code)
}

// FindByCodeForUpdate is FindByCode with a row lock. It must run inside a
// transaction to hold the lock past the statement.
func (r *DiscountRepository) FindByCodeForUpdate(ctx context.Context, code string) (*discount.Code, error) {
	return r.find(ctx, getDiscountByCodeForUpdateSQL, code)
}

func (r *DiscountRepository) find(ctx context.Context, query, code string) (*discount.Code, error) {
	rows, err := conn(ctx, r.db).Query(ctx, query, code)
	if err != nil {
		return nil, fmt.Errorf("finding discount code %q: %w", code, err)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanDiscountCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, discount.ErrNotFound
		}
		return nil, fmt.Errorf("finding discount code %q: %w", code, err)
	}
	return &c, nil
}

// HasUsage reports whether userID already redeemed the code.
func (r *DiscountRepository) HasUsage(ctx context.Context, codeID, userID string) (bool, error) {
	var used bool
	if err := conn(ctx, r.db).QueryRow(ctx, hasDiscountUsageSQL, codeID, userID).Scan(&used); err != nil {
		return false, fmt.Errorf("checking usage of %s by %s: %w", codeID, userID, err)
	}
	return used, nil
}

// IncrementUsage bumps usage_count unless the limit is reached.
func (r *DiscountRepository) IncrementUsage(ctx context.Context, codeID string) (bool, error) {
	tag, err := conn(ctx, r.db).Exec(ctx, incrementDiscountUsageSQL, codeID)
	if err != nil {
		return false, fmt.Errorf("incrementing usage of %s: %w", codeID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordUsage writes the audit row for a redemption.
func (r *DiscountRepository) RecordUsage(ctx context.Context, u discount.Usage) error {
	if _, err := conn(ctx, r.db).Exec(ctx, insertDiscountUsageSQL, u.CodeID, u.UserID, u.OrderID); err != nil {
		return fmt.Errorf("recording usage of %s: %w", u.CodeID, err)
	}
	return nil
}

// Upsert creates or replaces a code definition keyed by its code. The usage
// counter of an existing code is kept.
func (r *DiscountRepository) Upsert(ctx context.Context, c discount.Code) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	var usageLimit *int32
	if c.UsageLimit != nil {
		v := int32(*c.UsageLimit)
		usageLimit = &v
	}
	maxDiscount := decimal.NullDecimal{}
	if c.MaxDiscountAmount != nil {
		maxDiscount = decimal.NewNullDecimal(*c.MaxDiscountAmount)
	}

	_, err := conn(ctx, r.db).Exec(ctx, upsertDiscountSQL,
		c.ID, discount.Normalize(c.Code), string(c.Type), c.Value, c.MinOrderValue,
		maxDiscount, c.StartsAt, c.EndsAt, c.Active, usageLimit, c.OneTimeUse, c.Description,
	)
	if err != nil {
		return fmt.Errorf("upserting discount code %q: %w", c.Code, err)
	}
	return nil
}

func scanDiscountCode(row pgx.CollectableRow) (discount.Code, error) {
	var (
		c            discount.Code
		discountType string
		value        decimal.Decimal
		minOrder     decimal.Decimal
		maxDiscount  decimal.NullDecimal
		startsAt     time.Time
		endsAt       time.Time
		usageLimit   *int32
		usageCount   int32
	)
	err := row.Scan(
		&c.ID, &c.Code, &discountType, &value, &minOrder, &maxDiscount,
		&startsAt, &endsAt, &c.Active, &usageLimit, &usageCount, &c.OneTimeUse, &c.Description,
	)
	c.Type = discount.Type(discountType)
	c.Value = value
	c.MinOrderValue = minOrder
	if maxDiscount.Valid {
		c.MaxDiscountAmount = &maxDiscount.Decimal
	}
	c.StartsAt = startsAt
	c.EndsAt = endsAt
	if usageLimit != nil {
		limit := int(*usageLimit)
		c.UsageLimit = &limit
	}
	c.UsageCount = int(usageCount)
	return c, err
}
